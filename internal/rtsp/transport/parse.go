package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse reads every value of a Transport header. Comma separated
// alternatives inside one value become separate options.
func Parse(values []string) (Header, error) {
	var opts []Option
	for _, value := range values {
		for _, alt := range strings.Split(value, ",") {
			alt = strings.TrimSpace(alt)
			if alt == "" {
				continue
			}
			o, err := parseOption(alt)
			if err != nil {
				return nil, err
			}
			opts = append(opts, o)
		}
	}
	if len(opts) == 0 {
		return nil, ErrMalformed
	}

	return &header{options: opts}, nil
}

func parseOption(in string) (Option, error) {
	parts := strings.Split(in, ";")
	opt := &option{}
	switch strings.ToUpper(parts[0]) {
	case "RTP/AVP", "RTP/AVP/UDP":
		opt.protocol = ProtocolUDP
	case "RTP/AVP/TCP":
		opt.protocol = ProtocolTCP
	default:
		return nil, ErrUnsupportedTransport
	}

	for _, part := range parts[1:] {
		key, value, hasValue := strings.Cut(strings.TrimSpace(part), "=")
		switch key {
		case "":
			continue
		case "unicast":
			opt.unicast = true
		case "multicast":
			opt.unicast = false
		case "destination":
			opt.params = append(opt.params, Destination(value))
		case "append":
			opt.params = append(opt.params, Append(""))
		case "interleaved", "port", "client_port", "server_port":
			if !hasValue {
				return nil, fmt.Errorf("%w: parameter %s expected at least one value", ErrMalformed, key)
			}
			r, err := parseRange(value)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrMalformed, key, err)
			}
			switch key {
			case "interleaved":
				opt.params = append(opt.params, Interleaved(r))
			case "port":
				opt.params = append(opt.params, Port(r))
			case "client_port":
				opt.params = append(opt.params, ClientPort(r))
			case "server_port":
				opt.params = append(opt.params, ServerPort(r))
			}
		case "ttl":
			seconds, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse TTL value: %w", ErrMalformed, err)
			}
			opt.params = append(opt.params, TTL(time.Second*time.Duration(seconds)))
		case "layers":
			layers, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse layers value: %w", ErrMalformed, err)
			}
			opt.params = append(opt.params, Layers(layers))
		case "ssrc":
			ssrc, err := strconv.ParseUint(value, 16, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse ssrc value: %w", ErrMalformed, err)
			}
			opt.params = append(opt.params, SSRC(ssrc))
		case "mode":
			if !hasValue {
				return nil, fmt.Errorf("%w: parameter mode expected a value", ErrMalformed)
			}
			opt.params = append(opt.params, Mode(strings.Trim(value, `"`)))
		default:
			// unknown parameters are ignored, RFC 2326 section 12.39
		}
	}
	return opt, nil
}

func parseRange(value string) ([]int, error) {
	var out []int
	for _, s := range strings.SplitN(value, "-", 2) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
