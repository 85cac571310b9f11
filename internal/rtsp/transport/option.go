package transport

import "strings"

type option struct {
	unicast  bool
	protocol Protocol
	params   []Parameter
}

// NewOption builds a reply option, e.g. the server side of a SETUP.
func NewOption(protocol Protocol, params ...Parameter) Option {
	return &option{unicast: true, protocol: protocol, params: params}
}

func (o *option) Protocol() Protocol {
	return o.protocol
}

func (o *option) IsUnicast() bool {
	return o.unicast
}

func (o *option) Parameters() []Parameter {
	return o.params
}

func (o *option) Interleaved() (Interleaved, bool) {
	for _, p := range o.params {
		if il, ok := p.(Interleaved); ok {
			return il, true
		}
	}
	return nil, false
}

func (o *option) ClientPort() (ClientPort, bool) {
	for _, p := range o.params {
		if cp, ok := p.(ClientPort); ok {
			return cp, true
		}
	}
	return nil, false
}

func (o *option) String() string {
	segments := []string{"RTP/AVP"}
	if o.protocol == ProtocolTCP {
		segments[0] += "/TCP"
	}
	if o.unicast {
		segments = append(segments, "unicast")
	}

	for _, param := range o.params {
		segments = append(segments, param.String())
	}

	return strings.Join(segments, ";")
}
