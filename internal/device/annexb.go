package device

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/format"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// SplitAnnexB returns the NAL units of an Annex-B byte stream without their
// start codes. Both 3 and 4 byte start codes are recognised.
func SplitAnnexB(data []byte) [][]byte {
	var (
		units [][]byte
		start = -1
		n     = len(data)
	)
	i := 0
	for i+2 < n {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		scLen := 0
		switch {
		case data[i+2] == 1:
			scLen = 3
		case i+3 < n && data[i+2] == 0 && data[i+3] == 1:
			scLen = 4
		default:
			i++
			continue
		}
		if start >= 0 && i > start {
			units = append(units, data[start:i])
		}
		i += scLen
		start = i
	}
	if start >= 0 && start < n {
		units = append(units, data[start:])
	}
	return units
}

type nalKind int

const (
	nalOther nalKind = iota
	nalParameterSet
	nalVCL
	nalKeyVCL
)

func classifyH264(nal []byte) nalKind {
	switch nal[0] & 0x1F {
	case 5:
		return nalKeyVCL
	case 1, 2, 3, 4:
		return nalVCL
	case 7, 8:
		return nalParameterSet
	}
	return nalOther
}

func classifyH265(nal []byte) nalKind {
	t := (nal[0] >> 1) & 0x3F
	switch {
	case t >= 16 && t <= 21:
		return nalKeyVCL
	case t <= 31:
		return nalVCL
	case t >= 32 && t <= 34:
		return nalParameterSet
	}
	return nalOther
}

// AnnexBSource replays an H.264 or H.265 elementary stream. Every VCL NAL
// unit closes an access unit; preceding non VCL units travel with it.
type AnnexBSource struct {
	codec    format.Codec
	opts     Options
	classify func([]byte) nalKind
	nals     [][]byte
	pos      int
	frame    int64
	params   [][]byte
	pacer    *pacer
}

func NewAnnexBSource(codec format.Codec, r io.Reader, opts Options) (*AnnexBSource, error) {
	var classify func([]byte) nalKind
	switch codec {
	case format.CodecH264:
		classify = classifyH264
	case format.CodecHEVC:
		classify = classifyH265
	default:
		return nil, fmt.Errorf("%w: annex-b source does not carry %s", ErrSourceCreation, codec)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read elementary stream: %w", ErrSourceCreation, err)
	}

	minLen := 1
	if codec == format.CodecHEVC {
		minLen = 2
	}
	var nals [][]byte
	for _, nal := range SplitAnnexB(data) {
		if len(nal) >= minLen {
			nals = append(nals, nal)
		}
	}
	vcl := false
	for _, nal := range nals {
		if k := classify(nal); k == nalVCL || k == nalKeyVCL {
			vcl = true
			break
		}
	}
	if !vcl {
		return nil, fmt.Errorf("%w: no coded slices found", ErrSourceCreation)
	}

	return &AnnexBSource{
		codec:    codec,
		opts:     opts,
		classify: classify,
		nals:     nals,
		pacer:    newPacer(),
	}, nil
}

func OpenAnnexBFile(codec format.Codec, opts Options) (*AnnexBSource, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceCreation, err)
	}
	defer f.Close()
	return NewAnnexBSource(codec, f, opts)
}

func (s *AnnexBSource) Codec() format.Codec {
	return s.codec
}

func (s *AnnexBSource) NextFrame() (*Frame, error) {
	for {
		if s.pacer.closed() {
			return nil, ErrClosed
		}
		units, key, hasParams, ok := s.nextAccessUnit()
		if !ok {
			return nil, io.EOF
		}

		if key && s.opts.RepeatConfig && !hasParams && len(s.params) > 0 {
			units = append(append([][]byte{}, s.params...), units...)
		}

		data := make([]byte, 0, s.size(units))
		for _, u := range units {
			data = append(data, startCode...)
			data = append(data, u...)
		}

		ts := s.timestamp()
		s.frame++
		if len(data) > s.opts.maxFrameSize() {
			log.WithFields(log.Fields{
				"codec": s.codec,
				"size":  len(data),
				"max":   s.opts.maxFrameSize(),
			}).Warn("dropping oversized access unit")
			continue
		}

		if s.opts.Realtime {
			if err := s.pacer.wait(ts); err != nil {
				return nil, err
			}
		}
		return &Frame{Data: data, Timestamp: ts, Key: key}, nil
	}
}

func (s *AnnexBSource) nextAccessUnit() (units [][]byte, key bool, hasParams bool, ok bool) {
	var params [][]byte
	for {
		if s.pos >= len(s.nals) {
			// Trailing non VCL units have no slice to travel with. A looping
			// source carries them into the first access unit after the rewind.
			if !s.opts.Loop {
				return nil, false, false, false
			}
			s.pos = 0
			params = nil
		}
		nal := s.nals[s.pos]
		s.pos++
		units = append(units, nal)

		switch s.classify(nal) {
		case nalParameterSet:
			hasParams = true
			params = append(params, nal)
		case nalKeyVCL:
			key = true
			fallthrough
		case nalVCL:
			if len(params) > 0 {
				s.params = params
			}
			return units, key, hasParams, true
		}
	}
}

func (s *AnnexBSource) timestamp() time.Duration {
	return time.Duration(float64(s.frame) * float64(time.Second) / s.opts.fps())
}

func (s *AnnexBSource) size(units [][]byte) int {
	n := 0
	for _, u := range units {
		n += len(u) + len(startCode)
	}
	return n
}

func (s *AnnexBSource) Close() error {
	s.pacer.close()
	return nil
}
