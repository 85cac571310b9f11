package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/bilbercode/camstream/internal/format"
)

var fourCC = map[format.Codec]string{
	format.CodecVP8: "VP80",
	format.CodecVP9: "VP90",
}

// IVFSource replays a VP8 or VP9 IVF file using the file timebase.
type IVFSource struct {
	codec  format.Codec
	opts   Options
	in     io.ReadSeeker
	closer io.Closer
	reader *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader
	offset time.Duration
	last   time.Duration
	pacer  *pacer
}

func NewIVFSource(codec format.Codec, in io.ReadSeeker, opts Options) (*IVFSource, error) {
	want, ok := fourCC[codec]
	if !ok {
		return nil, fmt.Errorf("%w: ivf source does not carry %s", ErrSourceCreation, codec)
	}
	reader, header, err := ivfreader.NewWith(in)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read ivf header: %w", ErrSourceCreation, err)
	}
	if header.FourCC != want {
		return nil, fmt.Errorf("%w: ivf file carries %s, expected %s", ErrSourceCreation, header.FourCC, want)
	}
	if header.TimebaseDenominator == 0 {
		return nil, fmt.Errorf("%w: ivf timebase is zero", ErrSourceCreation)
	}
	return &IVFSource{
		codec:  codec,
		opts:   opts,
		in:     in,
		reader: reader,
		header: header,
		pacer:  newPacer(),
	}, nil
}

func OpenIVFFile(codec format.Codec, opts Options) (*IVFSource, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceCreation, err)
	}
	src, err := NewIVFSource(codec, f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	src.closer = f
	return src, nil
}

func (s *IVFSource) Codec() format.Codec {
	return s.codec
}

func (s *IVFSource) NextFrame() (*Frame, error) {
	rewound := false
	for {
		if s.pacer.closed() {
			return nil, ErrClosed
		}
		payload, fh, err := s.reader.ParseNextFrame()
		switch {
		case errors.Is(err, io.EOF) && s.opts.Loop && !rewound:
			if err := s.rewind(); err != nil {
				return nil, err
			}
			rewound = true
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, io.EOF
		case err != nil:
			return nil, fmt.Errorf("failed to parse ivf frame: %w", err)
		}
		rewound = false

		ts := s.offset + s.timestamp(fh.Timestamp)
		s.last = ts
		if len(payload) > s.opts.maxFrameSize() {
			continue
		}
		if s.opts.Realtime {
			if err := s.pacer.wait(ts); err != nil {
				return nil, err
			}
		}
		return &Frame{Data: payload, Timestamp: ts, Key: s.keyframe(payload)}, nil
	}
}

// timestamp splits pts*timebase into whole and fractional seconds so large
// presentation times do not overflow.
func (s *IVFSource) timestamp(pts uint64) time.Duration {
	num := pts * uint64(s.header.TimebaseNumerator)
	den := uint64(s.header.TimebaseDenominator)
	return time.Duration(num/den)*time.Second + time.Duration(num%den*uint64(time.Second)/den)
}

func (s *IVFSource) frameDuration() time.Duration {
	if d := s.timestamp(1); d > 0 {
		return d
	}
	return time.Duration(float64(time.Second) / s.opts.fps())
}

func (s *IVFSource) rewind() error {
	if _, err := s.in.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind ivf file: %w", err)
	}
	reader, _, err := ivfreader.NewWith(s.in)
	if err != nil {
		return fmt.Errorf("failed to re-read ivf header: %w", err)
	}
	s.reader = reader
	s.offset = s.last + s.frameDuration()
	return nil
}

// keyframe only inspects VP8, where bit 0 of the frame tag is clear for key
// frames. VP9 frames are reported as non key.
func (s *IVFSource) keyframe(payload []byte) bool {
	if s.codec != format.CodecVP8 || len(payload) == 0 {
		return false
	}
	return payload[0]&0x01 == 0
}

func (s *IVFSource) Close() error {
	s.pacer.close()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
