package device

import (
	"errors"
	"time"

	"github.com/bilbercode/camstream/internal/format"
)

const (
	DefaultMaxFrameSize = 100000
	DefaultFPS          = 25
)

var (
	ErrSourceCreation = errors.New("unable to create source")
	ErrClosed         = errors.New("source closed")
)

// Source is a pull based producer of access units for a single camera.
// NextFrame returns io.EOF once the stream has ended.
type Source interface {
	Codec() format.Codec
	NextFrame() (*Frame, error)
	Close() error
}

type Frame struct {
	Data      []byte
	Timestamp time.Duration
	Key       bool
}

type Options struct {
	Path         string
	FPS          float64
	Loop         bool
	Realtime     bool
	RepeatConfig bool
	MaxFrameSize int
}

func (o Options) maxFrameSize() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func (o Options) fps() float64 {
	if o.FPS <= 0 {
		return DefaultFPS
	}
	return o.FPS
}
