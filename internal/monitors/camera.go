package monitors

import (
	"github.com/bilbercode/camstream/internal/camera"
	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
)

// Camera describes how the monitor is served. An unknown codec is passed
// on as format.CodecUnknown so stream creation reports it.
func (m *Meta) Camera() camera.Monitor {
	codec, err := format.ParseCodec(m.Codec)
	if err != nil {
		codec = format.CodecUnknown
	}
	opts := device.Options{
		Path:     m.Source,
		FPS:      m.FPS,
		Loop:     m.Loop,
		Realtime: true,
	}
	return camera.Monitor{
		ID:    m.ID,
		Name:  m.Name,
		Codec: codec,
		Muxed: m.Muxed,
		Sources: func(c format.Codec) (device.Source, error) {
			return device.Open(c, opts)
		},
	}
}
