package monitors

import "errors"

type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeStartCamera
	EventTypeStopCamera
)

func (t EventType) String() string {
	switch t {
	case EventTypeStartCamera:
		return "start"
	case EventTypeStopCamera:
		return "stop"
	}
	return "unknown"
}

var (
	ErrNotFound  = errors.New("monitor not found")
	ErrDuplicate = errors.New("duplicate monitor id")
)

// Meta is one monitored camera.
type Meta struct {
	ID      int     `yaml:"id" json:"id"`
	Name    string  `yaml:"name" json:"name"`
	Codec   string  `yaml:"codec" json:"codec"`
	Muxed   bool    `yaml:"muxed" json:"muxed"`
	Source  string  `yaml:"source" json:"source"`
	FPS     float64 `yaml:"fps" json:"fps,omitempty"`
	Loop    bool    `yaml:"loop" json:"loop"`
	Enabled bool    `yaml:"enabled" json:"enabled"`
}

type Event struct {
	Type EventType
	Meta *Meta
}
