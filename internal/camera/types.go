package camera

import (
	"errors"
	"time"

	"github.com/bilbercode/camstream/internal/auth"
	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
)

type State int

const (
	StateUnbound State = iota
	StateBound
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateUnbound:  "unbound",
	StateBound:    "bound",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateFailed:   "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

var (
	ErrStopped        = errors.New("camera server stopped")
	ErrFailed         = errors.New("camera server failed to bind")
	ErrRunning        = errors.New("camera server already running")
	ErrNoSubsessions  = errors.New("session needs at least one subsession")
	ErrAlreadyRunning = errors.New("camera is already being served")
	ErrUnknownCamera  = errors.New("camera is not being served")
)

// SourceOpener constructs the device source for a negotiated codec.
type SourceOpener func(codec format.Codec) (device.Source, error)

type Config struct {
	ID         int
	BasePort   int
	Address    string
	PublicHost string
	// Auth enables digest authentication when set.
	Auth *auth.Database
	// SessionName names the session AddStream registers, it defaults to
	// camera<ID>.
	SessionName  string
	QueueSize    int
	Sources      SourceOpener
	PollInterval time.Duration
}

// Port is the camera specific RTSP port.
func (c Config) Port() int {
	return c.BasePort + c.ID
}
