package transport

import "errors"

type Protocol string

const (
	ProtocolUDP Protocol = "UDP"
	ProtocolTCP Protocol = "TCP"
)

var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrMalformed            = errors.New("malformed transport header")
)

type Header interface {
	Options() []Option
}

type Option interface {
	IsUnicast() bool
	Protocol() Protocol
	Parameters() []Parameter
	Interleaved() (Interleaved, bool)
	ClientPort() (ClientPort, bool)
	String() string
}

type Parameter interface {
	String() string
}

type header struct {
	options []Option
}

func (h *header) Options() []Option {
	return h.options
}
