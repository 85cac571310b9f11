package transport

import (
	"fmt"
	"strconv"
	"time"
)

type Destination string

func (p Destination) String() string {
	if p == "" {
		return "destination"
	}
	return "destination=" + string(p)
}

type Interleaved []int

func (p Interleaved) String() string {
	return "interleaved=" + portRange(p)
}

type Append string

func (p Append) String() string {
	return "append"
}

type TTL time.Duration

func (p TTL) String() string {
	return fmt.Sprintf("ttl=%d", time.Duration(p)/time.Second)
}

type Layers int

func (p Layers) String() string {
	return fmt.Sprintf("layers=%d", p)
}

type Port []int

func (p Port) String() string {
	return "port=" + portRange(p)
}

type ClientPort []int

func (p ClientPort) String() string {
	return "client_port=" + portRange(p)
}

type ServerPort []int

func (p ServerPort) String() string {
	return "server_port=" + portRange(p)
}

type SSRC uint32

func (p SSRC) String() string {
	return fmt.Sprintf("ssrc=%08X", uint32(p))
}

type Mode string

func (p Mode) String() string {
	return "mode=" + string(p)
}

func portRange(p []int) string {
	switch len(p) {
	case 0:
		return ""
	case 1:
		return strconv.Itoa(p[0])
	}
	return fmt.Sprintf("%d-%d", p[0], p[1])
}
