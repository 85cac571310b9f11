package rtsp

import "strings"

type Method string

const (
	MethodOptions      Method = "OPTIONS"
	MethodDescribe     Method = "DESCRIBE"
	MethodSetup        Method = "SETUP"
	MethodPlay         Method = "PLAY"
	MethodPause        Method = "PAUSE"
	MethodGetParameter Method = "GET_PARAMETER"
	MethodTeardown     Method = "TEARDOWN"
)

var supportedMethods = []Method{
	MethodOptions,
	MethodDescribe,
	MethodSetup,
	MethodPlay,
	MethodPause,
	MethodGetParameter,
	MethodTeardown,
}

func (m Method) String() string {
	return string(m)
}

func allowed() string {
	names := make([]string, 0, len(supportedMethods))
	for _, m := range supportedMethods {
		names = append(names, m.String())
	}
	return strings.Join(names, ", ")
}
