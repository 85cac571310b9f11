package format

import (
	"fmt"
	"strings"
)

const (
	dynamicPayloadType = 96
	mp2tPayloadType    = 33
	videoClockRate     = 90000
)

type Description struct {
	Wire         string
	EncodingName string
	PayloadType  uint8
	ClockRate    uint32
}

// RTPMap renders the SDP rtpmap attribute value.
func (d Description) RTPMap() string {
	return fmt.Sprintf("%d %s/%d", d.PayloadType, d.EncodingName, d.ClockRate)
}

func Describe(wire string) (Description, error) {
	switch wire {
	case WireH264, WireH265, WireVP8, WireVP9:
		return Description{
			Wire:         wire,
			EncodingName: strings.TrimPrefix(wire, "video/"),
			PayloadType:  dynamicPayloadType,
			ClockRate:    videoClockRate,
		}, nil
	case WireMP2T:
		return Description{
			Wire:         wire,
			EncodingName: "MP2T",
			PayloadType:  mp2tPayloadType,
			ClockRate:    videoClockRate,
		}, nil
	}
	return Description{}, fmt.Errorf("%w %q", ErrUnsupported, wire)
}
