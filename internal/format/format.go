package format

import (
	"errors"
	"fmt"
	"strings"
)

type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecHEVC
	CodecVP8
	CodecVP9
	CodecMJPEG
)

const (
	WireH264 = "video/H264"
	WireH265 = "video/H265"
	WireVP8  = "video/VP8"
	WireVP9  = "video/VP9"
	WireMP2T = "video/MP2T"
)

var (
	ErrUnsupported  = errors.New("unsupported streaming format")
	ErrUnknownCodec = errors.New("unknown codec")
)

var wireFormats = map[Codec]string{
	CodecHEVC: WireH265,
	CodecH264: WireH264,
	CodecVP8:  WireVP8,
	CodecVP9:  WireVP9,
}

var codecNames = map[Codec]string{
	CodecUnknown: "unknown",
	CodecH264:    "h264",
	CodecHEVC:    "hevc",
	CodecVP8:     "vp8",
	CodecVP9:     "vp9",
	CodecMJPEG:   "mjpeg",
}

func (c Codec) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return fmt.Sprintf("codec(%d)", int(c))
}

func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "h264", "avc":
		return CodecH264, nil
	case "hevc", "h265":
		return CodecHEVC, nil
	case "vp8":
		return CodecVP8, nil
	case "vp9":
		return CodecVP9, nil
	case "mjpeg", "jpeg":
		return CodecMJPEG, nil
	}
	return CodecUnknown, fmt.Errorf("%w %q", ErrUnknownCodec, name)
}

// Negotiate maps a codec to the RTP media type clients need to decode it.
// Transport stream muxing wins over the codec.
func Negotiate(codec Codec, muxed bool) (string, error) {
	if muxed {
		return WireMP2T, nil
	}
	wire, ok := wireFormats[codec]
	if !ok {
		return "", fmt.Errorf("%w for codec %s", ErrUnsupported, codec)
	}
	return wire, nil
}
