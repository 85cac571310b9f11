package session

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/bilbercode/camstream/internal/format"
)

// MediaDescription describes the track for DESCRIBE responses.
func (s *Subsession) MediaDescription() *sdp.MediaDescription {
	pt := strconv.Itoa(int(s.desc.PayloadType))
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: s.desc.RTPMap()},
		},
	}
	if fmtp := s.fmtp(); fmtp != "" {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "fmtp", Value: pt + " " + fmtp})
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: "control", Value: s.ControlPath()})
	return md
}

func (s *Subsession) fmtp() string {
	params := s.parameterSets()
	switch s.wire {
	case format.WireH264:
		fields := []string{"packetization-mode=1"}
		var sets []string
		for _, p := range params {
			if p[0]&0x1F == 7 && len(p) >= 4 {
				fields = append(fields, fmt.Sprintf("profile-level-id=%02X%02X%02X", p[1], p[2], p[3]))
			}
			sets = append(sets, base64.StdEncoding.EncodeToString(p))
		}
		if len(sets) > 0 {
			fields = append(fields, "sprop-parameter-sets="+strings.Join(sets, ","))
		}
		return strings.Join(fields, ";")
	case format.WireH265:
		var fields []string
		for _, p := range params {
			key := map[byte]string{32: "sprop-vps", 33: "sprop-sps", 34: "sprop-pps"}[(p[0]>>1)&0x3F]
			fields = append(fields, key+"="+base64.StdEncoding.EncodeToString(p))
		}
		return strings.Join(fields, ";")
	case format.WireVP9:
		return "profile-id=0"
	}
	return ""
}
