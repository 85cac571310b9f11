package session

import "github.com/bilbercode/camstream/internal/device"

const (
	h265NALHeaderSize = 2
	h265FUHeaderSize  = 1
	h265TypeFU        = 49
)

// h265Payloader packs an Annex-B access unit into RTP payloads following
// RFC 7798: single NAL unit packets when they fit, fragmentation units
// otherwise. Aggregation packets are not produced.
type h265Payloader struct{}

func (p *h265Payloader) Payload(mtu uint16, payload []byte) [][]byte {
	var out [][]byte
	if mtu <= h265NALHeaderSize+h265FUHeaderSize {
		return nil
	}
	for _, nal := range device.SplitAnnexB(payload) {
		if len(nal) < h265NALHeaderSize {
			continue
		}
		if len(nal) <= int(mtu) {
			out = append(out, append([]byte{}, nal...))
			continue
		}

		nalType := (nal[0] >> 1) & 0x3F
		// PayloadHdr keeps F, LayerId and TID, the type becomes FU.
		hdr0 := (nal[0] & 0x81) | (h265TypeFU << 1)
		hdr1 := nal[1]
		body := nal[h265NALHeaderSize:]
		room := int(mtu) - h265NALHeaderSize - h265FUHeaderSize

		for first := true; len(body) > 0; first = false {
			n := len(body)
			if n > room {
				n = room
			}
			fu := nalType
			if first {
				fu |= 0x80
			}
			if n == len(body) {
				fu |= 0x40
			}
			pkt := make([]byte, 0, h265NALHeaderSize+h265FUHeaderSize+n)
			pkt = append(pkt, hdr0, hdr1, fu)
			pkt = append(pkt, body[:n]...)
			out = append(out, pkt)
			body = body[n:]
		}
	}
	return out
}
