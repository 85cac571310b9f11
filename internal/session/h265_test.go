package session

import (
	"bytes"
	"testing"
	"time"
)

func TestH265PayloaderSingleNAL(t *testing.T) {
	t.Parallel()
	nal := []byte{0x26, 0x01, 0xaa, 0xbb}
	out := (&h265Payloader{}).Payload(1200, append([]byte{0, 0, 0, 1}, nal...))
	if len(out) != 1 || !bytes.Equal(out[0], nal) {
		t.Fatalf("got %x, want single NAL %x", out, nal)
	}
}

func TestH265PayloaderFragments(t *testing.T) {
	t.Parallel()
	body := make([]byte, 250)
	for i := range body {
		body[i] = byte(i + 1)
	}
	nal := append([]byte{0x26, 0x01}, body...)
	out := (&h265Payloader{}).Payload(100, append([]byte{0, 0, 1}, nal...))
	if len(out) != 3 {
		t.Fatalf("fragments: got %d, want 3", len(out))
	}

	var joined []byte
	for i, frag := range out {
		if len(frag) > 100 {
			t.Errorf("fragment %d exceeds mtu: %d", i, len(frag))
		}
		if got := (frag[0] >> 1) & 0x3F; got != 49 {
			t.Errorf("fragment %d type: got %d, want 49", i, got)
		}
		if got := frag[2] & 0x3F; got != 19 {
			t.Errorf("fragment %d FU type: got %d, want 19", i, got)
		}
		start, end := frag[2]&0x80 != 0, frag[2]&0x40 != 0
		if start != (i == 0) || end != (i == len(out)-1) {
			t.Errorf("fragment %d start=%v end=%v", i, start, end)
		}
		joined = append(joined, frag[3:]...)
	}
	if !bytes.Equal(joined, body) {
		t.Error("reassembled fragments differ from the NAL body")
	}
}

func TestNTPTime(t *testing.T) {
	t.Parallel()
	if got := ntpTime(time.Unix(0, 0)) >> 32; got != ntpEpochOffset {
		t.Errorf("unix epoch: got %d, want %d", got, ntpEpochOffset)
	}
}
