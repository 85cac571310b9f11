package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
)

type fakeSource struct {
	codec  format.Codec
	frames chan *device.Frame
	once   sync.Once
	done   chan struct{}
}

func newFakeSource(codec format.Codec) *fakeSource {
	return &fakeSource{
		codec:  codec,
		frames: make(chan *device.Frame),
		done:   make(chan struct{}),
	}
}

func (s *fakeSource) Codec() format.Codec { return s.codec }

func (s *fakeSource) NextFrame() (*device.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.done:
		return nil, device.ErrClosed
	}
}

func (s *fakeSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type packetSink struct {
	packets chan *rtp.Packet
}

func newPacketSink() *packetSink {
	return &packetSink{packets: make(chan *rtp.Packet, 64)}
}

func (p *packetSink) write(pkt *rtp.Packet) error {
	p.packets <- pkt
	return nil
}

func (p *packetSink) next(t *testing.T) *rtp.Packet {
	t.Helper()
	select {
	case pkt := <-p.packets:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RTP packet")
	}
	return nil
}

func mustSubsession(t *testing.T, src device.Source, wire string) *Subsession {
	t.Helper()
	s, err := NewSubsession(src, wire)
	if err != nil {
		t.Fatalf("NewSubsession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func h264Frame(ts time.Duration, key bool, nals ...[]byte) *device.Frame {
	var data []byte
	for _, n := range nals {
		data = append(data, 0, 0, 0, 1)
		data = append(data, n...)
	}
	return &device.Frame{Data: data, Timestamp: ts, Key: key}
}
