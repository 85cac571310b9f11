package camera

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
)

type fakeSource struct {
	codec  format.Codec
	frames chan *device.Frame
	once   sync.Once
	done   chan struct{}
	closed atomic.Bool
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
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// opener hands out fake sources and remembers them.
type opener struct {
	sync.Mutex
	err     error
	sources []*fakeSource
}

func (o *opener) open(codec format.Codec) (device.Source, error) {
	o.Lock()
	defer o.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	src := newFakeSource(codec)
	o.sources = append(o.sources, src)
	return src, nil
}

func (o *opener) opened() []*fakeSource {
	o.Lock()
	defer o.Unlock()
	return append([]*fakeSource(nil), o.sources...)
}

var errCameraOffline = errors.New("camera offline")

// freeBasePort returns a base port for which ids 0 to span-1 were free a
// moment ago.
func freeBasePort(t *testing.T, span int) int {
	t.Helper()
	for attempt := 0; attempt < 20; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		base := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
		if base+span > 65535 {
			continue
		}
		free := true
		for i := 1; i < span; i++ {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base+i)))
			if err != nil {
				free = false
				break
			}
			_ = l.Close()
		}
		if free {
			return base
		}
	}
	t.Fatal("no free port range")
	return 0
}

func testConfig(t *testing.T, o *opener) Config {
	t.Helper()
	return Config{
		BasePort:     freeBasePort(t, 4),
		Address:      "127.0.0.1",
		PublicHost:   "127.0.0.1",
		Sources:      o.open,
		PollInterval: 10 * time.Millisecond,
	}
}

func mustNew(t *testing.T, cfg Config) *StreamServer {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// runServer runs s in the background and waits until it is running.
func runServer(t *testing.T, s *StreamServer) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run() }()
	eventually(t, func() bool { return s.State() == StateRunning })
	return errc
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
