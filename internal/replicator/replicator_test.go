package replicator

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
)

type chanSource struct {
	frames    chan *device.Frame
	errs      chan error
	closeOnce sync.Once
	done      chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{
		frames: make(chan *device.Frame),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *chanSource) Codec() format.Codec { return format.CodecH264 }

func (s *chanSource) NextFrame() (*device.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, device.ErrClosed
	}
}

func (s *chanSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *chanSource) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func frame(n int) *device.Frame {
	return &device.Frame{Data: []byte{byte(n)}, Timestamp: time.Duration(n) * time.Millisecond}
}

func mustNext(t *testing.T, tap *Tap) *device.Frame {
	t.Helper()
	type result struct {
		f   *device.Frame
		err error
	}
	c := make(chan result, 1)
	go func() {
		f, err := tap.NextFrame()
		c <- result{f, err}
	}()
	select {
	case r := <-c:
		if r.err != nil {
			t.Fatalf("NextFrame: %v", r.err)
		}
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestTapsReceiveFramesInOrder(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	r := New(src, WithQueueSize(16))
	defer r.Close()

	first, err := r.CreateTap()
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		src.frames <- frame(i)
	}
	for i := 0; i < 3; i++ {
		if got := mustNext(t, first).Data[0]; got != byte(i) {
			t.Fatalf("first tap frame %d: got %d", i, got)
		}
	}

	late, err := r.CreateTap()
	if err != nil {
		t.Fatal(err)
	}
	for i := 3; i < 8; i++ {
		src.frames <- frame(i)
	}
	for i := 3; i < 8; i++ {
		if got := mustNext(t, first).Data[0]; got != byte(i) {
			t.Errorf("first tap frame %d: got %d", i, got)
		}
		if got := mustNext(t, late).Data[0]; got != byte(i) {
			t.Errorf("late tap frame %d: got %d", i, got)
		}
	}
	if r.Taps() != 2 {
		t.Errorf("taps: got %d, want 2", r.Taps())
	}
}

func TestSlowTapDropsWithoutBlockingSiblings(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	r := New(src, WithQueueSize(2))
	defer r.Close()

	slow, _ := r.CreateTap()
	fast, _ := r.CreateTap()

	for i := 0; i < 10; i++ {
		src.frames <- frame(i)
		if got := mustNext(t, fast).Data[0]; got != byte(i) {
			t.Fatalf("fast tap frame %d: got %d", i, got)
		}
	}

	if got := mustNext(t, slow).Data[0]; got != 0 {
		t.Errorf("slow tap first frame: got %d, want 0", got)
	}
	if got := mustNext(t, slow).Data[0]; got != 1 {
		t.Errorf("slow tap second frame: got %d, want 1", got)
	}
	if slow.Dropped() != 8 {
		t.Errorf("slow tap dropped: got %d, want 8", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast tap dropped: got %d, want 0", fast.Dropped())
	}
}

func TestUpstreamEndOfStreamReachesEveryTap(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	r := New(src)
	defer r.Close()

	a, _ := r.CreateTap()
	b, _ := r.CreateTap()
	src.frames <- frame(1)
	src.errs <- io.EOF

	for _, tap := range []*Tap{a, b} {
		if got := mustNext(t, tap).Data[0]; got != 1 {
			t.Errorf("queued frame: got %d, want 1", got)
		}
		if _, err := tap.NextFrame(); !errors.Is(err, io.EOF) {
			t.Errorf("after end: got %v, want io.EOF", err)
		}
	}

	if _, err := r.CreateTap(); !errors.Is(err, ErrClosed) || !errors.Is(err, io.EOF) {
		t.Errorf("CreateTap after end: got %v", err)
	}
}

func TestUpstreamErrorPropagates(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	r := New(src)
	defer r.Close()

	tap, _ := r.CreateTap()
	boom := errors.New("device unplugged")
	src.errs <- boom
	if _, err := tap.NextFrame(); !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestCloseReleasesTapsAndSource(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	r := New(src)
	tap, _ := r.CreateTap()

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if !src.isClosed() {
		t.Error("source should be closed with the replicator")
	}
	if _, err := tap.NextFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("tap after close: got %v, want ErrClosed", err)
	}
	if _, err := r.CreateTap(); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateTap after close: got %v, want ErrClosed", err)
	}
	if r.Taps() != 0 {
		t.Errorf("taps after close: got %d, want 0", r.Taps())
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestTapCloseDetaches(t *testing.T) {
	t.Parallel()
	src := newChanSource()
	r := New(src)
	defer r.Close()

	a, _ := r.CreateTap()
	b, _ := r.CreateTap()
	_ = a.Close()
	if r.Taps() != 1 {
		t.Fatalf("taps: got %d, want 1", r.Taps())
	}
	src.frames <- frame(7)
	if got := mustNext(t, b).Data[0]; got != 7 {
		t.Errorf("remaining tap: got %d, want 7", got)
	}
	if a.Codec() != format.CodecH264 {
		t.Errorf("tap codec: got %s", a.Codec())
	}
}
