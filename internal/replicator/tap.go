package replicator

import (
	"sync"
	"sync/atomic"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
)

// Tap is one independent output of a Replicator. It satisfies
// device.Source so it can be consumed like the camera itself. Frames are
// shared between taps and must not be modified.
type Tap struct {
	r       *Replicator
	frames  chan *device.Frame
	closed  chan struct{}
	ended   chan struct{}
	once    sync.Once
	endOnce sync.Once
	err     error
	dropped atomic.Uint64
}

func newTap(r *Replicator) *Tap {
	return &Tap{
		r:      r,
		frames: make(chan *device.Frame, r.queueSize),
		closed: make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

func (t *Tap) Codec() format.Codec {
	return t.r.src.Codec()
}

// NextFrame blocks until a frame is queued. Once the upstream has ended the
// queued frames are drained before the upstream error is returned.
func (t *Tap) NextFrame() (*device.Frame, error) {
	select {
	case <-t.closed:
		return nil, ErrClosed
	case f := <-t.frames:
		return f, nil
	case <-t.ended:
		select {
		case f := <-t.frames:
			return f, nil
		default:
			return nil, t.err
		}
	}
}

func (t *Tap) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Tap) offer(f *device.Frame) bool {
	select {
	case <-t.closed:
		return true
	default:
	}
	select {
	case t.frames <- f:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// end is called with the replicator lock held.
func (t *Tap) end(err error) {
	t.endOnce.Do(func() {
		t.err = err
		close(t.ended)
	})
}

func (t *Tap) Close() error {
	t.once.Do(func() {
		t.r.remove(t)
		close(t.closed)
	})
	return nil
}
