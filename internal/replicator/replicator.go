package replicator

import (
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/metrics"
)

const DefaultQueueSize = 10

var ErrClosed = errors.New("replicator closed")

type Option func(r *Replicator)

func WithQueueSize(n int) Option {
	return func(r *Replicator) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// Replicator fans one device source out to any number of taps. The
// replicator owns the source: it is pulled by a single pump goroutine and
// closed by Close only.
type Replicator struct {
	sync.Mutex
	src       device.Source
	queueSize int
	taps      map[*Tap]struct{}
	started   bool
	closed    bool
	err       error
	done      chan struct{}
}

func New(src device.Source, opts ...Option) *Replicator {
	r := &Replicator{
		src:       src,
		queueSize: DefaultQueueSize,
		taps:      make(map[*Tap]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateTap returns a new consumer that observes every frame pulled after
// this call. The first tap starts the pump.
func (r *Replicator) CreateTap() (*Tap, error) {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: upstream ended: %w", ErrClosed, r.err)
	}

	t := newTap(r)
	r.taps[t] = struct{}{}
	if !r.started {
		r.started = true
		go r.pump()
	}
	return t, nil
}

func (r *Replicator) Taps() int {
	r.Lock()
	defer r.Unlock()
	return len(r.taps)
}

func (r *Replicator) pump() {
	defer close(r.done)
	for {
		frame, err := r.src.NextFrame()
		if err != nil {
			r.terminate(err)
			return
		}
		metrics.FramesReplicated.Inc()

		r.Lock()
		for t := range r.taps {
			if !t.offer(frame) {
				metrics.FramesDropped.Inc()
			}
		}
		r.Unlock()
	}
}

func (r *Replicator) terminate(err error) {
	if errors.Is(err, device.ErrClosed) {
		err = io.EOF
	}
	r.Lock()
	defer r.Unlock()
	if r.err == nil {
		r.err = err
	}
	if !r.closed && !errors.Is(err, io.EOF) {
		log.WithError(err).WithField("codec", r.src.Codec()).Warn("upstream source failed")
	}
	for t := range r.taps {
		t.end(r.err)
	}
}

func (r *Replicator) remove(t *Tap) {
	r.Lock()
	defer r.Unlock()
	delete(r.taps, t)
}

// Close closes every tap, then the upstream source, and waits for the pump
// to exit.
func (r *Replicator) Close() error {
	r.Lock()
	if r.closed {
		r.Unlock()
		return nil
	}
	r.closed = true
	taps := make([]*Tap, 0, len(r.taps))
	for t := range r.taps {
		taps = append(taps, t)
	}
	started := r.started
	r.Unlock()

	for _, t := range taps {
		_ = t.Close()
	}

	err := r.src.Close()
	if started {
		<-r.done
	}
	return err
}
