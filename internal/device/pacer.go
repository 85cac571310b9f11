package device

import (
	"sync"
	"time"
)

type pacer struct {
	once  sync.Once
	start time.Time
	done  chan struct{}
}

func newPacer() *pacer {
	return &pacer{done: make(chan struct{})}
}

// wait blocks until the wall clock reaches ts relative to the first call.
func (p *pacer) wait(ts time.Duration) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	d := time.Until(p.start.Add(ts))
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return ErrClosed
	case <-timer.C:
		return nil
	}
}

func (p *pacer) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *pacer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
