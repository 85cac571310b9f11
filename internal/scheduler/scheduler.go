package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultPollInterval = 100 * time.Millisecond

var ErrClosed = errors.New("scheduler closed")

// Token is the termination flag observed by DoEventLoop. The zero value is
// ready to use.
type Token struct {
	set atomic.Bool
}

func (t *Token) Set() {
	t.set.Store(true)
}

func (t *Token) IsSet() bool {
	return t.set.Load()
}

type TaskID uint64

type Option func(s *TaskScheduler)

func WithPollInterval(d time.Duration) Option {
	return func(s *TaskScheduler) {
		if d > 0 {
			s.poll = d
		}
	}
}

// TaskScheduler is a single threaded cooperative event loop. I/O goroutines
// Post events, housekeeping is Scheduled; both run only on the goroutine
// inside DoEventLoop, one at a time and in the order they were observed.
type TaskScheduler struct {
	mu     sync.Mutex
	events chan func()
	wake   chan struct{}
	done   chan struct{}
	tasks  taskQueue
	ids    map[TaskID]*task
	nextID TaskID
	poll   time.Duration
	closed bool
}

func New(opts ...Option) *TaskScheduler {
	s := &TaskScheduler{
		events: make(chan func(), 256),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ids:    make(map[TaskID]*task),
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post queues fn for execution on the loop. It blocks while the event queue
// is full, which pushes back on the posting connection only.
func (s *TaskScheduler) Post(fn func()) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.events <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *TaskScheduler) Schedule(delay time.Duration, fn func()) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &task{id: s.nextID, at: time.Now().Add(delay), fn: fn}
	heap.Push(&s.tasks, t)
	s.ids[t.id] = t
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t.id
}

func (s *TaskScheduler) Unschedule(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.ids[id]
	if !ok {
		return
	}
	delete(s.ids, id)
	heap.Remove(&s.tasks, t.index)
}

// DoEventLoop runs until stop is set. The token is checked between every
// event and at least once per poll interval.
func (s *TaskScheduler) DoEventLoop(stop *Token) {
	timer := time.NewTimer(s.poll)
	defer timer.Stop()
	for !stop.IsSet() {
		s.runDue()
		if stop.IsSet() {
			return
		}

		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case fn := <-s.events:
			fn()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *TaskScheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return s.poll
	}
	d := time.Until(s.tasks[0].at)
	switch {
	case d < 0:
		return 0
	case d > s.poll:
		return s.poll
	}
	return d
}

func (s *TaskScheduler) runDue() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 || s.tasks[0].at.After(time.Now()) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.tasks).(*task)
		delete(s.ids, t.id)
		s.mu.Unlock()
		t.fn()
	}
}

func (s *TaskScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close refuses further posts and drops pending tasks and events.
func (s *TaskScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	s.tasks = nil
	s.ids = make(map[TaskID]*task)
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}
