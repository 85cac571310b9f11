package camera

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/metrics"
	"github.com/bilbercode/camstream/internal/replicator"
	"github.com/bilbercode/camstream/internal/rtsp"
	"github.com/bilbercode/camstream/internal/scheduler"
	"github.com/bilbercode/camstream/internal/session"
)

// StreamServer serves the sessions of one camera on the camera's own port,
// driven by its own event loop.
type StreamServer struct {
	sync.Mutex
	cfg   Config
	port  int
	state State
	log   *log.Entry

	sched   *scheduler.TaskScheduler
	rtsp    *rtsp.Server
	stop    scheduler.Token
	streams map[string]*stream
	done    chan struct{}
}

// stream is a registered session together with the replicators the server
// created for it.
type stream struct {
	session     *session.MediaSession
	replicators []*replicator.Replicator
}

// close releases the session before the replicators feeding it, which in
// turn close their sources.
func (st *stream) close() error {
	errs := []error{st.session.Close()}
	for _, r := range st.replicators {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// New binds the camera port. On bind failure the returned server is in
// StateFailed and the error wraps rtsp.ErrBind.
func New(cfg Config) (*StreamServer, error) {
	if cfg.SessionName == "" {
		cfg.SessionName = fmt.Sprintf("camera%d", cfg.ID)
	}
	s := &StreamServer{
		cfg:     cfg,
		port:    cfg.Port(),
		state:   StateUnbound,
		streams: make(map[string]*stream),
		done:    make(chan struct{}),
	}
	s.log = log.WithFields(log.Fields{"camera": cfg.ID, "port": s.port})

	var opts []scheduler.Option
	if cfg.PollInterval > 0 {
		opts = append(opts, scheduler.WithPollInterval(cfg.PollInterval))
	}
	s.sched = scheduler.New(opts...)

	srv, err := rtsp.Bind(s.sched, rtsp.Config{
		Address:    cfg.Address,
		Port:       s.port,
		PublicHost: cfg.PublicHost,
		Auth:       cfg.Auth,
		Label:      strconv.Itoa(cfg.ID),
	})
	if err != nil {
		s.sched.Close()
		s.state = StateFailed
		close(s.done)
		metrics.BindFailures.WithLabelValues(strconv.Itoa(cfg.ID)).Inc()
		s.log.WithError(err).Error("failed to bind camera port")
		return s, err
	}
	s.rtsp = srv
	s.state = StateBound
	s.log.Info("camera server bound")
	return s, nil
}

func (s *StreamServer) ID() int {
	return s.cfg.ID
}

func (s *StreamServer) Port() int {
	return s.port
}

func (s *StreamServer) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *StreamServer) Stopped() bool {
	return s.State() == StateStopped
}

// Done is closed once the server has released everything it owns.
func (s *StreamServer) Done() <-chan struct{} {
	return s.done
}

// Run blocks on the event loop until Stop or Close, then releases the
// server.
func (s *StreamServer) Run() error {
	s.Lock()
	switch s.state {
	case StateFailed:
		s.Unlock()
		return ErrFailed
	case StateRunning:
		s.Unlock()
		return ErrRunning
	case StateStopping, StateStopped:
		s.Unlock()
		return ErrStopped
	}
	s.state = StateRunning
	s.Unlock()

	if err := s.rtsp.Start(); err != nil {
		_ = s.release(StateRunning)
		return err
	}
	s.log.Info("camera server running")
	s.sched.DoEventLoop(&s.stop)
	s.log.Info("camera server stopping")
	return s.release(StateRunning)
}

// Stop asks the event loop to return. The loop notices within one poll
// interval.
func (s *StreamServer) Stop() {
	s.stop.Set()
}

// Close stops the server and waits until it is released.
func (s *StreamServer) Close() error {
	s.Stop()
	s.Lock()
	state := s.state
	s.Unlock()

	switch state {
	case StateBound:
		return s.release(StateBound)
	case StateRunning, StateStopping:
		<-s.done
	}
	return nil
}

// release runs once, from Run or from Close on a server that never ran.
// Whoever finds the state moved past from waits for the other to finish.
func (s *StreamServer) release(from State) error {
	s.Lock()
	if s.state != from {
		s.Unlock()
		<-s.done
		return nil
	}
	s.state = StateStopping
	streams := s.streams
	s.streams = make(map[string]*stream)
	s.Unlock()

	var errs []error
	for name, st := range streams {
		if _, err := s.rtsp.Unregister(name); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, st.close())
	}
	errs = append(errs, s.rtsp.Close())
	s.sched.Close()

	s.Lock()
	s.state = StateStopped
	s.Unlock()
	close(s.done)
	s.log.Info("camera server stopped")
	return errors.Join(errs...)
}

// usable reports why the server cannot take new sessions. s must be
// locked.
func (s *StreamServer) usable() error {
	switch s.state {
	case StateBound, StateRunning:
		return nil
	case StateFailed:
		return ErrFailed
	}
	return ErrStopped
}

// Session looks up a registered session by name.
func (s *StreamServer) Session(name string) (*session.MediaSession, bool) {
	if s.rtsp == nil {
		return nil, false
	}
	return s.rtsp.Sessions().Lookup(name)
}

// Sessions lists registered sessions in registration order.
func (s *StreamServer) Sessions() []*session.MediaSession {
	if s.rtsp == nil {
		return nil
	}
	return s.rtsp.Sessions().List()
}

func (s *StreamServer) URL(name string) (string, bool) {
	if s.rtsp == nil {
		return "", false
	}
	return s.rtsp.URL(name)
}

// AddSession registers prebuilt subsessions as one session. Either all of
// them are registered or none is; on failure the caller keeps ownership.
// The replicators feeding them stay with the caller and must be closed
// after the session.
func (s *StreamServer) AddSession(name string, subs ...*session.Subsession) (string, error) {
	if len(subs) == 0 {
		return "", ErrNoSubsessions
	}
	m := session.NewMediaSession(name, "")
	for _, sub := range subs {
		if err := m.AddSubsession(sub); err != nil {
			return "", err
		}
	}
	return s.register(m, nil)
}

func (s *StreamServer) register(m *session.MediaSession, reps []*replicator.Replicator) (string, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.usable(); err != nil {
		return "", err
	}
	url, err := s.rtsp.Register(m)
	if err != nil {
		return "", err
	}
	s.streams[m.Name()] = &stream{session: m, replicators: reps}
	s.log.WithFields(log.Fields{"session": m.Name(), "url": url}).Info("session available")
	return url, nil
}

// RemoveSession unregisters a session and releases it, the replicators the
// server created for it and their sources.
func (s *StreamServer) RemoveSession(name string) error {
	s.Lock()
	if err := s.usable(); err != nil {
		s.Unlock()
		return err
	}
	st, ok := s.streams[name]
	delete(s.streams, name)
	s.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", rtsp.ErrSessionNotFound, name)
	}

	if _, err := s.rtsp.Unregister(name); err != nil {
		return err
	}
	s.log.WithField("session", name).Info("session removed")
	return st.close()
}
