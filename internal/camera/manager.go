package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/format"
)

// Monitor describes one camera to serve.
type Monitor struct {
	ID      int
	Name    string
	Codec   format.Codec
	Muxed   bool
	Sources SourceOpener
}

// Manager keeps exactly one live StreamServer per camera id. Each server
// runs its event loop on its own goroutine.
type Manager struct {
	sync.Mutex
	base    Config
	servers map[int]*StreamServer
	wg      sync.WaitGroup
	closed  bool
}

// NewManager creates servers from base, overriding the per camera fields.
func NewManager(base Config) *Manager {
	return &Manager{
		base:    base,
		servers: make(map[int]*StreamServer),
	}
}

// Start binds and runs a server for mon and adds its stream. A stream that
// cannot be added leaves the server running without it. The server stops
// when ctx is done.
func (m *Manager) Start(ctx context.Context, mon Monitor) (*StreamServer, error) {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil, ErrStopped
	}
	if _, ok := m.servers[mon.ID]; ok {
		m.Unlock()
		return nil, fmt.Errorf("%w: camera %d", ErrAlreadyRunning, mon.ID)
	}

	cfg := m.base
	cfg.ID = mon.ID
	if mon.Name != "" {
		cfg.SessionName = mon.Name
	}
	if mon.Sources != nil {
		cfg.Sources = mon.Sources
	}
	srv, err := New(cfg)
	if err != nil {
		m.Unlock()
		return srv, err
	}
	m.servers[mon.ID] = srv
	m.wg.Add(2)
	m.Unlock()

	go func() {
		defer m.wg.Done()
		if err := srv.Run(); err != nil && !errors.Is(err, ErrStopped) {
			log.WithError(err).WithField("camera", mon.ID).Error("camera server exited")
		}
		m.forget(srv)
	}()
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
			_ = srv.Close()
		case <-srv.Done():
		}
	}()

	if _, err := srv.AddStream(mon.Codec, mon.Muxed); err != nil {
		return srv, err
	}
	return srv, nil
}

func (m *Manager) forget(srv *StreamServer) {
	m.Lock()
	defer m.Unlock()
	if m.servers[srv.ID()] == srv {
		delete(m.servers, srv.ID())
	}
}

// Stop closes the server of camera id and waits for it to release its
// port.
func (m *Manager) Stop(id int) error {
	m.Lock()
	srv, ok := m.servers[id]
	delete(m.servers, id)
	m.Unlock()
	if !ok {
		return fmt.Errorf("%w: camera %d", ErrUnknownCamera, id)
	}
	return srv.Close()
}

func (m *Manager) Get(id int) (*StreamServer, bool) {
	m.Lock()
	defer m.Unlock()
	srv, ok := m.servers[id]
	return srv, ok
}

// List returns live servers ordered by camera id.
func (m *Manager) List() []*StreamServer {
	m.Lock()
	out := make([]*StreamServer, 0, len(m.servers))
	for _, srv := range m.servers {
		out = append(out, srv)
	}
	m.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close stops every server and waits for their goroutines.
func (m *Manager) Close() error {
	m.Lock()
	m.closed = true
	servers := m.servers
	m.servers = make(map[int]*StreamServer)
	m.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Close())
	}
	m.wg.Wait()
	return errors.Join(errs...)
}
