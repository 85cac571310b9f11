package monitors

import (
	"encoding/gob"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const stateExt = ".ns"

// Service is the registry of monitored cameras. Enabled flags are kept in
// databaseFolder, when set, so they survive restarts.
type Service struct {
	sync.Mutex
	databaseFolder string

	eventSubscribers map[string]func(event *Event)
	monitors         map[int]*Meta
}

// NewService registers the configured monitors. Persisted enabled flags
// override the configured ones.
func NewService(databaseFolder string, configured []*Meta) (*Service, error) {
	s := &Service{
		databaseFolder:   databaseFolder,
		eventSubscribers: make(map[string]func(*Event)),
		monitors:         make(map[int]*Meta),
	}
	for _, m := range configured {
		if _, ok := s.monitors[m.ID]; ok {
			return nil, fmt.Errorf("%w %d", ErrDuplicate, m.ID)
		}
		meta := *m
		s.monitors[m.ID] = &meta
	}

	if databaseFolder == "" {
		return s, nil
	}
	if err := os.MkdirAll(databaseFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create monitor database folder: %w", err)
	}
	stored, err := s.readStates()
	if err != nil {
		return nil, err
	}
	for _, st := range stored {
		if m, ok := s.monitors[st.ID]; ok {
			m.Enabled = st.Enabled
		}
	}
	return s, nil
}

// List returns copies of every monitor ordered by id.
func (s *Service) List() []*Meta {
	s.Lock()
	defer s.Unlock()
	out := make([]*Meta, 0, len(s.monitors))
	for _, m := range s.monitors {
		meta := *m
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Get(id int) (*Meta, error) {
	s.Lock()
	defer s.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	meta := *m
	return &meta, nil
}

// Subscribe registers f for monitor events and replays a start event for
// every enabled monitor. Handlers run with the service locked and must not
// call back into it.
func (s *Service) Subscribe(f func(*Event)) func() {
	id := uuid.NewString()
	s.Lock()
	defer s.Unlock()
	s.eventSubscribers[id] = f

	for _, m := range s.sorted() {
		if m.Enabled {
			meta := *m
			f(&Event{Type: EventTypeStartCamera, Meta: &meta})
		}
	}
	return func() {
		s.Lock()
		defer s.Unlock()
		delete(s.eventSubscribers, id)
	}
}

// Update replaces a known monitor and emits a start or stop event when its
// enabled flag flips.
func (s *Service) Update(meta *Meta) error {
	s.Lock()
	defer s.Unlock()

	current, ok := s.monitors[meta.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, meta.ID)
	}
	if err := s.writeState(meta); err != nil {
		return err
	}

	wasEnabled := current.Enabled
	updated := *meta
	s.monitors[meta.ID] = &updated

	switch {
	case meta.Enabled && !wasEnabled:
		s.emit(EventTypeStartCamera, &updated)
	case !meta.Enabled && wasEnabled:
		s.emit(EventTypeStopCamera, &updated)
	}
	return nil
}

// SetEnabled flips one monitor on or off.
func (s *Service) SetEnabled(id int, enabled bool) (*Meta, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	meta.Enabled = enabled
	if err := s.Update(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Service) emit(t EventType, meta *Meta) {
	log.WithFields(log.Fields{"camera": meta.ID, "event": t}).Debug("monitor event")
	for _, h := range s.eventSubscribers {
		m := *meta
		h(&Event{Type: t, Meta: &m})
	}
}

func (s *Service) sorted() []*Meta {
	out := make([]*Meta, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type state struct {
	ID      int
	Enabled bool
}

func (s *Service) statePath(id int) string {
	return path.Join(s.databaseFolder, "monitor-"+strconv.Itoa(id)+stateExt)
}

func (s *Service) writeState(meta *Meta) error {
	if s.databaseFolder == "" {
		return nil
	}
	file, err := os.OpenFile(s.statePath(meta.ID), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open database file for writing: %w", err)
	}
	err = gob.NewEncoder(file).Encode(state{ID: meta.ID, Enabled: meta.Enabled})
	_ = file.Close()
	if err != nil {
		return fmt.Errorf("failed to write monitor state to file: %w", err)
	}
	return nil
}

func (s *Service) readStates() ([]state, error) {
	dir, err := os.ReadDir(s.databaseFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to list database directory content: %w", err)
	}

	var states []state
	for _, entry := range dir {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stateExt) {
			continue
		}
		file, err := os.Open(path.Join(s.databaseFolder, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s: %w", entry.Name(), err)
		}
		var st state
		err = gob.NewDecoder(file).Decode(&st)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal database entry %s: %w", entry.Name(), err)
		}
		states = append(states, st)
	}
	return states, nil
}
