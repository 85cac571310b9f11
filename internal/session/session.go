package session

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
)

var ErrSessionClosed = errors.New("media session closed")

// MediaSession is a named, ordered set of tracks. It owns its subsessions
// and closes them with itself.
type MediaSession struct {
	sync.Mutex
	name        string
	description string
	created     time.Time
	subsessions []*Subsession
	closed      bool
}

func NewMediaSession(name, description string) *MediaSession {
	if description == "" {
		description = name
	}
	return &MediaSession{
		name:        name,
		description: description,
		created:     time.Now(),
	}
}

func (m *MediaSession) Name() string {
	return m.name
}

// AddSubsession appends s as the next track. Track numbers start at 1.
func (m *MediaSession) AddSubsession(s *Subsession) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	m.subsessions = append(m.subsessions, s)
	s.setTrack(len(m.subsessions))
	return nil
}

func (m *MediaSession) Subsessions() []*Subsession {
	m.Lock()
	defer m.Unlock()
	return append([]*Subsession(nil), m.subsessions...)
}

// Subsession finds a track by its control path. An empty control matches
// a single track session.
func (m *MediaSession) Subsession(control string) (*Subsession, bool) {
	subs := m.Subsessions()
	if control == "" && len(subs) == 1 {
		return subs[0], true
	}
	for _, s := range subs {
		if s.ControlPath() == control {
			return s, true
		}
	}
	return nil, false
}

// SessionDescription renders the SDP advertised at playURL.
func (m *MediaSession) SessionDescription(host string, playURL string) ([]byte, error) {
	uri, err := url.Parse(playURL)
	if err != nil {
		return nil, fmt.Errorf("invalid play URL %s: %w", playURL, err)
	}
	info := sdp.Information(m.description)
	d := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(m.created.UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName:        sdp.SessionName(m.name),
		SessionInformation: &info,
		URI:                uri,
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{}},
		},
		Attributes: []sdp.Attribute{
			{Key: "tool", Value: "camstream"},
			{Key: "type", Value: "broadcast"},
			{Key: "range", Value: "npt=0-"},
			{Key: "control", Value: "*"},
		},
	}
	for _, s := range m.Subsessions() {
		d.MediaDescriptions = append(d.MediaDescriptions, s.MediaDescription())
	}
	return d.Marshal()
}

// Close closes every subsession, and with them their taps.
func (m *MediaSession) Close() error {
	m.Lock()
	if m.closed {
		m.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subsessions
	m.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
