package camera

import (
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
	"github.com/bilbercode/camstream/internal/metrics"
	"github.com/bilbercode/camstream/internal/replicator"
	"github.com/bilbercode/camstream/internal/session"
)

// AddStream creates the camera's session for codec: negotiate the wire
// format, open the source, then wrap it and register. Each step that fails
// leaves nothing registered and the server otherwise healthy.
func (s *StreamServer) AddStream(codec format.Codec, muxed bool) (string, error) {
	s.Lock()
	err := s.usable()
	s.Unlock()
	if err != nil {
		return "", err
	}

	wire, err := format.Negotiate(codec, muxed)
	if err != nil {
		s.streamFailed(codec, "unsupported", err)
		return "", err
	}

	src, err := s.openSource(codec, wire)
	if err != nil {
		s.streamFailed(codec, "source", err)
		return "", err
	}

	url, err := s.wrapAndRegister(s.cfg.SessionName, wire, src)
	if err != nil {
		s.streamFailed(codec, "register", err)
		return "", err
	}
	s.log.WithFields(log.Fields{"codec": codec, "wire": wire}).Info("stream added")
	return url, nil
}

// openSource builds the device source for codec. Transport stream output
// has no muxer, so it fails here like any other source that cannot be
// built.
func (s *StreamServer) openSource(codec format.Codec, wire string) (device.Source, error) {
	if wire == format.WireMP2T {
		return nil, fmt.Errorf("%w: no transport stream muxer for %s", device.ErrSourceCreation, codec)
	}
	if s.cfg.Sources == nil {
		return nil, fmt.Errorf("%w: no source configured", device.ErrSourceCreation)
	}
	src, err := s.cfg.Sources(codec)
	if err != nil {
		if errors.Is(err, device.ErrSourceCreation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", device.ErrSourceCreation, err)
	}
	if src.Codec() != codec {
		_ = src.Close()
		return nil, fmt.Errorf("%w: source produces %s, wanted %s", device.ErrSourceCreation, src.Codec(), codec)
	}
	return src, nil
}

// wrapAndRegister takes ownership of src. It is closed again if the session
// cannot be registered.
func (s *StreamServer) wrapAndRegister(name, wire string, src device.Source) (string, error) {
	rep := replicator.New(src, replicator.WithQueueSize(s.cfg.QueueSize))
	tap, err := rep.CreateTap()
	if err != nil {
		_ = rep.Close()
		return "", err
	}
	sub, err := session.NewSubsession(tap, wire)
	if err != nil {
		_ = tap.Close()
		_ = rep.Close()
		return "", err
	}

	m := session.NewMediaSession(name, fmt.Sprintf("camera %d %s", s.cfg.ID, wire))
	if err := m.AddSubsession(sub); err != nil {
		_ = sub.Close()
		_ = rep.Close()
		return "", err
	}

	url, err := s.register(m, []*replicator.Replicator{rep})
	if err != nil {
		_ = m.Close()
		_ = rep.Close()
		return "", err
	}
	return url, nil
}

func (s *StreamServer) streamFailed(codec format.Codec, reason string, err error) {
	metrics.StreamErrors.WithLabelValues(strconv.Itoa(s.cfg.ID), reason).Inc()
	s.log.WithError(err).WithField("codec", codec).Error("failed to add stream")
}
