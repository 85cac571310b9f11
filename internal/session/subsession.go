package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
	"github.com/bilbercode/camstream/internal/metrics"
)

const (
	DefaultMTU = 1400

	// DefaultClientQueue counts access units, not packets.
	DefaultClientQueue = 64
)

var (
	ErrFormatMismatch    = errors.New("wire format does not match source")
	ErrNoPayloader       = errors.New("no RTP payloader for wire format")
	ErrUnknownSubscriber = errors.New("unknown subscriber")
)

type SubsessionOption func(s *Subsession)

func WithMTU(mtu uint16) SubsessionOption {
	return func(s *Subsession) {
		if mtu > 0 {
			s.mtu = mtu
		}
	}
}

func WithClientQueue(n int) SubsessionOption {
	return func(s *Subsession) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// RTPInfo is what a client needs to line up the first packet it receives.
type RTPInfo struct {
	Sequence uint16
	RTPTime  uint32
}

type subscriber struct {
	ready   bool
	seq     uint16
	queue   chan []*rtp.Packet
	sink    func(*rtp.Packet) error
	stop    chan struct{}
	once    sync.Once
	packets atomic.Uint32
	octets  atomic.Uint32
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.stop) })
}

// Subsession is one track. It drains its tap, packetizes every frame once and
// hands each playing subscriber its own copy with its own sequence numbers.
type Subsession struct {
	sync.Mutex
	tap         device.Source
	wire        string
	desc        format.Description
	track       int
	mtu         uint16
	queueSize   int
	ssrc        uint32
	payloader   rtp.Payloader
	packetizer  rtp.Packetizer
	baseTS      uint32
	lastRTP     uint32
	lastWall    time.Time
	params      [][]byte
	subscribers map[string]*subscriber
	closed      bool
	err         error
	done        chan struct{}
}

// NewSubsession binds tap to a track carrying wire. The wire format must be
// the one negotiated for the tap codec.
func NewSubsession(tap device.Source, wire string, opts ...SubsessionOption) (*Subsession, error) {
	negotiated, err := format.Negotiate(tap.Codec(), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormatMismatch, err)
	}
	if negotiated != wire {
		return nil, fmt.Errorf("%w: source %s negotiates %s, subsession wants %s",
			ErrFormatMismatch, tap.Codec(), negotiated, wire)
	}
	desc, err := format.Describe(wire)
	if err != nil {
		return nil, err
	}

	s := &Subsession{
		tap:         tap,
		wire:        wire,
		desc:        desc,
		mtu:         DefaultMTU,
		queueSize:   DefaultClientQueue,
		ssrc:        rand.Uint32(),
		baseTS:      rand.Uint32(),
		subscribers: make(map[string]*subscriber),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch wire {
	case format.WireH264:
		s.payloader = &codecs.H264Payloader{}
	case format.WireH265:
		s.payloader = &h265Payloader{}
	case format.WireVP8:
		s.payloader = &codecs.VP8Payloader{EnablePictureID: true}
	case format.WireVP9:
		s.payloader = &codecs.VP9Payloader{}
	default:
		return nil, fmt.Errorf("%w %s", ErrNoPayloader, wire)
	}
	s.packetizer = rtp.NewPacketizer(s.mtu, desc.PayloadType, s.ssrc, s.payloader,
		rtp.NewRandomSequencer(), desc.ClockRate)

	go s.run()
	return s, nil
}

func (s *Subsession) Wire() string {
	return s.wire
}

func (s *Subsession) Codec() format.Codec {
	return s.tap.Codec()
}

func (s *Subsession) Track() int {
	s.Lock()
	defer s.Unlock()
	return s.track
}

func (s *Subsession) ControlPath() string {
	return fmt.Sprintf("trackID=%d", s.Track())
}

func (s *Subsession) SSRC() uint32 {
	return s.ssrc
}

func (s *Subsession) setTrack(n int) {
	s.Lock()
	defer s.Unlock()
	s.track = n
}

// Done is closed once the tap has ended and the subsession stopped
// delivering.
func (s *Subsession) Done() <-chan struct{} {
	return s.done
}

func (s *Subsession) Err() error {
	s.Lock()
	defer s.Unlock()
	return s.err
}

func (s *Subsession) run() {
	defer close(s.done)
	for {
		f, err := s.tap.NextFrame()
		if err != nil {
			s.finish(err)
			return
		}
		s.deliver(f)
	}
}

func (s *Subsession) finish(err error) {
	s.Lock()
	defer s.Unlock()
	s.err = err
	if !s.closed {
		log.WithError(err).WithFields(log.Fields{
			"wire":  s.wire,
			"track": s.track,
		}).Info("track reached end of stream")
	}
	for id, sub := range s.subscribers {
		sub.close()
		delete(s.subscribers, id)
	}
}

func (s *Subsession) deliver(f *device.Frame) {
	s.cacheParameterSets(f)
	ts := s.baseTS + rtpTicks(f.Timestamp, s.desc.ClockRate)
	packets := s.packetizer.Packetize(f.Data, 0)

	s.Lock()
	defer s.Unlock()
	s.lastRTP = ts
	s.lastWall = time.Now()
	for _, p := range packets {
		p.Timestamp = ts
	}
	for _, sub := range s.subscribers {
		if !sub.ready || len(packets) == 0 {
			continue
		}
		unit := make([]*rtp.Packet, len(packets))
		for i, p := range packets {
			cp := *p
			cp.SequenceNumber = sub.seq + uint16(i)
			unit[i] = &cp
		}
		// A full queue drops the whole access unit. Its sequence numbers stay
		// consumed so the client sees the gap.
		sub.seq += uint16(len(packets))
		select {
		case sub.queue <- unit:
		default:
			metrics.PacketsDropped.Add(float64(len(packets)))
		}
	}
}

// rtpTicks converts d to clock units without overflowing on long running
// streams. The result wraps modulo 2^32 like any RTP timestamp.
func rtpTicks(d time.Duration, rate uint32) uint32 {
	secs := uint64(d / time.Second)
	frac := uint64(d % time.Second)
	return uint32(secs*uint64(rate) + frac*uint64(rate)/uint64(time.Second))
}

func (s *Subsession) cacheParameterSets(f *device.Frame) {
	if !f.Key {
		return
	}
	var params [][]byte
	switch s.wire {
	case format.WireH264:
		for _, nal := range device.SplitAnnexB(f.Data) {
			if t := nal[0] & 0x1F; t == 7 || t == 8 {
				params = append(params, nal)
			}
		}
	case format.WireH265:
		for _, nal := range device.SplitAnnexB(f.Data) {
			if t := (nal[0] >> 1) & 0x3F; t >= 32 && t <= 34 {
				params = append(params, nal)
			}
		}
	}
	if len(params) == 0 {
		return
	}
	s.Lock()
	s.params = params
	s.Unlock()
}

func (s *Subsession) parameterSets() [][]byte {
	s.Lock()
	defer s.Unlock()
	return s.params
}

// Attach registers a subscriber. Packets reach sink from a dedicated
// goroutine once the subscriber is playing, so a slow sink only delays
// itself.
func (s *Subsession) Attach(id string, sink func(*rtp.Packet) error) error {
	s.Lock()
	defer s.Unlock()
	if s.closed || s.err != nil {
		return fmt.Errorf("track %d is no longer streaming", s.track)
	}
	if old, ok := s.subscribers[id]; ok {
		old.close()
	}
	sub := &subscriber{
		seq:   uint16(rand.Uint32()),
		queue: make(chan []*rtp.Packet, s.queueSize),
		sink:  sink,
		stop:  make(chan struct{}),
	}
	s.subscribers[id] = sub
	go s.write(sub)
	return nil
}

func (s *Subsession) write(sub *subscriber) {
	for {
		select {
		case <-sub.stop:
			return
		case unit := <-sub.queue:
			for _, p := range unit {
				if err := sub.sink(p); err != nil {
					log.WithError(err).WithField("wire", s.wire).Debug("subscriber write failed")
					sub.close()
					return
				}
				sub.packets.Add(1)
				sub.octets.Add(uint32(len(p.Payload)))
				metrics.PacketsSent.Inc()
			}
		}
	}
}

func (s *Subsession) Play(id string) (RTPInfo, error) {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return RTPInfo{}, ErrUnknownSubscriber
	}
	sub.ready = true
	return RTPInfo{Sequence: sub.seq, RTPTime: s.currentRTPTime()}, nil
}

func (s *Subsession) Pause(id string) error {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	sub.ready = false
	return nil
}

func (s *Subsession) Detach(id string) {
	s.Lock()
	defer s.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		sub.close()
		delete(s.subscribers, id)
	}
}

func (s *Subsession) Subscribers() int {
	s.Lock()
	defer s.Unlock()
	return len(s.subscribers)
}

// currentRTPTime extrapolates the RTP clock to now. Lock held.
func (s *Subsession) currentRTPTime() uint32 {
	if s.lastWall.IsZero() {
		return s.baseTS
	}
	return s.lastRTP + rtpTicks(time.Since(s.lastWall), s.desc.ClockRate)
}

// SenderReport builds the RTCP sender report for one subscriber.
func (s *Subsession) SenderReport(id string) (*rtcp.SenderReport, bool) {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subscribers[id]
	if !ok || !sub.ready {
		return nil, false
	}
	return &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(time.Now()),
		RTPTime:     s.currentRTPTime(),
		PacketCount: sub.packets.Load(),
		OctetCount:  sub.octets.Load(),
	}, true
}

func (s *Subsession) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	for id, sub := range s.subscribers {
		sub.close()
		delete(s.subscribers, id)
	}
	s.Unlock()

	err := s.tap.Close()
	<-s.done
	return err
}

const ntpEpochOffset = 2208988800

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / uint64(time.Second)
	return secs<<32 | frac
}
