package rtsp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/bilbercode/camstream/internal/rtsp/transport"
	"github.com/bilbercode/camstream/internal/scheduler"
	"github.com/bilbercode/camstream/internal/session"
)

var errNoTransport = errors.New("no usable transport offered")

// maxChannel is the highest RTP channel; its RTCP pair must fit in a byte.
const maxChannel = 254

// clientSession is the state behind one RTSP Session header. It is only
// touched on the scheduler loop.
type clientSession struct {
	id       string
	conn     *conn
	media    *session.MediaSession
	tracks   []*track
	lastSeen time.Time
	playing  bool
	report   scheduler.TaskID
}

func newSessionID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func (cs *clientSession) touch() {
	cs.lastSeen = time.Now()
}

func (cs *clientSession) track(sub *session.Subsession) (*track, bool) {
	for _, t := range cs.tracks {
		if t.sub == sub {
			return t, true
		}
	}
	return nil, false
}

func (cs *clientSession) interleaved() bool {
	for _, t := range cs.tracks {
		if t.udp == nil {
			return true
		}
	}
	return false
}

// track is one SETUP: a subsession and the way its packets leave.
type track struct {
	sub     *session.Subsession
	channel int
	udp     *udpTransport
	reply   transport.Option
}

type udpTransport struct {
	rtp      *net.UDPConn
	rtcp     *net.UDPConn
	rtpDest  *net.UDPAddr
	rtcpDest *net.UDPAddr
}

func (t *track) sink(c *conn) func(*rtp.Packet) error {
	return func(p *rtp.Packet) error {
		b, err := p.Marshal()
		if err != nil {
			return err
		}
		if t.udp != nil {
			_, err = t.udp.rtp.WriteToUDP(b, t.udp.rtpDest)
			return err
		}
		return c.writeInterleaved(t.channel, b)
	}
}

func (t *track) writeRTCP(c *conn, b []byte) error {
	if t.udp != nil {
		_, err := t.udp.rtcp.WriteToUDP(b, t.udp.rtcpDest)
		return err
	}
	return c.writeInterleaved(t.channel+1, b)
}

func (t *track) close() {
	if t.udp != nil {
		_ = t.udp.rtp.Close()
		_ = t.udp.rtcp.Close()
	}
}

// newTrack picks the first option the server can honour. TCP options
// without explicit channels get the next free pair.
func newTrack(c *conn, sub *session.Subsession, opts []transport.Option, nextChannel int) (*track, error) {
	for _, opt := range opts {
		if !opt.IsUnicast() {
			continue
		}
		switch opt.Protocol() {
		case transport.ProtocolTCP:
			channel := nextChannel
			if il, ok := opt.Interleaved(); ok {
				channel = il[0]
			}
			if channel < 0 || channel > maxChannel {
				return nil, fmt.Errorf("%w: interleaved channel %d out of range", errNoTransport, channel)
			}
			return &track{
				sub:     sub,
				channel: channel,
				reply: transport.NewOption(transport.ProtocolTCP,
					transport.Interleaved{channel, channel + 1},
					transport.SSRC(sub.SSRC())),
			}, nil
		case transport.ProtocolUDP:
			cp, ok := opt.ClientPort()
			if !ok {
				continue
			}
			u, err := listenUDP(c, cp)
			if err != nil {
				return nil, err
			}
			return &track{
				sub: sub,
				udp: u,
				reply: transport.NewOption(transport.ProtocolUDP,
					transport.ClientPort{u.rtpDest.Port, u.rtcpDest.Port},
					transport.ServerPort{u.rtp.LocalAddr().(*net.UDPAddr).Port, u.rtcp.LocalAddr().(*net.UDPAddr).Port},
					transport.SSRC(sub.SSRC())),
			}, nil
		}
	}
	return nil, errNoTransport
}

func listenUDP(c *conn, cp transport.ClientPort) (*udpTransport, error) {
	local, _ := c.nc.LocalAddr().(*net.TCPAddr)
	remote, _ := c.nc.RemoteAddr().(*net.TCPAddr)
	if local == nil || remote == nil {
		return nil, errNoTransport
	}
	rtcpPort := cp[0] + 1
	if len(cp) > 1 {
		rtcpPort = cp[1]
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP})
	if err != nil {
		return nil, fmt.Errorf("failed to open rtp socket: %w", err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP})
	if err != nil {
		_ = rtpConn.Close()
		return nil, fmt.Errorf("failed to open rtcp socket: %w", err)
	}
	return &udpTransport{
		rtp:      rtpConn,
		rtcp:     rtcpConn,
		rtpDest:  &net.UDPAddr{IP: remote.IP, Port: cp[0]},
		rtcpDest: &net.UDPAddr{IP: remote.IP, Port: rtcpPort},
	}, nil
}
