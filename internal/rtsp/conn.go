package rtsp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/rtcp"
	log "github.com/sirupsen/logrus"
)

const (
	interleavedMagic = 0x24
	writeTimeout     = 5 * time.Second
	readBufferSize   = 4096
)

// conn is one RTSP control connection. Reads happen on its own goroutine,
// requests are handled on the scheduler loop, and writes from the loop and
// from interleaved RTP senders are serialized by wmu.
type conn struct {
	srv  *Server
	nc   net.Conn
	br   *bufio.Reader
	wmu  sync.Mutex
	once sync.Once
	log  *log.Entry
}

func newConn(srv *Server, nc net.Conn) *conn {
	return &conn{
		srv: srv,
		nc:  nc,
		br:  bufio.NewReaderSize(nc, readBufferSize),
		log: srv.log.WithField("remote", nc.RemoteAddr().String()),
	}
}

func (c *conn) serve() {
	defer c.srv.connClosed(c)
	for {
		first, err := c.br.Peek(1)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.WithError(err).Debug("rtsp connection read failed")
			}
			return
		}

		if first[0] == interleavedMagic {
			if err := c.readInterleaved(); err != nil {
				c.log.WithError(err).Debug("dropping rtsp connection")
				return
			}
			continue
		}

		req, err := readRequest(c.br)
		if err != nil {
			c.log.WithError(err).Debug("dropping rtsp connection")
			return
		}
		if err := c.srv.sched.Post(func() { c.srv.handle(c, req) }); err != nil {
			return
		}
	}
}

func (c *conn) readInterleaved() error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.br, header); err != nil {
		return fmt.Errorf("failed to read interleaved frame header: %w", err)
	}
	channel := header[1]
	payload := make([]byte, binary.BigEndian.Uint16(header[2:]))
	if _, err := io.ReadFull(c.br, payload); err != nil {
		return fmt.Errorf("failed to read interleaved frame payload: %w", err)
	}

	// odd channels carry RTCP
	if channel%2 == 0 {
		return nil
	}
	packets, err := rtcp.Unmarshal(payload)
	if err != nil {
		c.log.WithError(err).Debug("ignoring malformed rtcp")
		return nil
	}
	for _, p := range packets {
		c.log.WithField("channel", channel).Debugf("rtcp %T from client", p)
	}
	_ = c.srv.sched.Post(func() { c.srv.touchConn(c) })
	return nil
}

func (c *conn) writeResponse(r *Response) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.Write(c.nc)
}

func (c *conn) writeInterleaved(channel int, payload []byte) error {
	if len(payload) > 0xffff {
		return fmt.Errorf("interleaved payload of %d bytes is too large", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	frame[0] = interleavedMagic
	frame[1] = byte(channel)
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	copy(frame[4:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.nc.Write(frame)
	return err
}

func (c *conn) close() {
	c.once.Do(func() {
		_ = c.nc.Close()
	})
}
