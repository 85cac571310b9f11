package rtsp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bilbercode/camstream/internal/device"
	"github.com/bilbercode/camstream/internal/format"
	"github.com/bilbercode/camstream/internal/scheduler"
	"github.com/bilbercode/camstream/internal/session"
)

type frameSource struct {
	frames chan *device.Frame
	once   sync.Once
	done   chan struct{}
}

func newFrameSource() *frameSource {
	return &frameSource{
		frames: make(chan *device.Frame, 16),
		done:   make(chan struct{}),
	}
}

func (s *frameSource) Codec() format.Codec { return format.CodecH264 }

func (s *frameSource) NextFrame() (*device.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.done:
		return nil, device.ErrClosed
	}
}

func (s *frameSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// idrFrame is an SPS, PPS and IDR slice in Annex-B form.
func idrFrame(ts time.Duration) *device.Frame {
	var data []byte
	for _, nal := range [][]byte{
		{0x67, 0x42, 0xc0, 0x1f, 0xda},
		{0x68, 0xce, 0x3c, 0x80},
		{0x65, 0x88, 0x84, 0x21},
	} {
		data = append(data, 0, 0, 0, 1)
		data = append(data, nal...)
	}
	return &device.Frame{Data: data, Timestamp: ts, Key: true}
}

type fixture struct {
	srv *Server
	src *frameSource
	sub *session.Subsession
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cfg.Address = "127.0.0.1"
	sched := scheduler.New(scheduler.WithPollInterval(10 * time.Millisecond))
	srv, err := Bind(sched, cfg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	src := newFrameSource()
	sub, err := session.NewSubsession(src, format.WireH264)
	if err != nil {
		t.Fatalf("NewSubsession: %v", err)
	}
	m := session.NewMediaSession("front", "front door")
	if err := m.AddSubsession(sub); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var stop scheduler.Token
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		sched.DoEventLoop(&stop)
	}()
	t.Cleanup(func() {
		_ = srv.Close()
		stop.Set()
		<-loopDone
		sched.Close()
	})
	return &fixture{srv: srv, src: src, sub: sub}
}

func (f *fixture) url(suffix string) string {
	return f.srv.URLPrefix() + "front" + suffix
}

type testClient struct {
	t   *testing.T
	nc  net.Conn
	br  *bufio.Reader
	seq int
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return &testClient{t: t, nc: nc, br: bufio.NewReader(nc)}
}

func (c *testClient) do(method Method, url string, header http.Header) *Response {
	c.t.Helper()
	c.seq++
	req := &Request{
		Version:  "1.0",
		URL:      url,
		Sequence: strconv.Itoa(c.seq),
		Method:   method,
		Header:   header,
	}
	if err := req.Write(c.nc); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		first, err := c.br.Peek(1)
		if err != nil {
			c.t.Fatalf("read %s response: %v", method, err)
		}
		if first[0] == interleavedMagic {
			c.readFrame()
			continue
		}
		resp, err := readResponse(c.br)
		if err != nil {
			c.t.Fatalf("read %s response: %v", method, err)
		}
		if resp.Sequence != req.Sequence {
			c.t.Fatalf("CSeq: got %s, want %s", resp.Sequence, req.Sequence)
		}
		return resp
	}
}

func (c *testClient) readFrame() (byte, []byte) {
	c.t.Helper()
	_ = c.nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.br, header); err != nil {
		c.t.Fatalf("read interleaved header: %v", err)
	}
	if header[0] != interleavedMagic {
		c.t.Fatalf("got frame magic %#x", header[0])
	}
	payload := make([]byte, binary.BigEndian.Uint16(header[2:]))
	if _, err := io.ReadFull(c.br, payload); err != nil {
		c.t.Fatalf("read interleaved payload: %v", err)
	}
	return header[1], payload
}

func readResponse(br *bufio.Reader) (*Response, error) {
	reader := textproto.NewReader(br)
	line, err := reader.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, err
	}
	header, body, err := readHeaderAndBody(reader, br)
	if err != nil {
		return nil, err
	}
	return &Response{
		Version:  strings.TrimPrefix(parts[0], "RTSP/"),
		Code:     code,
		Message:  parts[2],
		Sequence: header.Get("CSeq"),
		Header:   header,
		Body:     body,
	}, nil
}

func sessionOf(resp *Response) string {
	return sessionID(&Request{Header: resp.Header})
}

func headers(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
