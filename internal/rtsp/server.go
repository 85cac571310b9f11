package rtsp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/auth"
	"github.com/bilbercode/camstream/internal/metrics"
	"github.com/bilbercode/camstream/internal/rtsp/transport"
	"github.com/bilbercode/camstream/internal/scheduler"
	"github.com/bilbercode/camstream/internal/session"
)

const (
	DefaultSessionTimeout = 65 * time.Second
	ReportInterval        = 5 * time.Second
)

var (
	ErrBind            = errors.New("failed to bind rtsp port")
	ErrServerClosed    = errors.New("rtsp server closed")
	ErrSessionNotFound = errors.New("media session not found")
)

type Config struct {
	Address    string
	Port       int
	PublicHost string
	Auth       *auth.Database
	// Label names the server in logs and metrics, defaults to the port.
	Label          string
	SessionTimeout time.Duration
}

// Server is the RTSP front of one camera. Requests from every connection
// are handled one at a time on the scheduler loop.
type Server struct {
	sync.Mutex
	cfg      Config
	sched    *scheduler.TaskScheduler
	listener net.Listener
	registry *session.Registry
	host     string
	port     int
	log      *log.Entry

	conns   map[*conn]struct{}
	clients map[string]*clientSession
	reaper  scheduler.TaskID
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// Bind listens on the configured address straight away, so a taken port is
// reported before anything is registered.
func Bind(sched *scheduler.TaskScheduler, cfg Config) (*Server, error) {
	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrBind, cfg.Port, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if cfg.Label == "" {
		cfg.Label = strconv.Itoa(port)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}

	host := cfg.PublicHost
	if host == "" {
		host = advertisedHost(listener.Addr().(*net.TCPAddr).IP)
	}

	return &Server{
		cfg:      cfg,
		sched:    sched,
		listener: listener,
		registry: session.NewRegistry(),
		host:     host,
		port:     port,
		log:      log.WithFields(log.Fields{"camera": cfg.Label, "port": port}),
		conns:    make(map[*conn]struct{}),
		clients:  make(map[string]*clientSession),
	}, nil
}

// advertisedHost picks the address put into play URLs when none is
// configured: the bound IP, or the first non-loopback IPv4 address.
func advertisedHost(ip net.IP) string {
	if ip != nil && !ip.IsUnspecified() {
		return ip.String()
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Sessions() *session.Registry {
	return s.registry
}

// URLPrefix is the play URL of the server root, with a trailing slash.
func (s *Server) URLPrefix() string {
	return fmt.Sprintf("rtsp://%s/", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
}

func (s *Server) playURL(name string) string {
	return s.URLPrefix() + name
}

// URL returns the play URL of a registered session.
func (s *Server) URL(name string) (string, bool) {
	if _, ok := s.registry.Lookup(name); !ok {
		return "", false
	}
	return s.playURL(name), true
}

func (s *Server) Register(m *session.MediaSession) (string, error) {
	s.Lock()
	closed := s.closed
	s.Unlock()
	if closed {
		return "", ErrServerClosed
	}
	if err := s.registry.Add(m); err != nil {
		return "", err
	}
	metrics.Sessions.WithLabelValues(s.cfg.Label).Inc()
	return s.playURL(m.Name()), nil
}

// Unregister removes a session and tears down every client playing it. The
// session itself is handed back to the caller to close.
func (s *Server) Unregister(name string) (*session.MediaSession, error) {
	m, ok := s.registry.Remove(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	metrics.Sessions.WithLabelValues(s.cfg.Label).Dec()

	s.Lock()
	defer s.Unlock()
	for _, cs := range s.clients {
		if cs.media == m {
			s.teardown(cs)
		}
	}
	return m, nil
}

// Start accepts connections in the background. Requests are only answered
// while the scheduler loop runs.
func (s *Server) Start() error {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.reaper = s.sched.Schedule(s.reapInterval(), s.reap)

	s.wg.Add(1)
	go s.accept()
	return nil
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Error("rtsp accept failed")
			}
			return
		}

		c := newConn(s, nc)
		s.Lock()
		if s.closed {
			s.Unlock()
			_ = nc.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.Unlock()

		metrics.Clients.WithLabelValues(s.cfg.Label).Inc()
		c.log.Debug("rtsp client connected")
		go c.serve()
	}
}

// connClosed runs on the read goroutine once a connection ends.
func (s *Server) connClosed(c *conn) {
	c.close()
	s.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.Unlock()
	if !ok {
		return
	}
	metrics.Clients.WithLabelValues(s.cfg.Label).Dec()
	c.log.Debug("rtsp client disconnected")
	_ = s.sched.Post(func() { s.dropConn(c) })
}

// dropConn tears down the sessions streaming over c. UDP sessions outlive
// their control connection until reaped.
func (s *Server) dropConn(c *conn) {
	s.Lock()
	defer s.Unlock()
	for _, cs := range s.clients {
		if cs.conn == c && cs.interleaved() {
			s.teardown(cs)
		}
	}
}

func (s *Server) touchConn(c *conn) {
	s.Lock()
	defer s.Unlock()
	for _, cs := range s.clients {
		if cs.conn == c {
			cs.touch()
		}
	}
}

func (s *Server) reapInterval() time.Duration {
	return s.cfg.SessionTimeout / 5
}

func (s *Server) reap() {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return
	}
	for _, cs := range s.clients {
		if time.Since(cs.lastSeen) > s.cfg.SessionTimeout {
			s.log.WithField("session", cs.id).Info("reclaiming idle rtsp session")
			s.teardown(cs)
		}
	}
	s.reaper = s.sched.Schedule(s.reapInterval(), s.reap)
}

// teardown releases a client session. s must be locked.
func (s *Server) teardown(cs *clientSession) {
	if _, ok := s.clients[cs.id]; !ok {
		return
	}
	delete(s.clients, cs.id)

	if cs.report != 0 {
		s.sched.Unschedule(cs.report)
		cs.report = 0
	}
	for _, t := range cs.tracks {
		t.sub.Detach(cs.id)
		t.close()
	}
}

// scheduleReports arms the next sender report round. s must be locked.
func (s *Server) scheduleReports(cs *clientSession) {
	cs.report = s.sched.Schedule(ReportInterval, func() { s.sendReports(cs) })
}

func (s *Server) sendReports(cs *clientSession) {
	type report struct {
		t *track
		b []byte
	}
	s.Lock()
	if _, ok := s.clients[cs.id]; !ok || !cs.playing {
		s.Unlock()
		return
	}
	var reports []report
	for _, t := range cs.tracks {
		sr, ok := t.sub.SenderReport(cs.id)
		if !ok {
			continue
		}
		b, err := sr.Marshal()
		if err != nil {
			continue
		}
		reports = append(reports, report{t: t, b: b})
	}
	c := cs.conn
	s.scheduleReports(cs)
	s.Unlock()

	for _, r := range reports {
		if err := r.t.writeRTCP(c, r.b); err != nil {
			s.log.WithError(err).WithField("session", cs.id).Debug("failed to send sender report")
		}
	}
}

// readReceiverReports keeps a UDP session alive while the client reports.
func (s *Server) readReceiverReports(cs *clientSession, u *udpTransport) {
	buf := make([]byte, 1500)
	for {
		n, _, err := u.rtcp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
			continue
		}
		_ = s.sched.Post(func() {
			s.Lock()
			cs.touch()
			s.Unlock()
		})
	}
}

func (s *Server) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	err := s.listener.Close()
	if s.reaper != 0 {
		s.sched.Unschedule(s.reaper)
	}
	for _, cs := range s.clients {
		s.teardown(cs)
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()

	if cerr := s.registry.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	metrics.Sessions.DeleteLabelValues(s.cfg.Label)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) handle(c *conn, req *Request) {
	s.Lock()
	resp := s.dispatch(c, req)
	s.Unlock()
	resp.Sequence = req.Sequence
	if err := c.writeResponse(resp); err != nil {
		c.log.WithError(err).Debug("failed to write rtsp response")
		c.close()
	}
}

// dispatch answers one request. s must be locked.
func (s *Server) dispatch(c *conn, req *Request) *Response {
	c.log.WithFields(log.Fields{"method": req.Method, "url": req.URL}).Debug("rtsp request")

	if req.Method != MethodOptions && !s.cfg.Auth.Verify(req.Method.String(), req.URL, req.Header.Get("Authorization")) {
		header := http.Header{}
		header.Set("WWW-Authenticate", s.cfg.Auth.Challenge())
		return newResponse(http.StatusUnauthorized, header)
	}

	switch req.Method {
	case MethodOptions:
		return s.handleOptions(req)
	case MethodDescribe:
		return s.handleDescribe(req)
	case MethodSetup:
		return s.handleSetup(c, req)
	case MethodPlay:
		return s.handlePlay(req)
	case MethodPause:
		return s.handlePause(req)
	case MethodGetParameter:
		return s.handleGetParameter(req)
	case MethodTeardown:
		return s.handleTeardown(req)
	default:
		header := http.Header{}
		header.Set("Allow", allowed())
		return newResponse(http.StatusMethodNotAllowed, header)
	}
}

func (s *Server) handleOptions(req *Request) *Response {
	if cs, ok := s.clientSession(req); ok {
		cs.touch()
	}
	header := http.Header{}
	header.Set("Public", allowed())
	return newResponse(http.StatusOK, header)
}

func (s *Server) handleDescribe(req *Request) *Response {
	if accept := req.Header.Get("Accept"); accept != "" && !strings.Contains(accept, "application/sdp") {
		return newResponse(http.StatusNotAcceptable, nil)
	}
	name, _, err := splitURL(req.URL)
	if err != nil {
		return newResponse(http.StatusBadRequest, nil)
	}
	m, ok := s.registry.Lookup(name)
	if !ok {
		return newResponse(http.StatusNotFound, nil)
	}

	playURL := s.playURL(name)
	body, err := m.SessionDescription(s.host, playURL)
	if err != nil {
		s.log.WithError(err).WithField("session", name).Error("failed to build session description")
		return newResponse(http.StatusInternalServerError, nil)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/sdp")
	header.Set("Content-Base", playURL+"/")
	resp := newResponse(http.StatusOK, header)
	resp.Body = body
	return resp
}

func (s *Server) handleSetup(c *conn, req *Request) *Response {
	name, control, err := splitURL(req.URL)
	if err != nil {
		return newResponse(http.StatusBadRequest, nil)
	}
	m, ok := s.registry.Lookup(name)
	if !ok {
		return newResponse(http.StatusNotFound, nil)
	}
	sub, ok := m.Subsession(control)
	if !ok {
		return newResponse(http.StatusNotFound, nil)
	}

	values := req.Header.Values("Transport")
	if len(values) == 0 {
		return newResponse(StatusUnsupportedTransport, nil)
	}
	th, err := transport.Parse(values)
	switch {
	case errors.Is(err, transport.ErrUnsupportedTransport):
		return newResponse(StatusUnsupportedTransport, nil)
	case err != nil:
		return newResponse(http.StatusBadRequest, nil)
	}

	cs, created, resp := s.setupSession(c, req, m)
	if resp != nil {
		return resp
	}

	if old, ok := cs.track(sub); ok {
		sub.Detach(cs.id)
		old.close()
		cs.tracks = removeTrack(cs.tracks, old)
	}
	t, err := newTrack(c, sub, th.Options(), 2*len(cs.tracks))
	if err != nil {
		s.log.WithError(err).WithField("session", cs.id).Debug("rejecting transport")
		if created {
			s.forget(cs)
		}
		return newResponse(StatusUnsupportedTransport, nil)
	}
	if err := sub.Attach(cs.id, t.sink(c)); err != nil {
		t.close()
		if created {
			s.forget(cs)
		}
		s.log.WithError(err).WithField("session", cs.id).Warn("track is not streaming")
		return newResponse(http.StatusServiceUnavailable, nil)
	}
	cs.tracks = append(cs.tracks, t)
	if t.udp != nil {
		go s.readReceiverReports(cs, t.udp)
	}

	header := http.Header{}
	header.Set("Transport", t.reply.String())
	header.Set("Session", s.sessionHeader(cs))
	return newResponse(http.StatusOK, header)
}

// setupSession finds the client session a SETUP belongs to, creating one
// for the first track.
func (s *Server) setupSession(c *conn, req *Request, m *session.MediaSession) (*clientSession, bool, *Response) {
	if id := sessionID(req); id != "" {
		cs, ok := s.clientSession(req)
		if !ok {
			return nil, false, newResponse(StatusSessionNotFound, nil)
		}
		if cs.media != m {
			return nil, false, newResponse(StatusAggregateNotAllowed, nil)
		}
		cs.conn = c
		cs.touch()
		return cs, false, nil
	}

	cs := &clientSession{
		id:    newSessionID(),
		conn:  c,
		media: m,
	}
	cs.touch()
	s.clients[cs.id] = cs
	return cs, true, nil
}

func (s *Server) forget(cs *clientSession) {
	delete(s.clients, cs.id)
}

func (s *Server) handlePlay(req *Request) *Response {
	cs, ok := s.clientSession(req)
	if !ok {
		return newResponse(StatusSessionNotFound, nil)
	}
	if len(cs.tracks) == 0 {
		return newResponse(StatusMethodNotValidInState, nil)
	}
	cs.touch()

	playURL := s.playURL(cs.media.Name())
	infos := make([]string, 0, len(cs.tracks))
	for _, t := range cs.tracks {
		info, err := t.sub.Play(cs.id)
		if err != nil {
			s.log.WithError(err).WithField("session", cs.id).Warn("failed to start track")
			continue
		}
		infos = append(infos, fmt.Sprintf("url=%s/%s;seq=%d;rtptime=%d",
			playURL, t.sub.ControlPath(), info.Sequence, info.RTPTime))
	}
	if !cs.playing {
		cs.playing = true
		s.scheduleReports(cs)
	}

	header := http.Header{}
	header.Set("Session", s.sessionHeader(cs))
	header.Set("Range", "npt=0.000-")
	if len(infos) > 0 {
		header.Set("RTP-Info", strings.Join(infos, ","))
	}
	return newResponse(http.StatusOK, header)
}

func (s *Server) handlePause(req *Request) *Response {
	cs, ok := s.clientSession(req)
	if !ok {
		return newResponse(StatusSessionNotFound, nil)
	}
	cs.touch()
	for _, t := range cs.tracks {
		_ = t.sub.Pause(cs.id)
	}
	if cs.playing {
		cs.playing = false
		s.sched.Unschedule(cs.report)
		cs.report = 0
	}

	header := http.Header{}
	header.Set("Session", s.sessionHeader(cs))
	return newResponse(http.StatusOK, header)
}

func (s *Server) handleGetParameter(req *Request) *Response {
	header := http.Header{}
	if sessionID(req) != "" {
		cs, ok := s.clientSession(req)
		if !ok {
			return newResponse(StatusSessionNotFound, nil)
		}
		cs.touch()
		header.Set("Session", s.sessionHeader(cs))
	}
	return newResponse(http.StatusOK, header)
}

func (s *Server) handleTeardown(req *Request) *Response {
	cs, ok := s.clientSession(req)
	if !ok {
		return newResponse(StatusSessionNotFound, nil)
	}
	s.teardown(cs)
	return newResponse(http.StatusOK, nil)
}

func (s *Server) clientSession(req *Request) (*clientSession, bool) {
	id := sessionID(req)
	if id == "" {
		return nil, false
	}
	cs, ok := s.clients[id]
	return cs, ok
}

func (s *Server) sessionHeader(cs *clientSession) string {
	secs := (s.cfg.SessionTimeout + time.Second - 1) / time.Second
	return fmt.Sprintf("%s;timeout=%d", cs.id, int(secs))
}

func sessionID(req *Request) string {
	id, _, _ := strings.Cut(req.Header.Get("Session"), ";")
	return strings.TrimSpace(id)
}

// splitURL returns the session name and track control path of a request
// URL such as rtsp://host:port/name/trackID=1.
func splitURL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	p := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 && strings.HasPrefix(p[i+1:], "trackID=") {
		return p[:i], p[i+1:], nil
	}
	if strings.HasPrefix(p, "trackID=") {
		return "", p, nil
	}
	return p, "", nil
}

func removeTrack(tracks []*track, t *track) []*track {
	for i, other := range tracks {
		if other == t {
			return append(tracks[:i], tracks[i+1:]...)
		}
	}
	return tracks
}
