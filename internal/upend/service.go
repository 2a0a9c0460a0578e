package upend

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures the upend endpoints.
type ServiceConfig struct {
	ListenAddr string
	// LinkListenAddr serves WebSocket downends at /link, with TLS when the
	// session policy enables it. Empty disables it.
	LinkListenAddr string
	// AdminListenAddr serves the admin surface. Keep it private.
	AdminListenAddr string
	// SignonTimeout closes a link that stays silent this long before it
	// signs in.
	SignonTimeout time.Duration
	CORSOrigins   []string
	// AdminToken guards the session endpoints with a bearer token when set.
	AdminToken string
	Session    session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:      ":9400",
		LinkListenAddr:  ":9402",
		AdminListenAddr: "127.0.0.1:9401",
		SignonTimeout:   2 * time.Minute,
		CORSOrigins:     []string{"http://localhost:3000"},
		Session:         session.DefaultConfig(),
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.SignonTimeout <= 0 {
		c.SignonTimeout = def.SignonTimeout
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// link adapts one transport connection to the supervisor's Link.
type link struct {
	conn     transport.Conn
	host     string
	nextID   atomic.Uint64
	signedIn atomic.Bool

	mu        sync.Mutex
	sessionID string
}

func newLink(conn transport.Conn) *link {
	return &link{conn: conn, host: transport.Host(conn.RemoteAddr())}
}

// RemoteAddress is the peer host without its port, so a reconnect from the
// same host matches the orphaned session.
func (l *link) RemoteAddress() string { return l.host }

func (l *link) Send(msg session.Message) error {
	if v, ok := msg.(session.SignonVerdict); ok && v.Step == session.StepSignedIn {
		l.mu.Lock()
		l.sessionID = v.SessionID
		l.mu.Unlock()
		l.signedIn.Store(true)
	}
	f, err := session.EncodeFrame(l.nextID.Add(1), msg)
	if err != nil {
		return err
	}
	return l.conn.WriteFrame(f)
}

func (l *link) Close() error { return l.conn.Close() }

func (l *link) session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// routable reads the designator of a command frame without decoding its
// payload and reports whether it is an upward command of the link's own
// session.
func (l *link) routable(f frame.Frame) bool {
	d, err := session.PeekRouting(f)
	if err != nil {
		log.Warn().Msgf("upend.session command routing remote=%s err=%v", l.host, err)
		return false
	}
	if d.Kind() != designator.Upward || d.SessionID() == "" || d.SessionID() != l.session() {
		log.Warn().Msgf("upend.session command misrouted remote=%s designator=%s", l.host, d)
		return false
	}
	return true
}

// Service accepts downend connections and feeds them to a Supervisor.
type Service struct {
	cfg ServiceConfig
	sup *Supervisor

	connsMu sync.Mutex
	conns   map[*link]struct{}

	appeared time.Time
	active   atomic.Int64
}

func NewService(cfg ServiceConfig, sup *Supervisor) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		sup:      sup,
		conns:    make(map[*link]struct{}),
		appeared: time.Now(),
	}
}

func (s *Service) Supervisor() *Supervisor { return s.sup }

// Run listens on the session, link and admin addresses until ctx ends, then
// shuts the supervisor down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Session.ValidateUpendTransport(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ln, err := transport.Listen(s.cfg.ListenAddr, s.cfg.Session)
	if err != nil {
		return err
	}
	b := s.cfg.Session.Boundary
	log.Info().Msgf("upend.Service.Run listening addr=%q tls=%t ping_timeout=%s inactivity=%s",
		ln.Addr().String(), s.cfg.Session.TLS.Enabled,
		session.FormatBoundaryDuration(b.PingTimeoutOnUpend), session.FormatBoundaryDuration(b.MaximumSessionInactivity))
	var wsLn net.Listener
	if addr := strings.TrimSpace(s.cfg.LinkListenAddr); addr != "" {
		if wsLn, err = transport.Listen(addr, s.cfg.Session); err != nil {
			_ = ln.Close()
			return err
		}
		log.Info().Msgf("upend.Service.Run link listening addr=%q", wsLn.Addr().String())
	}
	s.sup.Start()

	errs := make(chan error, 3)
	go func() {
		errs <- s.Serve(ctx, ln)
	}()
	var linkSrv *http.Server
	if wsLn != nil {
		linkSrv = &http.Server{Handler: s.LinkRouter(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := linkSrv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}
	var admin *http.Server
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin = &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Msgf("upend.Service.Run admin listening addr=%q", addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	for _, srv := range []*http.Server{admin, linkSrv} {
		if srv == nil {
			continue
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sup.Shutdown(shutdownCtx); err != nil {
		log.Warn().Msgf("upend.Service.Run supervisor shutdown err=%v", err)
	}
	s.closeAllConns()
	return runErr
}

// Serve accepts TCP or TLS connections on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			conn, err := transport.Accept(raw, s.cfg.Session)
			if err != nil {
				log.Warn().Msgf("upend.Service.Serve accept remote=%q err=%v", raw.RemoteAddr().String(), err)
				_ = raw.Close()
				return
			}
			s.handleConn(conn, "tcp")
		}()
	}
}

// WebSocketHandler serves downends that connect through an HTTP upgrade.
func (s *Service) WebSocketHandler() http.HandlerFunc {
	opts := transport.Options{WriteTimeout: s.cfg.Session.WriteTimeout}
	return transport.UpgradeHandler(opts, func(conn transport.Conn) {
		s.handleConn(conn, "websocket")
	})
}

// handleConn reads frames until the link fails or goes silent. Pings are
// answered here; everything else goes to the supervisor.
func (s *Service) handleConn(conn transport.Conn, kind string) {
	l := newLink(conn)
	s.trackConn(l)
	defer s.untrackConn(l)
	defer conn.Close()

	node := s.sup.Node()
	active := s.active.Add(1)
	observability.AddUpendLinks(node, kind, 1)
	log.Info().Msgf("upend.session link connected remote=%q transport=%s peer=%q active_links=%d", conn.RemoteAddr(), kind, conn.PeerIdentity(), active)
	defer func() {
		remaining := s.active.Add(-1)
		observability.AddUpendLinks(node, kind, -1)
		log.Info().Msgf("upend.session link disconnected remote=%q active_links=%d", conn.RemoteAddr(), remaining)
	}()
	defer s.sup.Disconnected(l)

	for {
		if timeout := s.readTimeout(l); timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		f, err := conn.ReadFrame()
		if err != nil {
			if transport.IsTimeout(err) {
				observability.RecordKeepAliveTimeout(node, "upend")
				log.Warn().Msgf("upend.session link silent remote=%q signed_in=%t", conn.RemoteAddr(), l.signedIn.Load())
			}
			return
		}
		if f.Type() == schema.MsgCommand && !l.routable(f) {
			continue
		}
		msg, err := session.DecodeFrame(f)
		if err != nil {
			log.Warn().Msgf("upend.session decode remote=%q type=%d err=%v", conn.RemoteAddr(), f.Header.MessageType, err)
			return
		}
		switch m := msg.(type) {
		case session.Ping:
			if err := l.Send(session.Pong{TimestampMS: m.TimestampMS}); err != nil {
				return
			}
		case session.Pong:
		default:
			if !s.sup.Deliver(l, msg) {
				return
			}
		}
	}
}

func (s *Service) readTimeout(l *link) time.Duration {
	if !l.signedIn.Load() {
		return s.cfg.SignonTimeout
	}
	if d := s.cfg.Session.Boundary.PingTimeoutOnUpend; session.Enabled(d) {
		return d
	}
	return 0
}

func (s *Service) ActiveLinks() int64 { return s.active.Load() }

func (s *Service) trackConn(l *link) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[l] = struct{}{}
}

func (s *Service) untrackConn(l *link) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, l)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for l := range s.conns {
		_ = l.Close()
		delete(s.conns, l)
	}
}
