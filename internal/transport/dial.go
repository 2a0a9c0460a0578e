package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/gorilla/websocket"
)

// Dial connects to addr. ws:// and wss:// addresses use WebSocket; anything
// else is host:port over TCP, with TLS when the policy enables it.
func Dial(ctx context.Context, addr string, cfg session.Config) (Conn, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateDownendTransport(); err != nil {
		return nil, err
	}
	opts := Options{WriteTimeout: cfg.WriteTimeout}
	if isWebSocketURL(addr) {
		return dialWebSocket(ctx, addr, cfg, opts)
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return NewStreamConn(raw, opts), nil
	}
	tlsCfg, err := ClientTLSConfig(cfg, addr)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewStreamConn(conn, opts), nil
}

// Accept completes the server side of one TCP or TLS connection.
func Accept(raw net.Conn, cfg session.Config) (Conn, error) {
	opts := Options{WriteTimeout: cfg.WriteTimeout}
	if tlsConn, ok := raw.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
		if err := tlsConn.Handshake(); err != nil {
			return nil, err
		}
		_ = tlsConn.SetDeadline(time.Time{})
	}
	return NewStreamConn(raw, opts), nil
}

func dialWebSocket(ctx context.Context, addr string, cfg session.Config, opts Options) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	if strings.HasPrefix(strings.ToLower(addr), "wss://") {
		tlsCfg, err := ClientTLSConfig(cfg, hostFromURL(addr))
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	ws, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, opts), nil
}

func isWebSocketURL(addr string) bool {
	lower := strings.ToLower(strings.TrimSpace(addr))
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}

func hostFromURL(addr string) string {
	rest := addr
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
