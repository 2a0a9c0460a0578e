// Package transport carries session frames over TCP, TLS and WebSocket
// connections.
package transport

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
)

var ErrConnClosed = errors.New("transport: connection closed")

// Conn is one framed, bidirectional link between a downend and the upend.
// ReadFrame must only be called from one goroutine; WriteFrame is safe for
// concurrent use.
type Conn interface {
	ReadFrame() (frame.Frame, error)
	WriteFrame(f frame.Frame) error
	// SetReadDeadline bounds the next ReadFrame. A zero time clears it.
	SetReadDeadline(t time.Time) error
	// RemoteAddr is the peer's host:port.
	RemoteAddr() string
	// PeerIdentity is the verified client certificate identity, or "".
	PeerIdentity() string
	Close() error
}

// Options tune frame limits and write deadlines for one connection.
type Options struct {
	Limits       frame.Limits
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = frame.DefaultLimits()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 15 * time.Second
	}
	return o
}

// streamConn frames a byte stream (plain TCP or TLS).
type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader
	opts   Options
	peer   string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewStreamConn wraps an established net.Conn. TLS connections must have
// completed their handshake.
func NewStreamConn(conn net.Conn, opts Options) Conn {
	c := &streamConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		opts:   opts.withDefaults(),
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			c.peer = PeerIdentityFromCert(state.PeerCertificates[0])
		}
	}
	return c
}

func (c *streamConn) ReadFrame() (frame.Frame, error) {
	f, err := frame.ReadFrame(c.reader, c.opts.Limits)
	if err != nil {
		return frame.Frame{}, normalizeErr(err)
	}
	return f, nil
}

func (c *streamConn) WriteFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return normalizeErr(frame.WriteFrame(c.conn, f, c.opts.Limits))
}

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *streamConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *streamConn) PeerIdentity() string              { return c.peer }

func (c *streamConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Host strips the port from a host:port address. Addresses without a port
// are returned trimmed.
func Host(addr string) string {
	addr = strings.TrimSpace(addr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrConnClosed
	}
	return err
}
