package downend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/rs/zerolog/log"
)

// Channel is an open connection to the upend.
type Channel interface {
	Send(msg session.Message) error
	Close() error
}

// LinkEvents receives the life of one connection attempt: Opened at most
// once, then any number of Received, then Closed exactly once. A failed
// dial reports Closed without Opened.
type LinkEvents interface {
	Opened(ch Channel)
	Received(msg session.Message)
	Closed(err error)
}

// Connector starts connection attempts. Connect must not block; it reports
// through events from its own goroutine. Cancelling ctx tears the attempt
// down.
type Connector interface {
	Connect(ctx context.Context, events LinkEvents)
}

// TransportConnector dials Addr with the transport package: TCP, TLS, or
// WebSocket for ws:// and wss:// addresses.
type TransportConnector struct {
	Addr    string
	Session session.Config
}

func (c TransportConnector) Connect(ctx context.Context, events LinkEvents) {
	go c.run(ctx, events)
}

func (c TransportConnector) run(ctx context.Context, events LinkEvents) {
	conn, err := transport.Dial(ctx, c.Addr, c.Session)
	if err != nil {
		events.Closed(err)
		return
	}
	ch := &transportChannel{conn: conn}
	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	log.Debug().Msgf("downend.TransportConnector connected addr=%q remote=%q", c.Addr, conn.RemoteAddr())
	events.Opened(ch)
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			_ = ch.Close()
			events.Closed(err)
			return
		}
		msg, err := session.DecodeFrame(f)
		if err != nil {
			log.Warn().Msgf("downend.TransportConnector decode type=%d err=%v", f.Type(), err)
			_ = ch.Close()
			events.Closed(err)
			return
		}
		events.Received(msg)
	}
}

type transportChannel struct {
	conn   transport.Conn
	nextID atomic.Uint64
	once   sync.Once
}

func (c *transportChannel) Send(msg session.Message) error {
	f, err := session.EncodeFrame(c.nextID.Add(1), msg)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(f)
}

func (c *transportChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
