package downend

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/transport"
)

// serveOne answers one downend: it signs in any primary signon and pongs
// every ping, reporting what it received.
func serveOne(t *testing.T, cfg session.Config) (string, <-chan session.Message) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan session.Message, 64)
	go func() {
		defer close(got)
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn, err := transport.Accept(raw, cfg)
		if err != nil {
			_ = raw.Close()
			return
		}
		defer conn.Close()
		var id uint64
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				return
			}
			msg, err := session.DecodeFrame(f)
			if err != nil {
				return
			}
			select {
			case got <- msg:
			default:
			}
			var reply session.Message
			switch m := msg.(type) {
			case session.PrimarySignon:
				reply = session.SignonVerdict{Step: session.StepSignedIn, SessionID: "s-net"}
			case session.Ping:
				reply = session.Pong{TimestampMS: m.TimestampMS}
			}
			if reply == nil {
				continue
			}
			id++
			out, err := session.EncodeFrame(id, reply)
			if err != nil {
				return
			}
			if err := conn.WriteFrame(out); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), got
}

func waitFor(t *testing.T, got <-chan session.Message, match func(session.Message) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-got:
			if !ok {
				t.Fatalf("server closed before the expected message")
			}
			if match(msg) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message")
		}
	}
}

func TestTransportConnectorSignsInAndSignsOut(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.Boundary.PingInterval = 50 * time.Millisecond
	addr, got := serveOne(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop := serial.NewLoop("downend-test")
	loop.Start(ctx)
	defer loop.Close()

	sup, err := NewSupervisor(loop, TransportConnector{Addr: addr, Session: cfg}, StaticCredentials{
		Credential: Credential{Login: "alice", Password: "wonderland"},
	}, Config{Node: "downend.net", Boundary: cfg.Boundary})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	sup.Start()

	waitFor(t, got, func(m session.Message) bool {
		p, ok := m.(session.PrimarySignon)
		return ok && p.Login == "alice"
	})
	waitFor(t, got, isPing)
	if st := sup.Status(); st.State != StateSignedIn || st.SessionID != "s-net" {
		t.Fatalf("unexpected status: %+v", st)
	}

	sup.Stop()
	waitFor(t, got, func(m session.Message) bool {
		_, ok := m.(session.Signout)
		return ok
	})
	deadline := time.Now().Add(2 * time.Second)
	for sup.Status().State != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor never stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
