package transport

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/testutil/tlstest"
)

func pingFrame(t *testing.T, id uint64) frame.Frame {
	t.Helper()
	f, err := session.EncodeFrame(id, session.Ping{TimestampMS: 1700000000000})
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	return f
}

// echoOne accepts one connection from ln and echoes a single frame.
func echoOne(t *testing.T, ln net.Listener, cfg session.Config) <-chan string {
	t.Helper()
	peers := make(chan string, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			close(peers)
			return
		}
		conn, err := Accept(raw, cfg)
		if err != nil {
			_ = raw.Close()
			close(peers)
			return
		}
		defer conn.Close()
		f, err := conn.ReadFrame()
		if err != nil {
			close(peers)
			return
		}
		peers <- conn.PeerIdentity()
		_ = conn.WriteFrame(f)
	}()
	return peers
}

func TestTCPFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	ln, err := Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	peers := echoOne(t, ln, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteFrame(pingFrame(t, 7)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header.MessageID != 7 {
		t.Fatalf("unexpected echo: %+v", got.Header)
	}
	if peer := <-peers; peer != "" {
		t.Fatalf("plaintext peer identity must be empty, got %q", peer)
	}
	if Host(conn.RemoteAddr()) != "127.0.0.1" {
		t.Fatalf("unexpected remote host: %q", conn.RemoteAddr())
	}
}

func TestMutualTLSRoundTripCarriesPeerIdentity(t *testing.T) {
	testlog.Start(t)
	ca := tlstest.NewAuthority(t, "edgelink-test-ca")
	server := ca.Issue(t, "upend.local", tlstest.Upend)
	client := ca.Issue(t, "downend.alpha", tlstest.Downend)

	serverCfg := session.DefaultConfig()
	serverCfg.SecurityMode = session.SecurityModeProduction
	serverCfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: server.CertFile,
		KeyFile:  server.KeyFile,
		CAFile:   ca.CAFile(),
	}
	ln, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	peers := echoOne(t, ln, serverCfg)

	clientCfg := session.DefaultConfig()
	clientCfg.SecurityMode = session.SecurityModeProduction
	clientCfg.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: client.CertFile,
		KeyFile:  client.KeyFile,
		CAFile:   ca.CAFile(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteFrame(pingFrame(t, 9)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.ReadFrame(); err != nil {
		t.Fatalf("read: %v", err)
	}
	if peer := <-peers; peer != "downend.alpha" {
		t.Fatalf("unexpected peer identity: %q", peer)
	}
}

func TestDialRejectsInvalidPolicy(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.SecurityMode = session.SecurityModeProduction
	_, err := Dial(context.Background(), "127.0.0.1:1", cfg)
	if !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestWebSocketFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	accepted := make(chan frame.Frame, 1)
	srv := httptest.NewServer(UpgradeHandler(Options{}, func(conn Conn) {
		defer conn.Close()
		f, err := conn.ReadFrame()
		if err != nil {
			return
		}
		accepted <- f
		_ = conn.WriteFrame(f)
		_, _ = conn.ReadFrame()
	}))
	defer srv.Close()

	url := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/link"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, session.DefaultConfig())
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteFrame(pingFrame(t, 11)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header.MessageID != 11 {
		t.Fatalf("unexpected echo: %+v", got.Header)
	}
	select {
	case f := <-accepted:
		if f.Type() != got.Type() {
			t.Fatalf("type mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never saw the frame")
	}
}

func TestReadDeadlineTimesOut(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer b.Close()
	conn := NewStreamConn(a, Options{})
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, err := conn.ReadFrame()
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestHost(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"10.0.0.1:9000":   "10.0.0.1",
		"[::1]:9000":      "::1",
		"example.com":     "example.com",
		" 10.0.0.2:1 ":    "10.0.0.2",
		"localhost:65535": "localhost",
	}
	for in, want := range cases {
		if got := Host(in); got != want {
			t.Fatalf("Host(%q)=%q want %q", in, got, want)
		}
	}
	if hostFromURL("wss://upend.example:443/link?x=1") != "upend.example:443" {
		t.Fatalf("unexpected url host")
	}
}
