package downend

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

var testEpoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

var errWriteFailed = errors.New("write failed")

type fakeChannel struct {
	mu      sync.Mutex
	sent    []session.Message
	closed  bool
	failing bool
}

func (c *fakeChannel) Send(msg session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return errWriteFailed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Message(nil), c.sent...)
}

func (c *fakeChannel) last(t *testing.T) session.Message {
	t.Helper()
	msgs := c.messages()
	if len(msgs) == 0 {
		t.Fatalf("channel sent nothing")
	}
	return msgs[len(msgs)-1]
}

func (c *fakeChannel) count(match func(session.Message) bool) int {
	n := 0
	for _, m := range c.messages() {
		if match(m) {
			n++
		}
	}
	return n
}

// fakeAttempt is one Connect call; the test opens, feeds and closes it.
type fakeAttempt struct {
	ctx    context.Context
	events LinkEvents
	ch     *fakeChannel
}

func (a *fakeAttempt) open() *fakeChannel {
	a.ch = &fakeChannel{}
	a.events.Opened(a.ch)
	return a.ch
}

func (a *fakeAttempt) deliver(msg session.Message) { a.events.Received(msg) }

func (a *fakeAttempt) drop(err error) { a.events.Closed(err) }

type fakeConnector struct {
	mu       sync.Mutex
	attempts []*fakeAttempt
}

func (c *fakeConnector) Connect(ctx context.Context, events LinkEvents) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, &fakeAttempt{ctx: ctx, events: events})
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attempts)
}

func (c *fakeConnector) latest(t *testing.T) *fakeAttempt {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.attempts) == 0 {
		t.Fatalf("no connection attempt")
	}
	return c.attempts[len(c.attempts)-1]
}

// fakeCreds holds each prompt until the test answers it.
type fakeCreds struct {
	mu        sync.Mutex
	credAsks  []func(*Credential)
	codeAsks  []func(*string)
	problems  []*signon.Failure
	progress  []string
	doneCalls int
}

func (f *fakeCreds) ReadCredential(done func(*Credential)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credAsks = append(f.credAsks, done)
}

func (f *fakeCreds) ReadSecondaryCode(done func(*string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeAsks = append(f.codeAsks, done)
}

func (f *fakeCreds) SetProgressMessage(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, text)
}

func (f *fakeCreds) SetProblemMessage(p *signon.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.problems = append(f.problems, p)
}

func (f *fakeCreds) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneCalls++
}

func (f *fakeCreds) asked() (creds, codes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.credAsks), len(f.codeAsks)
}

func (f *fakeCreds) lastProblem() *signon.Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.problems) == 0 {
		return nil
	}
	return f.problems[len(f.problems)-1]
}

func (f *fakeCreds) answerCredential(t *testing.T, c *Credential) {
	t.Helper()
	f.mu.Lock()
	if len(f.credAsks) == 0 {
		f.mu.Unlock()
		t.Fatalf("no credential prompt outstanding")
	}
	done := f.credAsks[len(f.credAsks)-1]
	f.mu.Unlock()
	done(c)
}

func (f *fakeCreds) answerCode(t *testing.T, code *string) {
	t.Helper()
	f.mu.Lock()
	if len(f.codeAsks) == 0 {
		f.mu.Unlock()
		t.Fatalf("no code prompt outstanding")
	}
	done := f.codeAsks[len(f.codeAsks)-1]
	f.mu.Unlock()
	done(code)
}

type harness struct {
	exec  *serial.Manual
	conn  *fakeConnector
	creds *fakeCreds
	sup   *Supervisor

	mu     sync.Mutex
	events []Event
}

func testBoundary() session.TimeBoundary {
	return session.TimeBoundary{
		PingInterval:             time.Second,
		PongTimeoutOnDownend:     2500 * time.Millisecond,
		PingTimeoutOnUpend:       5 * time.Second,
		ReconnectDelayMin:        time.Second,
		ReconnectDelayMax:        3 * time.Second,
		MaximumSessionInactivity: 2 * time.Minute,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, tweak func(*session.TimeBoundary)) *harness {
	t.Helper()
	testlog.Start(t)
	boundary := testBoundary()
	if tweak != nil {
		tweak(&boundary)
	}
	h := &harness{
		exec:  serial.NewManual(testEpoch),
		conn:  &fakeConnector{},
		creds: &fakeCreds{},
	}
	sup, err := NewSupervisor(h.exec, h.conn, h.creds, Config{
		Node:     "downend.test",
		Boundary: boundary,
		Rand:     rand.New(rand.NewSource(7)),
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	h.sup = sup
	sup.OnEvent(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, ev := range h.events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (h *harness) traffic() []session.Traffic {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []session.Traffic
	for _, ev := range h.events {
		if ev.Kind == EventTraffic {
			out = append(out, ev.Traffic)
		}
	}
	return out
}

func (h *harness) requireState(t *testing.T, want State) {
	t.Helper()
	if got := h.sup.Status().State; got != want {
		t.Fatalf("state=%s want %s", got, want)
	}
}

// signIn starts the supervisor and completes a primary-only signon.
func (h *harness) signIn(t *testing.T, sessionID string) (*fakeAttempt, *fakeChannel) {
	t.Helper()
	if !h.sup.Start() {
		t.Fatalf("start rejected")
	}
	attempt := h.conn.latest(t)
	ch := attempt.open()
	h.creds.answerCredential(t, &Credential{Login: "alice", Password: "wonderland"})
	attempt.deliver(session.SignonVerdict{Step: session.StepSignedIn, SessionID: sessionID})
	h.requireState(t, StateSignedIn)
	return attempt, ch
}

func isPing(m session.Message) bool {
	_, ok := m.(session.Ping)
	return ok
}
