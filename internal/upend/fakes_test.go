package upend

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/sessionbook"
	"github.com/danmuck/edgelink/internal/signon"
)

type fakeLink struct {
	addr string

	mu     sync.Mutex
	sent   []session.Message
	closed bool
}

func newFakeLink(addr string) *fakeLink { return &fakeLink{addr: addr} }

func (l *fakeLink) RemoteAddress() string { return l.addr }

func (l *fakeLink) Send(msg session.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, msg)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) messages() []session.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Message(nil), l.sent...)
}

func (l *fakeLink) lastVerdict(t *testing.T) session.SignonVerdict {
	t.Helper()
	msgs := l.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if v, ok := msgs[i].(session.SignonVerdict); ok {
			return v
		}
	}
	t.Fatalf("no verdict sent to %s", l.addr)
	return session.SignonVerdict{}
}

type inwardCall struct {
	op        string
	token     designator.Designator
	login     string
	sessionID string
	kind      signon.AttemptKind
}

// fakeInward answers inline through out, like an in-process duty would.
type fakeInward struct {
	out OutwardDuty

	passwords map[string]string
	codes     map[string]string

	asyncSecondary bool
	asyncDone      chan struct{}
	holdRegister   bool
	rejectRegister bool

	mu    sync.Mutex
	calls []inwardCall
	held  []inwardCall
}

func newFakeInward() *fakeInward {
	return &fakeInward{
		passwords: map[string]string{"alice": "wonderland", "bob": "builder"},
		codes:     map[string]string{"bob": "424242"},
		asyncDone: make(chan struct{}, 4),
	}
}

func (f *fakeInward) record(c inwardCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeInward) ops(op string) []inwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inwardCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeInward) PrimarySignonAttempt(token designator.Designator, login, password string) {
	f.record(inwardCall{op: "primary", token: token, login: login})
	if want, ok := f.passwords[login]; !ok || want != password {
		f.out.PrimarySignonAttempted(token, signon.Decision{}, signon.NewFailure(signon.InvalidCredential, ""))
		return
	}
	_, second := f.codes[login]
	f.out.PrimarySignonAttempted(token, signon.Decision{
		User:              signon.User{Login: login, PhoneNumber: "+15550100"},
		SecondaryRequired: second,
	}, nil)
}

func (f *fakeInward) SecondarySignonAttempt(token designator.Designator, login, code string) {
	f.record(inwardCall{op: "secondary", token: token, login: login})
	answer := func() {
		if f.codes[login] == code {
			f.out.SecondarySignonAttempted(token, nil)
			return
		}
		f.out.SecondarySignonAttempted(token, signon.NewFailure(signon.InvalidSecondaryCode, ""))
	}
	if f.asyncSecondary {
		go func() {
			answer()
			f.asyncDone <- struct{}{}
		}()
		return
	}
	answer()
}

func (f *fakeInward) FailedSignonAttempt(token designator.Designator, login string, kind signon.AttemptKind) {
	f.record(inwardCall{op: "failed", token: token, login: login, kind: kind})
}

func (f *fakeInward) RegisterSession(token designator.Designator, sessionID, login string) {
	call := inwardCall{op: "register", token: token, login: login, sessionID: sessionID}
	f.record(call)
	switch {
	case f.holdRegister:
		f.mu.Lock()
		f.held = append(f.held, call)
		f.mu.Unlock()
	case f.rejectRegister:
		f.out.SessionCreationFailed(token, sessionID, signon.NewFailure(signon.Unexpected, "registry unavailable"))
	default:
		f.out.SessionCreated(token, sessionID, login)
	}
}

func (f *fakeInward) Signout(token designator.Designator) {
	f.record(inwardCall{op: "signout", token: token, sessionID: token.SessionID()})
}

func (f *fakeInward) SignoutAll(token designator.Designator) {
	f.record(inwardCall{op: "signout_all", token: token})
}

func (f *fakeInward) ResetSignonFailures(token designator.Designator, login string) {
	f.record(inwardCall{op: "reset", token: token, login: login})
}

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type harness struct {
	exec *serial.Manual
	in   *fakeInward
	sup  *Supervisor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	exec := serial.NewManual(testEpoch)
	in := newFakeInward()
	next := 0
	boundary := session.DefaultTimeBoundary()
	boundary.MaximumSessionInactivity = 2 * time.Minute
	sup := NewSupervisor(exec, in, SupervisorConfig{
		Node:          "upend-test",
		Boundary:      boundary,
		SweepInterval: 10 * time.Second,
		NewSessionID: func() sessionbook.ID {
			next++
			return sessionbook.ID(fmt.Sprintf("s-%d", next))
		},
	})
	in.out = sup
	sup.Start()
	return &harness{exec: exec, in: in, sup: sup}
}

// signIn runs a full primary signon for login on l and returns the session id.
func (h *harness) signIn(t *testing.T, l *fakeLink, login, password string) string {
	t.Helper()
	h.sup.Deliver(l, session.PrimarySignon{Login: login, Password: password})
	v := l.lastVerdict(t)
	if v.Step != session.StepSignedIn || v.SessionID == "" {
		t.Fatalf("expected signed in verdict, got %+v", v)
	}
	return v.SessionID
}
