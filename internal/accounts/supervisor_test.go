package accounts

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/upend"
	"github.com/stretchr/testify/require"
)

type verdictLink struct {
	addr     string
	mu       sync.Mutex
	verdicts []session.SignonVerdict
	arrived  chan struct{}
}

func newVerdictLink(addr string) *verdictLink {
	return &verdictLink{addr: addr, arrived: make(chan struct{}, 16)}
}

func (l *verdictLink) RemoteAddress() string { return l.addr }
func (l *verdictLink) Close() error          { return nil }

func (l *verdictLink) Send(msg session.Message) error {
	if v, ok := msg.(session.SignonVerdict); ok {
		l.mu.Lock()
		l.verdicts = append(l.verdicts, v)
		l.mu.Unlock()
		l.arrived <- struct{}{}
	}
	return nil
}

func (l *verdictLink) await(t *testing.T) session.SignonVerdict {
	t.Helper()
	select {
	case <-l.arrived:
	case <-time.After(2 * time.Second):
		t.Fatalf("no verdict")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verdicts[len(l.verdicts)-1]
}

func TestSupervisorLockoutWithAccounts(t *testing.T) {
	testlog.Start(t)
	dir, ledger := openDirectory(t)
	seedUsers(t, dir)
	duty := NewDuty(dir, ledger, nil, DutyConfig{MaxFailures: 3})
	sup := upend.NewSupervisor(serial.NewManual(time.Now()), duty, upend.SupervisorConfig{Node: "accounts-test"})
	duty.Bind(sup)
	sup.Start()

	link := newVerdictLink("10.1.1.1")
	for i := 0; i < 3; i++ {
		sup.Deliver(link, session.PrimarySignon{Login: "alice", Password: "guess"})
		require.Equal(t, signon.InvalidCredential, link.await(t).Failure)
	}
	sup.Deliver(link, session.PrimarySignon{Login: "alice", Password: "wonderland"})
	require.Equal(t, signon.TooManyAttempts, link.await(t).Failure)

	duty.ResetSignonFailures(token(), "alice")
	sup.Deliver(link, session.PrimarySignon{Login: "alice", Password: "wonderland"})
	v := link.await(t)
	require.Equal(t, session.StepSignedIn, v.Step)
	require.Equal(t, []string{v.SessionID}, duty.Sessions())
}

func TestSupervisorSecondaryStepWithAccounts(t *testing.T) {
	testlog.Start(t)
	dir, ledger := openDirectory(t)
	seedUsers(t, dir)
	duty := NewDuty(dir, ledger, NewStaticVerifier("424242"), DutyConfig{MaxFailures: 3})
	sup := upend.NewSupervisor(serial.NewManual(time.Now()), duty, upend.SupervisorConfig{Node: "accounts-test"})
	duty.Bind(sup)
	sup.Start()

	link := newVerdictLink("10.1.1.2")
	sup.Deliver(link, session.PrimarySignon{Login: "bob", Password: "builder"})
	require.Equal(t, session.StepSecondaryRequired, link.await(t).Step)

	sup.Deliver(link, session.SecondarySignon{Code: "111111"})
	require.Equal(t, signon.InvalidSecondaryCode, link.await(t).Failure)

	sup.Deliver(link, session.SecondarySignon{Code: "424242"})
	require.Equal(t, session.StepSignedIn, link.await(t).Step)

	n, err := ledger.Count(t.Context(), "bob")
	require.NoError(t, err)
	require.Zero(t, n, "a successful signon resets the failure count")
}
