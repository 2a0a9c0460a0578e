package downend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/danmuck/edgelink/internal/stamp"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectorRequired   = errors.New("downend: connector required")
	ErrCredentialsRequired = errors.New("downend: credential source required")
	ErrCancelled           = errors.New("downend: signon cancelled")
	ErrStopped             = errors.New("downend: stopped")
	ErrConnectionLost      = errors.New("downend: connection lost")
	ErrNotSignedIn         = errors.New("downend: not signed in")
	ErrPongTimeout         = errors.New("downend: pong timeout")
)

type Config struct {
	Node     string
	Boundary session.TimeBoundary
	// Rand draws reconnect delays. Nil seeds one from the clock.
	Rand *rand.Rand
	// Stamps mints upward designators. Nil uses the process-wide generator.
	Stamps *stamp.Generator
}

func DefaultConfig() Config {
	return Config{
		Node:     "downend.local",
		Boundary: session.DefaultTimeBoundary(),
	}
}

// Supervisor is the client connection state machine. Every transition runs
// on its executor; exported methods only post work there.
//
// After a lost channel the CONNECTING event is emitted at once, with the
// loss as its Problem, and the redial happens when the randomized reconnect
// delay expires. Listeners therefore see CONNECTING at the start of the
// wait, not at its end. Stop during the wait cancels the redial.
type Supervisor struct {
	cfg       Config
	exec      serial.Executor
	connector Connector
	creds     CredentialSource
	rng       *rand.Rand
	stamps    *stamp.Generator
	inflight  *session.InFlight
	listeners []Listener
	commands  func(d designator.Designator, payload []byte)

	state     State
	problem   error
	outcome   error
	traffic   session.Traffic
	sessionID string
	resigning bool
	attempts  int

	// gen identifies the current connection attempt and prompt the current
	// credential request; callbacks carrying older values are dropped.
	gen        uint64
	prompt     uint64
	ch         Channel
	cancelDial context.CancelFunc

	pingTimer      serial.Timer
	pongTimer      serial.Timer
	reconnectTimer serial.Timer

	mu     sync.Mutex
	status Status
}

func NewSupervisor(exec serial.Executor, connector Connector, creds CredentialSource, cfg Config) (*Supervisor, error) {
	if connector == nil {
		return nil, ErrConnectorRequired
	}
	if creds == nil {
		return nil, ErrCredentialsRequired
	}
	if strings.TrimSpace(cfg.Node) == "" {
		cfg.Node = DefaultConfig().Node
	}
	cfg.Boundary = cfg.Boundary.WithDefaults()
	if err := cfg.Boundary.Validate(); err != nil {
		return nil, err
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	stamps := cfg.Stamps
	if stamps == nil {
		stamps = stamp.Shared()
	}
	return &Supervisor{
		cfg:       cfg,
		exec:      exec,
		connector: connector,
		creds:     creds,
		rng:       rng,
		stamps:    stamps,
		inflight:  session.NewInFlight(),
	}, nil
}

// OnEvent registers l for state and traffic events.
func (s *Supervisor) OnEvent(l Listener) {
	s.exec.Submit(func() { s.listeners = append(s.listeners, l) })
}

// SetCommandHandler receives downward commands that answer no pending call.
func (s *Supervisor) SetCommandHandler(fn func(d designator.Designator, payload []byte)) {
	s.exec.Submit(func() { s.commands = fn })
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start leaves STOPPED and dials. It is a no-op in any other state.
func (s *Supervisor) Start() bool {
	return s.exec.Submit(func() {
		if s.state != StateStopped {
			return
		}
		s.problem = nil
		s.outcome = nil
		s.attempts = 0
		s.setState(StateConnecting)
		s.dial()
	})
}

// Stop signs out when signed in, cancels every timer, and reports STOPPED.
func (s *Supervisor) Stop() bool {
	return s.exec.Submit(func() { s.stop(nil) })
}

// Call sends an upward command tagged tag and runs done with the payload of
// the downward command caused by it. done runs on the executor.
func (s *Supervisor) Call(tag string, payload []byte, done func(payload []byte, err error)) {
	if done == nil {
		done = func([]byte, error) {}
	}
	if !s.exec.Submit(func() { s.call(tag, payload, done) }) {
		done(nil, ErrStopped)
	}
}

func (s *Supervisor) call(tag string, payload []byte, done func([]byte, error)) {
	if s.state != StateSignedIn {
		done(nil, ErrNotSignedIn)
		return
	}
	d, err := designator.NewUpward(s.stamps.Generate(), tag, s.sessionID)
	if err != nil {
		done(nil, err)
		return
	}
	s.inflight.Add(session.PendingCall{
		Stamp:  d.Stamp(),
		Tag:    d.Tag(),
		SentAt: s.exec.Now(),
		Done:   done,
	})
	s.trafficChanged()
	s.send(session.Command{Designator: d, Payload: payload})
}

func (s *Supervisor) dial() {
	s.gen++
	s.attempts++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	log.Debug().Msgf("downend.Supervisor dial node=%s attempt=%d", s.cfg.Node, s.attempts)
	s.connector.Connect(ctx, &attemptEvents{s: s, gen: s.gen})
}

func (s *Supervisor) opened(gen uint64, ch Channel) {
	if gen != s.gen || s.state != StateConnecting || s.ch != nil {
		_ = ch.Close()
		return
	}
	s.ch = ch
	if s.sessionID != "" {
		s.resigning = true
		s.setState(StateSigningInPrimary)
		s.creds.SetProgressMessage("resuming session")
		s.send(session.Resignon{SessionID: s.sessionID})
		return
	}
	s.promptCredential()
}

func (s *Supervisor) closed(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	s.lost(err)
}

func (s *Supervisor) received(gen uint64, msg session.Message) {
	if gen != s.gen || s.ch == nil {
		return
	}
	switch m := msg.(type) {
	case session.SignonVerdict:
		s.verdict(m)
	case session.Pong:
		serial.Stop(s.pongTimer)
		s.pongTimer = nil
	case session.Ping:
		s.send(session.Pong{TimestampMS: m.TimestampMS})
	case session.Command:
		s.command(m)
	default:
		log.Warn().Msgf("downend.Supervisor unexpected message node=%s type=%d state=%s", s.cfg.Node, msg.MessageType(), s.state)
	}
}

func (s *Supervisor) promptCredential() {
	s.resigning = false
	s.setState(StateSigningInPrimary)
	s.creds.SetProgressMessage("waiting for credential")
	s.prompt++
	id := s.prompt
	s.creds.ReadCredential(func(c *Credential) {
		s.exec.Submit(func() { s.credentialRead(id, c) })
	})
}

func (s *Supervisor) credentialRead(id uint64, c *Credential) {
	if id != s.prompt || s.state != StateSigningInPrimary || s.ch == nil {
		return
	}
	s.prompt++
	if c == nil {
		s.stop(ErrCancelled)
		return
	}
	s.creds.SetProgressMessage("signing in")
	s.send(session.PrimarySignon{Login: c.Login, Password: c.Password})
}

func (s *Supervisor) promptCode() {
	s.setState(StateSigningInSecondary)
	s.creds.SetProgressMessage("waiting for secondary code")
	s.prompt++
	id := s.prompt
	s.creds.ReadSecondaryCode(func(code *string) {
		s.exec.Submit(func() { s.codeRead(id, code) })
	})
}

func (s *Supervisor) codeRead(id uint64, code *string) {
	if id != s.prompt || s.state != StateSigningInSecondary || s.ch == nil {
		return
	}
	s.prompt++
	if code == nil {
		s.stop(ErrCancelled)
		return
	}
	s.creds.SetProgressMessage("verifying secondary code")
	s.send(session.SecondarySignon{Code: *code})
}

func (s *Supervisor) verdict(v session.SignonVerdict) {
	if s.state != StateSigningInPrimary && s.state != StateSigningInSecondary {
		log.Warn().Msgf("downend.Supervisor verdict out of turn node=%s step=%s state=%s", s.cfg.Node, v.Step, s.state)
		return
	}
	switch v.Step {
	case session.StepSignedIn:
		s.signedIn(v.SessionID)
	case session.StepSecondaryRequired:
		s.promptCode()
	case session.StepFailed:
		s.failed(signon.NewFailure(v.Failure, v.Message))
	default:
		s.failed(signon.NewFailure(signon.Unexpected, "verdict step "+string(v.Step)))
	}
}

func (s *Supervisor) signedIn(id string) {
	resumed := s.resigning && id == s.sessionID
	s.sessionID = id
	s.resigning = false
	s.problem = nil
	s.attempts = 0
	s.prompt++
	s.creds.Done()
	s.setState(StateSignedIn)
	s.startKeepAlive()
	log.Info().Msgf("downend.Supervisor signed in node=%s session=%s resumed=%t", s.cfg.Node, id, resumed)
}

// failed applies the recovery policy of a rejected signon step.
func (s *Supervisor) failed(f *signon.Failure) {
	s.problem = f
	log.Warn().Msgf("downend.Supervisor signon failed node=%s kind=%s resigning=%t detail=%q", s.cfg.Node, f.Kind, s.resigning, f.Detail)
	switch f.Kind {
	case signon.UnknownSession:
		s.sessionID = ""
		s.creds.SetProblemMessage(f)
		s.promptCredential()
	case signon.MissingCredential, signon.InvalidCredential:
		s.creds.SetProblemMessage(f)
		s.promptCredential()
	case signon.MissingSecondaryCode, signon.InvalidSecondaryCode:
		s.creds.SetProblemMessage(f)
		s.promptCode()
	default:
		s.creds.SetProblemMessage(f)
		s.stop(fmt.Errorf("%w: %w", ErrCancelled, f))
	}
}

func (s *Supervisor) command(m session.Command) {
	if s.state != StateSignedIn {
		return
	}
	d := m.Designator
	if d.Kind() != designator.Downward {
		log.Warn().Msgf("downend.Supervisor dropped command node=%s designator=%s", s.cfg.Node, d)
		return
	}
	s.stamps.Observe(d.Stamp())
	if d.HasCause() {
		if call, ok, _ := s.inflight.Resolve(d.Cause()); ok {
			s.trafficChanged()
			call.Done(m.Payload, nil)
			return
		}
	}
	if s.commands != nil {
		s.commands(d, m.Payload)
		return
	}
	log.Debug().Msgf("downend.Supervisor unclaimed command node=%s designator=%s", s.cfg.Node, d)
}

func (s *Supervisor) startKeepAlive() {
	if !session.Enabled(s.cfg.Boundary.PingInterval) {
		return
	}
	var t serial.Timer
	t = s.exec.Every(s.cfg.Boundary.PingInterval, func() {
		if t != s.pingTimer || s.state != StateSignedIn {
			return
		}
		s.ping()
	})
	s.pingTimer = t
}

func (s *Supervisor) ping() {
	if !s.send(session.Ping{TimestampMS: uint64(s.exec.Now().UnixMilli())}) {
		return
	}
	timeout := s.cfg.Boundary.PongTimeoutOnDownend
	if s.pongTimer != nil || !session.Enabled(timeout) {
		return
	}
	var t serial.Timer
	t = s.exec.AfterFunc(timeout, func() {
		if t != s.pongTimer || s.state != StateSignedIn {
			return
		}
		s.pongTimer = nil
		observability.RecordKeepAliveTimeout(s.cfg.Node, "downend")
		s.lost(ErrPongTimeout)
	})
	s.pongTimer = t
}

// send writes msg on the current channel. A write failure is a lost
// connection.
func (s *Supervisor) send(msg session.Message) bool {
	if s.ch == nil {
		return false
	}
	if err := s.ch.Send(msg); err != nil {
		log.Warn().Msgf("downend.Supervisor send node=%s type=%d err=%v", s.cfg.Node, msg.MessageType(), err)
		s.lost(err)
		return false
	}
	return true
}

// lost tears the channel down, reports CONNECTING, and redials after a
// randomized delay.
func (s *Supervisor) lost(err error) {
	if s.state == StateStopped || s.state == StateStopping {
		return
	}
	if err == nil {
		err = ErrConnectionLost
	}
	s.teardown(ErrConnectionLost)
	s.problem = err
	s.setState(StateConnecting)

	delay := session.NextReconnectDelay(s.cfg.Boundary, s.rng)
	observability.RecordReconnectDelay(s.cfg.Node, delay)
	log.Warn().Msgf("downend.Supervisor connection lost node=%s attempt=%d retry_in=%s err=%v", s.cfg.Node, s.attempts, delay, err)
	var t serial.Timer
	t = s.exec.AfterFunc(delay, func() {
		if t != s.reconnectTimer || s.state != StateConnecting {
			return
		}
		s.reconnectTimer = nil
		s.dial()
	})
	s.reconnectTimer = t
}

func (s *Supervisor) stop(outcome error) {
	if s.state == StateStopped || s.state == StateStopping {
		return
	}
	wasSignedIn := s.state == StateSignedIn
	s.setState(StateStopping)
	if wasSignedIn {
		s.send(session.Signout{})
	}
	s.teardown(ErrStopped)
	s.sessionID = ""
	s.outcome = outcome
	if outcome != nil {
		s.problem = outcome
	}
	s.creds.Done()
	s.setState(StateStopped)
	log.Info().Msgf("downend.Supervisor stopped node=%s signed_out=%t outcome=%v", s.cfg.Node, wasSignedIn, outcome)
}

func (s *Supervisor) teardown(callErr error) {
	serial.Stop(s.pingTimer)
	serial.Stop(s.pongTimer)
	serial.Stop(s.reconnectTimer)
	s.pingTimer, s.pongTimer, s.reconnectTimer = nil, nil, nil
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.gen++
	s.prompt++
	s.resigning = false

	calls := s.inflight.Drain()
	if len(calls) > 0 {
		s.trafficChanged()
	}
	for _, call := range calls {
		call.Done(nil, callErr)
	}
}

func (s *Supervisor) setState(next State) {
	prev := s.state
	s.state = next
	s.publish()
	if prev == next {
		return
	}
	observability.RecordDownendState(s.cfg.Node, next.String())
	log.Debug().Msgf("downend.Supervisor state node=%s from=%s to=%s", s.cfg.Node, prev, next)
	s.emit(Event{Kind: EventState, State: next, Problem: s.problem})
}

func (s *Supervisor) trafficChanged() {
	observability.SetInFlightCalls(s.cfg.Node, s.inflight.Len())
	next := s.inflight.Traffic()
	if next == s.traffic {
		return
	}
	s.traffic = next
	s.publish()
	s.emit(Event{Kind: EventTraffic, State: s.state, Problem: s.problem})
}

func (s *Supervisor) emit(ev Event) {
	ev.SessionID = s.sessionID
	ev.Traffic = s.traffic
	ev.At = s.exec.Now()
	for _, l := range s.listeners {
		l(ev)
	}
}

func (s *Supervisor) publish() {
	s.mu.Lock()
	s.status = Status{
		State:     s.state,
		SessionID: s.sessionID,
		Problem:   s.problem,
		Traffic:   s.traffic,
		Outcome:   s.outcome,
	}
	s.mu.Unlock()
}

// attemptEvents posts one connection attempt's events to the executor.
type attemptEvents struct {
	s   *Supervisor
	gen uint64
}

func (e *attemptEvents) Opened(ch Channel) {
	if !e.s.exec.Submit(func() { e.s.opened(e.gen, ch) }) {
		_ = ch.Close()
	}
}

func (e *attemptEvents) Received(msg session.Message) {
	e.s.exec.Submit(func() { e.s.received(e.gen, msg) })
}

func (e *attemptEvents) Closed(err error) {
	e.s.exec.Submit(func() { e.s.closed(e.gen, err) })
}
