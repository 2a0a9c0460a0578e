package upend

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/serial"
	"github.com/danmuck/edgelink/internal/sessionbook"
	"github.com/danmuck/edgelink/internal/signon"
	"github.com/danmuck/edgelink/internal/stamp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SupervisorConfig tunes one session supervisor.
type SupervisorConfig struct {
	Node          string
	Boundary      session.TimeBoundary
	SweepInterval time.Duration
	NewSessionID  func() sessionbook.ID
	// Stamps mints every designator. Nil uses the process-wide generator.
	Stamps *stamp.Generator
}

func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Node:          "upend.local",
		Boundary:      session.DefaultTimeBoundary(),
		SweepInterval: 10 * time.Second,
		NewSessionID:  newSessionID,
	}
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	def := DefaultSupervisorConfig()
	if strings.TrimSpace(c.Node) == "" {
		c.Node = def.Node
	}
	c.Boundary = c.Boundary.WithDefaults()
	if c.SweepInterval == 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.NewSessionID == nil {
		c.NewSessionID = def.NewSessionID
	}
	if c.Stamps == nil {
		c.Stamps = stamp.Shared()
	}
	return c
}

func newSessionID() sessionbook.ID { return sessionbook.ID(uuid.NewString()) }

// attempt is one signon flow in progress on a link. token is the designator
// of the inward call currently awaited; it is re-keyed at every step.
type attempt struct {
	token     designator.Designator
	link      Link
	login     string
	user      signon.User
	step      signon.AttemptKind
	busy      bool
	sessionID sessionbook.ID
}

// SessionView is an admin snapshot of one book entry.
type SessionView struct {
	ID            string     `json:"id"`
	State         string     `json:"state"`
	Login         string     `json:"login"`
	RemoteAddress string     `json:"remote_address,omitempty"`
	InactiveSince *time.Time `json:"inactive_since,omitempty"`
}

// Supervisor owns the session book and bridges it to the inward duty.
// Every book access runs on exec; the exported methods only queue work.
type Supervisor struct {
	cfg      SupervisorConfig
	exec     serial.Executor
	book     *sessionbook.Book
	inward   InwardDuty
	commands CommandDuty
	stamps   *stamp.Generator

	attempts map[stamp.Stamp]*attempt
	byLink   map[Link]*attempt
	counts   map[sessionbook.State]int
	evict    []Link
	sweeper  serial.Timer
	closed   bool
	started  atomic.Bool
}

func NewSupervisor(exec serial.Executor, inward InwardDuty, cfg SupervisorConfig) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:      cfg,
		exec:     exec,
		book:     sessionbook.New(cfg.Boundary),
		inward:   inward,
		stamps:   cfg.Stamps,
		attempts: make(map[stamp.Stamp]*attempt),
		byLink:   make(map[Link]*attempt),
		counts:   make(map[sessionbook.State]int),
	}
	s.book.OnChange(s.observe)
	return s
}

// SetCommandDuty installs the receiver of upward commands. Call it before
// Start.
func (s *Supervisor) SetCommandDuty(d CommandDuty) {
	s.commands = d
}

func (s *Supervisor) Node() string { return s.cfg.Node }

// Start arms the expiry sweep.
func (s *Supervisor) Start() {
	s.exec.Submit(func() {
		if s.closed || s.sweeper != nil {
			return
		}
		if session.Enabled(s.cfg.Boundary.MaximumSessionInactivity) && s.cfg.SweepInterval > 0 {
			s.sweeper = s.exec.Every(s.cfg.SweepInterval, s.sweep)
		}
		s.started.Store(true)
		log.Info().Msgf("upend.Supervisor started node=%s sweep=%s", s.cfg.Node, s.cfg.SweepInterval)
	})
}

func (s *Supervisor) Ready() bool { return s.started.Load() }

// Deliver queues one inbound message from link.
func (s *Supervisor) Deliver(link Link, msg session.Message) bool {
	return s.exec.Submit(func() {
		if s.closed {
			return
		}
		s.handle(link, msg)
		s.flushEvictions(link)
	})
}

// Disconnected queues the loss of link. An Active session bound to it is
// orphaned and stays resumable from the same address.
func (s *Supervisor) Disconnected(link Link) {
	s.exec.Submit(func() {
		if s.closed {
			return
		}
		s.dropAttempt(link)
		if s.book.RemoveChannel(link, s.exec.Now()) {
			log.Debug().Msgf("upend.Supervisor channel lost remote=%s", link.RemoteAddress())
		}
		s.flushEvictions(link)
	})
}

// Answer routes payload to the session that sent upward, as a downward
// command caused by it.
func (s *Supervisor) Answer(upward designator.Designator, payload []byte) bool {
	return s.exec.Submit(func() {
		if s.closed {
			return
		}
		s.answer(upward, payload)
	})
}

func (s *Supervisor) PrimarySignonAttempted(token designator.Designator, decision signon.Decision, err error) {
	s.post(func() { s.primaryAttempted(token, decision, err) })
}

func (s *Supervisor) SecondarySignonAttempted(token designator.Designator, err error) {
	s.post(func() { s.secondaryAttempted(token, err) })
}

func (s *Supervisor) SessionCreated(token designator.Designator, sessionID, login string) {
	s.post(func() { s.sessionCreated(token, sessionbook.ID(sessionID), login) })
}

func (s *Supervisor) SessionCreationFailed(token designator.Designator, sessionID string, err error) {
	s.post(func() { s.sessionCreationFailed(token, sessionbook.ID(sessionID), err) })
}

func (s *Supervisor) TerminateSession(token designator.Designator, sessionID string) {
	s.post(func() {
		if strings.TrimSpace(sessionID) == "" {
			return
		}
		s.terminate(sessionbook.ID(sessionID), false)
	})
}

// Sessions returns a snapshot of the book.
func (s *Supervisor) Sessions(ctx context.Context) ([]SessionView, error) {
	var out []SessionView
	err := serial.Call(ctx, s.exec, func() {
		for _, d := range s.book.Snapshot() {
			out = append(out, viewOf(d))
		}
	})
	return out, err
}

// Terminate removes a session, closes its channel and reports the signout
// inward. It reports whether the session existed.
func (s *Supervisor) Terminate(ctx context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, nil
	}
	var found bool
	err := serial.Call(ctx, s.exec, func() {
		if s.closed {
			return
		}
		found = s.terminate(sessionbook.ID(sessionID), true)
	})
	return found, err
}

// Shutdown drops every session, closes their channels and reports a
// signout of all sessions inward. Later deliveries are ignored.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return serial.Call(ctx, s.exec, func() {
		if s.closed {
			return
		}
		s.closed = true
		s.started.Store(false)
		serial.Stop(s.sweeper)
		s.sweeper = nil
		for _, a := range s.byLink {
			s.forget(a)
		}
		removed := s.book.RemoveAll()
		for _, d := range removed {
			if link, ok := d.BoundChannel().(Link); ok {
				_ = link.Close()
			}
		}
		if token, err := s.internalToken(""); err == nil {
			s.inward.SignoutAll(token)
		} else {
			log.Error().Msgf("upend.Supervisor shutdown token err=%v", err)
		}
		log.Info().Msgf("upend.Supervisor shutdown node=%s sessions=%d", s.cfg.Node, len(removed))
	})
}

func (s *Supervisor) post(fn func()) {
	if !s.exec.Submit(func() {
		if s.closed {
			return
		}
		fn()
		s.flushEvictions(nil)
	}) {
		log.Warn().Msgf("upend.Supervisor dropped inward answer: executor closed")
	}
}

func (s *Supervisor) handle(link Link, msg session.Message) {
	switch m := msg.(type) {
	case session.PrimarySignon:
		s.primary(link, m)
	case session.SecondarySignon:
		s.secondary(link, m)
	case session.Resignon:
		s.resignon(link, m)
	case session.Signout:
		s.signout(link)
	case session.Command:
		s.command(link, m)
	default:
		log.Warn().Msgf("upend.Supervisor unexpected message_type=%d remote=%s", msg.MessageType(), link.RemoteAddress())
	}
}

func (s *Supervisor) primary(link Link, m session.PrimarySignon) {
	if _, bound := s.book.Bound(link); bound {
		s.fail(link, signon.NewFailure(signon.Unexpected, "channel already holds a session"), "primary")
		return
	}
	s.dropAttempt(link)
	login := strings.TrimSpace(m.Login)
	if login == "" || m.Password == "" {
		s.fail(link, signon.NewFailure(signon.MissingCredential, ""), "primary")
		return
	}
	token, err := s.internalToken("")
	if err != nil {
		log.Error().Msgf("upend.Supervisor primary token err=%v", err)
		s.fail(link, signon.NewFailure(signon.Unexpected, ""), "primary")
		return
	}
	a := &attempt{link: link, login: login, step: signon.PrimaryAttempt, busy: true}
	s.track(a, token)
	s.inward.PrimarySignonAttempt(a.token, login, m.Password)
}

func (s *Supervisor) primaryAttempted(token designator.Designator, decision signon.Decision, err error) {
	a, ok := s.attempts[token.Stamp()]
	if !ok || a.step != signon.PrimaryAttempt || !a.busy {
		log.Debug().Msgf("upend.Supervisor stale primary answer token=%s", token)
		return
	}
	a.busy = false
	if err != nil {
		f := s.failure(err)
		if f.Kind == signon.InvalidCredential {
			s.inward.FailedSignonAttempt(token, a.login, signon.PrimaryAttempt)
		}
		s.forget(a)
		s.fail(a.link, f, "primary")
		return
	}
	a.user = decision.User
	if strings.TrimSpace(a.user.Login) == "" {
		a.user.Login = a.login
	}
	if decision.SecondaryRequired {
		a.step = signon.SecondaryAttempt
		observability.RecordSignon(s.cfg.Node, "primary", "secondary_required")
		s.send(a.link, session.SignonVerdict{Step: session.StepSecondaryRequired})
		return
	}
	observability.RecordSignon(s.cfg.Node, "primary", "ok")
	s.establish(a)
}

func (s *Supervisor) secondary(link Link, m session.SecondarySignon) {
	a, ok := s.byLink[link]
	if !ok || a.step != signon.SecondaryAttempt || a.sessionID != "" {
		s.fail(link, signon.NewFailure(signon.Unexpected, "no secondary step pending"), "secondary")
		return
	}
	if a.busy {
		log.Warn().Msgf("upend.Supervisor secondary code already in check login=%s", a.login)
		return
	}
	code := strings.TrimSpace(m.Code)
	if code == "" {
		s.fail(link, signon.NewFailure(signon.MissingSecondaryCode, ""), "secondary")
		return
	}
	token, err := a.token.Derive(designator.Internal, s.stamps.Generate(), "", "")
	if err != nil {
		s.forget(a)
		s.fail(link, err, "secondary")
		return
	}
	a.busy = true
	s.track(a, token)
	s.inward.SecondarySignonAttempt(token, a.login, code)
}

func (s *Supervisor) secondaryAttempted(token designator.Designator, err error) {
	a, ok := s.attempts[token.Stamp()]
	if !ok || a.step != signon.SecondaryAttempt || !a.busy {
		log.Debug().Msgf("upend.Supervisor stale secondary answer token=%s", token)
		return
	}
	a.busy = false
	if err != nil {
		f := s.failure(err)
		if f.Kind == signon.InvalidSecondaryCode {
			s.inward.FailedSignonAttempt(token, a.login, signon.SecondaryAttempt)
		}
		if !f.Recoverable() {
			s.forget(a)
		}
		s.fail(a.link, f, "secondary")
		return
	}
	observability.RecordSignon(s.cfg.Node, "secondary", "ok")
	s.establish(a)
}

// establish creates the Pending entry and asks the inward duty to register
// it. Activation waits for SessionCreated.
func (s *Supervisor) establish(a *attempt) {
	id := s.cfg.NewSessionID()
	if err := s.book.Create(id, a.link, a.user, s.exec.Now()); err != nil {
		s.forget(a)
		s.fail(a.link, err, a.step.String())
		return
	}
	token, err := a.token.Derive(designator.Internal, s.stamps.Generate(), "", string(id))
	if err != nil {
		s.forget(a)
		s.book.RemoveSession(id)
		s.fail(a.link, err, a.step.String())
		return
	}
	a.sessionID = id
	a.busy = true
	s.track(a, token)
	s.inward.RegisterSession(token, string(id), a.user.Login)
}

func (s *Supervisor) sessionCreated(token designator.Designator, id sessionbook.ID, login string) {
	a, ok := s.attempts[token.Stamp()]
	if !ok || a.sessionID != id {
		log.Warn().Msgf("upend.Supervisor created session has no live signon session_id=%s login=%s", id, login)
		s.inward.Signout(token)
		return
	}
	s.forget(a)
	user, err := s.book.Activate(id, a.link, s.exec.Now(), false)
	if err != nil {
		if errors.Is(err, signon.ErrUnknownSession) {
			s.inward.Signout(token)
		}
		s.fail(a.link, err, a.step.String())
		return
	}
	log.Info().Msgf("upend.Supervisor signed in session_id=%s login=%s remote=%s", id, user.Login, a.link.RemoteAddress())
	s.inward.ResetSignonFailures(token, user.Login)
	s.send(a.link, session.SignonVerdict{Step: session.StepSignedIn, SessionID: string(id)})
}

func (s *Supervisor) sessionCreationFailed(token designator.Designator, id sessionbook.ID, err error) {
	a, ok := s.attempts[token.Stamp()]
	if !ok || a.sessionID != id {
		log.Debug().Msgf("upend.Supervisor stale creation failure session_id=%s err=%v", id, err)
		return
	}
	s.forget(a)
	s.book.RemoveSession(id)
	s.fail(a.link, err, a.step.String())
}

func (s *Supervisor) resignon(link Link, m session.Resignon) {
	if _, bound := s.book.Bound(link); bound {
		s.fail(link, signon.NewFailure(signon.Unexpected, "channel already holds a session"), "resignon")
		return
	}
	s.dropAttempt(link)
	raw := strings.TrimSpace(m.SessionID)
	if raw == "" {
		s.fail(link, signon.NewFailure(signon.UnknownSession, ""), "resignon")
		return
	}
	id := sessionbook.ID(raw)
	now := s.exec.Now()
	if _, err := s.book.Reuse(id, link, now); err != nil {
		s.fail(link, err, "resignon")
		return
	}
	user, err := s.book.Activate(id, link, now, true)
	if err != nil {
		s.fail(link, err, "resignon")
		return
	}
	observability.RecordSignon(s.cfg.Node, "resignon", "ok")
	log.Info().Msgf("upend.Supervisor resumed session_id=%s login=%s remote=%s", id, user.Login, link.RemoteAddress())
	s.send(link, session.SignonVerdict{Step: session.StepSignedIn, SessionID: raw})
}

func (s *Supervisor) signout(link Link) {
	d, ok := s.book.Bound(link)
	if !ok {
		log.Debug().Msgf("upend.Supervisor signout without session remote=%s", link.RemoteAddress())
		return
	}
	s.book.RemoveChannel(link, time.Time{})
	log.Info().Msgf("upend.Supervisor signed out session_id=%s login=%s", d.SessionID(), d.SignedUser().Login)
	s.reportSignout(d.SessionID())
}

func (s *Supervisor) command(link Link, m session.Command) {
	d, ok := s.book.Bound(link)
	active, isActive := d.(sessionbook.Active)
	if !ok || !isActive {
		log.Warn().Msgf("upend.Supervisor command from unsigned channel remote=%s", link.RemoteAddress())
		return
	}
	up := m.Designator
	if up.Kind() != designator.Upward || up.SessionID() != string(active.ID) {
		log.Warn().Msgf("upend.Supervisor command misrouted session_id=%s designator=%s", active.ID, up)
		return
	}
	if s.commands == nil {
		log.Warn().Msgf("upend.Supervisor no command duty designator=%s", up)
		return
	}
	s.commands.Command(up, m.Payload)
}

func (s *Supervisor) answer(upward designator.Designator, payload []byte) {
	down, err := upward.Derive(designator.Downward, s.stamps.Generate(), "", "")
	if err != nil {
		log.Warn().Msgf("upend.Supervisor answer derive upward=%s err=%v", upward, err)
		return
	}
	d, ok := s.book.Get(sessionbook.ID(upward.SessionID()))
	active, isActive := d.(sessionbook.Active)
	if !ok || !isActive {
		log.Warn().Msgf("upend.Supervisor answer without active session session_id=%s state=%s", upward.SessionID(), sessionbook.StateOf(d))
		return
	}
	link, ok := active.Channel.(Link)
	if !ok {
		return
	}
	s.send(link, session.Command{Designator: down, Payload: payload})
}

// terminate drops id and closes its channel. notify reports the signout
// inward.
func (s *Supervisor) terminate(id sessionbook.ID, notify bool) bool {
	d, ok := s.book.RemoveSession(id)
	if !ok {
		return false
	}
	if link, ok := d.BoundChannel().(Link); ok {
		s.dropAttempt(link)
		_ = link.Close()
	}
	log.Info().Msgf("upend.Supervisor terminated session_id=%s login=%s", id, d.SignedUser().Login)
	if notify {
		s.reportSignout(id)
	}
	return true
}

func (s *Supervisor) sweep() {
	if s.closed {
		return
	}
	if purged := s.book.Purge(s.exec.Now()); len(purged) > 0 {
		log.Info().Msgf("upend.Supervisor swept expired sessions=%d", len(purged))
	}
}

// observe keeps metrics in step with the book and reports sessions the book
// dropped on its own.
func (s *Supervisor) observe(c sessionbook.Change) {
	observability.RecordSessionTransition(s.cfg.Node, string(c.Reason))
	s.adjust(c.From, -1)
	s.adjust(c.To, 1)
	switch c.Reason {
	case sessionbook.ReasonExpired, sessionbook.ReasonAbandoned, sessionbook.ReasonViolation:
		if c.To == nil {
			s.reportSignout(c.ID)
		}
	}
	if c.Reason == sessionbook.ReasonViolation && c.From != nil {
		if link, ok := c.From.BoundChannel().(Link); ok {
			s.evict = append(s.evict, link)
		}
	}
}

func (s *Supervisor) adjust(d sessionbook.Detail, delta int) {
	if d == nil {
		return
	}
	state := d.State()
	s.counts[state] += delta
	observability.SetSessionEntries(s.cfg.Node, state.String(), s.counts[state])
}

// flushEvictions closes channels whose session was dropped for a broken
// invariant, except the channel that is being answered.
func (s *Supervisor) flushEvictions(except Link) {
	for _, link := range s.evict {
		if except != nil && link == except {
			continue
		}
		log.Warn().Msgf("upend.Supervisor evict channel remote=%s", link.RemoteAddress())
		_ = link.Close()
	}
	s.evict = s.evict[:0]
}

func (s *Supervisor) track(a *attempt, token designator.Designator) {
	if !a.token.IsZero() {
		delete(s.attempts, a.token.Stamp())
	}
	a.token = token
	s.attempts[token.Stamp()] = a
	s.byLink[a.link] = a
}

func (s *Supervisor) forget(a *attempt) {
	delete(s.attempts, a.token.Stamp())
	if s.byLink[a.link] == a {
		delete(s.byLink, a.link)
	}
}

func (s *Supervisor) dropAttempt(link Link) {
	if a, ok := s.byLink[link]; ok {
		s.forget(a)
	}
}

func (s *Supervisor) internalToken(id sessionbook.ID) (designator.Designator, error) {
	return designator.New(designator.Internal, s.stamps.Generate(), 0, "", string(id))
}

func (s *Supervisor) reportSignout(id sessionbook.ID) {
	token, err := s.internalToken(id)
	if err != nil {
		log.Error().Msgf("upend.Supervisor signout token session_id=%s err=%v", id, err)
		return
	}
	s.inward.Signout(token)
}

// failure narrows err to the signon taxonomy. Anything else is logged and
// reported as UNEXPECTED without detail.
func (s *Supervisor) failure(err error) *signon.Failure {
	var f *signon.Failure
	if errors.As(err, &f) {
		return f
	}
	log.Error().Msgf("upend.Supervisor internal signon error err=%v", err)
	return signon.NewFailure(signon.Unexpected, "")
}

func (s *Supervisor) fail(link Link, err error, step string) {
	f := s.failure(err)
	observability.RecordSignon(s.cfg.Node, step, f.Kind.String())
	log.Debug().Msgf("upend.Supervisor signon failed step=%s kind=%s remote=%s", step, f.Kind, link.RemoteAddress())
	s.send(link, session.SignonVerdict{Step: session.StepFailed, Failure: f.Kind, Message: f.Detail})
}

func (s *Supervisor) send(link Link, msg session.Message) {
	if err := link.Send(msg); err != nil {
		log.Warn().Msgf("upend.Supervisor send failed remote=%s err=%v", link.RemoteAddress(), err)
		_ = link.Close()
	}
}

func viewOf(d sessionbook.Detail) SessionView {
	v := SessionView{
		ID:    string(d.SessionID()),
		State: d.State().String(),
		Login: d.SignedUser().Login,
	}
	switch e := d.(type) {
	case sessionbook.Orphaned:
		since := e.InactiveSince
		v.RemoteAddress, v.InactiveSince = e.RemoteAddress, &since
	case sessionbook.Reusing:
		since := e.InactiveSince
		v.RemoteAddress, v.InactiveSince = e.RemoteAddress, &since
	default:
		if ch := d.BoundChannel(); ch != nil {
			v.RemoteAddress = ch.RemoteAddress()
		}
	}
	return v
}
