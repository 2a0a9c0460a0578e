package upend

import (
	"github.com/danmuck/edgelink/internal/designator"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/sessionbook"
	"github.com/danmuck/edgelink/internal/signon"
)

// InwardDuty is the application logic the supervisor consults. Every token
// is an internal designator; the supervisor matches answers by its stamp.
// Only RegisterSession and the Signout calls may change application state:
// failure counting is driven by FailedSignonAttempt alone.
type InwardDuty interface {
	// PrimarySignonAttempt checks a credential and answers through
	// OutwardDuty.PrimarySignonAttempted.
	PrimarySignonAttempt(token designator.Designator, login, password string)
	// SecondarySignonAttempt checks a one-time code and answers through
	// OutwardDuty.SecondarySignonAttempted, possibly from another goroutine.
	SecondarySignonAttempt(token designator.Designator, login, code string)
	FailedSignonAttempt(token designator.Designator, login string, kind signon.AttemptKind)
	// RegisterSession answers through OutwardDuty.SessionCreated or
	// OutwardDuty.SessionCreationFailed.
	RegisterSession(token designator.Designator, sessionID, login string)
	// Signout reports the end of the session named by token.SessionID().
	Signout(token designator.Designator)
	SignoutAll(token designator.Designator)
	ResetSignonFailures(token designator.Designator, login string)
}

// OutwardDuty carries inward answers back to the supervisor. Every method
// is safe to call from any goroutine; the effect is queued onto the
// supervisor's executor.
type OutwardDuty interface {
	PrimarySignonAttempted(token designator.Designator, decision signon.Decision, err error)
	SecondarySignonAttempted(token designator.Designator, err error)
	SessionCreated(token designator.Designator, sessionID, login string)
	SessionCreationFailed(token designator.Designator, sessionID string, err error)
	TerminateSession(token designator.Designator, sessionID string)
}

// CommandDuty receives the upward commands of signed-in sessions. It runs
// on the supervisor's executor and must hand long work to its own
// goroutines, answering later through Supervisor.Answer.
type CommandDuty interface {
	Command(d designator.Designator, payload []byte)
}

// CommandFunc adapts a function to CommandDuty.
type CommandFunc func(d designator.Designator, payload []byte)

func (f CommandFunc) Command(d designator.Designator, payload []byte) { f(d, payload) }

// Link is one downend connection as the supervisor sees it.
type Link interface {
	sessionbook.Channel
	Send(msg session.Message) error
	Close() error
}
