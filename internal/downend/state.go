// Package downend drives the client side of a session: it dials the upend,
// signs in with credentials from a CredentialSource, keeps the channel alive
// with pings, and reconnects with session resumption after a drop.
package downend

import (
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
)

// State is the connection state of a Supervisor.
type State uint8

const (
	StateStopped State = iota
	StateConnecting
	StateSigningInPrimary
	StateSigningInSecondary
	StateSignedIn
	StateStopping
)

var stateNames = [...]string{
	"STOPPED",
	"CONNECTING",
	"SIGNING_IN_PRIMARY",
	"SIGNING_IN_SECONDARY",
	"SIGNED_IN",
	"STOPPING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// EventKind tells which field of an Event changed.
type EventKind uint8

const (
	EventState EventKind = iota + 1
	EventTraffic
)

// Event reports a state or traffic change. Problem annotates the state with
// the last failure seen; it is nil once the supervisor signs in.
type Event struct {
	Kind      EventKind
	State     State
	Traffic   session.Traffic
	Problem   error
	SessionID string
	At        time.Time
}

// Listener observes events on the supervisor's executor. It must not block.
type Listener func(Event)

// Status is a snapshot readable from any goroutine.
type Status struct {
	State     State
	SessionID string
	Problem   error
	Traffic   session.Traffic
	// Outcome is why the supervisor last stopped: nil for an explicit stop.
	Outcome error
}
