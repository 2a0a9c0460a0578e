package sessionbook

import (
	"time"

	"github.com/danmuck/edgelink/internal/signon"
)

// ID is the primary key of a session.
type ID string

// Channel is the live transport a session is bound to. Implementations must
// be comparable, typically pointer types, because the book indexes by them.
type Channel interface {
	// RemoteAddress is the peer address used to match a reconnecting
	// channel against an orphaned session.
	RemoteAddress() string
}

// State names the variant of a Detail.
type State uint8

const (
	StateNone State = iota
	StatePending
	StateActive
	StateOrphaned
	StateReusing
)

var stateNames = [...]string{"none", "pending", "active", "orphaned", "reusing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// States lists every live state in lifecycle order.
func States() []State {
	return []State{StatePending, StateActive, StateOrphaned, StateReusing}
}

// Detail is one live session entry: Pending, Active, Orphaned or Reusing.
type Detail interface {
	SessionID() ID
	SignedUser() signon.User
	State() State
	// BoundChannel is nil for Orphaned entries.
	BoundChannel() Channel
	isDetail()
}

// Pending is created and awaiting activation.
type Pending struct {
	ID        ID
	Channel   Channel
	User      signon.User
	CreatedAt time.Time
}

// Active is confirmed and in use.
type Active struct {
	ID      ID
	Channel Channel
	User    signon.User
}

// Orphaned lost its channel; it stays resumable from RemoteAddress until
// the inactivity boundary passes.
type Orphaned struct {
	ID            ID
	User          signon.User
	RemoteAddress string
	InactiveSince time.Time
}

// Reusing is an orphaned session a new channel is re-binding to.
type Reusing struct {
	ID            ID
	Channel       Channel
	User          signon.User
	RemoteAddress string
	InactiveSince time.Time
}

func (d Pending) SessionID() ID  { return d.ID }
func (d Active) SessionID() ID   { return d.ID }
func (d Orphaned) SessionID() ID { return d.ID }
func (d Reusing) SessionID() ID  { return d.ID }

func (d Pending) SignedUser() signon.User  { return d.User }
func (d Active) SignedUser() signon.User   { return d.User }
func (d Orphaned) SignedUser() signon.User { return d.User }
func (d Reusing) SignedUser() signon.User  { return d.User }

func (Pending) State() State  { return StatePending }
func (Active) State() State   { return StateActive }
func (Orphaned) State() State { return StateOrphaned }
func (Reusing) State() State  { return StateReusing }

func (d Pending) BoundChannel() Channel { return d.Channel }
func (d Active) BoundChannel() Channel  { return d.Channel }
func (Orphaned) BoundChannel() Channel  { return nil }
func (d Reusing) BoundChannel() Channel { return d.Channel }

func (Pending) isDetail()  {}
func (Active) isDetail()   {}
func (Orphaned) isDetail() {}
func (Reusing) isDetail()  {}

// StateOf is StateNone for a nil detail.
func StateOf(d Detail) State {
	if d == nil {
		return StateNone
	}
	return d.State()
}
