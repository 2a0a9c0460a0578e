// Package designator identifies one unit of work exchanged over a session.
//
// A Designator carries its own stamp, the stamp of the unit that caused it,
// an optional correlation tag and the session it travels on. Designators are
// values: deriving one never changes its parent.
package designator

import (
	"cmp"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgelink/internal/stamp"
)

// Kind is the direction of travel of a unit of work.
type Kind uint8

const (
	// Internal work never crosses the wire.
	Internal Kind = iota
	// Upward work travels from a downend to the upend.
	Upward
	// Downward work travels from the upend to a downend.
	Downward
)

func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case Upward:
		return "upward"
	case Downward:
		return "downward"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind reverses Kind.String.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "internal":
		return Internal, nil
	case "upward":
		return Upward, nil
	case "downward":
		return Downward, nil
	}
	return 0, fmt.Errorf("%w: kind %q", ErrInvalid, raw)
}

var (
	ErrInvalid           = errors.New("designator: invalid")
	ErrMissingSession    = errors.New("designator: session id required")
	ErrMissingStamp      = errors.New("designator: stamp required")
	ErrCauseIsSelf       = errors.New("designator: cause equals stamp")
	ErrTagWithoutSession = errors.New("designator: tag requires session id")
)

// Deriver is the capability an extra payload implements when it must be
// transformed, not merely copied, as a designator is derived from another.
type Deriver interface {
	DeriveExtra(parent Designator) any
}

// Designator is the causality token of one unit of work.
type Designator struct {
	kind      Kind
	stamp     stamp.Stamp
	cause     stamp.Stamp
	tag       string
	sessionID string
	extra     any
}

// New validates and builds a designator.
func New(kind Kind, s, cause stamp.Stamp, tag, sessionID string) (Designator, error) {
	d := Designator{
		kind:      kind,
		stamp:     s,
		cause:     cause,
		tag:       strings.TrimSpace(tag),
		sessionID: strings.TrimSpace(sessionID),
	}
	if err := d.Validate(); err != nil {
		return Designator{}, err
	}
	return d, nil
}

// MustNew is New for callers that already hold validated inputs.
func MustNew(kind Kind, s, cause stamp.Stamp, tag, sessionID string) Designator {
	d, err := New(kind, s, cause, tag, sessionID)
	if err != nil {
		panic(err)
	}
	return d
}

// NewInternal builds an internal designator with no cause.
func NewInternal(s stamp.Stamp) Designator {
	return MustNew(Internal, s, 0, "", "")
}

// NewUpward builds an upward designator bound to sessionID.
func NewUpward(s stamp.Stamp, tag, sessionID string) (Designator, error) {
	return New(Upward, s, 0, tag, sessionID)
}

func (d Designator) Validate() error {
	switch d.kind {
	case Internal, Upward, Downward:
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalid, d.kind)
	}
	if d.stamp.IsZero() {
		return ErrMissingStamp
	}
	if !d.cause.IsZero() && d.cause == d.stamp {
		return ErrCauseIsSelf
	}
	if (d.kind == Upward || d.kind == Downward) && d.sessionID == "" {
		return fmt.Errorf("%w: kind=%s", ErrMissingSession, d.kind)
	}
	if d.tag != "" && d.sessionID == "" {
		return ErrTagWithoutSession
	}
	return nil
}

func (d Designator) Kind() Kind         { return d.kind }
func (d Designator) Stamp() stamp.Stamp { return d.stamp }
func (d Designator) Cause() stamp.Stamp { return d.cause }
func (d Designator) Tag() string        { return d.tag }
func (d Designator) SessionID() string  { return d.sessionID }
func (d Designator) Extra() any         { return d.extra }
func (d Designator) IsZero() bool       { return d.stamp.IsZero() }
func (d Designator) HasCause() bool     { return !d.cause.IsZero() }

// WithExtra returns a copy of d carrying extra.
func (d Designator) WithExtra(extra any) Designator {
	d.extra = extra
	return d
}

// Derive builds the designator of a unit of work caused by d. The new
// designator's cause is d's stamp. An empty tag or sessionID is inherited
// from d. An extra payload implementing Deriver is transformed, any other
// extra payload is carried as is.
func (d Designator) Derive(kind Kind, s stamp.Stamp, tag, sessionID string) (Designator, error) {
	if strings.TrimSpace(tag) == "" {
		tag = d.tag
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = d.sessionID
	}
	out, err := New(kind, s, d.stamp, tag, sessionID)
	if err != nil {
		return Designator{}, err
	}
	switch x := d.extra.(type) {
	case nil:
	case Deriver:
		out.extra = x.DeriveExtra(d)
	default:
		out.extra = x
	}
	return out, nil
}

func (d Designator) String() string {
	var b strings.Builder
	b.WriteString(d.kind.String())
	b.WriteByte('{')
	b.WriteString(d.stamp.String())
	if d.HasCause() {
		b.WriteString(" <- ")
		b.WriteString(d.cause.String())
	}
	if d.tag != "" {
		b.WriteString(" tag=")
		b.WriteString(d.tag)
	}
	if d.sessionID != "" {
		b.WriteString(" session=")
		b.WriteString(d.sessionID)
	}
	b.WriteByte('}')
	return b.String()
}

// Compare orders designators by stamp, then cause, then tag, then session
// id. Absent values sort first.
func Compare(a, b Designator) int {
	if c := stamp.Compare(a.stamp, b.stamp); c != 0 {
		return c
	}
	if c := stamp.Compare(a.cause, b.cause); c != 0 {
		return c
	}
	if c := cmp.Compare(a.tag, b.tag); c != 0 {
		return c
	}
	return cmp.Compare(a.sessionID, b.sessionID)
}
