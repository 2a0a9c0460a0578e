// Package signon holds the identity and outcome values shared by both ends
// of a session: the user bound to a session, the decision of a successful
// signon step and the closed taxonomy of signon failures.
package signon

import (
	"fmt"
	"strings"
)

// Kind is one entry of the closed signon failure taxonomy.
type Kind uint8

const (
	MissingCredential Kind = iota + 1
	InvalidCredential
	MissingSecondaryCode
	InvalidSecondaryCode
	TooManyAttempts
	SessionAlreadyExists
	UnknownSession
	UnmatchedNetworkAddress
	Unexpected
)

var kindNames = map[Kind]string{
	MissingCredential:       "MISSING_CREDENTIAL",
	InvalidCredential:       "INVALID_CREDENTIAL",
	MissingSecondaryCode:    "MISSING_SECONDARY_CODE",
	InvalidSecondaryCode:    "INVALID_SECONDARY_CODE",
	TooManyAttempts:         "TOO_MANY_ATTEMPTS",
	SessionAlreadyExists:    "SESSION_ALREADY_EXISTS",
	UnknownSession:          "UNKNOWN_SESSION",
	UnmatchedNetworkAddress: "UNMATCHED_NETWORK_ADDRESS",
	Unexpected:              "UNEXPECTED",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND_%d", uint8(k))
}

// ParseKind maps a taxonomy name back to its Kind. Unknown names map to
// Unexpected so that a newer peer never crashes an older one.
func ParseKind(raw string) Kind {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for k, name := range kindNames {
		if name == raw {
			return k
		}
	}
	return Unexpected
}

// Recoverable reports whether a downend should re-prompt and retry rather
// than abandon the signon flow.
func (k Kind) Recoverable() bool {
	switch k {
	case MissingCredential, InvalidCredential, MissingSecondaryCode, InvalidSecondaryCode, UnknownSession:
		return true
	default:
		return false
	}
}

// Failure is the business outcome of a rejected signon step. It is an
// error so it travels through ordinary returns; errors.Is matches on Kind.
type Failure struct {
	Kind   Kind
	Detail string
}

func NewFailure(kind Kind, detail string) *Failure {
	return &Failure{Kind: kind, Detail: strings.TrimSpace(detail)}
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return "signon: " + f.Kind.String()
	}
	return fmt.Sprintf("signon: %s: %s", f.Kind, f.Detail)
}

func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}

func (f *Failure) Recoverable() bool { return f.Kind.Recoverable() }

// Sentinels usable with errors.Is.
var (
	ErrMissingCredential       = &Failure{Kind: MissingCredential}
	ErrInvalidCredential       = &Failure{Kind: InvalidCredential}
	ErrMissingSecondaryCode    = &Failure{Kind: MissingSecondaryCode}
	ErrInvalidSecondaryCode    = &Failure{Kind: InvalidSecondaryCode}
	ErrTooManyAttempts         = &Failure{Kind: TooManyAttempts}
	ErrSessionAlreadyExists    = &Failure{Kind: SessionAlreadyExists}
	ErrUnknownSession          = &Failure{Kind: UnknownSession}
	ErrUnmatchedNetworkAddress = &Failure{Kind: UnmatchedNetworkAddress}
	ErrUnexpected              = &Failure{Kind: Unexpected}
)

// AttemptKind names the signon step a failed attempt belongs to.
type AttemptKind uint8

const (
	PrimaryAttempt AttemptKind = iota + 1
	SecondaryAttempt
)

func (a AttemptKind) String() string {
	switch a {
	case PrimaryAttempt:
		return "primary"
	case SecondaryAttempt:
		return "secondary"
	default:
		return "unknown"
	}
}

// User is the identity bound to a session.
type User struct {
	Login       string
	PhoneNumber string
}

func (u User) HasPhone() bool { return strings.TrimSpace(u.PhoneNumber) != "" }

// Decision is the positive outcome of a signon step.
type Decision struct {
	User              User
	SecondaryRequired bool
}
