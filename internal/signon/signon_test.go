package signon

import (
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestFailureMatchesByKind(t *testing.T) {
	testlog.Start(t)
	err := fmt.Errorf("wrapped: %w", NewFailure(UnknownSession, "expired"))
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected UnknownSession match, got %v", err)
	}
	if errors.Is(err, ErrUnexpected) {
		t.Fatalf("unexpected match on a different kind")
	}
	var f *Failure
	if !errors.As(err, &f) || f.Detail != "expired" {
		t.Fatalf("unexpected failure: %+v", f)
	}
}

func TestRecoverableClassification(t *testing.T) {
	testlog.Start(t)
	recoverable := []Kind{MissingCredential, InvalidCredential, MissingSecondaryCode, InvalidSecondaryCode, UnknownSession}
	terminal := []Kind{TooManyAttempts, SessionAlreadyExists, UnmatchedNetworkAddress, Unexpected}
	for _, k := range recoverable {
		if !k.Recoverable() {
			t.Fatalf("%s should be recoverable", k)
		}
	}
	for _, k := range terminal {
		if k.Recoverable() {
			t.Fatalf("%s should not be recoverable", k)
		}
	}
}

func TestParseKindRoundTripAndFallback(t *testing.T) {
	testlog.Start(t)
	for k := range kindNames {
		if got := ParseKind(k.String()); got != k {
			t.Fatalf("ParseKind(%q)=%s", k.String(), got)
		}
	}
	if got := ParseKind("SOMETHING_NEW"); got != Unexpected {
		t.Fatalf("expected fallback to Unexpected, got %s", got)
	}
}
