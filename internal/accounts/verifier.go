package accounts

import (
	"errors"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/auth"
	"github.com/danmuck/edgelink/internal/signon"
)

// SecondaryVerifier checks a one-time code sent to a user's phone. Verify
// returns at once and calls done exactly once, possibly from another
// goroutine.
type SecondaryVerifier interface {
	Verify(user signon.User, code string, done func(error))
}

// StaticVerifier accepts one shared code after Delay, on its own goroutine.
// It stands in for an SMS verification service in development.
type StaticVerifier struct {
	Code  auth.Validator
	Delay time.Duration
}

func NewStaticVerifier(code string) StaticVerifier {
	return StaticVerifier{Code: auth.StaticToken{Token: strings.TrimSpace(code)}}
}

func (v StaticVerifier) Verify(user signon.User, code string, done func(error)) {
	go func() {
		if v.Delay > 0 {
			time.Sleep(v.Delay)
		}
		err := v.Code.Validate(strings.TrimSpace(code))
		switch {
		case err == nil:
			done(nil)
		case errors.Is(err, auth.ErrUnauthorized):
			done(signon.NewFailure(signon.InvalidSecondaryCode, ""))
		default:
			done(err)
		}
	}()
}
