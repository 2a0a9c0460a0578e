package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Never disables a keep-alive duration or makes session inactivity unbounded.
const Never time.Duration = -1

var ErrInvalidTimeBoundary = errors.New("session: invalid time boundary")

// TimeBoundary bundles the keep-alive and reconnection timing shared by the
// upend and the downend. It is a value; callers copy it, never mutate a
// shared instance.
type TimeBoundary struct {
	// PingInterval is how often a signed-in downend pings the upend.
	PingInterval time.Duration
	// PongTimeoutOnDownend is how long a downend waits for a pong.
	PongTimeoutOnDownend time.Duration
	// PingTimeoutOnUpend is how long the upend tolerates silence.
	PingTimeoutOnUpend time.Duration
	// ReconnectDelayMin and ReconnectDelayMax bound the randomized wait
	// before a downend redials after losing its channel.
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
	// MaximumSessionInactivity bounds how long an orphaned session stays
	// resumable.
	MaximumSessionInactivity time.Duration
}

func DefaultTimeBoundary() TimeBoundary {
	return TimeBoundary{
		PingInterval:             5 * time.Second,
		PongTimeoutOnDownend:     15 * time.Second,
		PingTimeoutOnUpend:       15 * time.Second,
		ReconnectDelayMin:        250 * time.Millisecond,
		ReconnectDelayMax:        5 * time.Second,
		MaximumSessionInactivity: 2 * time.Minute,
	}
}

// Enabled reports whether d is an active duration rather than Never.
func Enabled(d time.Duration) bool { return d > 0 }

// WithDefaults fills zero fields from DefaultTimeBoundary. Never is kept.
func (b TimeBoundary) WithDefaults() TimeBoundary {
	def := DefaultTimeBoundary()
	if b.PingInterval == 0 {
		b.PingInterval = def.PingInterval
	}
	if b.PongTimeoutOnDownend == 0 {
		b.PongTimeoutOnDownend = def.PongTimeoutOnDownend
	}
	if b.PingTimeoutOnUpend == 0 {
		b.PingTimeoutOnUpend = def.PingTimeoutOnUpend
	}
	if b.ReconnectDelayMin == 0 && b.ReconnectDelayMax == 0 {
		b.ReconnectDelayMin = def.ReconnectDelayMin
		b.ReconnectDelayMax = def.ReconnectDelayMax
	}
	if b.MaximumSessionInactivity == 0 {
		b.MaximumSessionInactivity = def.MaximumSessionInactivity
	}
	return b
}

func (b TimeBoundary) Validate() error {
	for name, d := range map[string]time.Duration{
		"ping_interval":              b.PingInterval,
		"pong_timeout_on_downend":    b.PongTimeoutOnDownend,
		"ping_timeout_on_upend":      b.PingTimeoutOnUpend,
		"maximum_session_inactivity": b.MaximumSessionInactivity,
	} {
		if d < 0 && d != Never {
			return fmt.Errorf("%w: %s negative", ErrInvalidTimeBoundary, name)
		}
	}
	if b.ReconnectDelayMin < 0 || b.ReconnectDelayMax < 0 {
		return fmt.Errorf("%w: reconnect delay negative", ErrInvalidTimeBoundary)
	}
	if b.ReconnectDelayMin > b.ReconnectDelayMax {
		return fmt.Errorf("%w: reconnect delay min %s > max %s", ErrInvalidTimeBoundary, b.ReconnectDelayMin, b.ReconnectDelayMax)
	}
	return nil
}

// SessionExpired reports whether an entry inactive since the given instant
// has outlived MaximumSessionInactivity at now.
func (b TimeBoundary) SessionExpired(inactiveSince, now time.Time) bool {
	if !Enabled(b.MaximumSessionInactivity) {
		return false
	}
	return !now.Before(inactiveSince.Add(b.MaximumSessionInactivity))
}

// ParseBoundaryDuration accepts Go durations plus "never"/"forever"/"off".
func ParseBoundaryDuration(raw string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "never", "forever", "off", "disabled":
		return Never, nil
	case "":
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidTimeBoundary)
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimeBoundary, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive or never", ErrInvalidTimeBoundary, raw)
	}
	return d, nil
}

func FormatBoundaryDuration(d time.Duration) string {
	if d == Never {
		return "never"
	}
	return d.String()
}
