package session

import (
	"math/rand"
	"time"
)

// NextReconnectDelay draws the wait before redialing uniformly from
// [ReconnectDelayMin, ReconnectDelayMax]. A nil rng yields the midpoint.
func NextReconnectDelay(b TimeBoundary, rng *rand.Rand) time.Duration {
	lo, hi := b.ReconnectDelayMin, b.ReconnectDelayMax
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	if rng == nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
}
