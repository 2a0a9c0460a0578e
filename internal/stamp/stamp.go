// Package stamp issues totally ordered identifiers for units of work.
//
// A Stamp packs a wall-clock millisecond reading into the high bits and a
// per-millisecond sequence into the low bits, so bursts within one
// millisecond stay ordered and comparing two stamps is an integer compare.
// The zero Stamp means "no stamp" and sorts before every issued stamp.
package stamp

import (
	"cmp"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	seqBits   = 20
	seqMask   = 1<<seqBits - 1
	maxMillis = 1<<(64-seqBits) - 1

	// MaxObserveSkew bounds how far ahead of the local clock Observe lets a
	// generator move.
	MaxObserveSkew = time.Minute
)

// Max is the largest stamp. A generator that reaches it keeps returning it.
const Max Stamp = 1<<64 - 1

// Stamp is an opaque, totally ordered identifier. Zero is the absent stamp.
type Stamp uint64

// IsZero reports whether s is the absent stamp.
func (s Stamp) IsZero() bool { return s == 0 }

// Millis returns the clock component in Unix milliseconds.
func (s Stamp) Millis() int64 { return int64(s >> seqBits) }

// Seq returns the tie-breaking counter within Millis.
func (s Stamp) Seq() uint32 { return uint32(s & seqMask) }

// Time returns the clock component as a time.Time.
func (s Stamp) Time() time.Time { return time.UnixMilli(s.Millis()) }

func (s Stamp) String() string {
	if s.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%d.%d", s.Millis(), s.Seq())
}

// Parse reverses String.
func Parse(raw string) (Stamp, error) {
	if raw == "-" || raw == "" {
		return 0, nil
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] != '.' {
			continue
		}
		ms, err := strconv.ParseInt(raw[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("stamp: parse millis %q: %w", raw, err)
		}
		seq, err := strconv.ParseUint(raw[i+1:], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("stamp: parse seq %q: %w", raw, err)
		}
		if ms < 0 || seq > seqMask {
			return 0, fmt.Errorf("stamp: out of range %q", raw)
		}
		return Stamp(uint64(ms)<<seqBits | seq), nil
	}
	return 0, fmt.Errorf("stamp: malformed %q", raw)
}

// Compare orders stamps; the absent stamp sorts first.
func Compare(a, b Stamp) int {
	return cmp.Compare(a, b)
}

// Generator issues strictly increasing stamps. It is safe for concurrent use
// and never blocks beyond a short critical section.
type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	last Stamp
}

// NewGenerator returns a generator reading the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock returns a generator reading now. Intended for tests.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Generate returns a stamp strictly greater than every stamp previously
// returned by g. When the clock stalls or steps backwards the previous
// millisecond is reused and the sequence advances; when the sequence
// overflows the millisecond component is carried forward. Generate never
// returns the zero stamp and saturates at Max.
func (g *Generator) Generate() Stamp {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := Stamp(clampMillis(g.now().UnixMilli()) << seqBits)
	if next <= g.last {
		if g.last == Max {
			return Max
		}
		next = g.last + 1
	}
	g.last = next
	return next
}

// Observe advances g past a stamp received from elsewhere, so stamps issued
// afterwards sort after it. Stamps more than MaxObserveSkew ahead of the
// local clock only advance g to that bound.
func (g *Generator) Observe(s Stamp) {
	g.mu.Lock()
	defer g.mu.Unlock()
	limit := Stamp(clampMillis(g.now().Add(MaxObserveSkew).UnixMilli())<<seqBits | seqMask)
	if s > limit {
		s = limit
	}
	if s > g.last {
		g.last = s
	}
}

func clampMillis(ms int64) uint64 {
	switch {
	case ms < 1:
		return 1
	case uint64(ms) > maxMillis:
		return maxMillis
	}
	return uint64(ms)
}

var process = NewGenerator()

// Shared returns the process-wide generator. Components that mint stamps
// compared across one process use it.
func Shared() *Generator { return process }

// Next returns a stamp from the process-wide generator.
func Next() Stamp { return process.Generate() }
