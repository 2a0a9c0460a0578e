package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/stamp"
)

// Traffic reports whether any command is awaiting its answer.
type Traffic uint8

const (
	TrafficQuiet Traffic = iota
	TrafficInFlight
)

func (t Traffic) String() string {
	if t == TrafficInFlight {
		return "IN_FLIGHT"
	}
	return "QUIET"
}

// PendingCall tracks one upward command awaiting its downward answer.
type PendingCall struct {
	Stamp  stamp.Stamp
	Tag    string
	SentAt time.Time
	Done   func(payload []byte, err error)
}

// InFlight stores pending calls by the stamp answers cite as their cause.
type InFlight struct {
	mu    sync.RWMutex
	items map[stamp.Stamp]PendingCall
}

func NewInFlight() *InFlight {
	return &InFlight{items: make(map[stamp.Stamp]PendingCall)}
}

// Add records call and reports whether traffic turned IN_FLIGHT.
func (f *InFlight) Add(call PendingCall) bool {
	if call.Stamp.IsZero() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	before := len(f.items)
	f.items[call.Stamp] = call
	return before == 0
}

// Resolve removes the call caused by s. quiet is true when it was the last.
func (f *InFlight) Resolve(s stamp.Stamp) (call PendingCall, ok bool, quiet bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok = f.items[s]
	if !ok {
		return PendingCall{}, false, false
	}
	delete(f.items, s)
	return call, true, len(f.items) == 0
}

// Drain removes and returns every pending call in stamp order.
func (f *InFlight) Drain() []PendingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PendingCall, 0, len(f.items))
	for _, call := range f.items {
		out = append(out, call)
	}
	f.items = make(map[stamp.Stamp]PendingCall)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Stamp < out[j].Stamp
	})
	return out
}

func (f *InFlight) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

func (f *InFlight) Traffic() Traffic {
	if f.Len() > 0 {
		return TrafficInFlight
	}
	return TrafficQuiet
}
