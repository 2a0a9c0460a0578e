package serial

import (
	"sync"
	"time"
)

// Manual is a deterministic Executor driven by a virtual clock. Submitted
// tasks run inline on the submitting goroutine unless a task is already
// running, in which case they queue behind it. Timers fire only inside
// Advance.
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	queue    []func()
	running  bool
	closed   bool
	timers   []*manualTimer
	sequence uint64
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	if m.running {
		m.mu.Unlock()
		return true
	}
	m.running = true
	m.mu.Unlock()
	m.drain()
	return true
}

func (m *Manual) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Close drops queued tasks and pending timers.
func (m *Manual) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	m.timers = nil
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.schedule(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Nanosecond
	}
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, period time.Duration, fn func()) *manualTimer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence++
	t := &manualTimer{owner: m, due: m.now.Add(d), period: period, fn: fn, seq: m.sequence}
	if !m.closed {
		m.timers = append(m.timers, t)
	}
	return t
}

// Advance moves the virtual clock forward by d, firing every timer that
// comes due in due-time order. Each firing runs as an executor task.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			if m.now.Before(target) {
				m.now = target
			}
			m.mu.Unlock()
			return
		}
		m.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			m.removeLocked(next)
		}
		m.mu.Unlock()
		m.Submit(func() {
			if !next.isCancelled() {
				next.fn()
			}
		})
	}
}

// Pending reports how many timers are still armed.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	var next *manualTimer
	for _, t := range m.timers {
		if t.cancelled || t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

type manualTimer struct {
	owner     *Manual
	due       time.Time
	period    time.Duration
	fn        func()
	seq       uint64
	cancelled bool
}

func (t *manualTimer) Cancel() {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	m.removeLocked(t)
}

func (t *manualTimer) isCancelled() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	return t.cancelled
}
