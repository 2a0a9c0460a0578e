package serial

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Loop is an Executor backed by one goroutine draining an unbounded queue.
// Producers never block, so I/O goroutines and timer goroutines can post
// freely while the loop is busy.
type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}
}

func NewLoop(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the loop goroutine. It stops when ctx ends or Close is
// called; queued tasks that have not started are dropped.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.closed {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()
	log.Debug().Msgf("serial.Loop start name=%s", l.name)
	go l.run(ctx)
}

// Close stops accepting tasks and waits for the running task to finish. It
// must not be called from a task running on the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.doneIfStarted()
		return
	}
	l.closed = true
	started := l.started
	l.queue = nil
	l.mu.Unlock()
	l.signal()
	if started {
		<-l.done
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) doneIfStarted() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

func (l *Loop) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer log.Debug().Msgf("serial.Loop stop name=%s", l.name)
	defer l.markClosed()
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil || l.isClosed() {
				return
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) markClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.queue = nil
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = time.AfterFunc(d, func() {
		l.Submit(func() {
			if t.cancelled.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	var arm func()
	arm = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.cancelled.Load() {
			return
		}
		t.timer = time.AfterFunc(d, func() {
			l.Submit(func() {
				if t.cancelled.Load() {
					return
				}
				fn()
				arm()
			})
		})
	}
	arm()
	return t
}

type loopTimer struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *loopTimer) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
