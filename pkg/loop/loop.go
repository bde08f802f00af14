// Package loop provides the single goroutine that owns all protocol state
// of a process. Network goroutines never touch that state directly, they
// post closures to the Loop instead.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("loop: stopped")

// Loop runs posted closures one at a time, in posting order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. It never blocks and returns false once the loop stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to run.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Run executes posted closures until ctx is done or Stop is called.
// Closures still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.markStopped()

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return nil
		}

		for i, fn := range batch {
			fn()
			batch[i] = nil
			if l.isStopped() {
				clear(batch[i+1:])
				return nil
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Stop makes Run return after the closure currently running.
func (l *Loop) Stop() {
	l.markStopped()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Run returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

// Timer is a one-shot or periodic callback running on the loop.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc runs fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if !tm.stopped {
				fn()
			}
		})
	})
	return tm
}

// Every runs fn on the loop every d until the timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	var tick func()
	tick = func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			fn()
			if !tm.stopped {
				tm.t.Reset(d)
			}
		})
	}
	tm.t = time.AfterFunc(d, tick)
	return tm
}

// Stop cancels the timer. It must be called from the loop.
func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.stopped = true
	tm.t.Stop()
}
