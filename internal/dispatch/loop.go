// Package dispatch provides the single event queue the client runs on.
// Everything that touches roster, feed or call state is posted here.
package dispatch

import (
	"context"
	"sync"
)

const queueSize = 256

// Loop runs posted functions one at a time, in order, on its own goroutine.
type Loop struct {
	queue chan func()

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func New() *Loop {
	return &Loop{
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn. It never runs fn inline and is a no-op after Run returns.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	select {
	case l.queue <- fn:
	case <-l.done:
	}
}

// Call posts fn and waits for it to finish. Must not be called from the loop.
func (l *Loop) Call(fn func()) {
	ran := make(chan struct{})
	l.Post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
	case <-l.done:
	}
}

// Run drains the queue until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
