package store

import "sync"

// queue delivers events to one handler in order on its own goroutine, so
// writers never block on slow or re-entrant subscribers.
type queue struct {
	fn Handler

	mu      sync.Mutex
	items   []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newQueue(fn Handler) *queue {
	q := &queue{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) push(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, evs...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if q.stopped || len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			q.fn(ev)
		}
	}
}
