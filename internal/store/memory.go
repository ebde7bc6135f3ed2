package store

import (
	"context"
	"sync"
)

// Conn is an in-process connection to an Engine. It implements Store and
// behaves like a remote client: its disconnect hooks run when it closes or
// loses connectivity.
type Conn struct {
	eng   *Engine
	owner string

	mu        sync.Mutex
	cancels   map[int64]func()
	watchers  map[int]func(bool)
	nextWatch int
	connected bool
	closed    bool
}

// Connect opens an in-process connection identified by owner.
func (e *Engine) Connect(owner string) *Conn {
	return &Conn{
		eng:       e,
		owner:     owner,
		cancels:   make(map[int64]func()),
		watchers:  make(map[int]func(bool)),
		connected: true,
	}
}

func (c *Conn) Subscribe(q Query, fn Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	id, cancel, err := c.eng.Subscribe(q, func(ev Event) {
		if ev.Kind != Synced {
			fn(ev)
		}
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cancels[id] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
	}, nil
}

func (c *Conn) Push(_ context.Context, coll string, v any) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	return c.eng.Push(coll, v)
}

func (c *Conn) Set(_ context.Context, coll, key string, v any) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.eng.Set(coll, key, v)
}

func (c *Conn) Update(_ context.Context, coll, key string, fields map[string]any) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.eng.Update(coll, key, fields)
}

func (c *Conn) Remove(_ context.Context, coll, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.eng.Remove(coll, key)
}

func (c *Conn) OnDisconnectRemove(_ context.Context, coll, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.eng.OnDisconnect(c.owner, coll, key)
}

// WatchConnected calls fn with the current state and on every change.
func (c *Conn) WatchConnected(fn func(bool)) func() {
	c.mu.Lock()
	c.nextWatch++
	id := c.nextWatch
	c.watchers[id] = fn
	state := c.connected
	c.mu.Unlock()
	go fn(state)
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// SetConnected simulates a connectivity change. Going offline runs the
// connection's disconnect hooks, as the hub would.
func (c *Conn) SetConnected(up bool) {
	c.mu.Lock()
	if c.closed || c.connected == up {
		c.mu.Unlock()
		return
	}
	c.connected = up
	watchers := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()

	if !up {
		c.eng.Disconnect(c.owner)
	}
	for _, fn := range watchers {
		fn(up)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.watchers = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.eng.Disconnect(c.owner)
	return nil
}

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrOffline
	}
	return nil
}
