package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("huddle/store")

// Persister makes selected collections durable. Calls happen under the
// engine lock, in mutation order.
type Persister interface {
	Load(coll string) (map[string]json.RawMessage, error)
	Put(coll, key string, data json.RawMessage) error
	Delete(coll, key string) error
}

// Engine holds all collections, their subscribers and the registered
// disconnect hooks. Safe for concurrent use.
type Engine struct {
	mu      sync.Mutex
	colls   map[string]*collection
	durable map[string]bool
	persist Persister
	nextSub int64
	hooks   map[string][]hook // owner -> removals to run on disconnect
}

type hook struct {
	coll string
	key  string
}

type collection struct {
	keys []string // sorted; push keys sort in creation order
	data map[string]json.RawMessage
	subs map[int64]*subscription
}

type subscription struct {
	id      int64
	limit   int
	visible map[string]bool // only tracked for limited queries
	q       *queue
}

// NewEngine creates an engine. persist may be nil; durable names the
// collections written through to it.
func NewEngine(persist Persister, durable ...string) (*Engine, error) {
	e := &Engine{
		colls:   make(map[string]*collection),
		durable: make(map[string]bool),
		persist: persist,
		hooks:   make(map[string][]hook),
	}
	for _, name := range durable {
		e.durable[name] = true
		if persist == nil {
			continue
		}
		rows, err := persist.Load(name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		c := e.coll(name)
		for k, v := range rows {
			c.data[k] = v
			c.keys = append(c.keys, k)
		}
		sort.Strings(c.keys)
		log.Infof("loaded %d entries into %s", len(rows), name)
	}
	return e, nil
}

// NewMemory returns a non-durable engine.
func NewMemory() *Engine {
	e, _ := NewEngine(nil)
	return e
}

func (e *Engine) coll(name string) *collection {
	c, ok := e.colls[name]
	if !ok {
		c = &collection{
			data: make(map[string]json.RawMessage),
			subs: make(map[int64]*subscription),
		}
		e.colls[name] = c
	}
	return c
}

// Subscribe registers fn for q. The current entries in the query window are
// delivered first as Added events, followed by one Synced marker.
func (e *Engine) Subscribe(q Query, fn Handler) (int64, func(), error) {
	if q.Collection == "" {
		return 0, nil, ErrNoCollection
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.coll(q.Collection)
	e.nextSub++
	sub := &subscription{
		id:    e.nextSub,
		limit: q.LimitToLast,
		q:     newQueue(fn),
	}
	window := c.window(sub.limit)
	if sub.limit > 0 {
		sub.visible = make(map[string]bool, len(window))
	}
	initial := make([]Event, 0, len(window))
	for _, k := range window {
		if sub.visible != nil {
			sub.visible[k] = true
		}
		initial = append(initial, Event{Kind: Added, Key: k, Data: c.data[k]})
	}
	initial = append(initial, Event{Kind: Synced})
	c.subs[sub.id] = sub
	sub.q.push(initial...)

	id := sub.id
	name := q.Collection
	cancel := func() { e.unsubscribe(name, id) }
	return id, cancel, nil
}

func (e *Engine) unsubscribe(coll string, id int64) {
	e.mu.Lock()
	c, ok := e.colls[coll]
	var sub *subscription
	if ok {
		sub = c.subs[id]
		delete(c.subs, id)
	}
	e.mu.Unlock()
	if sub != nil {
		sub.q.stop()
	}
}

// Push stores v under a new creation-ordered key.
func (e *Engine) Push(coll string, v any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	return key, e.Set(coll, key, v)
}

// Set replaces the entry at coll/key.
func (e *Engine) Set(coll, key string, v any) error {
	if coll == "" {
		return ErrNoCollection
	}
	if key == "" {
		return ErrNoKey
	}
	data, err := marshal(v)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.write(coll, key, data)
}

// Update merges fields into the entry at coll/key, creating it if absent.
// A nil field value is stored as JSON null.
func (e *Engine) Update(coll, key string, fields map[string]any) error {
	if coll == "" {
		return ErrNoCollection
	}
	if key == "" {
		return ErrNoKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	obj := map[string]json.RawMessage{}
	if cur, ok := e.coll(coll).data[key]; ok {
		if err := json.Unmarshal(cur, &obj); err != nil {
			return fmt.Errorf("update %s/%s: %w", coll, key, err)
		}
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		obj[k] = b
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return e.write(coll, key, data)
}

// Remove deletes coll/key. Removing a missing entry is not an error.
func (e *Engine) Remove(coll, key string) error {
	if coll == "" {
		return ErrNoCollection
	}
	if key == "" {
		return ErrNoKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remove(coll, key)
	return nil
}

// Get returns a copy of the entry at coll/key.
func (e *Engine) Get(coll, key string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.colls[coll]
	if !ok {
		return nil, false
	}
	d, ok := c.data[key]
	return d, ok
}

// Keys returns the sorted keys of coll.
func (e *Engine) Keys(coll string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.colls[coll]
	if !ok {
		return nil
	}
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// OnDisconnect registers a removal of coll/key to run when owner disconnects.
func (e *Engine) OnDisconnect(owner, coll, key string) error {
	if coll == "" {
		return ErrNoCollection
	}
	if key == "" {
		return ErrNoKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hooks[owner] {
		if h.coll == coll && h.key == key {
			return nil
		}
	}
	e.hooks[owner] = append(e.hooks[owner], hook{coll: coll, key: key})
	return nil
}

// Disconnect runs and clears the disconnect hooks of owner.
func (e *Engine) Disconnect(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hooks := e.hooks[owner]
	delete(e.hooks, owner)
	for _, h := range hooks {
		e.remove(h.coll, h.key)
	}
	if len(hooks) > 0 {
		log.Debugf("ran %d disconnect hook(s) for %s", len(hooks), owner)
	}
}

// write must be called with e.mu held.
func (e *Engine) write(coll, key string, data json.RawMessage) error {
	c := e.coll(coll)
	prev, existed := c.data[key]
	if existed && bytes.Equal(prev, data) {
		return nil
	}
	if e.durable[coll] && e.persist != nil {
		if err := e.persist.Put(coll, key, data); err != nil {
			return fmt.Errorf("persist %s/%s: %w", coll, key, err)
		}
	}
	c.data[key] = data
	if !existed {
		i := sort.SearchStrings(c.keys, key)
		c.keys = append(c.keys, "")
		copy(c.keys[i+1:], c.keys[i:])
		c.keys[i] = key
	}
	for _, sub := range c.subs {
		if sub.limit <= 0 {
			kind := Added
			if existed {
				kind = Changed
			}
			sub.q.push(Event{Kind: kind, Key: key, Data: data})
			continue
		}
		c.slide(sub, key, existed)
	}
	return nil
}

// remove must be called with e.mu held.
func (e *Engine) remove(coll, key string) {
	c, ok := e.colls[coll]
	if !ok {
		return
	}
	prev, existed := c.data[key]
	if !existed {
		return
	}
	if e.durable[coll] && e.persist != nil {
		if err := e.persist.Delete(coll, key); err != nil {
			log.Errorf("persist delete %s/%s: %v", coll, key, err)
		}
	}
	delete(c.data, key)
	i := sort.SearchStrings(c.keys, key)
	if i < len(c.keys) && c.keys[i] == key {
		c.keys = append(c.keys[:i], c.keys[i+1:]...)
	}
	for _, sub := range c.subs {
		if sub.limit <= 0 {
			sub.q.push(Event{Kind: Removed, Key: key, Data: prev})
			continue
		}
		if sub.visible[key] {
			delete(sub.visible, key)
			sub.q.push(Event{Kind: Removed, Key: key, Data: prev})
		}
		// An older entry may slide back into the window.
		for _, k := range c.window(sub.limit) {
			if !sub.visible[k] {
				sub.visible[k] = true
				sub.q.push(Event{Kind: Added, Key: k, Data: c.data[k]})
			}
		}
	}
}

// slide recomputes a limited subscription's window after key was written.
func (c *collection) slide(sub *subscription, key string, existed bool) {
	window := c.window(sub.limit)
	inWindow := make(map[string]bool, len(window))
	for _, k := range window {
		inWindow[k] = true
	}
	for k := range sub.visible {
		if !inWindow[k] {
			delete(sub.visible, k)
			sub.q.push(Event{Kind: Removed, Key: k, Data: c.data[k]})
		}
	}
	for _, k := range window {
		switch {
		case !sub.visible[k]:
			sub.visible[k] = true
			sub.q.push(Event{Kind: Added, Key: k, Data: c.data[k]})
		case k == key && existed:
			sub.q.push(Event{Kind: Changed, Key: k, Data: c.data[k]})
		}
	}
}

func (c *collection) window(limit int) []string {
	if limit <= 0 || limit >= len(c.keys) {
		return c.keys
	}
	return c.keys[len(c.keys)-limit:]
}
