// Package store implements the realtime store: ordered child-event streams
// over keyed collections, limit-to-last queries and disconnect-triggered
// removals. The same Engine backs the hub and the in-process Memory store.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/petervdpas/huddle/internal/proto"
)

var (
	ErrClosed       = errors.New("store: closed")
	ErrNoCollection = errors.New("store: collection required")
	ErrNoKey        = errors.New("store: key required")
	ErrNotFound     = errors.New("store: entry not found")
	ErrForbidden    = errors.New("store: write not permitted")
)

// Kind is the type of a child event.
type Kind string

const (
	Added   Kind = proto.KindAdded
	Changed Kind = proto.KindChanged
	Removed Kind = proto.KindRemoved

	// Synced marks the end of a subscription's initial snapshot. Store
	// implementations consume it; handlers passed to Store.Subscribe never
	// see it.
	Synced Kind = "synced"
)

// Event is one child event delivered to a subscriber.
type Event struct {
	Kind Kind
	Key  string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(e.Data, v)
}

// Handler receives events for one subscription, in order, from a single
// goroutine.
type Handler func(Event)

// Query selects the entries a subscription observes. LimitToLast <= 0 means
// the whole collection.
type Query struct {
	Collection  string
	LimitToLast int
}

// Store is the client-side surface of the realtime store.
type Store interface {
	Subscribe(q Query, fn Handler) (cancel func(), err error)
	Push(ctx context.Context, coll string, v any) (key string, err error)
	Set(ctx context.Context, coll, key string, v any) error
	Update(ctx context.Context, coll, key string, fields map[string]any) error
	Remove(ctx context.Context, coll, key string) error
	OnDisconnectRemove(ctx context.Context, coll, key string) error
	WatchConnected(fn func(bool)) (cancel func())
	Close() error
}

func marshal(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
