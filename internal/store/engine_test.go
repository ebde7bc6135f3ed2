package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// recorder collects events delivered to a handler.
type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.evs))
	copy(out, r.evs)
	return out
}

// waitFor polls until the recorder holds n events.
func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.events(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d: %+v", n, len(r.events()), r.events())
	return nil
}

func kinds(evs []Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Kind) + ":" + ev.Key
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubscribeDeliversSnapshotThenSynced(t *testing.T) {
	e := NewMemory()
	e.Set("users", "a", map[string]string{"name": "Ann"})
	e.Set("users", "b", map[string]string{"name": "Bob"})

	var r recorder
	_, cancel, err := e.Subscribe(Query{Collection: "users"}, r.handle)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	got := kinds(r.waitFor(t, 3))
	want := []string{"added:a", "added:b", "synced:"}
	if !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLimitToLastSlidesWindow(t *testing.T) {
	e := NewMemory()
	for _, k := range []string{"1", "2", "3"} {
		e.Set("messages", k, map[string]string{"text": k})
	}

	var r recorder
	_, cancel, err := e.Subscribe(Query{Collection: "messages", LimitToLast: 2}, r.handle)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	r.waitFor(t, 3)

	e.Set("messages", "4", map[string]string{"text": "4"})
	got := kinds(r.waitFor(t, 5)[3:])
	want := []string{"removed:2", "added:4"}
	if !equal(got, want) {
		t.Fatalf("after push got %v, want %v", got, want)
	}

	// Removing a visible entry lets the older one slide back in.
	e.Remove("messages", "4")
	got = kinds(r.waitFor(t, 7)[5:])
	want = []string{"removed:4", "added:2"}
	if !equal(got, want) {
		t.Fatalf("after remove got %v, want %v", got, want)
	}
}

func TestUpdateOutsideWindowIsSilent(t *testing.T) {
	e := NewMemory()
	for _, k := range []string{"1", "2", "3"} {
		e.Set("messages", k, map[string]string{"text": k})
	}
	var r recorder
	_, cancel, _ := e.Subscribe(Query{Collection: "messages", LimitToLast: 2}, r.handle)
	defer cancel()
	r.waitFor(t, 3)

	e.Update("messages", "1", map[string]any{"text": "edited"})
	e.Update("messages", "3", map[string]any{"text": "edited"})

	got := kinds(r.waitFor(t, 4)[3:])
	if !equal(got, []string{"changed:3"}) {
		t.Fatalf("got %v", got)
	}
}

func TestUpdateMergesFieldsAndNulls(t *testing.T) {
	e := NewMemory()
	e.Set("users", "u1", map[string]any{"name": "Ann", "peerId": "p1"})
	if err := e.Update("users", "u1", map[string]any{"peerId": nil}); err != nil {
		t.Fatal(err)
	}
	raw, ok := e.Get("users", "u1")
	if !ok {
		t.Fatal("entry missing")
	}
	var got map[string]any
	json.Unmarshal(raw, &got)
	if got["name"] != "Ann" {
		t.Fatalf("name lost: %v", got)
	}
	if v, present := got["peerId"]; !present || v != nil {
		t.Fatalf("peerId should be null, got %v", got)
	}
}

func TestSetIdenticalIsNoop(t *testing.T) {
	e := NewMemory()
	e.Set("users", "u1", map[string]string{"name": "Ann"})
	var r recorder
	_, cancel, _ := e.Subscribe(Query{Collection: "users"}, r.handle)
	defer cancel()
	r.waitFor(t, 2)

	e.Set("users", "u1", map[string]string{"name": "Ann"})
	e.Set("users", "u1", map[string]string{"name": "Anna"})
	got := kinds(r.waitFor(t, 3)[2:])
	if !equal(got, []string{"changed:u1"}) {
		t.Fatalf("got %v", got)
	}
}

func TestPushKeysSortInCreationOrder(t *testing.T) {
	e := NewMemory()
	var keys []string
	for i := 0; i < 20; i++ {
		k, err := e.Push("messages", map[string]int{"n": i})
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	if !equal(e.Keys("messages"), keys) {
		t.Fatalf("push keys out of order")
	}
}

func TestDisconnectRunsHooks(t *testing.T) {
	e := NewMemory()
	e.Set("users", "u1", map[string]string{"name": "Ann"})
	e.OnDisconnect("conn-1", "users", "u1")
	e.OnDisconnect("conn-1", "users", "u1")

	e.Disconnect("conn-2")
	if _, ok := e.Get("users", "u1"); !ok {
		t.Fatal("other owner's disconnect removed entry")
	}
	e.Disconnect("conn-1")
	if _, ok := e.Get("users", "u1"); ok {
		t.Fatal("entry survived owner disconnect")
	}
	// hooks are one-shot
	e.Set("users", "u1", map[string]string{"name": "Ann"})
	e.Disconnect("conn-1")
	if _, ok := e.Get("users", "u1"); !ok {
		t.Fatal("hook ran twice")
	}
}

func TestWritesRequireCollectionAndKey(t *testing.T) {
	e := NewMemory()
	if err := e.Set("", "k", 1); err != ErrNoCollection {
		t.Fatalf("got %v", err)
	}
	if err := e.Set("c", "", 1); err != ErrNoKey {
		t.Fatalf("got %v", err)
	}
	if err := e.Remove("c", "missing"); err != nil {
		t.Fatalf("removing a missing entry: %v", err)
	}
}

type memPersister struct {
	rows map[string]map[string]json.RawMessage
}

func (p *memPersister) Load(coll string) (map[string]json.RawMessage, error) {
	return p.rows[coll], nil
}

func (p *memPersister) Put(coll, key string, data json.RawMessage) error {
	if p.rows[coll] == nil {
		p.rows[coll] = map[string]json.RawMessage{}
	}
	p.rows[coll][key] = data
	return nil
}

func (p *memPersister) Delete(coll, key string) error {
	delete(p.rows[coll], key)
	return nil
}

func TestDurableCollectionsSurviveRestart(t *testing.T) {
	p := &memPersister{rows: map[string]map[string]json.RawMessage{}}
	e, err := NewEngine(p, "messages")
	if err != nil {
		t.Fatal(err)
	}
	e.Set("messages", "m1", map[string]string{"text": "hi"})
	e.Set("users", "u1", map[string]string{"name": "Ann"})

	e2, err := NewEngine(p, "messages")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e2.Get("messages", "m1"); !ok {
		t.Fatal("durable message not reloaded")
	}
	if _, ok := e2.Get("users", "u1"); ok {
		t.Fatal("users must not be durable")
	}
}

func TestConnHidesSyncedAndGoesOffline(t *testing.T) {
	e := NewMemory()
	c := e.Connect("owner-1")
	ctx := context.Background()

	var r recorder
	cancel, err := c.Subscribe(Query{Collection: "users"}, r.handle)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	c.Set(ctx, "users", "u1", map[string]string{"name": "Ann"})
	c.OnDisconnectRemove(ctx, "users", "u1")

	states := make(chan bool, 4)
	c.WatchConnected(func(up bool) { states <- up })
	if up := <-states; !up {
		t.Fatal("new connection should report connected")
	}

	c.SetConnected(false)
	if up := <-states; up {
		t.Fatal("expected offline notification")
	}

	got := kinds(r.waitFor(t, 2))
	if !equal(got, []string{"added:u1", "removed:u1"}) {
		t.Fatalf("got %v", got)
	}

	c.Close()
	if _, err := c.Push(ctx, "messages", 1); err != ErrClosed {
		t.Fatalf("push after close: %v", err)
	}
}
