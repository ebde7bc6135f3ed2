package viewer

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/util"
)

// Event is one user-facing notification.
type Event struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// EventBuffer keeps the most recent notifications and fans new ones out to
// live subscribers.
type EventBuffer struct {
	entries *util.Recent[Event]

	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventBuffer(max int) *EventBuffer {
	if max <= 0 {
		max = 200
	}
	return &EventBuffer{
		entries: util.NewRecent[Event](max),
		subs:    make(map[chan Event]struct{}),
	}
}

func (b *EventBuffer) Add(msg string) {
	e := Event{TS: time.Now(), Msg: msg}
	b.entries.Add(e)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow subscriber
		}
	}
}

func (b *EventBuffer) Snapshot() []Event {
	return b.entries.Items()
}

func (b *EventBuffer) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/events
func (b *EventBuffer) ServeJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Snapshot())
}

// GET /api/events/stream (Server-Sent Events), tail only
func (b *EventBuffer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
