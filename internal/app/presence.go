package app

import (
	"context"
	"time"

	"github.com/petervdpas/huddle/internal/models"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/store"
)

const writeTimeout = 10 * time.Second

// presence writes the local user record. Writes run one at a time, in the
// order they were requested, so a later peer id update can never be
// overwritten by an earlier full record.
type presence struct {
	store  store.Store
	uid    string
	writes chan func(context.Context) error
	done   chan struct{}
}

func newPresence(st store.Store, uid string) *presence {
	p := &presence{
		store:  st,
		uid:    uid,
		writes: make(chan func(context.Context) error, 16),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *presence) run() {
	for {
		select {
		case <-p.done:
			return
		case w := <-p.writes:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := w(ctx); err != nil {
				log.Warnf("presence write: %v", err)
			}
			cancel()
		}
	}
}

func (p *presence) enqueue(w func(context.Context) error) {
	select {
	case p.writes <- w:
	case <-p.done:
	}
}

// Announce registers removal of the record on disconnect, then writes it.
func (p *presence) Announce(u models.User) {
	p.enqueue(func(ctx context.Context) error {
		if err := p.store.OnDisconnectRemove(ctx, proto.CollUsers, p.uid); err != nil {
			return err
		}
		return p.store.Set(ctx, proto.CollUsers, p.uid, u)
	})
}

// SetPeer updates only the peer id; "" writes null.
func (p *presence) SetPeer(id string) {
	var v any
	if id != "" {
		v = id
	}
	p.enqueue(func(ctx context.Context) error {
		return p.store.Update(ctx, proto.CollUsers, p.uid, map[string]any{"peerId": v})
	})
}

// Withdraw removes the record, used on a clean shutdown.
func (p *presence) Withdraw(ctx context.Context) error {
	close(p.done)
	return p.store.Remove(ctx, proto.CollUsers, p.uid)
}
