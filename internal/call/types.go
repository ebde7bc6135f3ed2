package call

import (
	"context"
	"time"

	"github.com/petervdpas/huddle/internal/media"
)

// Broker is an open broker session. The coordinator talks to the broker only
// through this interface; the client runtime adapts *broker.Session to it.
type Broker interface {
	ID() string
	Call(ctx context.Context, peerID string, st *media.Stream) (RemoteCall, error)
	Close() error
}

// RemoteCall is one call handle obtained from the broker.
type RemoteCall interface {
	ID() string
	Peer() string
	Answer(ctx context.Context, st *media.Stream) error
	Close()
	OnStream(fn func())
	OnClose(fn func())
	OnError(fn func(error))
}

// BrokerEvents are the session-level callbacks a broker opener must wire.
type BrokerEvents struct {
	OnCall  func(RemoteCall)
	OnClose func(error)
}

// OpenBroker connects to the broker.
type OpenBroker func(ctx context.Context, ev BrokerEvents) (Broker, error)

// MediaSource acquires the local audio stream.
type MediaSource interface {
	Acquire(ctx context.Context) (*media.Stream, error)
}

// Directory resolves a caller's peer id to a display name.
type Directory interface {
	NameForPeer(peerID string) (string, bool)
}

// Roster is rebuilt whenever a session appears or disappears.
type Roster interface {
	Rebuild() error
}

// Notifier surfaces call events to the user.
type Notifier interface {
	IncomingCall(name string, ttl time.Duration)
	Notify(msg string)
}

// Poster schedules work on the dispatch loop.
type Poster interface {
	Post(fn func())
}
