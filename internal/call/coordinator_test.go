package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/dispatch"
	"github.com/petervdpas/huddle/internal/media"
)

type fakeCall struct {
	id, peer string

	mu       sync.Mutex
	closed   bool
	answered bool
	onStream func()
	onClose  func()
	onError  func(error)
}

func (c *fakeCall) ID() string   { return c.id }
func (c *fakeCall) Peer() string { return c.peer }

func (c *fakeCall) Answer(context.Context, *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	return nil
}

func (c *fakeCall) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeCall) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCall) OnStream(fn func())     { c.mu.Lock(); c.onStream = fn; c.mu.Unlock() }
func (c *fakeCall) OnClose(fn func())      { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }
func (c *fakeCall) OnError(fn func(error)) { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }
func (c *fakeCall) stream()                { c.mu.Lock(); fn := c.onStream; c.mu.Unlock(); fn() }
func (c *fakeCall) remoteClose()           { c.mu.Lock(); fn := c.onClose; c.mu.Unlock(); fn() }

type fakeBroker struct {
	id string
	ev BrokerEvents

	mu     sync.Mutex
	calls  []*fakeCall
	closed bool
}

func (b *fakeBroker) ID() string { return b.id }

func (b *fakeBroker) Call(_ context.Context, peerID string, _ *media.Stream) (RemoteCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeCall{id: "c" + peerID, peer: peerID}
	b.calls = append(b.calls, c)
	return c, nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) placed() []*fakeCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeCall(nil), b.calls...)
}

// fakeMedia blocks each acquisition until release is called.
type fakeMedia struct {
	gate  chan error
	mu    sync.Mutex
	count int
}

func (m *fakeMedia) Acquire(ctx context.Context) (*media.Stream, error) {
	m.mu.Lock()
	m.count++
	m.mu.Unlock()
	select {
	case err := <-m.gate:
		if err != nil {
			return nil, err
		}
		return &media.Stream{Label: "test"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *fakeMedia) acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

type directory map[string]string

func (d directory) NameForPeer(id string) (string, bool) {
	n, ok := d[id]
	return n, ok
}

type counter struct {
	mu       sync.Mutex
	rebuilds int
	notes    []string
	rings    []string
}

func (r *counter) Rebuild() error {
	r.mu.Lock()
	r.rebuilds++
	r.mu.Unlock()
	return nil
}

func (r *counter) IncomingCall(name string, _ time.Duration) {
	r.mu.Lock()
	r.rings = append(r.rings, name)
	r.mu.Unlock()
}

func (r *counter) Notify(msg string) {
	r.mu.Lock()
	r.notes = append(r.notes, msg)
	r.mu.Unlock()
}

func (r *counter) notifications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

type fixture struct {
	loop   *dispatch.Loop
	media  *fakeMedia
	broker *fakeBroker
	notes  *counter
	coord  *Coordinator
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		loop:   dispatch.New(),
		media:  &fakeMedia{gate: make(chan error, 4)},
		broker: &fakeBroker{id: "me"},
		notes:  &counter{},
	}
	f.loop.Start(ctx)
	f.coord = New(Config{
		Loop:  f.loop,
		Media: f.media,
		Open: func(_ context.Context, ev BrokerEvents) (Broker, error) {
			f.broker.ev = ev
			return f.broker, nil
		},
		Directory: directory{"p-bob": "Bob", "p-cat": "Cat"},
		Roster:    f.notes,
		Notifier:  f.notes,
		OfferTTL:  ttl,
	})
	t.Cleanup(func() { f.loop.Call(f.coord.Close) })
	return f
}

func (f *fixture) on(fn func()) { f.loop.Call(fn) }

func (f *fixture) state() State {
	var s State
	f.on(func() { s = f.coord.State() })
	return s
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.state() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}

// offer delivers an incoming call once the broker is open.
func (f *fixture) offer(t *testing.T, peer string) *fakeCall {
	t.Helper()
	f.on(f.coord.EnsureBroker)
	require.Eventually(t, func() bool {
		var id string
		f.on(func() { id = f.coord.PeerID() })
		return id == "me"
	}, 2*time.Second, 5*time.Millisecond)
	c := &fakeCall{id: "in-" + peer, peer: peer}
	f.broker.ev.OnCall(c)
	return c
}

func TestStartCallValidation(t *testing.T) {
	f := newFixture(t, time.Second)
	f.on(func() {
		assert.ErrorIs(t, f.coord.StartCall(""), ErrNoPeer)
		require.NoError(t, f.coord.StartCall("p-bob"))
		assert.ErrorIs(t, f.coord.StartCall("p-cat"), ErrCallInFlight)
	})
}

func TestDeferredCallRetriedOnceAfterAcquisition(t *testing.T) {
	f := newFixture(t, time.Second)
	f.on(func() { require.NoError(t, f.coord.StartCall("p-bob")) })

	assert.Equal(t, Idle, f.state())
	assert.Empty(t, f.broker.placed())

	f.media.gate <- nil
	f.waitState(t, OutboundPending)
	require.Len(t, f.broker.placed(), 1)
	assert.Equal(t, "p-bob", f.broker.placed()[0].peer)
	assert.Equal(t, 1, f.media.acquisitions())

	// The cached stream serves later calls without a new acquisition.
	f.on(func() {
		f.coord.Hangup()
		require.NoError(t, f.coord.StartCall("p-cat"))
	})
	require.Eventually(t, func() bool { return len(f.broker.placed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.media.acquisitions())
}

func TestAcquisitionFailureCreatesNoSession(t *testing.T) {
	f := newFixture(t, time.Second)
	f.on(func() { require.NoError(t, f.coord.StartCall("p-bob")) })
	f.media.gate <- errors.New("no device")

	require.Eventually(t, func() bool { return len(f.notes.notifications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, f.state())
	assert.Empty(t, f.broker.placed())

	// A later attempt starts a fresh acquisition.
	f.on(func() { require.NoError(t, f.coord.StartCall("p-bob")) })
	f.media.gate <- nil
	f.waitState(t, OutboundPending)
	assert.Equal(t, 2, f.media.acquisitions())
}

func TestNewOutboundCallLeavesOneSession(t *testing.T) {
	f := newFixture(t, time.Second)
	f.media.gate <- nil
	f.on(func() { require.NoError(t, f.coord.StartCall("p-bob")) })
	f.waitState(t, OutboundPending)
	first := f.broker.placed()[0]

	first.stream()
	f.waitState(t, Active)

	f.on(func() { require.NoError(t, f.coord.StartCall("p-cat")) })
	require.Eventually(t, func() bool { return len(f.broker.placed()) == 2 }, 2*time.Second, 5*time.Millisecond)
	f.waitState(t, OutboundPending)

	assert.True(t, first.isClosed())
	var peer string
	f.on(func() { peer = f.coord.ActivePeer() })
	assert.Equal(t, "p-cat", peer)

	// Events from the replaced call are stale.
	first.remoteClose()
	f.on(func() {})
	assert.Equal(t, OutboundPending, f.state())
}

func TestUnacceptedOfferExpires(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	c1 := f.offer(t, "p-bob")
	f.waitState(t, InboundOffered)

	f.waitState(t, Idle)
	assert.True(t, c1.isClosed())

	c2 := f.offer(t, "p-bob")
	f.waitState(t, InboundOffered)
	f.media.gate <- nil
	f.on(func() { require.NoError(t, f.coord.Accept()) })
	f.waitState(t, Active)

	c2.mu.Lock()
	assert.True(t, c2.answered)
	c2.mu.Unlock()

	var info Info
	f.on(func() { info = f.coord.Info() })
	assert.Equal(t, "Bob", info.Name)
	assert.Equal(t, Inbound, info.Direction)
}

func TestBusyRejectsOffer(t *testing.T) {
	f := newFixture(t, time.Second)
	f.offer(t, "p-bob")
	f.waitState(t, InboundOffered)

	second := f.offer(t, "p-cat")
	require.Eventually(t, second.isClosed, 2*time.Second, 5*time.Millisecond)

	var peer string
	f.on(func() { peer = f.coord.ActivePeer() })
	assert.Equal(t, "p-bob", peer)
}

func TestAcceptWithoutOffer(t *testing.T) {
	f := newFixture(t, time.Second)
	f.on(func() { assert.ErrorIs(t, f.coord.Accept(), ErrNoOffer) })
}

func TestRemoteCloseAndBrokerLossReturnToIdle(t *testing.T) {
	f := newFixture(t, time.Second)
	f.media.gate <- nil
	f.on(func() { require.NoError(t, f.coord.StartCall("p-bob")) })
	f.waitState(t, OutboundPending)

	f.broker.placed()[0].remoteClose()
	f.waitState(t, Idle)

	f.on(func() { require.NoError(t, f.coord.StartCall("p-cat")) })
	f.waitState(t, OutboundPending)
	f.broker.ev.OnClose(errors.New("gone"))
	f.waitState(t, Idle)

	var id string
	f.on(func() { id = f.coord.PeerID() })
	assert.Empty(t, id)
}

func TestSessionChangesRebuildRoster(t *testing.T) {
	f := newFixture(t, time.Second)
	f.media.gate <- nil
	f.on(func() { require.NoError(t, f.coord.StartCall("p-bob")) })
	f.waitState(t, OutboundPending)
	f.on(f.coord.Hangup)

	// pending start, session opened, hangup
	f.notes.mu.Lock()
	defer f.notes.mu.Unlock()
	assert.Equal(t, 3, f.notes.rebuilds)
}

func TestHangupAbandonsPendingStart(t *testing.T) {
	f := newFixture(t, time.Second)
	f.on(func() {
		require.NoError(t, f.coord.StartCall("p-bob"))
		f.coord.Hangup()
	})
	f.media.gate <- nil
	// the stream still lands in the cache, the call is never placed
	require.Eventually(t, func() bool {
		var cached bool
		f.on(func() { cached = f.coord.stream != nil })
		return cached
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.broker.placed())
	assert.Equal(t, Idle, f.state())
}

func TestPendingStartReportsTarget(t *testing.T) {
	f := newFixture(t, time.Second)
	f.on(func() {
		assert.False(t, f.coord.Busy())
		require.NoError(t, f.coord.StartCall("p-bob"))
		assert.True(t, f.coord.Busy())
		assert.True(t, f.coord.Pending())
		assert.Equal(t, "p-bob", f.coord.ActivePeer())
		assert.Equal(t, Idle, f.coord.State())

		f.coord.Hangup()
		assert.False(t, f.coord.Busy())
		assert.Empty(t, f.coord.ActivePeer())
	})
}

func TestBrokerClosedWhileOpeningIsNotKept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	loop := dispatch.New()
	loop.Start(ctx)

	var (
		mu    sync.Mutex
		opens int
	)
	live := &fakeBroker{id: "live"}
	notes := &counter{}
	coord := New(Config{
		Loop:  loop,
		Media: &fakeMedia{gate: make(chan error, 1)},
		Open: func(_ context.Context, ev BrokerEvents) (Broker, error) {
			mu.Lock()
			opens++
			n := opens
			mu.Unlock()
			if n == 1 {
				// the session dies before the open completes
				ev.OnClose(errors.New("dropped"))
				return &fakeBroker{id: "dead"}, nil
			}
			live.ev = ev
			return live, nil
		},
		Directory: directory{},
		Roster:    notes,
		Notifier:  notes,
	})
	t.Cleanup(func() { loop.Call(coord.Close) })

	peerID := func() string {
		var id string
		loop.Call(func() { id = coord.PeerID() })
		return id
	}

	loop.Call(coord.EnsureBroker)
	require.Eventually(t, func() bool {
		var opening bool
		loop.Call(func() { opening = coord.opening })
		return !opening
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, peerID())

	loop.Call(coord.EnsureBroker)
	require.Eventually(t, func() bool { return peerID() == "live" }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, opens)
	mu.Unlock()
}
