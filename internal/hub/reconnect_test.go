package hub

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/store"
)

// cutProxy forwards TCP connections to a hub and can sever them, which
// closes hijacked websocket connections as a network failure would.
type cutProxy struct {
	ln     net.Listener
	target string

	mu     sync.Mutex
	conns  []net.Conn
	paused bool
}

func newCutProxy(t *testing.T, hubURL string) *cutProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &cutProxy{ln: ln, target: strings.TrimPrefix(hubURL, "http://")}
	go p.serve()
	t.Cleanup(func() {
		ln.Close()
		p.cut()
	})
	return p
}

func (p *cutProxy) URL() string { return "http://" + p.ln.Addr().String() }

func (p *cutProxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.pipe(c)
	}
}

func (p *cutProxy) pipe(c net.Conn) {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		c.Close()
		return
	}
	up, err := net.Dial("tcp", p.target)
	if err != nil {
		c.Close()
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, c, up)
	p.mu.Unlock()
	go func() {
		io.Copy(up, c)
		up.Close()
	}()
	io.Copy(c, up)
	c.Close()
}

// cut severs every open connection.
func (p *cutProxy) cut() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// pause refuses new connections until resume.
func (p *cutProxy) pause()  { p.mu.Lock(); p.paused = true; p.mu.Unlock() }
func (p *cutProxy) resume() { p.mu.Lock(); p.paused = false; p.mu.Unlock() }

func waitConnected(t *testing.T, states <-chan bool, want bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case up := <-states:
			if up == want {
				return
			}
		case <-deadline:
			t.Fatalf("connection state never became %v", want)
		}
	}
}

func TestStoreClientResyncsAfterReconnect(t *testing.T) {
	s, ts := newTestHub(t, nil)
	ctx := context.Background()
	ann, annID := signUp(t, ts.URL, "ann@example.com", "Ann")
	proxy := newCutProxy(t, ts.URL)

	eng := s.Engine()
	require.NoError(t, eng.Set(proto.CollMessages, "x", map[string]string{"text": "x"}))
	require.NoError(t, eng.Set(proto.CollMessages, "y", map[string]string{"text": "y"}))

	cl, err := store.Dial(ctx, proxy.URL(), ann)
	require.NoError(t, err)
	defer cl.Close()

	states := make(chan bool, 16)
	stop := cl.WatchConnected(func(up bool) { states <- up })
	defer stop()
	waitConnected(t, states, true)

	var msgs sink
	cancel, err := cl.Subscribe(store.Query{Collection: proto.CollMessages}, msgs.add)
	require.NoError(t, err)
	defer cancel()
	require.Eventually(t, func() bool { return len(msgs.keys(store.Added)) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cl.Set(ctx, proto.CollUsers, annID.UID, map[string]any{"name": "Ann", "peerId": nil}))
	require.NoError(t, cl.OnDisconnectRemove(ctx, proto.CollUsers, annID.UID))

	proxy.pause()
	proxy.cut()
	waitConnected(t, states, false)

	_, err = cl.Push(ctx, proto.CollMessages, map[string]string{"text": "lost"})
	assert.ErrorIs(t, err, store.ErrOffline)

	// The hub ran the disconnect hook; the collection changes while offline.
	require.Eventually(t, func() bool {
		_, ok := eng.Get(proto.CollUsers, annID.UID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, eng.Remove(proto.CollMessages, "x"))
	require.NoError(t, eng.Set(proto.CollMessages, "z", map[string]string{"text": "z"}))

	proxy.resume()
	waitConnected(t, states, true)

	require.Eventually(t, func() bool { return len(msgs.keys(store.Added)) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(msgs.keys(store.Removed)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"x", "y", "z"}, msgs.keys(store.Added))
	assert.Equal(t, []string{"x"}, msgs.keys(store.Removed))
	assert.Empty(t, msgs.keys(store.Changed))

	// Writes work again on the new connection.
	require.NoError(t, cl.Set(ctx, proto.CollUsers, annID.UID, map[string]any{"name": "Ann", "peerId": nil}))
	_, ok := eng.Get(proto.CollUsers, annID.UID)
	assert.True(t, ok)
}

func TestStoreClientRenewsRejectedToken(t *testing.T) {
	_, ts := newTestHub(t, nil)
	ctx := context.Background()
	ann, _ := signUp(t, ts.URL, "ann@example.com", "Ann")

	tokens := &countingTokens{c: ann, first: "not-a-token"}
	cl, err := store.Dial(ctx, ts.URL, tokens)
	require.Error(t, err)
	assert.Nil(t, cl)

	// A renewal after the hub rejects the token reconnects.
	proxy := newCutProxy(t, ts.URL)
	tokens = &countingTokens{c: ann}
	cl, err = store.Dial(ctx, proxy.URL(), tokens)
	require.NoError(t, err)
	defer cl.Close()
	states := make(chan bool, 16)
	defer cl.WatchConnected(func(up bool) { states <- up })()
	waitConnected(t, states, true)

	tokens.expire("not-a-token")
	proxy.cut()
	waitConnected(t, states, false)
	waitConnected(t, states, true)
	assert.GreaterOrEqual(t, tokens.staleCalls(), 1)
}

// countingTokens hands out first (when set) until asked for a fresh token.
type countingTokens struct {
	c     *Client
	mu    sync.Mutex
	first string
	stale int
}

func (ct *countingTokens) expire(tok string) {
	ct.mu.Lock()
	ct.first = tok
	ct.mu.Unlock()
}

func (ct *countingTokens) staleCalls() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.stale
}

func (ct *countingTokens) BearerToken(ctx context.Context, stale bool) (string, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if stale {
		ct.stale++
		ct.first = ""
	}
	if ct.first != "" {
		return ct.first, nil
	}
	return ct.c.BearerToken(ctx, stale)
}
