package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/huddle/internal/proto"
)

// ErrOffline is returned by writes attempted while the hub is unreachable.
var ErrOffline = errors.New("store: offline")

const (
	writeWait     = 10 * time.Second
	pingInterval  = 25 * time.Second
	minBackoff    = 500 * time.Millisecond
	maxBackoff    = 30 * time.Second
	requestBuffer = 1
)

// TokenSource supplies the bearer token for each connection attempt. stale
// is true after the hub rejected the previous token.
type TokenSource interface {
	BearerToken(ctx context.Context, stale bool) (string, error)
}

// Client is a Store backed by the hub's websocket endpoint. It reconnects
// transparently; subscriptions survive reconnects and are reconciled against
// the fresh snapshot (entries that vanished meanwhile are reported removed).
type Client struct {
	url    string
	tokens TokenSource
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    int64
	pending   map[int64]chan proto.StoreFrame
	subs      map[int64]*clientSub
	watchers  map[int]func(bool)
	nextWatch int
	connected bool
	closed    bool
	done      chan struct{}
	onAuth    func(error)
}

type clientSub struct {
	q     Query
	fn    Handler
	known map[string]json.RawMessage
	// seen collects keys delivered since the last (re)subscribe until the
	// snapshot is complete; nil once synced.
	seen map[string]bool
}

// Dial starts a Client for hubURL (http or https base URL) authenticating
// with tokens. It returns once the first connection attempt finished; a
// failed first attempt is an error.
func Dial(ctx context.Context, hubURL string, tokens TokenSource) (*Client, error) {
	u, err := wsURL(hubURL, proto.StorePath, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		url:      u,
		tokens:   tokens,
		dialer:   websocket.DefaultDialer,
		pending:  make(map[int64]chan proto.StoreFrame),
		subs:     make(map[int64]*clientSub),
		watchers: make(map[int]func(bool)),
		done:     make(chan struct{}),
	}
	conn, _, err := c.dial(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("dial store: %w", err)
	}
	c.attach(conn)
	go c.run(conn)
	return c, nil
}

// wsURL turns an http(s) base URL into the ws(s) URL of path.
func wsURL(base, path string, q url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = path
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errUnauthorized marks a connection attempt the hub answered with 401.
var errUnauthorized = errors.New("store: token rejected")

// dial connects with a token from c.tokens.
func (c *Client) dial(ctx context.Context, stale bool) (*websocket.Conn, bool, error) {
	tok, err := c.tokens.BearerToken(ctx, stale)
	if err != nil {
		return nil, true, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url+"?"+url.Values{"token": {tok}}.Encode(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, true, errUnauthorized
		}
		return nil, false, err
	}
	return conn, false, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	subs := make(map[int64]*clientSub, len(c.subs))
	for id, s := range c.subs {
		s.seen = make(map[string]bool)
		subs[id] = s
	}
	watchers := c.watcherList()
	c.mu.Unlock()

	for id, s := range subs {
		if err := c.write(proto.StoreFrame{Op: proto.OpSub, Sub: id, Coll: s.q.Collection, Limit: s.q.LimitToLast}); err != nil {
			log.Warnf("resubscribe %s: %v", s.q.Collection, err)
		}
	}
	for _, fn := range watchers {
		fn(true)
	}
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	pending := c.pending
	c.pending = make(map[int64]chan proto.StoreFrame)
	watchers := c.watcherList()
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- proto.StoreFrame{Op: proto.OpError, Error: ErrOffline.Error()}
	}
	if closed {
		return
	}
	for _, fn := range watchers {
		fn(false)
	}
}

func (c *Client) watcherList() []func(bool) {
	out := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		out = append(out, fn)
	}
	return out
}

// run reads frames until the connection drops, then reconnects with
// exponential backoff until Close.
func (c *Client) run(conn *websocket.Conn) {
	backoff := minBackoff
	stale, authFailing := false, false
	for {
		c.readLoop(conn)
		c.detach()

		for {
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			next, rejected, err := c.dial(ctx, stale)
			cancel()
			if err != nil {
				if rejected {
					// the token source renews on the next attempt
					log.Warnf("reconnect: %v", err)
					if !authFailing && stale {
						c.authError(err)
					}
					authFailing = authFailing || stale
					stale = true
				} else {
					log.Debugf("reconnect failed: %v", err)
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = minBackoff
			if authFailing {
				c.authError(nil)
			}
			stale, authFailing = false, false
			conn = next
			break
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			_ = conn.Close()
			return
		}
		log.Infof("store reconnected")
		c.attach(conn)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-t.C:
				c.writeMu.Lock()
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
			}
		}
	}()

	for {
		var f proto.StoreFrame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("store connection lost: %v", err)
			}
			_ = conn.Close()
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f proto.StoreFrame) {
	switch f.Op {
	case proto.OpAck, proto.OpError:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		} else if f.Op == proto.OpError {
			log.Warnf("store error: %s", f.Error)
		}
	case proto.OpEvent:
		c.deliver(f.Sub, Event{Kind: Kind(f.Kind), Key: f.Key, Data: f.Data})
	case proto.OpReady:
		c.deliver(f.Sub, Event{Kind: Synced})
	}
}

// deliver runs on the read goroutine, so per-subscription order is kept.
// During a resync, already-known entries are reported as changes and those
// absent from the new snapshot as removals.
func (c *Client) deliver(id int64, ev Event) {
	c.mu.Lock()
	s, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	var out []Event
	switch ev.Kind {
	case Synced:
		if s.seen != nil {
			for k, d := range s.known {
				if !s.seen[k] {
					delete(s.known, k)
					out = append(out, Event{Kind: Removed, Key: k, Data: d})
				}
			}
			s.seen = nil
		}
	case Added:
		if s.seen != nil {
			s.seen[ev.Key] = true
		}
		if prev, known := s.known[ev.Key]; known {
			if string(prev) != string(ev.Data) {
				s.known[ev.Key] = ev.Data
				out = append(out, Event{Kind: Changed, Key: ev.Key, Data: ev.Data})
			}
			break
		}
		s.known[ev.Key] = ev.Data
		out = append(out, ev)
	case Changed:
		s.known[ev.Key] = ev.Data
		out = append(out, ev)
	case Removed:
		delete(s.known, ev.Key)
		out = append(out, ev)
	}
	fn := s.fn
	c.mu.Unlock()

	for _, e := range out {
		fn(e)
	}
}

func (c *Client) write(f proto.StoreFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// request sends f and waits for its ack.
func (c *Client) request(ctx context.Context, f proto.StoreFrame) (proto.StoreFrame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return f, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return f, ErrOffline
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan proto.StoreFrame, requestBuffer)
	c.pending[f.ID] = ch
	c.mu.Unlock()

	if err := c.write(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return f, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return f, ctx.Err()
	case resp := <-ch:
		if resp.Op == proto.OpError {
			return resp, remoteError(resp.Error)
		}
		return resp, nil
	}
}

func remoteError(msg string) error {
	for _, known := range []error{ErrOffline, ErrForbidden, ErrNoCollection, ErrNoKey, ErrNotFound} {
		if msg == known.Error() {
			return known
		}
	}
	return errors.New(msg)
}

func (c *Client) Subscribe(q Query, fn Handler) (func(), error) {
	if q.Collection == "" {
		return nil, ErrNoCollection
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = &clientSub{
		q:     q,
		fn:    fn,
		known: make(map[string]json.RawMessage),
	}
	connected := c.connected
	c.mu.Unlock()

	if connected {
		if err := c.write(proto.StoreFrame{Op: proto.OpSub, Sub: id, Coll: q.Collection, Limit: q.LimitToLast}); err != nil {
			log.Warnf("subscribe %s: %v (will retry on reconnect)", q.Collection, err)
		}
	}
	return func() {
		c.mu.Lock()
		_, ok := c.subs[id]
		delete(c.subs, id)
		c.mu.Unlock()
		if ok {
			_ = c.write(proto.StoreFrame{Op: proto.OpUnsub, Sub: id})
		}
	}, nil
}

func (c *Client) Push(ctx context.Context, coll string, v any) (string, error) {
	data, err := marshal(v)
	if err != nil {
		return "", err
	}
	resp, err := c.request(ctx, proto.StoreFrame{Op: proto.OpPush, Coll: coll, Data: data})
	if err != nil {
		return "", err
	}
	return resp.Key, nil
}

func (c *Client) Set(ctx context.Context, coll, key string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, proto.StoreFrame{Op: proto.OpSet, Coll: coll, Key: key, Data: data})
	return err
}

func (c *Client) Update(ctx context.Context, coll, key string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, proto.StoreFrame{Op: proto.OpUpdate, Coll: coll, Key: key, Data: data})
	return err
}

func (c *Client) Remove(ctx context.Context, coll, key string) error {
	_, err := c.request(ctx, proto.StoreFrame{Op: proto.OpRemove, Coll: coll, Key: key})
	return err
}

func (c *Client) OnDisconnectRemove(ctx context.Context, coll, key string) error {
	_, err := c.request(ctx, proto.StoreFrame{Op: proto.OpOnDisconnect, Coll: coll, Key: key})
	return err
}

// OnAuthError registers fn to be called when reconnecting fails because no
// accepted token can be obtained, and with nil once a reconnect succeeds
// again.
func (c *Client) OnAuthError(fn func(error)) {
	c.mu.Lock()
	c.onAuth = fn
	c.mu.Unlock()
}

func (c *Client) authError(err error) {
	c.mu.Lock()
	fn := c.onAuth
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// WatchConnected calls fn with the current connection state and on every
// change. This is the connection-state flag of the store.
func (c *Client) WatchConnected(fn func(bool)) func() {
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

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
