package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"github.com/petervdpas/huddle/internal/auth"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/store"
)

var (
	errRateLimited = errors.New("rate limit exceeded")
	errNoData      = errors.New("data required")
)

// storeConn is one client connection to the store. Its id owns the
// disconnect hooks registered through it.
type storeConn struct {
	s       *Server
	id      string
	claims  *auth.Claims
	conn    *websocket.Conn
	send    chan proto.StoreFrame
	done    chan struct{}
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[int64]func()
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("store upgrade: %v", err)
		return
	}
	c := &storeConn{
		s:       s,
		id:      xid.New().String(),
		claims:  claims,
		conn:    conn,
		send:    make(chan proto.StoreFrame, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.opts.WriteRate), s.opts.WriteBurst),
		subs:    make(map[int64]func()),
	}
	s.metrics.storeConns.Inc()
	log.Debugf("store connection %s for %s", c.id, claims.UID())

	go c.writePump()
	c.readPump()
}

func (c *storeConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var f proto.StoreFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("store connection %s: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handle(f)
	}
}

func (c *storeConn) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// enqueue blocks until the frame is queued or the connection is gone, so
// events are never dropped while the connection lives.
func (c *storeConn) enqueue(f proto.StoreFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *storeConn) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
	close(c.done)
	c.s.engine.Disconnect(c.id)
	c.s.metrics.storeConns.Dec()
	log.Debugf("store connection %s closed", c.id)
}

func (c *storeConn) handle(f proto.StoreFrame) {
	switch f.Op {
	case proto.OpSub:
		c.subscribe(f)
		return
	case proto.OpUnsub:
		c.mu.Lock()
		cancel := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	if !c.limiter.Allow() {
		c.s.metrics.rateLimited.Inc()
		c.reply(f, "", errRateLimited)
		return
	}
	if err := c.authorize(f); err != nil {
		c.reply(f, "", err)
		return
	}
	switch f.Op {
	case proto.OpPush, proto.OpSet, proto.OpUpdate:
		if len(f.Data) == 0 || string(f.Data) == "null" {
			c.reply(f, "", errNoData)
			return
		}
	}
	c.s.metrics.storeWrites.WithLabelValues(f.Coll, f.Op).Inc()

	eng := c.s.engine
	var (
		key = f.Key
		err error
	)
	switch f.Op {
	case proto.OpPush:
		key, err = eng.Push(f.Coll, f.Data)
	case proto.OpSet:
		err = eng.Set(f.Coll, f.Key, f.Data)
	case proto.OpUpdate:
		var fields map[string]json.RawMessage
		if err = json.Unmarshal(f.Data, &fields); err == nil {
			m := make(map[string]any, len(fields))
			for k, v := range fields {
				m[k] = v
			}
			err = eng.Update(f.Coll, f.Key, m)
		}
	case proto.OpRemove:
		err = eng.Remove(f.Coll, f.Key)
	case proto.OpOnDisconnect:
		err = eng.OnDisconnect(c.id, f.Coll, f.Key)
	default:
		err = errors.New("unknown op " + f.Op)
	}
	c.reply(f, key, err)
}

// authorize enforces the write rules: a connection writes only its own user
// record; messages can be added and edited but not deleted.
func (c *storeConn) authorize(f proto.StoreFrame) error {
	switch f.Coll {
	case "":
		return store.ErrNoCollection
	case proto.CollUsers:
		if f.Op == proto.OpPush || f.Key != c.claims.UID() {
			return store.ErrForbidden
		}
	case proto.CollMessages:
		if f.Op == proto.OpRemove || f.Op == proto.OpOnDisconnect {
			return store.ErrForbidden
		}
	default:
		return store.ErrForbidden
	}
	return nil
}

func (c *storeConn) reply(f proto.StoreFrame, key string, err error) {
	if err != nil {
		c.enqueue(proto.StoreFrame{Op: proto.OpError, ID: f.ID, Error: err.Error()})
		return
	}
	c.enqueue(proto.StoreFrame{Op: proto.OpAck, ID: f.ID, Key: key})
}

func (c *storeConn) subscribe(f proto.StoreFrame) {
	if f.Coll != proto.CollUsers && f.Coll != proto.CollMessages {
		c.enqueue(proto.StoreFrame{Op: proto.OpError, Sub: f.Sub, Error: store.ErrForbidden.Error()})
		return
	}
	sub := f.Sub
	_, cancel, err := c.s.engine.Subscribe(store.Query{Collection: f.Coll, LimitToLast: f.Limit}, func(ev store.Event) {
		if ev.Kind == store.Synced {
			c.enqueue(proto.StoreFrame{Op: proto.OpReady, Sub: sub})
			return
		}
		c.enqueue(proto.StoreFrame{Op: proto.OpEvent, Sub: sub, Kind: string(ev.Kind), Key: ev.Key, Data: ev.Data})
	})
	if err != nil {
		c.enqueue(proto.StoreFrame{Op: proto.OpError, Sub: sub, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		cancel()
		return
	}
	prev := c.subs[sub]
	c.subs[sub] = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}
