package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"github.com/petervdpas/huddle/internal/proto"
)

// relay is the peer broker: it hands every connection an ephemeral peer id
// and forwards call signals between ids. It never looks at SDP.
type relay struct {
	metrics *metrics

	mu    sync.Mutex
	peers map[string]*brokerPeer
	calls map[string][2]string // call id -> caller, callee
}

type brokerPeer struct {
	id   string
	uid  string
	conn *websocket.Conn
	send chan proto.Signal
	done chan struct{}
}

func newRelay(m *metrics) *relay {
	return &relay{
		metrics: m,
		peers:   make(map[string]*brokerPeer),
		calls:   make(map[string][2]string),
	}
}

func (s *Server) handleBroker(w http.ResponseWriter, r *http.Request) {
	if s.opts.AppKey != "" && r.URL.Query().Get("key") != s.opts.AppKey {
		httpError(w, http.StatusForbidden, "invalid app key")
		return
	}
	claims := claimsFrom(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("broker upgrade: %v", err)
		return
	}
	p := &brokerPeer{
		id:   xid.New().String(),
		uid:  claims.UID(),
		conn: conn,
		send: make(chan proto.Signal, sendBuffer),
		done: make(chan struct{}),
	}
	s.relay.add(p)
	go p.writePump()
	p.send <- proto.Signal{Type: proto.SignalOpen, ID: p.id}
	s.relay.readPump(p)
}

func (rl *relay) add(p *brokerPeer) {
	rl.mu.Lock()
	rl.peers[p.id] = p
	rl.mu.Unlock()
	rl.metrics.brokerPeers.Inc()
	log.Debugf("broker peer %s for %s", p.id, p.uid)
}

// remove drops p and hangs up every call it took part in.
func (rl *relay) remove(p *brokerPeer) {
	rl.mu.Lock()
	delete(rl.peers, p.id)
	var notify []struct {
		to   *brokerPeer
		call string
	}
	for callID, pair := range rl.calls {
		var other string
		switch p.id {
		case pair[0]:
			other = pair[1]
		case pair[1]:
			other = pair[0]
		default:
			continue
		}
		delete(rl.calls, callID)
		if op, ok := rl.peers[other]; ok {
			notify = append(notify, struct {
				to   *brokerPeer
				call string
			}{op, callID})
		}
	}
	rl.mu.Unlock()

	close(p.done)
	rl.metrics.brokerPeers.Dec()
	for _, n := range notify {
		n.to.deliver(proto.Signal{Type: proto.SignalHangup, From: p.id, To: n.to.id, Call: n.call})
	}
	log.Debugf("broker peer %s gone, %d call(s) hung up", p.id, len(notify))
}

func (rl *relay) readPump(p *brokerPeer) {
	defer func() {
		rl.remove(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var sig proto.Signal
		if err := p.conn.ReadJSON(&sig); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("broker peer %s: %v", p.id, err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
		rl.route(p, sig)
	}
}

func (rl *relay) route(from *brokerPeer, sig proto.Signal) {
	switch sig.Type {
	case proto.SignalOffer, proto.SignalAnswer, proto.SignalHangup:
	default:
		from.deliver(proto.Signal{Type: proto.SignalError, Call: sig.Call, Error: "unknown signal " + sig.Type})
		return
	}
	sig.From = from.id
	rl.metrics.signals.WithLabelValues(sig.Type).Inc()

	rl.mu.Lock()
	pair, known := rl.calls[sig.Call]
	member := known && (pair == [2]string{from.id, sig.To} || pair == [2]string{sig.To, from.id})
	// Offers may not take over another pair's call id; answers and hangups
	// must come from one end of the call and go to the other.
	if (known && !member) || (sig.Type != proto.SignalOffer && !member) {
		rl.mu.Unlock()
		log.Debugf("broker peer %s: dropped %s for call %s", from.id, sig.Type, sig.Call)
		if sig.Type != proto.SignalHangup {
			from.deliver(proto.Signal{Type: proto.SignalError, To: from.id, Call: sig.Call, Error: proto.ErrNotInCall})
		}
		return
	}
	to, ok := rl.peers[sig.To]
	switch {
	case !ok:
		delete(rl.calls, sig.Call)
	case sig.Type == proto.SignalOffer:
		rl.calls[sig.Call] = [2]string{from.id, to.id}
	case sig.Type == proto.SignalHangup:
		delete(rl.calls, sig.Call)
	}
	rl.mu.Unlock()

	if !ok {
		if sig.Type != proto.SignalHangup {
			from.deliver(proto.Signal{Type: proto.SignalError, To: from.id, Call: sig.Call, Error: proto.ErrPeerUnavailable})
		}
		return
	}
	to.deliver(sig)
}

func (p *brokerPeer) deliver(sig proto.Signal) {
	select {
	case p.send <- sig:
	case <-p.done:
	}
}

func (p *brokerPeer) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case sig := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(sig); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
