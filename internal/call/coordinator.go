// Package call owns the single call session of a client. The Coordinator is
// a state machine driven from the dispatch loop: every method must be called
// on the loop, and every asynchronous step posts its continuation back to it
// tagged with an operation token so superseded completions are dropped.
package call

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/huddle/internal/media"
)

var log = logging.Logger("huddle/call")

var (
	ErrNoPeer       = errors.New("call: peer is not call-capable")
	ErrSelfCall     = errors.New("call: cannot call yourself")
	ErrCallInFlight = errors.New("call: a call is already being set up")
	ErrNoOffer      = errors.New("call: no incoming call to accept")
	ErrClosed       = errors.New("call: coordinator closed")

	errBrokerGone = errors.New("call: broker session closed while opening")
)

const (
	DefaultOfferTTL = 6 * time.Second
	defaultTimeout  = 30 * time.Second
)

type Config struct {
	Loop      Poster
	Media     MediaSource
	Open      OpenBroker
	Directory Directory
	Roster    Roster
	Notifier  Notifier

	// OnPeerID is called on the loop when a broker session opens ("" when
	// it closes) so the presence record can advertise it.
	OnPeerID func(id string)
	// OnState is called on the loop after every state change.
	OnState func(Info)

	OfferTTL time.Duration
	Timeout  time.Duration
}

type Coordinator struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	state   State
	session *session
	op      uint64
	closed  bool

	// starting is the token of an outbound start waiting on media or the
	// broker; zero when none. pending is its target.
	starting uint64
	pending  string

	stream     *media.Stream
	acquiring  bool
	mediaWait  []waiter
	broker     Broker
	opening    bool
	brokerWait []waiter
}

type waiter struct {
	ok   func()
	fail func(error)
}

func New(cfg Config) *Coordinator {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = DefaultOfferTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{cfg: cfg, ctx: ctx, cancel: cancel}
}

func (c *Coordinator) State() State { return c.state }

// ActivePeer is the remote peer id of the current session, or the target of
// a call still being set up. "" when neither exists.
func (c *Coordinator) ActivePeer() string {
	if c.session != nil {
		return c.session.peer
	}
	if c.starting != 0 {
		return c.pending
	}
	return ""
}

// Busy reports whether a session exists or an outbound start is pending.
func (c *Coordinator) Busy() bool { return c.session != nil || c.starting != 0 }

// Pending reports whether an outbound start is waiting on media, the broker
// or the remote side's offer.
func (c *Coordinator) Pending() bool { return c.starting != 0 }

// PeerID is the local peer id, "" while no broker session is open.
func (c *Coordinator) PeerID() string {
	if c.broker == nil {
		return ""
	}
	return c.broker.ID()
}

func (c *Coordinator) Info() Info {
	in := Info{State: c.state}
	if s := c.session; s != nil {
		in.Peer, in.Name, in.Direction, in.Since = s.peer, s.name, s.dir, s.started
	}
	return in
}

func (c *Coordinator) next() uint64 {
	c.op++
	return c.op
}

// EnsureBroker opens the broker session if none is open or opening.
func (c *Coordinator) EnsureBroker() {
	if c.closed {
		return
	}
	c.withBroker(waiter{ok: func() {}, fail: func(error) {}})
}

// StartCall places a call to peerID. Any existing session is ended first.
// Media and broker are brought up on demand; the call is then placed once.
func (c *Coordinator) StartCall(peerID string) error {
	switch {
	case c.closed:
		return ErrClosed
	case peerID == "":
		return ErrNoPeer
	case c.broker != nil && peerID == c.broker.ID():
		return ErrSelfCall
	case c.starting != 0:
		return ErrCallInFlight
	}
	if c.session != nil {
		c.teardown("replaced by a new call")
	}

	token := c.next()
	c.starting, c.pending = token, peerID
	c.rebuildRoster()
	abort := func(err error) {
		if c.starting != token {
			return
		}
		c.clearPending()
		log.Warnf("call to %s not placed: %v", peerID, err)
		c.cfg.Notifier.Notify("call failed: " + err.Error())
	}

	c.withMedia(waiter{
		fail: abort,
		ok: func() {
			if c.starting != token {
				return
			}
			c.withBroker(waiter{
				fail: abort,
				ok:   func() { c.place(token, peerID) },
			})
		},
	})
	return nil
}

func (c *Coordinator) place(token uint64, peerID string) {
	if c.starting != token {
		return
	}
	b, st := c.broker, c.stream
	if peerID == b.ID() {
		c.clearPending()
		c.cfg.Notifier.Notify(ErrSelfCall.Error())
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
		defer cancel()
		rc, err := b.Call(ctx, peerID, st)
		c.cfg.Loop.Post(func() {
			if c.starting != token {
				if rc != nil {
					rc.Close()
				}
				return
			}
			c.starting, c.pending = 0, ""
			if err != nil {
				log.Warnf("call to %s failed: %v", peerID, err)
				c.cfg.Notifier.Notify("call failed: " + err.Error())
				c.rebuildRoster()
				return
			}
			name, _ := c.cfg.Directory.NameForPeer(peerID)
			s := &session{call: rc, peer: peerID, name: name, dir: Outbound, token: token, started: time.Now()}
			c.open(s, OutboundPending)
			log.Infof("calling %s (%s)", peerID, name)
		})
	}()
}

// incoming handles a broker call offer.
func (c *Coordinator) incoming(rc RemoteCall) {
	if c.closed || c.session != nil || c.starting != 0 {
		log.Infof("busy, rejecting call from %s", rc.Peer())
		rc.Close()
		return
	}
	name, ok := c.cfg.Directory.NameForPeer(rc.Peer())
	if !ok {
		name = rc.Peer()
	}
	token := c.next()
	s := &session{call: rc, peer: rc.Peer(), name: name, dir: Inbound, token: token, started: time.Now()}
	s.expiry = time.AfterFunc(c.cfg.OfferTTL, func() {
		c.cfg.Loop.Post(func() { c.expire(token) })
	})
	c.open(s, InboundOffered)
	c.cfg.Notifier.IncomingCall(name, c.cfg.OfferTTL)
	log.Infof("incoming call from %s (%s)", s.peer, name)
}

func (c *Coordinator) expire(token uint64) {
	s := c.session
	if s == nil || s.token != token || c.state != InboundOffered || s.accepting {
		return
	}
	log.Infof("call from %s not answered", s.peer)
	c.cfg.Notifier.Notify("missed call from " + s.name)
	c.teardown("offer expired")
}

// Accept answers the offered call with the local stream.
func (c *Coordinator) Accept() error {
	s := c.session
	if s == nil || c.state != InboundOffered || s.accepting {
		return ErrNoOffer
	}
	s.accepting = true
	if s.expiry != nil {
		s.expiry.Stop()
	}
	token := s.token
	current := func() bool { return c.session != nil && c.session.token == token }

	c.withMedia(waiter{
		fail: func(err error) {
			if !current() {
				return
			}
			log.Warnf("cannot answer: %v", err)
			c.cfg.Notifier.Notify("cannot answer: " + err.Error())
			c.teardown("media unavailable")
		},
		ok: func() {
			if !current() {
				return
			}
			st := c.stream
			go func() {
				ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
				defer cancel()
				err := s.call.Answer(ctx, st)
				c.cfg.Loop.Post(func() {
					if !current() {
						return
					}
					if err != nil {
						log.Warnf("answer failed: %v", err)
						c.teardown("answer failed")
						return
					}
					c.setState(Active)
				})
			}()
		},
	})
	return nil
}

// Hangup ends the session and abandons any call still being set up.
func (c *Coordinator) Hangup() {
	if c.session != nil {
		c.starting, c.pending = 0, ""
		c.teardown("hung up")
		return
	}
	if c.starting != 0 {
		log.Infof("call to %s abandoned", c.pending)
		c.clearPending()
	}
}

// clearPending drops the outbound start and redraws the roster.
func (c *Coordinator) clearPending() {
	c.starting, c.pending = 0, ""
	c.rebuildRoster()
}

// Call and the Hangup method above let the roster bind entry actions
// directly to the coordinator.
func (c *Coordinator) Call(peerID string) {
	if err := c.StartCall(peerID); err != nil {
		c.cfg.Notifier.Notify(err.Error())
	}
}

// Close ends the session and releases the broker and the media stream.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.Hangup()
	c.closed = true
	c.cancel()
	if c.broker != nil {
		_ = c.broker.Close()
		c.broker = nil
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

// open installs s as the session and wires its call events.
func (c *Coordinator) open(s *session, st State) {
	c.session = s
	token := s.token
	post := func(fn func()) { c.cfg.Loop.Post(fn) }

	s.call.OnStream(func() {
		post(func() {
			if c.session != nil && c.session.token == token && c.state == OutboundPending {
				log.Infof("%s answered", s.peer)
				c.setState(Active)
			}
		})
	})
	s.call.OnError(func(err error) {
		post(func() {
			if c.session != nil && c.session.token == token {
				log.Warnf("call with %s failed: %v", s.peer, err)
				c.teardown("error")
			}
		})
	})
	s.call.OnClose(func() {
		post(func() {
			if c.session != nil && c.session.token == token {
				c.teardown("closed")
			}
		})
	})

	c.setState(st)
	c.rebuildRoster()
}

func (c *Coordinator) teardown(reason string) {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.call.Close()
	log.Infof("call with %s ended: %s", s.peer, reason)
	c.setState(Idle)
	c.rebuildRoster()
}

func (c *Coordinator) setState(st State) {
	c.state = st
	if c.cfg.OnState != nil {
		c.cfg.OnState(c.Info())
	}
}

func (c *Coordinator) rebuildRoster() {
	if c.cfg.Roster == nil {
		return
	}
	if err := c.cfg.Roster.Rebuild(); err != nil {
		log.Errorf("roster rebuild: %v", err)
	}
}

// withMedia runs w.ok once the local stream is available. The stream is
// acquired once and cached; concurrent requests join the outstanding
// acquisition. A failed acquisition is not retried until the next request.
func (c *Coordinator) withMedia(w waiter) {
	if c.stream != nil {
		w.ok()
		return
	}
	c.mediaWait = append(c.mediaWait, w)
	if c.acquiring {
		return
	}
	c.acquiring = true
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
		defer cancel()
		st, err := c.cfg.Media.Acquire(ctx)
		c.cfg.Loop.Post(func() {
			c.acquiring = false
			waiting := c.mediaWait
			c.mediaWait = nil
			if c.closed {
				if st != nil {
					st.Close()
				}
				return
			}
			if err != nil {
				log.Warnf("media acquisition failed: %v", err)
				for _, w := range waiting {
					w.fail(err)
				}
				return
			}
			log.Infof("local %s stream ready", st.Label)
			c.stream = st
			for _, w := range waiting {
				w.ok()
			}
		})
	}()
}

// withBroker runs w.ok once a broker session is open, opening one if needed.
func (c *Coordinator) withBroker(w waiter) {
	if c.broker != nil {
		w.ok()
		return
	}
	c.brokerWait = append(c.brokerWait, w)
	if c.opening {
		return
	}
	c.opening = true

	// opened and gone belong to this open attempt. gone records a session
	// that closed before its open completion ran on the loop.
	var (
		opened Broker
		gone   error
	)
	events := BrokerEvents{
		OnCall: func(rc RemoteCall) {
			c.cfg.Loop.Post(func() { c.incoming(rc) })
		},
		OnClose: func(err error) {
			c.cfg.Loop.Post(func() {
				if opened == nil {
					gone = err
					if gone == nil {
						gone = errBrokerGone
					}
					return
				}
				if c.broker != opened {
					return
				}
				log.Warnf("broker session closed: %v", err)
				c.broker = nil
				if c.cfg.OnPeerID != nil {
					c.cfg.OnPeerID("")
				}
				c.teardown("broker closed")
			})
		},
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
		defer cancel()
		b, err := c.cfg.Open(ctx, events)
		c.cfg.Loop.Post(func() {
			c.opening = false
			waiting := c.brokerWait
			c.brokerWait = nil
			if c.closed {
				if b != nil {
					_ = b.Close()
				}
				return
			}
			if err == nil && gone != nil {
				_ = b.Close()
				err = gone
			}
			if err != nil {
				log.Warnf("broker open failed: %v", err)
				for _, w := range waiting {
					w.fail(err)
				}
				return
			}
			opened = b
			c.broker = b
			log.Infof("broker session open as %s", b.ID())
			if c.cfg.OnPeerID != nil {
				c.cfg.OnPeerID(b.ID())
			}
			for _, w := range waiting {
				w.ok()
			}
		})
	}()
}
