// Package broker is the client side of the peer broker: it obtains an
// ephemeral peer id from the hub and places and answers calls by exchanging
// complete (non-trickle) SDP through it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

var log = logging.Logger("huddle/broker")

var (
	ErrClosed          = errors.New("broker: closed")
	ErrPeerUnavailable = errors.New("broker: " + proto.ErrPeerUnavailable)
	ErrSelfCall        = errors.New("broker: cannot call own peer id")
)

const writeWait = 10 * time.Second

// TokenSource supplies the bearer token for opening a session. stale is
// true after the hub rejected the previous token.
type TokenSource interface {
	BearerToken(ctx context.Context, stale bool) (string, error)
}

// Options locate the broker and authenticate against it.
type Options struct {
	HubURL string // http(s) base URL of the hub
	Key    string
	Tokens TokenSource
	Media  *media.Source

	// RecordDir, when set, receives a WebM file of the remote audio of
	// every call.
	RecordDir string
}

// Handlers receive session-level events. They run on the session's read
// goroutine and must not block.
type Handlers struct {
	OnCall  func(*Call) // incoming offer
	OnClose func(error) // connection to the broker lost
}

// Session is an open broker connection with an assigned peer id.
type Session struct {
	opts     Options
	handlers Handlers
	conn     *websocket.Conn
	id       string

	writeMu sync.Mutex

	mu     sync.Mutex
	calls  map[string]*Call
	closed bool
	done   chan struct{}
}

// Open connects to the broker and waits for the peer id assignment.
func Open(ctx context.Context, opts Options, h Handlers) (*Session, error) {
	if opts.Media == nil {
		return nil, errors.New("broker: media source required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("broker: token source required")
	}
	u, err := url.Parse(opts.HubURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = proto.BrokerPath

	var conn *websocket.Conn
	for stale := false; ; stale = true {
		tok, err := opts.Tokens.BearerToken(ctx, stale)
		if err != nil {
			return nil, fmt.Errorf("broker: token: %w", err)
		}
		u.RawQuery = url.Values{"key": {opts.Key}, "token": {tok}}.Encode()
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			conn = c
			break
		}
		if stale || resp == nil || resp.StatusCode != http.StatusUnauthorized {
			return nil, fmt.Errorf("broker: dial: %w", err)
		}
		log.Infof("broker rejected the token, renewing")
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	var open proto.Signal
	if err := conn.ReadJSON(&open); err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: waiting for open: %w", err)
	}
	if open.Type != proto.SignalOpen || open.ID == "" {
		conn.Close()
		return nil, fmt.Errorf("broker: unexpected first frame %q", open.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Session{
		opts:     opts,
		handlers: h,
		conn:     conn,
		id:       open.ID,
		calls:    make(map[string]*Call),
		done:     make(chan struct{}),
	}
	log.Infof("broker open, peer id %s", s.id)
	go s.readLoop()
	return s, nil
}

// ID is the peer id the broker assigned to this session.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Call places a call to peerID offering the tracks of st. It returns once
// the offer is sent; the answer arrives asynchronously.
func (s *Session) Call(ctx context.Context, peerID string, st *media.Stream) (*Call, error) {
	if peerID == s.id {
		return nil, ErrSelfCall
	}
	c := newCall(s, xid.New().String(), peerID, false)
	if !s.track(c) {
		return nil, ErrClosed
	}

	sdp, err := c.negotiate(ctx, st, nil)
	if err != nil {
		c.shutdown(false)
		return nil, err
	}
	if err := s.send(proto.Signal{Type: proto.SignalOffer, To: peerID, Call: c.id, SDP: sdp}); err != nil {
		c.shutdown(false)
		return nil, err
	}
	log.Infof("offer %s sent to %s", c.id, peerID)
	return c, nil
}

// Close ends every call and disconnects from the broker.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Session) track(c *Call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.calls[c.id] = c
	return true
}

func (s *Session) untrack(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

func (s *Session) lookup(id string) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *Session) send(sig proto.Signal) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(sig)
}

func (s *Session) readLoop() {
	var cause error
	defer func() {
		s.mu.Lock()
		s.closed = true
		calls := s.calls
		s.calls = make(map[string]*Call)
		s.mu.Unlock()

		for _, c := range calls {
			c.shutdown(false)
		}
		close(s.done)
		if s.handlers.OnClose != nil {
			s.handlers.OnClose(cause)
		}
	}()

	for {
		var sig proto.Signal
		if err := s.conn.ReadJSON(&sig); err != nil {
			s.mu.Lock()
			local := s.closed
			s.mu.Unlock()
			if !local {
				cause = err
				log.Warnf("broker connection lost: %v", err)
			}
			return
		}
		s.dispatch(sig)
	}
}

func (s *Session) dispatch(sig proto.Signal) {
	switch sig.Type {
	case proto.SignalOffer:
		c := newCall(s, sig.Call, sig.From, true)
		c.offer = sig.SDP
		if !s.track(c) {
			return
		}
		log.Infof("incoming call %s from %s", c.id, c.peer)
		if s.handlers.OnCall != nil {
			s.handlers.OnCall(c)
		} else {
			c.Close()
		}

	case proto.SignalAnswer:
		c := s.lookup(sig.Call)
		if c == nil {
			return
		}
		if err := c.accept(sig.SDP); err != nil {
			c.fail(err)
		}

	case proto.SignalHangup:
		if c := s.lookup(sig.Call); c != nil {
			log.Infof("call %s hung up by %s", c.id, sig.From)
			c.shutdown(false)
		}

	case proto.SignalError:
		err := errors.New("broker: " + sig.Error)
		if sig.Error == proto.ErrPeerUnavailable {
			err = ErrPeerUnavailable
		}
		if c := s.lookup(sig.Call); c != nil {
			c.fail(err)
			return
		}
		log.Warnf("broker error: %s", sig.Error)
	}
}

// peerConnection builds a connection with the local tracks attached.
func (s *Session) peerConnection(st *media.Stream) (*webrtc.PeerConnection, error) {
	pc, err := s.opts.Media.NewPeerConnection()
	if err != nil {
		return nil, err
	}
	if st != nil {
		for _, t := range st.Tracks {
			if _, err := pc.AddTrack(t); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}
	}
	return pc, nil
}
