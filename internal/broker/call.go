package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

var ErrNotInbound = errors.New("broker: only incoming calls can be answered")

// Call is one media call through the broker. Event handlers may be set at
// any time; an event that happened before its handler was set is delivered
// on registration. Each handler fires at most once.
type Call struct {
	s       *Session
	id      string
	peer    string
	inbound bool
	offer   string

	packets atomic.Int64
	bytes   atomic.Int64

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	onStream func()
	onClose  func()
	onError  func(error)
	streamed bool
	closed   bool
	err      error
	fired    struct{ stream, close, err bool }
}

func newCall(s *Session, id, peer string, inbound bool) *Call {
	return &Call{s: s, id: id, peer: peer, inbound: inbound}
}

func (c *Call) ID() string    { return c.id }
func (c *Call) Peer() string  { return c.peer }
func (c *Call) Inbound() bool { return c.inbound }

// Stats reports received RTP packets and payload bytes.
func (c *Call) Stats() (packets, bytes int64) {
	return c.packets.Load(), c.bytes.Load()
}

// OnStream fires when the remote media stream arrives.
func (c *Call) OnStream(fn func()) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
	c.emit()
}

// OnClose fires when the call ends for any reason.
func (c *Call) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
	c.emit()
}

// OnError fires when the call fails.
func (c *Call) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
	c.emit()
}

// Answer accepts an incoming call, sending the tracks of st back.
func (c *Call) Answer(ctx context.Context, st *media.Stream) error {
	if !c.inbound {
		return ErrNotInbound
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	sdp, err := c.negotiate(ctx, st, &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.offer})
	if err != nil {
		c.fail(err)
		return err
	}
	if err := c.s.send(proto.Signal{Type: proto.SignalAnswer, To: c.peer, Call: c.id, SDP: sdp}); err != nil {
		c.fail(err)
		return err
	}
	log.Infof("answered call %s from %s", c.id, c.peer)
	return nil
}

// Close hangs up. Safe to call more than once.
func (c *Call) Close() { c.shutdown(true) }

// negotiate creates the peer connection and returns the complete local
// description: an offer, or an answer to remote.
func (c *Call) negotiate(ctx context.Context, st *media.Stream, remote *webrtc.SessionDescription) (string, error) {
	pc, err := c.s.peerConnection(st)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return "", ErrClosed
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnTrack(c.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugf("call %s: connection %s", c.id, state)
		if state == webrtc.PeerConnectionStateFailed {
			c.fail(errors.New("broker: peer connection failed"))
		}
	})

	var desc webrtc.SessionDescription
	if remote != nil {
		if err := pc.SetRemoteDescription(*remote); err != nil {
			return "", fmt.Errorf("set offer: %w", err)
		}
		desc, err = pc.CreateAnswer(nil)
	} else {
		desc, err = pc.CreateOffer(nil)
	}
	if err != nil {
		return "", err
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// accept applies the callee's answer to an outgoing call.
func (c *Call) accept(sdp string) error {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return ErrClosed
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Call) handleTrack(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	log.Infof("call %s: remote %s track (%s)", c.id, track.Kind(), track.Codec().MimeType)
	c.mu.Lock()
	c.streamed = true
	c.mu.Unlock()
	c.emit()

	var rec *recorder
	if dir := c.s.opts.RecordDir; dir != "" && track.Kind() == webrtc.RTPCodecTypeAudio {
		r, err := c.openRecording(dir)
		if err != nil {
			log.Warnf("call %s: recording disabled: %v", c.id, err)
		} else {
			rec = r
		}
	}
	go c.drainRTP(track, rec)
	go c.readRTCP(recv)
}

func (c *Call) openRecording(dir string) (*recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, fmt.Sprintf("%s-%s.webm", time.Now().Format("20060102-150405"), c.id))
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	rec, err := newRecorder(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	log.Infof("call %s: recording to %s", c.id, name)
	return rec, nil
}

// drainRTP keeps the receive path flowing; the client has no playback, so
// audio is only counted and, when enabled, recorded.
func (c *Call) drainRTP(track *webrtc.TrackRemote, rec *recorder) {
	defer func() {
		if rec == nil {
			return
		}
		if err := rec.Close(); err != nil {
			log.Warnf("call %s: finish recording: %v", c.id, err)
		}
	}()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("call %s: rtp read: %v", c.id, err)
			}
			return
		}
		c.count(pkt)
		if rec != nil {
			if err := rec.write(pkt); err != nil {
				log.Warnf("call %s: recording: %v", c.id, err)
				rec.Close()
				rec = nil
			}
		}
	}
}

func (c *Call) count(pkt *rtp.Packet) {
	c.packets.Add(1)
	c.bytes.Add(int64(len(pkt.Payload)))
}

func (c *Call) readRTCP(recv *webrtc.RTPReceiver) {
	for {
		pkts, _, err := recv.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p := p.(type) {
			case *rtcp.SenderReport:
				log.Debugf("call %s: sender report, %d packets sent", c.id, p.PacketCount)
			case *rtcp.Goodbye:
				log.Infof("call %s: remote sent goodbye", c.id)
			}
		}
	}
}

func (c *Call) fail(err error) {
	c.mu.Lock()
	if c.err == nil && !c.closed {
		c.err = err
	}
	c.mu.Unlock()
	log.Warnf("call %s: %v", c.id, err)
	c.shutdown(true)
}

func (c *Call) shutdown(hangup bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pc := c.pc
	c.mu.Unlock()

	c.s.untrack(c.id)
	if hangup {
		_ = c.s.send(proto.Signal{Type: proto.SignalHangup, To: c.peer, Call: c.id})
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("call %s: close: %v", c.id, err)
		}
	}
	c.emit()
}

// emit delivers pending events to registered handlers, each once.
func (c *Call) emit() {
	c.mu.Lock()
	var stream, closed func()
	var failed func(error)
	err := c.err
	if c.streamed && c.onStream != nil && !c.fired.stream {
		c.fired.stream = true
		stream = c.onStream
	}
	if c.err != nil && c.onError != nil && !c.fired.err {
		c.fired.err = true
		failed = c.onError
	}
	if c.closed && c.onClose != nil && !c.fired.close {
		c.fired.close = true
		closed = c.onClose
	}
	c.mu.Unlock()

	if stream != nil {
		stream()
	}
	if failed != nil {
		failed(err)
	}
	if closed != nil {
		closed()
	}
}
