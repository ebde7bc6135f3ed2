// Package media builds the WebRTC API used for calls and acquires the local
// audio stream that is offered to peers.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

var log = logging.Logger("huddle/media")

// Capture modes.
const (
	ModeAuto       = "auto"       // microphone if available, else silence
	ModeMicrophone = "microphone" // microphone or fail
	ModeSilence    = "silence"    // generated silent opus track
)

var ErrNoCapture = errors.New("media: microphone capture not supported on this platform")

// silentFrame is a single opus frame of digital silence.
var silentFrame = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

type Options struct {
	Mode string
	// ICEServers defaults to a public STUN server when nil; an empty
	// non-nil slice means host candidates only.
	ICEServers []string
}

// Stream is an acquired local stream. Close releases the capture device or
// stops the generator.
type Stream struct {
	Tracks []webrtc.TrackLocal
	Label  string

	once sync.Once
	stop func()
}

func (s *Stream) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Source owns the WebRTC API (codecs, interceptors, ICE settings) and knows
// how to capture local audio for it.
type Source struct {
	opts    Options
	api     *webrtc.API
	capture captureFunc
}

// captureFunc opens the microphone. Nil when the platform cannot capture.
type captureFunc func() (*Stream, error)

func NewSource(opts Options) (*Source, error) {
	switch opts.Mode {
	case "":
		opts.Mode = ModeAuto
	case ModeAuto, ModeMicrophone, ModeSilence:
	default:
		return nil, fmt.Errorf("media: unknown mode %q", opts.Mode)
	}
	if opts.ICEServers == nil {
		opts.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	me, capture, err := platformEngine()
	if err != nil {
		return nil, fmt.Errorf("media: codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("media: interceptors: %w", err)
	}

	// A short network hiccup should not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return &Source{
		opts: opts,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		capture: capture,
	}, nil
}

// NewPeerConnection creates a peer connection on the source's API.
func (s *Source) NewPeerConnection() (*webrtc.PeerConnection, error) {
	var cfg webrtc.Configuration
	if len(s.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: s.opts.ICEServers}}
	}
	return s.api.NewPeerConnection(cfg)
}

// Acquire returns a new local audio stream.
func (s *Source) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s.opts.Mode {
	case ModeSilence:
		return Silence()
	case ModeMicrophone:
		if s.capture == nil {
			return nil, ErrNoCapture
		}
		return s.capture()
	}

	if s.capture != nil {
		st, err := s.capture()
		if err == nil {
			return st, nil
		}
		log.Warnf("microphone unavailable, sending silence: %v", err)
	}
	return Silence()
}

// Silence returns a stream with one opus track carrying silent frames.
func Silence() (*Stream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "huddle-silence")
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(frameDuration)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				// Fails harmlessly until the track is bound to a connection.
				_ = track.WriteSample(pmedia.Sample{Data: silentFrame, Duration: frameDuration})
			}
		}
	}()
	return &Stream{
		Tracks: []webrtc.TrackLocal{track},
		Label:  "silence",
		stop:   func() { close(done) },
	}, nil
}
