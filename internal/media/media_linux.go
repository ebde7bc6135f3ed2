//go:build linux

package media

import (
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// platformEngine registers the opus encoder used for microphone capture.
// The same codec serves the silence track.
func platformEngine() (*webrtc.MediaEngine, captureFunc, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	me := &webrtc.MediaEngine{}
	selector.Populate(me)

	capture := func() (*Stream, error) {
		for _, d := range mediadevices.EnumerateDevices() {
			log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
		}
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(*mediadevices.MediaTrackConstraints) {},
			Codec: selector,
		})
		if err != nil {
			return nil, err
		}
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			return nil, errors.New("no audio track")
		}
		out := &Stream{Label: "microphone"}
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("microphone track ended: %v", err)
				}
			})
			out.Tracks = append(out.Tracks, t)
		}
		out.stop = func() {
			for _, t := range tracks {
				_ = t.Close()
			}
		}
		log.Infof("microphone captured (%d track(s))", len(tracks))
		return out, nil
	}
	return me, capture, nil
}
