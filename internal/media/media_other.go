//go:build !linux

package media

import "github.com/pion/webrtc/v4"

// platformEngine registers the default codecs; there is no capture driver
// outside Linux, so calls send silence.
func platformEngine() (*webrtc.MediaEngine, captureFunc, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	return me, nil, nil
}
