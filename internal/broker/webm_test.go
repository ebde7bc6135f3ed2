package broker

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error {
	b.closed = true
	return nil
}

func TestRecorderWritesClusters(t *testing.T) {
	var out bufCloser
	rec, err := newRecorder(&out)
	require.NoError(t, err)

	// 150 frames of 20 ms span three one-second clusters.
	for i := 0; i < 150; i++ {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Timestamp: 1_000_000 + uint32(i)*960},
			Payload: []byte{0xf8, 0xff, 0xfe},
		}
		require.NoError(t, rec.write(pkt))
	}
	require.NoError(t, rec.Close())
	require.True(t, out.closed)

	data := out.Bytes()
	require.True(t, bytes.HasPrefix(data, idEBML))
	require.Contains(t, string(data), "A_OPUS")
	require.Equal(t, 3, bytes.Count(data, idCluster))
}

func TestEbmlVint(t *testing.T) {
	require.Equal(t, []byte{0x81}, ebmlVint(1))
	require.Equal(t, []byte{0x40, 0x80}, ebmlVint(0x80))
}
