package media

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnknownMode(t *testing.T) {
	_, err := NewSource(Options{Mode: "camera"})
	require.Error(t, err)
}

func TestSilenceStreamOffersOpus(t *testing.T) {
	src, err := NewSource(Options{Mode: ModeSilence, ICEServers: []string{}})
	require.NoError(t, err)

	st, err := src.Acquire(context.Background())
	require.NoError(t, err)
	defer st.Close()
	require.Len(t, st.Tracks, 1)
	require.Equal(t, "silence", st.Label)

	pc, err := src.NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	_, err = pc.AddTrack(st.Tracks[0])
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.True(t, strings.Contains(strings.ToLower(offer.SDP), "opus"))
}

func TestAcquireHonoursContext(t *testing.T) {
	src, err := NewSource(Options{Mode: ModeSilence})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	st, err := Silence()
	require.NoError(t, err)
	st.Close()
	st.Close()
}
