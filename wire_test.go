package chainloom

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWire_FrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := hopRequest{
		Kind:      frameHopRequest,
		SessionID: "sess-1",
		Start:     8,
		End:       16,
		Position:  3,
		Direction: uint8(Backward),
		State:     []byte("token"),
		Input:     []byte("activation"),
	}
	require.NoError(t, writeFrame(&buf, req))

	payload, err := readFrame(&buf)
	require.NoError(t, err)

	// Receivers decode the header first, then the concrete frame from the
	// same bytes.
	var hdr frameHeader
	require.NoError(t, decodePayload(payload, &hdr))
	require.Equal(t, frameHopRequest, hdr.Kind)

	var got hopRequest
	require.NoError(t, decodePayload(payload, &got))
	require.Equal(t, req, got)
}

func TestWire_TruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, releaseRequest{Kind: frameRelease, SessionID: "sess-1"}))

	raw := buf.Bytes()
	_, err := readFrame(bytes.NewReader(raw[:len(raw)-2]))
	require.Error(t, err)
}

func TestWire_OversizedFrameRejected(t *testing.T) {
	var hdr [4]byte
	hdr[0] = 0xFF
	hdr[1] = 0xFF
	hdr[2] = 0xFF
	hdr[3] = 0xFF
	_, err := readFrame(bytes.NewReader(hdr[:]))
	require.ErrorIs(t, err, ErrTooLargeFrame)
}

func TestWire_AnnouncementToRecord(t *testing.T) {
	now := time.Now()
	ann := announcement{
		Peer:       "n1",
		Start:      0,
		End:        12,
		Throughput: 7.5,
		State:      uint8(ServerOnline),
		Rev:        4,
		TTLMillis:  45_000,
		Model:      "test-model",
		NumBlocks:  24,
	}

	rec := ann.record(now)
	require.Equal(t, "n1", rec.Peer)
	require.Equal(t, Span{Start: 0, End: 12}, rec.Span)
	require.Equal(t, ServerOnline, rec.State)
	require.Equal(t, uint64(4), rec.Rev)
	require.InDelta(t, 7.5, rec.Throughput, 1e-9)

	// Expiry comes off the receiver's clock, not the sender's.
	require.False(t, rec.Expired(now.Add(44*time.Second)))
	require.True(t, rec.Expired(now.Add(46*time.Second)))
	require.True(t, rec.Routable(now))
	require.False(t, rec.Routable(now.Add(time.Minute)))
}
