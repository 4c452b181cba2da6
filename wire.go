package chainloom

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Wire format: every frame is a 4-byte big-endian length followed by a
// msgpack body. The first body field is always `Kind` so the receiving side
// can decode the header alone before committing to a frame type.
//
// The same codec carries gossip announcements (as serf user event and query
// payloads) and hop invocations (over QUIC streams).

const maxFrameSize = 1 << 26 // 64 MiB, large activations included

const (
	frameHopRequest uint8 = iota + 1
	frameHopResponse
	frameRelease
)

var msgpackHandle codec.MsgpackHandle

// announcement is the gossip payload behind a ServerRecord. TTL rides along
// so every member derives Expiry from its own clock; absolute timestamps
// would drag cross-host clock discrepancy into eviction.
type announcement struct {
	Peer       string
	Start      int
	End        int
	Throughput float64
	State      uint8
	Rev        uint64
	TTLMillis  int64

	// Swarm metadata piggybacks on every announcement instead of living
	// under a separate well-known key, so a single frame is enough to
	// bootstrap a fresh member.
	Model     string
	NumBlocks int
}

func (a announcement) record(now time.Time) ServerRecord {
	return ServerRecord{
		Peer:       a.Peer,
		Span:       Span{Start: a.Start, End: a.End},
		Throughput: a.Throughput,
		State:      ServerState(a.State),
		Rev:        a.Rev,
		Expiry:     now.Add(time.Duration(a.TTLMillis) * time.Millisecond),
	}
}

// lookupQuery asks serving members for their current announcement when the
// local snapshot cannot cover a span.
type lookupQuery struct {
	Start int
	End   int
}

type hopRequest struct {
	Kind      uint8
	SessionID string
	Start     int
	End       int
	Position  int
	Direction uint8
	State     []byte
	Input     []byte
}

type hopResponse struct {
	Kind   uint8
	OK     bool
	ErrMsg string
	Output []byte
	State  []byte
}

type releaseRequest struct {
	Kind      uint8
	SessionID string
}

type frameHeader struct {
	Kind uint8
}

func encodePayload(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodePayload(buf []byte, v any) error {
	return codec.NewDecoderBytes(buf, &msgpackHandle).Decode(v)
}

func writeFrame(w io.Writer, v any) error {
	payload, err := encodePayload(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	if len(payload) > maxFrameSize {
		return ErrTooLargeFrame
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

// readFrame returns the raw payload so callers can decode the header first
// and the concrete frame second from the same bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, ErrTooLargeFrame
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
