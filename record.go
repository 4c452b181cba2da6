package chainloom

import (
	"log/slog"
	"time"
)

// ServerState is the lifecycle phase a server advertises for its blocks.
type ServerState uint8

const (
	// ServerOffline is a tombstone: the server is leaving gracefully and
	// wants its record hidden before its ttl would have elapsed.
	ServerOffline ServerState = iota

	// ServerJoining means the blocks are announced but the executor is
	// still warming up (loading weights). Not eligible for routing yet.
	ServerJoining

	// ServerOnline means the span is served and routable.
	ServerOnline
)

func (s ServerState) String() string {
	switch s {
	case ServerJoining:
		return "joining"
	case ServerOnline:
		return "online"
	case ServerOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// ServerRecord is one peer's claim over a contiguous block span.
//
// Records are owned by the announcing server: it is the only writer, every
// other member holds an eventually-consistent, ttl-bound copy. Overlapping
// records from different peers are expected, that is redundant coverage.
type ServerRecord struct {
	// Peer is the announcing node's name in the swarm.
	Peer string

	// Span is the contiguous run of blocks the peer hosts.
	Span Span

	// Throughput is the peer's self-measured serving rate in blocks per
	// second (decaying average over recently served steps).
	Throughput float64

	State ServerState

	// Rev orders announcements from the same peer; stale revisions are
	// dropped on ingest.
	Rev uint64

	// Expiry is a local-clock deadline after which the record is invisible
	// to lookups, whether or not the eviction pass reclaimed it yet.
	Expiry time.Time
}

func (r ServerRecord) Expired(now time.Time) bool {
	return now.After(r.Expiry)
}

// Routable reports whether the record may appear in a planning snapshot.
func (r ServerRecord) Routable(now time.Time) bool {
	return r.State == ServerOnline && !r.Expired(now) && r.Throughput > 0
}

func (r ServerRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("peer", r.Peer),
		slog.String("span", r.Span.String()),
		slog.Float64("throughput", r.Throughput),
		slog.String("state", r.State.String()),
		slog.Uint64("rev", r.Rev),
	)
}

// SwarmInfo is the swarm-wide metadata every server repeats in its
// announcements: which model this swarm serves and how many blocks it has.
type SwarmInfo struct {
	Model     string
	NumBlocks int
}
