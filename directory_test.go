package chainloom

import (
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testAnnouncement(peer string, start, end int, rev uint64, state ServerState, ttl time.Duration) announcement {
	return announcement{
		Peer:       peer,
		Start:      start,
		End:        end,
		Throughput: 10,
		State:      uint8(state),
		Rev:        rev,
		TTLMillis:  ttl.Milliseconds(),
		Model:      "test-model",
		NumBlocks:  24,
	}
}

func newTestDirectory(t *testing.T) *directory {
	t.Helper()
	dir := newDirectoryWithInterval(slog.Default(), &metrics.BlackholeSink{}, 20*time.Millisecond)
	t.Cleanup(dir.close)
	return dir
}

func TestDirectory_RecordAndLookup(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerOnline, time.Minute), now))
	require.NoError(t, dir.record(testAnnouncement("n2", 12, 24, 1, ServerOnline, time.Minute), now))

	recs := dir.lookup(0, now)
	require.Len(t, recs, 1)
	require.Equal(t, "n1", recs[0].Peer)
	require.Equal(t, Span{Start: 0, End: 12}, recs[0].Span)

	cands := dir.candidates(Span{Start: 0, End: 24}, now)
	require.Len(t, cands, 2)
	require.Equal(t, "n1", cands[0].Peer, "candidates should be sorted by peer name")
	require.Equal(t, "n2", cands[1].Peer)

	require.True(t, dir.covered(Span{Start: 0, End: 24}, now))
	require.False(t, dir.covered(Span{Start: 0, End: 25}, now))
}

func TestDirectory_Metadata(t *testing.T) {
	dir := newTestDirectory(t)

	_, has := dir.info()
	require.False(t, has, "no metadata before the first announcement")

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerOnline, time.Minute), time.Now()))
	meta, has := dir.info()
	require.True(t, has)
	require.Equal(t, SwarmInfo{Model: "test-model", NumBlocks: 24}, meta)

	foreign := testAnnouncement("n9", 0, 12, 1, ServerOnline, time.Minute)
	foreign.Model = "other-model"
	require.ErrorIs(t, dir.record(foreign, time.Now()), ErrBadAnnouncement)
}

func TestDirectory_MalformedAnnouncements(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	bad := []announcement{
		testAnnouncement("", 0, 12, 1, ServerOnline, time.Minute),
		testAnnouncement("n1", -1, 12, 1, ServerOnline, time.Minute),
		testAnnouncement("n1", 12, 12, 1, ServerOnline, time.Minute),
		testAnnouncement("n1", 12, 25, 1, ServerOnline, time.Minute),
	}
	for _, ann := range bad {
		require.ErrorIs(t, dir.record(ann, now), ErrBadAnnouncement)
	}
}

func TestDirectory_TTLFadeOut(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerOnline, 50*time.Millisecond), now))
	require.Len(t, dir.lookup(0, now), 1)

	// Expired records are invisible to lookups even before eviction.
	later := now.Add(100 * time.Millisecond)
	require.Empty(t, dir.lookup(0, later))

	// And eventually the eviction pass reclaims the cells for real.
	require.Eventually(t, func() bool {
		dir.lk.RLock()
		defer dir.lk.RUnlock()
		return len(dir.buckets[0]) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDirectory_RefreshExtendsExpiry(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerOnline, 50*time.Millisecond), now))
	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 2, ServerOnline, time.Minute), now.Add(40*time.Millisecond)))

	later := now.Add(200 * time.Millisecond)
	recs := dir.lookup(0, later)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(2), recs[0].Rev)
}

func TestDirectory_StaleRevDropped(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 5, ServerOnline, time.Minute), now))
	// Gossip reordering: rev 3 arrives after rev 5.
	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 3, ServerOnline, time.Minute), now))

	recs := dir.lookup(0, now)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(5), recs[0].Rev)
}

func TestDirectory_OfflineTombstone(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerOnline, time.Minute), now))
	require.Len(t, dir.lookup(0, now), 1)

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 2, ServerOffline, time.Minute), now))
	require.Empty(t, dir.lookup(0, now), "tombstoned peers must vanish before their ttl")
}

func TestDirectory_JoiningNotRoutable(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerJoining, time.Minute), now))
	require.Empty(t, dir.lookup(0, now), "a warming-up server is not a routing candidate")
}

func TestDirectory_SpanMoveCleansOldBlocks(t *testing.T) {
	dir := newTestDirectory(t)
	now := time.Now()

	require.NoError(t, dir.record(testAnnouncement("n1", 0, 12, 1, ServerOnline, time.Minute), now))
	require.NoError(t, dir.record(testAnnouncement("n1", 6, 18, 2, ServerOnline, time.Minute), now))

	require.Empty(t, dir.lookup(0, now), "blocks left behind by a span move must be forgotten")
	recs := dir.lookup(6, now)
	require.Len(t, recs, 1)
	require.Equal(t, Span{Start: 6, End: 18}, recs[0].Span)
}
