package chainloom

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// directory is the local, eventually consistent view of which peers serve
// which blocks. It is fed by gossip announcements and never queried under a
// lock by callers: reads hand out snapshot copies.
//
// One logical key exists per block index (a bucket of peer records whose
// span covers that block), plus the swarm-wide metadata record. Entries
// fade out on their own: an expired record is invisible to snapshots even
// before the eviction pass reclaims it.
type directory struct {
	lk sync.RWMutex

	// buckets[b] maps peer name to its freshest record covering block b.
	buckets []map[string]ServerRecord

	meta    SwarmInfo
	hasMeta bool

	evictTicker *time.Ticker
	closeCh     chan struct{}
	closed      bool
	wg          sync.WaitGroup

	logger *slog.Logger
	msink  metrics.MetricSink
}

const directoryEvictInterval = 5 * time.Second

func newDirectory(logger *slog.Logger, msink metrics.MetricSink) *directory {
	return newDirectoryWithInterval(logger, msink, directoryEvictInterval)
}

func newDirectoryWithInterval(logger *slog.Logger, msink metrics.MetricSink, evictEvery time.Duration) *directory {
	dir := &directory{
		evictTicker: time.NewTicker(evictEvery),
		closeCh:     make(chan struct{}),
		logger:      logger,
		msink:       msink,
	}

	dir.wg.Add(1)
	go dir.handleEviction()

	return dir
}

// record ingests one announcement. Stale revisions from the same peer are
// dropped; an Offline announcement tombstones the peer's records at once
// instead of waiting out the ttl.
func (dir *directory) record(ann announcement, now time.Time) error {
	if ann.Peer == "" || ann.Start < 0 || ann.End <= ann.Start || ann.NumBlocks <= 0 || ann.End > ann.NumBlocks {
		return ErrBadAnnouncement
	}

	rec := ann.record(now)

	dir.lk.Lock()
	defer dir.lk.Unlock()

	if !dir.hasMeta {
		dir.meta = SwarmInfo{Model: ann.Model, NumBlocks: ann.NumBlocks}
		dir.hasMeta = true
	} else if dir.meta.Model != ann.Model || dir.meta.NumBlocks != ann.NumBlocks {
		// A different model identity is a foreign swarm's stray frame.
		dir.logger.Warn(
			"dropping announcement for a different model",
			"model", ann.Model,
			LabelPeerName.L(ann.Peer),
		)
		return ErrBadAnnouncement
	}

	if len(dir.buckets) < dir.meta.NumBlocks {
		grown := make([]map[string]ServerRecord, dir.meta.NumBlocks)
		copy(grown, dir.buckets)
		dir.buckets = grown
	}

	for b := rec.Span.Start; b < rec.Span.End; b++ {
		bucket := dir.buckets[b]
		if bucket == nil {
			bucket = make(map[string]ServerRecord)
			dir.buckets[b] = bucket
		}
		if prev, has := bucket[rec.Peer]; has && prev.Rev > rec.Rev {
			continue
		}
		bucket[rec.Peer] = rec
	}

	// A peer that shrank or moved its span leaves stale cells behind under
	// its old blocks; a fresher rev supersedes them.
	for b := range dir.buckets {
		if rec.Span.Contains(b) {
			continue
		}
		if prev, has := dir.buckets[b][rec.Peer]; has && prev.Rev < rec.Rev {
			delete(dir.buckets[b], rec.Peer)
		}
	}

	return nil
}

// info returns the swarm metadata if any announcement has been seen yet.
func (dir *directory) info() (SwarmInfo, bool) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return dir.meta, dir.hasMeta
}

// candidates returns every routable record intersecting the span,
// deduplicated by peer, sorted by peer name for deterministic planning.
// A partial view is a valid result, not an error.
func (dir *directory) candidates(span Span, now time.Time) []ServerRecord {
	dir.lk.RLock()
	defer dir.lk.RUnlock()

	seen := make(map[string]ServerRecord)
	for b := span.Start; b < span.End && b < len(dir.buckets); b++ {
		for peer, rec := range dir.buckets[b] {
			if !rec.Routable(now) {
				continue
			}
			if prev, has := seen[peer]; has && prev.Rev >= rec.Rev {
				continue
			}
			seen[peer] = rec
		}
	}

	out := make([]ServerRecord, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// lookup returns the non-expired records announced for a single block.
func (dir *directory) lookup(block int, now time.Time) []ServerRecord {
	return dir.candidates(Span{Start: block, End: block + 1}, now)
}

// covered reports whether every block of the span has at least one
// routable candidate in the local view.
func (dir *directory) covered(span Span, now time.Time) bool {
	dir.lk.RLock()
	defer dir.lk.RUnlock()

	for b := span.Start; b < span.End; b++ {
		if b >= len(dir.buckets) {
			return false
		}
		ok := false
		for _, rec := range dir.buckets[b] {
			if rec.Routable(now) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (dir *directory) handleEviction() {
	defer dir.wg.Done()
	for {
		select {
		case <-dir.evictTicker.C:
			now := time.Now()
			evicted := 0
			dir.lk.Lock()
			for b := range dir.buckets {
				for peer, rec := range dir.buckets[b] {
					if rec.Expired(now) || rec.State == ServerOffline {
						delete(dir.buckets[b], peer)
						evicted++
					}
				}
			}
			dir.lk.Unlock()
			if evicted > 0 {
				dir.msink.IncrCounter(MetricDirectoryEvictedCount, float32(evicted))
				dir.logger.Debug("evicted expired directory records", "count", evicted)
			}
		case <-dir.closeCh:
			return
		}
	}
}

func (dir *directory) close() {
	dir.lk.Lock()
	if dir.closed {
		dir.lk.Unlock()
		return
	}
	dir.closed = true
	dir.lk.Unlock()

	dir.evictTicker.Stop()
	close(dir.closeCh)
	dir.wg.Wait()
}
