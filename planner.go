package chainloom

import (
	"math"
	"sort"
	"time"
)

// plannerConfig tunes route selection.
type plannerConfig struct {
	// HopPenalty is a fixed weight (in seconds) added per hop, modeling
	// RPC and serialization overhead. It biases plans toward fewer peers.
	HopPenalty float64

	// StabilityBonus is the fraction of an edge's weight waived when the
	// peer already holds that exact sub-span in the route under repair.
	// 1 reproduces "keep existing hops at zero cost"; 0 always chases the
	// fastest chain.
	StabilityBonus float64
}

const (
	defaultHopPenalty     = 0.1
	defaultStabilityBonus = 1.0

	// weightEps pads float comparisons so the hops/peer-id tie-breaks fire
	// on plans that are equal up to rounding.
	weightEps = 1e-9
)

// planRequest is one route computation over an immutable snapshot.
type planRequest struct {
	span       Span
	candidates []ServerRecord

	// avoid excludes peers outright; used during recovery to route around
	// a hop that just failed.
	avoid map[string]struct{}

	// keep maps peers of the route under repair to the sub-span they
	// currently hold, so re-planning prefers not to move them.
	keep map[string]Span
}

// pathNode is the best chain found so far ending at one block boundary.
type pathNode struct {
	dist float64
	hops int
	prev int // index into bounds
	via  ServerRecord
}

// planRoute resolves interval covering as a shortest-path search over block
// boundaries. Every candidate record contributes forward edges between the
// boundaries it spans; the result is the minimum-weight chain from
// span.Start to span.End.
//
// Determinism: ties are broken by fewer total hops, then by the incoming
// peer id, then by the longer sub-span, so an unchanged snapshot always
// yields the same Route.
func planRoute(req planRequest, cfg plannerConfig) (Route, error) {
	if !req.span.IsValid() {
		return Route{}, ErrInvalidSpan
	}

	usable := make([]ServerRecord, 0, len(req.candidates))
	for _, rec := range req.candidates {
		if _, avoided := req.avoid[rec.Peer]; avoided {
			continue
		}
		if rec.Throughput <= 0 || !rec.Span.Intersects(req.span) {
			continue
		}
		usable = append(usable, rec)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Peer < usable[j].Peer })

	// Coverage pre-check names the first orphaned block; the search below
	// cannot fail once every block has a candidate, because spans are
	// contiguous.
	for b := req.span.Start; b < req.span.End; b++ {
		covered := false
		for _, rec := range usable {
			if rec.Span.Contains(b) {
				covered = true
				break
			}
		}
		if !covered {
			return Route{}, &NoCoverageError{Span: req.span, Block: b}
		}
	}

	// Switching servers is only ever useful where some candidate span
	// starts or ends, so those are the search nodes.
	boundSet := map[int]struct{}{req.span.Start: {}, req.span.End: {}}
	for _, rec := range usable {
		if rec.Span.Start > req.span.Start && rec.Span.Start < req.span.End {
			boundSet[rec.Span.Start] = struct{}{}
		}
		if rec.Span.End > req.span.Start && rec.Span.End < req.span.End {
			boundSet[rec.Span.End] = struct{}{}
		}
	}
	bounds := make([]int, 0, len(boundSet))
	for b := range boundSet {
		bounds = append(bounds, b)
	}
	sort.Ints(bounds)

	nodes := make([]pathNode, len(bounds))
	for i := range nodes {
		nodes[i] = pathNode{dist: math.Inf(1), prev: -1}
	}
	nodes[0].dist = 0

	// All edges point forward, so a single left-to-right relaxation pass
	// visits nodes in finalized order; no priority queue needed.
	for i := 1; i < len(bounds); i++ {
		for j := 0; j < i; j++ {
			if math.IsInf(nodes[j].dist, 1) {
				continue
			}
			sub := Span{Start: bounds[j], End: bounds[i]}
			for _, rec := range usable {
				if !rec.Span.ContainsSpan(sub) {
					continue
				}
				w := float64(sub.Len())/rec.Throughput + cfg.HopPenalty
				if kept, has := req.keep[rec.Peer]; has && kept == sub {
					w *= 1 - cfg.StabilityBonus
				}
				cand := pathNode{
					dist: nodes[j].dist + w,
					hops: nodes[j].hops + 1,
					prev: j,
					via:  rec,
				}
				if betterPath(cand, nodes[i]) {
					nodes[i] = cand
				}
			}
		}
	}

	last := len(bounds) - 1
	if nodes[last].prev < 0 {
		// Unreachable given the coverage pre-check; kept as a guard.
		return Route{}, &NoCoverageError{Span: req.span, Block: req.span.Start}
	}

	var hops []Hop
	for i := last; i > 0; i = nodes[i].prev {
		hops = append(hops, Hop{
			Record: nodes[i].via,
			Span:   Span{Start: bounds[nodes[i].prev], End: bounds[i]},
		})
	}
	for l, r := 0, len(hops)-1; l < r; l, r = l+1, r-1 {
		hops[l], hops[r] = hops[r], hops[l]
	}

	route := Route{Span: req.span, Hops: hops}
	if err := route.Validate(); err != nil {
		return Route{}, err
	}
	return route, nil
}

func betterPath(cand, curr pathNode) bool {
	if cand.dist < curr.dist-weightEps {
		return true
	}
	if cand.dist > curr.dist+weightEps {
		return false
	}
	if cand.hops != curr.hops {
		return cand.hops < curr.hops
	}
	if cand.via.Peer != curr.via.Peer {
		return cand.via.Peer < curr.via.Peer
	}
	// Same weight, hop count and peer: prefer the longer final sub-span.
	return cand.prev < curr.prev
}

// snapshotAt freezes the inputs of one planning call so re-planning during
// recovery reasons about the same world the session saw.
func snapshotAt(dir *directory, span Span) ([]ServerRecord, time.Time) {
	now := time.Now()
	return dir.candidates(span, now), now
}
