package chainloom

import (
	"fmt"
	"strings"
)

// Hop is one server's responsibility within a route: a sub-span of the
// record's announced span.
type Hop struct {
	Record ServerRecord
	Span   Span
}

// Route is an ordered chain of hops whose sub-spans partition the target
// span contiguously: no gap, no overlap. It is a planning artifact only, it
// owns no connections and is recomputed whenever a bound session needs
// repair.
type Route struct {
	Span Span
	Hops []Hop
}

// Validate checks the partition invariants. Planner output always passes;
// this exists so splicing bugs surface as loud errors instead of corrupt
// generations.
func (r Route) Validate() error {
	if len(r.Hops) == 0 {
		return fmt.Errorf("%w: route has no hops", ErrInvalidSpan)
	}
	if r.Hops[0].Span.Start != r.Span.Start {
		return fmt.Errorf("%w: route starts at %d, want %d", ErrInvalidSpan, r.Hops[0].Span.Start, r.Span.Start)
	}
	if r.Hops[len(r.Hops)-1].Span.End != r.Span.End {
		return fmt.Errorf("%w: route ends at %d, want %d", ErrInvalidSpan, r.Hops[len(r.Hops)-1].Span.End, r.Span.End)
	}
	for i, hop := range r.Hops {
		if !hop.Span.IsValid() {
			return fmt.Errorf("%w: hop %d has span %s", ErrInvalidSpan, i, hop.Span)
		}
		if !hop.Record.Span.ContainsSpan(hop.Span) {
			return fmt.Errorf(
				"%w: hop %d span %s outside record span %s",
				ErrInvalidSpan, i, hop.Span, hop.Record.Span,
			)
		}
		if i > 0 && r.Hops[i-1].Span.End != hop.Span.Start {
			return fmt.Errorf(
				"%w: gap between hop %d (%s) and hop %d (%s)",
				ErrInvalidSpan, i-1, r.Hops[i-1].Span, i, hop.Span,
			)
		}
	}
	return nil
}

func (r Route) Peers() []string {
	peers := make([]string, len(r.Hops))
	for i, hop := range r.Hops {
		peers[i] = hop.Record.Peer
	}
	return peers
}

// Equal compares by peer and sub-span; throughput readings and revisions
// are allowed to drift between two otherwise identical plans.
func (r Route) Equal(other Route) bool {
	if r.Span != other.Span || len(r.Hops) != len(other.Hops) {
		return false
	}
	for i := range r.Hops {
		if r.Hops[i].Record.Peer != other.Hops[i].Record.Peer ||
			r.Hops[i].Span != other.Hops[i].Span {
			return false
		}
	}
	return true
}

func (r Route) String() string {
	var sb strings.Builder
	for i, hop := range r.Hops {
		if i > 0 {
			sb.WriteString(" -> ")
		}
		fmt.Fprintf(&sb, "%s%s", hop.Record.Peer, hop.Span)
	}
	return sb.String()
}

// splice replaces hop `i` with a chain covering exactly the same sub-span.
// Hops before and after are untouched, which is what keeps their remote
// continuation state valid across a repair.
func (r Route) splice(i int, repl []Hop) (Route, error) {
	if i < 0 || i >= len(r.Hops) {
		return Route{}, fmt.Errorf("%w: splice index %d out of range", ErrInvalidSpan, i)
	}
	out := Route{Span: r.Span}
	out.Hops = append(out.Hops, r.Hops[:i]...)
	out.Hops = append(out.Hops, repl...)
	out.Hops = append(out.Hops, r.Hops[i+1:]...)
	if err := out.Validate(); err != nil {
		return Route{}, err
	}
	return out, nil
}
