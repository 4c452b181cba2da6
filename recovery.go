package chainloom

import (
	"context"
	"errors"
	"fmt"
)

// maxReplanAttempts bounds how many immediate re-plans a repair may burn to
// absorb transient Directory staleness before the session fails for good.
const maxReplanAttempts = 3

// repair routes around the failed hop without touching the rest of the
// chain:
//
//  1. the failed peer joins the avoid set,
//  2. only the failed hop's sub-span is re-planned, every other hop keeping
//     its stability preference,
//  3. the replacement chain is warmed by replaying the session's forward
//     history through it,
//  4. the new hops are spliced in; tokens outside the splice are untouched.
//
// A peer that fails during warm-up replay is added to the avoid set and the
// attempt repeats, so one repair call survives several bad replacements.
func (s *Session) repair(ctx context.Context, failedIdx int, cause error) error {
	s.lk.Lock()
	if failedIdx < 0 || failedIdx >= len(s.route.Hops) {
		s.lk.Unlock()
		return fmt.Errorf("%w: hop %d out of range", ErrSessionFailed, failedIdx)
	}
	failed := s.route.Hops[failedIdx]
	avoid := map[string]struct{}{failed.Record.Peer: {}}
	keep := make(map[string]Span, len(s.route.Hops))
	for i, hop := range s.route.Hops {
		if i == failedIdx {
			continue
		}
		keep[hop.Record.Peer] = hop.Span
	}
	replayBase := make([][]byte, len(s.history[failed.Span.Start]))
	copy(replayBase, s.history[failed.Span.Start])
	if len(replayBase) > s.fwdSteps {
		// The activation of the step in flight is replayed by the step's
		// own retry, not by warm-up.
		replayBase = replayBase[:s.fwdSteps]
	}
	s.lk.Unlock()

	lastErr := cause
	for attempt := 0; attempt < maxReplanAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrSessionFailed, err)
		}

		repl, err := s.rpl.replanSpan(ctx, failed.Span, avoid, keep)
		if err != nil {
			lastErr = err
			var noCover *NoCoverageError
			if errors.As(err, &noCover) {
				continue
			}
			return fmt.Errorf("%w: %w", ErrSessionFailed, err)
		}

		tokens := make([][]byte, len(repl))
		traces, err := s.replaySegment(ctx, repl, tokens, replayBase)
		if err != nil {
			lastErr = err
			var hopErr *HopError
			if errors.As(err, &hopErr) {
				avoid[hopErr.Peer] = struct{}{}
				continue
			}
			return fmt.Errorf("%w: %w", ErrSessionFailed, err)
		}

		s.lk.Lock()
		newRoute, serr := s.route.splice(failedIdx, repl)
		if serr != nil {
			s.lk.Unlock()
			return fmt.Errorf("%w: %w", ErrSessionFailed, serr)
		}
		newTokens := make([][]byte, 0, len(newRoute.Hops))
		newTokens = append(newTokens, s.tokens[:failedIdx]...)
		newTokens = append(newTokens, tokens...)
		newTokens = append(newTokens, s.tokens[failedIdx+1:]...)
		s.route = newRoute
		s.tokens = newTokens
		for boundary, acts := range traces {
			s.history[boundary] = acts
		}
		s.lk.Unlock()

		s.msink.IncrCounter(MetricSessionRepairCount, 1.0)
		s.logger.Info(
			"rerouted around failed hop",
			LabelBlockSpan.L(failed.Span.String()),
			"replacement", Route{Span: failed.Span, Hops: repl}.String(),
		)
		return nil
	}

	return fmt.Errorf("%w: %w", ErrSessionFailed, lastErr)
}

// replaySegment rebuilds the continuation state of a freshly planned
// segment by feeding it every prior forward activation recorded at the
// segment's entry boundary. Interior boundaries introduced by the splice
// get their history filled in as a side effect.
func (s *Session) replaySegment(
	ctx context.Context,
	hops []Hop,
	tokens [][]byte,
	base [][]byte,
) (map[int][][]byte, error) {
	traces := make(map[int][][]byte)
	for position, entry := range base {
		activation := entry
		for i, hop := range hops {
			if i > 0 {
				buf := make([]byte, len(activation))
				copy(buf, activation)
				traces[hop.Span.Start] = append(traces[hop.Span.Start], buf)
			}
			req := hopRequest{
				Kind:      frameHopRequest,
				SessionID: s.id,
				Start:     hop.Span.Start,
				End:       hop.Span.End,
				Position:  position,
				Direction: uint8(Forward),
				State:     tokens[i],
				Input:     activation,
			}
			// One bounded context per hop call, released as soon as the call
			// returns: replay visits len(base)*len(hops) hops and must not
			// pile timers up until repair finishes.
			hctx := ctx
			var hcancel context.CancelFunc
			if s.stepTimeout > 0 {
				hctx, hcancel = context.WithTimeout(ctx, s.stepTimeout)
			}
			resp, err := s.inv.invokeHop(hctx, hop.Record.Peer, req)
			if hcancel != nil {
				hcancel()
			}
			if err != nil {
				return nil, &HopError{Hop: i, Peer: hop.Record.Peer, Span: hop.Span, Kind: ErrHopFault, Err: err}
			}
			if !resp.OK {
				return nil, &HopError{
					Hop:  i,
					Peer: hop.Record.Peer,
					Span: hop.Span,
					Kind: ErrHopFault,
					Err:  errors.New(resp.ErrMsg),
				}
			}
			tokens[i] = resp.State
			activation = resp.Output
		}
	}
	return traces, nil
}
