package chainloom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// SessionStatus is the lifecycle of one multi-step generation or training
// run: Opening -> Active -> (Degraded -> Active)* -> Closed, with terminal
// Failed when recovery runs out of coverage.
type SessionStatus uint8

const (
	SessionOpening SessionStatus = iota
	SessionActive
	SessionDegraded
	SessionFailed
	SessionClosed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionActive:
		return "active"
	case SessionDegraded:
		return "degraded"
	case SessionFailed:
		return "failed"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// hopInvoker performs one remote hop call. Implemented by Swarm over the
// QUIC transport; faked in tests.
type hopInvoker interface {
	invokeHop(ctx context.Context, peer string, req hopRequest) (hopResponse, error)
	releaseSession(ctx context.Context, peer string, sessionID string) error
}

// replanner recomputes a covering chain for a sub-span, excluding `avoid`
// and preferring to keep the peers in `keep` where they are.
type replanner interface {
	replanSpan(ctx context.Context, sub Span, avoid map[string]struct{}, keep map[string]Span) ([]Hop, error)
}

// Session drives repeated forward/backward passes through one Route.
//
// A session is exclusively owned by the client that opened it; its remote
// continuation state is held by the servers on the route and reclaimed by
// their ttl once the session goes quiet.
type Session struct {
	id   string
	span Span

	inv hopInvoker
	rpl replanner

	stepTimeout time.Duration

	lk         sync.Mutex
	status     SessionStatus
	route      Route
	tokens     [][]byte
	position   int
	fwdSteps   int
	history    map[int][][]byte
	cancelStep context.CancelFunc
	stepping   bool

	logger *slog.Logger
	msink  metrics.MetricSink
}

func newSession(
	id string,
	route Route,
	inv hopInvoker,
	rpl replanner,
	stepTimeout time.Duration,
	logger *slog.Logger,
	msink metrics.MetricSink,
) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Session{
		id:          id,
		span:        route.Span,
		inv:         inv,
		rpl:         rpl,
		stepTimeout: stepTimeout,
		status:      SessionActive,
		route:       route,
		tokens:      make([][]byte, len(route.Hops)),
		history:     make(map[int][][]byte),
		logger:      logger.With(LabelSessionID.L(id)),
		msink:       msink,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Span() Span { return s.span }

func (s *Session) Status() SessionStatus {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.status
}

// Route returns a copy of the chain currently bound to the session. It may
// change across Steps as failed hops are spliced out.
func (s *Session) Route() Route {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.snapshotRoute()
}

func (s *Session) snapshotRoute() Route {
	hops := make([]Hop, len(s.route.Hops))
	copy(hops, s.route.Hops)
	return Route{Span: s.route.Span, Hops: hops}
}

// Position is the number of completed steps.
func (s *Session) Position() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.position
}

// Step runs one pass through the route: hop order ascending for Forward,
// descending for Backward, each hop fed the previous hop's output together
// with its server-held continuation token.
//
// A single hop failure is healed in place: the session degrades, the failed
// sub-span is re-planned and spliced, and the step resumes once from the
// last known-good activation. Either a correct output is returned or a
// terminal error naming the failing hop; never a partial activation.
func (s *Session) Step(ctx context.Context, input []byte, dir Direction) ([]byte, error) {
	s.lk.Lock()
	switch s.status {
	case SessionClosed:
		s.lk.Unlock()
		return nil, ErrSessionClosed
	case SessionFailed:
		s.lk.Unlock()
		return nil, ErrSessionFailed
	}
	if s.stepping {
		s.lk.Unlock()
		return nil, ErrSessionBusy
	}
	s.stepping = true
	stepCtx, cancel := context.WithCancel(ctx)
	s.cancelStep = cancel
	route := s.snapshotRoute()
	position := s.position
	s.lk.Unlock()

	defer func() {
		cancel()
		s.lk.Lock()
		s.stepping = false
		s.cancelStep = nil
		s.lk.Unlock()
	}()

	start := time.Now()
	order := hopOrder(len(route.Hops), dir)
	activation := input
	retried := false

	for k := 0; k < len(order); k++ {
		i := order[k]
		hop := route.Hops[i]

		if dir == Forward {
			s.recordHistory(hop.Span.Start, activation)
		}

		output, token, err := s.invokeHopOnce(stepCtx, i, hop, activation, dir, position)
		if err == nil {
			s.lk.Lock()
			s.tokens[i] = token
			s.lk.Unlock()
			activation = output
			continue
		}

		// Cancellation is not a hop fault: nothing degraded, nothing to
		// replan. Either Close raced the step or the caller gave up.
		if stepCtx.Err() != nil {
			s.truncateHistory()
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			return nil, ErrSessionClosed
		}

		s.lk.Lock()
		if s.status == SessionClosed {
			s.lk.Unlock()
			s.truncateHistory()
			return nil, ErrSessionClosed
		}
		s.lk.Unlock()

		hopErr := err
		s.setStatus(SessionDegraded)
		s.logger.Warn(
			"hop failure mid-step, attempting reroute",
			LabelHop.L(i),
			LabelPeerName.L(hop.Record.Peer),
			LabelBlockSpan.L(hop.Span.String()),
			LabelError.L(err),
		)

		if repErr := s.repair(ctx, i, hopErr); repErr != nil {
			s.setStatus(SessionFailed)
			s.msink.IncrCounter(MetricSessionFailedCount, 1.0)
			s.truncateHistory()
			return nil, repErr
		}
		s.setStatus(SessionActive)

		if retried {
			// The route is healed for future steps, but this step already
			// used its one retry.
			s.truncateHistory()
			return nil, hopErr
		}
		retried = true

		// Resume from the first spliced hop with the activation that was
		// entering the failed sub-span; earlier hops are not re-run.
		s.lk.Lock()
		route = s.snapshotRoute()
		s.lk.Unlock()
		order = hopOrder(len(route.Hops), dir)
		k = resumeIndex(route, order, hop.Span, dir) - 1
		if k < -1 {
			s.truncateHistory()
			return nil, fmt.Errorf("%w: repaired route lost sub-span %s", ErrSessionFailed, hop.Span)
		}
	}

	s.lk.Lock()
	s.position++
	if dir == Forward {
		s.fwdSteps++
	}
	s.lk.Unlock()

	s.msink.AddSample(MetricStepTimeMs, float32(time.Since(start).Milliseconds()))
	return activation, nil
}

// invokeHopOnce performs the bounded remote call for one hop and
// classifies the failure mode.
func (s *Session) invokeHopOnce(
	ctx context.Context,
	i int,
	hop Hop,
	activation []byte,
	dir Direction,
	position int,
) ([]byte, []byte, error) {
	hctx := ctx
	if s.stepTimeout > 0 {
		var hcancel context.CancelFunc
		hctx, hcancel = context.WithTimeout(ctx, s.stepTimeout)
		defer hcancel()
	}

	s.lk.Lock()
	token := s.tokens[i]
	s.lk.Unlock()

	req := hopRequest{
		Kind:      frameHopRequest,
		SessionID: s.id,
		Start:     hop.Span.Start,
		End:       hop.Span.End,
		Position:  position,
		Direction: uint8(dir),
		State:     token,
		Input:     activation,
	}

	resp, err := s.inv.invokeHop(hctx, hop.Record.Peer, req)
	if err != nil {
		kind := ErrHopFault
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			kind = ErrHopTimeout
		}
		return nil, nil, &HopError{Hop: i, Peer: hop.Record.Peer, Span: hop.Span, Kind: kind, Err: err}
	}
	if !resp.OK {
		return nil, nil, &HopError{
			Hop:  i,
			Peer: hop.Record.Peer,
			Span: hop.Span,
			Kind: ErrHopFault,
			Err:  errors.New(resp.ErrMsg),
		}
	}
	return resp.Output, resp.State, nil
}

// recordHistory remembers the activation entering a hop boundary for the
// current forward step, exactly once even when the step is resumed after a
// splice. Replay after a reroute is fed from here.
func (s *Session) recordHistory(boundary int, activation []byte) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if len(s.history[boundary]) != s.fwdSteps {
		return
	}
	buf := make([]byte, len(activation))
	copy(buf, activation)
	s.history[boundary] = append(s.history[boundary], buf)
}

// truncateHistory drops the partial records of a step that did not
// complete, so the client's retry of that step records its own activations.
func (s *Session) truncateHistory() {
	s.lk.Lock()
	defer s.lk.Unlock()
	for b, acts := range s.history {
		if len(acts) > s.fwdSteps {
			s.history[b] = acts[:s.fwdSteps]
		}
	}
}

// setStatus transitions the lifecycle; Closed is terminal and is never
// overwritten by a step racing with Close.
func (s *Session) setStatus(st SessionStatus) {
	s.lk.Lock()
	if s.status != SessionClosed {
		s.status = st
	}
	s.lk.Unlock()
}

// Close cancels any in-flight hop call and best-effort notifies the route's
// servers to drop their continuation state. Missing acknowledgments are not
// errors: server-side ttl expiry is the ultimate cleanup.
func (s *Session) Close(ctx context.Context) error {
	s.lk.Lock()
	if s.status == SessionClosed {
		s.lk.Unlock()
		return nil
	}
	s.status = SessionClosed
	cancel := s.cancelStep
	route := s.snapshotRoute()
	s.lk.Unlock()

	if cancel != nil {
		cancel()
	}

	notified := make(map[string]struct{}, len(route.Hops))
	for _, hop := range route.Hops {
		if _, done := notified[hop.Record.Peer]; done {
			continue
		}
		notified[hop.Record.Peer] = struct{}{}
		if err := s.inv.releaseSession(ctx, hop.Record.Peer, s.id); err != nil {
			s.logger.Debug(
				"state release not acknowledged, ttl will reclaim it",
				LabelPeerName.L(hop.Record.Peer),
				LabelError.L(err),
			)
		}
	}

	s.logger.Info("session closed", LabelPosition.L(s.Position()))
	return nil
}

func hopOrder(n int, dir Direction) []int {
	order := make([]int, n)
	for i := range order {
		if dir == Backward {
			order[i] = n - 1 - i
		} else {
			order[i] = i
		}
	}
	return order
}

// resumeIndex locates, in walk order, the hop where a repaired step picks
// back up: the one entering the failed sub-span from the walk's direction.
func resumeIndex(route Route, order []int, failed Span, dir Direction) int {
	for k, i := range order {
		hop := route.Hops[i]
		if dir == Forward && hop.Span.Start == failed.Start {
			return k
		}
		if dir == Backward && hop.Span.End == failed.End {
			return k
		}
	}
	return -1
}
