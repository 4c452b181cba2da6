package chainloom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// Direction selects which pass a hop invocation performs.
type Direction uint8

const (
	// Forward runs blocks in ascending index order, activations flowing
	// left to right.
	Forward Direction = iota

	// Backward runs blocks in descending index order, propagating
	// gradients.
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// BlockExecutor is the opaque compute capability a serving node plugs in:
// the tensor math, quantization and weight storage all live behind it.
//
// `state` is whatever the executor returned from its previous invocation
// for the same (session, hop) pair, or nil on first use. Implementations
// MUST accept a nil state at any position and rebuild from the input alone:
// that is what makes a rerouted session safe to resume.
type BlockExecutor interface {
	Execute(
		ctx context.Context,
		span Span,
		input []byte,
		state []byte,
		dir Direction,
	) (output []byte, newState []byte, err error)
}

// PassthroughExecutor serves blocks that do nothing: activations pass
// through unchanged. Useful to exercise a swarm's plumbing without any
// model wired in.
type PassthroughExecutor struct{}

func (PassthroughExecutor) Execute(
	_ context.Context,
	_ Span,
	input []byte,
	state []byte,
	_ Direction,
) ([]byte, []byte, error) {
	return input, state, nil
}

// hostedState is the server-held side of one (session, hop) pair. The
// token is the only thing the client ever sees; a token mismatch or an
// empty client token resets the state, which is exactly the fresh-start
// semantic a reroute needs.
type hostedState struct {
	token    string
	state    []byte
	lastUsed time.Time
}

// stateKey separates the hops of one session: a node serving a wide span
// can hold two non-adjacent hops of the same session, and their
// continuation states must not clobber each other.
type stateKey struct {
	session string
	span    Span
}

// blockServer answers hop invocations for the local node's served span,
// keeps per-session continuation state, feeds the throughput meter, and
// reaps state that sessions abandoned.
type blockServer struct {
	exec  BlockExecutor
	span  Span
	meter *throughputMeter
	ttl   time.Duration

	lk       sync.Mutex
	sessions map[stateKey]*hostedState

	reapTicker *time.Ticker
	closeCh    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	logger *slog.Logger
	msink  metrics.MetricSink
}

func newBlockServer(
	exec BlockExecutor,
	span Span,
	meter *throughputMeter,
	sessionTTL time.Duration,
	logger *slog.Logger,
	msink metrics.MetricSink,
) *blockServer {
	bs := &blockServer{
		exec:       exec,
		span:       span,
		meter:      meter,
		ttl:        sessionTTL,
		sessions:   make(map[stateKey]*hostedState),
		reapTicker: time.NewTicker(sessionTTL / 4),
		closeCh:    make(chan struct{}),
		logger:     logger.With(LabelBlockSpan.L(span.String())),
		msink:      msink,
	}
	bs.wg.Add(1)
	go bs.handleReaping()
	return bs
}

func (bs *blockServer) handleHop(ctx context.Context, req hopRequest) hopResponse {
	sub := Span{Start: req.Start, End: req.End}
	if !sub.IsValid() || !bs.span.ContainsSpan(sub) {
		bs.msink.IncrCounter(MetricHopInErrorCount, 1.0)
		return hopResponse{
			Kind:   frameHopResponse,
			ErrMsg: fmt.Sprintf("blocks %s are not served here (serving %s)", sub, bs.span),
		}
	}

	start := time.Now()

	key := stateKey{session: req.SessionID, span: sub}

	bs.lk.Lock()
	hs, has := bs.sessions[key]
	if !has {
		hs = &hostedState{}
		bs.sessions[key] = hs
	}
	if len(req.State) == 0 || string(req.State) != hs.token {
		// Fresh or out-of-sync client token: drop whatever we cached and
		// recompute from the input. Safe by the executor contract.
		hs.state = nil
		hs.token = uuid.NewString()
	}
	state := hs.state
	token := hs.token
	bs.lk.Unlock()

	output, newState, err := bs.exec.Execute(ctx, sub, req.Input, state, Direction(req.Direction))
	if err != nil {
		bs.msink.IncrCounter(MetricHopInErrorCount, 1.0)
		bs.logger.Error(
			"block executor fault",
			LabelSessionID.L(req.SessionID),
			LabelDirection.L(Direction(req.Direction).String()),
			LabelError.L(err),
		)
		return hopResponse{Kind: frameHopResponse, ErrMsg: err.Error()}
	}

	elapsed := time.Since(start)

	bs.lk.Lock()
	hs.state = newState
	hs.lastUsed = time.Now()
	bs.lk.Unlock()

	bs.meter.observe(sub.Len(), elapsed)
	bs.msink.IncrCounter(MetricHopInCount, 1.0)
	bs.msink.AddSample(MetricHopServeTimeMs, float32(elapsed.Milliseconds()))

	return hopResponse{
		Kind:   frameHopResponse,
		OK:     true,
		Output: output,
		State:  []byte(token),
	}
}

// release drops a session's state, every hop of it, on explicit client
// close. Absence is fine: ttl reaping covers clients that never say
// goodbye.
func (bs *blockServer) release(sessionID string) {
	had := false
	bs.lk.Lock()
	for key := range bs.sessions {
		if key.session == sessionID {
			delete(bs.sessions, key)
			had = true
		}
	}
	bs.lk.Unlock()
	if had {
		bs.logger.Debug("released session state", LabelSessionID.L(sessionID))
	}
}

func (bs *blockServer) handleReaping() {
	defer bs.wg.Done()
	for {
		select {
		case <-bs.reapTicker.C:
			deadline := time.Now().Add(-bs.ttl)
			reaped := 0
			bs.lk.Lock()
			for key, hs := range bs.sessions {
				if hs.lastUsed.Before(deadline) {
					delete(bs.sessions, key)
					reaped++
				}
			}
			bs.lk.Unlock()
			if reaped > 0 {
				bs.msink.IncrCounter(MetricStateReapCount, float32(reaped))
				bs.logger.Debug("reaped idle session state", "count", reaped)
			}
		case <-bs.closeCh:
			return
		}
	}
}

func (bs *blockServer) close() {
	bs.closeOnce.Do(func() {
		bs.reapTicker.Stop()
		close(bs.closeCh)
		bs.wg.Wait()
	})
}
