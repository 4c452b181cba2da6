package chainloom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// fakePeer mimics a blockServer: passthrough compute, token-gated
// continuation state, optional injected failures.
type fakePeer struct {
	name  string
	fail  bool
	calls int
	block chan struct{}

	tokens map[string]string
}

// fakeSwarm implements hopInvoker and replanner over a fixed candidate set,
// standing in for the gossip and QUIC layers.
type fakeSwarm struct {
	lk         sync.Mutex
	peers      map[string]*fakePeer
	candidates []ServerRecord
	released   map[string]int
	replans    int
	callLog    []string
}

func newFakeSwarm(candidates ...ServerRecord) *fakeSwarm {
	f := &fakeSwarm{
		peers:      make(map[string]*fakePeer),
		candidates: candidates,
		released:   make(map[string]int),
	}
	for _, rec := range candidates {
		f.peers[rec.Peer] = &fakePeer{name: rec.Peer, tokens: make(map[string]string)}
	}
	return f
}

func (f *fakeSwarm) invokeHop(ctx context.Context, peer string, req hopRequest) (hopResponse, error) {
	f.lk.Lock()
	p, has := f.peers[peer]
	if !has {
		f.lk.Unlock()
		return hopResponse{}, fmt.Errorf("%w: %s", ErrPeerVanished, peer)
	}
	p.calls++
	block := p.block
	if p.fail {
		f.lk.Unlock()
		return hopResponse{}, errors.New("connection refused")
	}

	token := p.tokens[req.SessionID]
	if len(req.State) == 0 || string(req.State) != token {
		token = p.name + "-token"
		p.tokens[req.SessionID] = token
	}
	f.callLog = append(f.callLog, fmt.Sprintf("%s%s", peer, Span{Start: req.Start, End: req.End}))
	f.lk.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return hopResponse{}, ctx.Err()
		}
	}

	return hopResponse{OK: true, Output: req.Input, State: []byte(token)}, nil
}

func (f *fakeSwarm) releaseSession(ctx context.Context, peer string, sessionID string) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.released[peer]++
	return nil
}

func (f *fakeSwarm) replanSpan(
	ctx context.Context,
	sub Span,
	avoid map[string]struct{},
	keep map[string]Span,
) ([]Hop, error) {
	f.lk.Lock()
	f.replans++
	candidates := make([]ServerRecord, len(f.candidates))
	copy(candidates, f.candidates)
	f.lk.Unlock()

	route, err := planRoute(planRequest{
		span:       sub,
		candidates: candidates,
		avoid:      avoid,
		keep:       keep,
	}, plannerConfig{HopPenalty: defaultHopPenalty, StabilityBonus: defaultStabilityBonus})
	if err != nil {
		return nil, err
	}
	return route.Hops, nil
}

func (f *fakeSwarm) peerCalls(name string) int {
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.peers[name].calls
}

func (f *fakeSwarm) setFailing(name string, failing bool) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.peers[name].fail = failing
}

func (f *fakeSwarm) log() []string {
	f.lk.Lock()
	defer f.lk.Unlock()
	out := make([]string, len(f.callLog))
	copy(out, f.callLog)
	return out
}

func testSession(t *testing.T, f *fakeSwarm, span Span) *Session {
	t.Helper()
	route, err := planRoute(planRequest{
		span:       span,
		candidates: f.candidates,
	}, plannerConfig{HopPenalty: defaultHopPenalty, StabilityBonus: defaultStabilityBonus})
	require.NoError(t, err)
	return newSession(
		"sess-1",
		route,
		f,
		f,
		10*time.Second,
		slog.Default(),
		&metrics.BlackholeSink{},
	)
}

func TestSession_ForwardOrder(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("n1", 0, 12, 10),
		onlineRecord("n2", 12, 24, 10),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})

	out, err := sess.Step(context.Background(), []byte("in"), Forward)
	require.NoError(t, err)
	require.Equal(t, []byte("in"), out)
	require.Equal(t, []string{"n1[0,12)", "n2[12,24)"}, f.log())
	require.Equal(t, 1, sess.Position())
	require.Equal(t, SessionActive, sess.Status())
}

func TestSession_BackwardOrder(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("n1", 0, 12, 10),
		onlineRecord("n2", 12, 24, 10),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})

	_, err := sess.Step(context.Background(), []byte("grad"), Backward)
	require.NoError(t, err)
	require.Equal(t, []string{"n2[12,24)", "n1[0,12)"}, f.log())
}

func TestSession_RecoversFromHopFailure(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("head", 0, 8, 10),
		onlineRecord("mid", 8, 16, 10),
		onlineRecord("mid-spare", 8, 16, 5),
		onlineRecord("tail", 16, 24, 10),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})
	require.Equal(t, []string{"head", "mid", "tail"}, sess.Route().Peers())

	_, err := sess.Step(context.Background(), []byte("step-0"), Forward)
	require.NoError(t, err)

	f.setFailing("mid", true)

	out, err := sess.Step(context.Background(), []byte("step-1"), Forward)
	require.NoError(t, err, "a single hop failure must heal within the step")
	require.Equal(t, []byte("step-1"), out)
	require.Equal(t, SessionActive, sess.Status())
	require.Equal(t, 2, sess.Position())

	require.Equal(t, []string{"head", "mid-spare", "tail"}, sess.Route().Peers())

	// Recovery locality: the surviving hops were not re-run beyond their
	// one call per step, and the spare served one warm-up replay plus the
	// resumed step.
	require.Equal(t, 2, f.peerCalls("head"))
	require.Equal(t, 2, f.peerCalls("tail"))
	require.Equal(t, 2, f.peerCalls("mid-spare"))
}

func TestSession_SpliceTwoForOne(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("head", 0, 8, 10),
		onlineRecord("mid", 8, 16, 10),
		onlineRecord("mid-lo", 8, 12, 10),
		onlineRecord("mid-hi", 12, 16, 10),
		onlineRecord("tail", 16, 24, 10),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})
	require.Equal(t, []string{"head", "mid", "tail"}, sess.Route().Peers())

	_, err := sess.Step(context.Background(), []byte("step-0"), Forward)
	require.NoError(t, err)

	f.setFailing("mid", true)

	out, err := sess.Step(context.Background(), []byte("step-1"), Forward)
	require.NoError(t, err)
	require.Equal(t, []byte("step-1"), out)

	route := sess.Route()
	require.NoError(t, route.Validate())
	require.Equal(t, []string{"head", "mid-lo", "mid-hi", "tail"}, route.Peers())

	// Later steps run through the widened chain without further repair.
	replansBefore := f.replans
	_, err = sess.Step(context.Background(), []byte("step-2"), Forward)
	require.NoError(t, err)
	require.Equal(t, replansBefore, f.replans)
}

func TestSession_RetryExactlyOnce(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("head", 0, 8, 10),
		onlineRecord("mid", 8, 16, 10),
		onlineRecord("mid-spare", 8, 16, 5),
		onlineRecord("tail", 16, 24, 10),
		onlineRecord("tail-spare", 16, 24, 5),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})

	_, err := sess.Step(context.Background(), []byte("step-0"), Forward)
	require.NoError(t, err)

	// Two distinct hops fail within the same step: the first is healed and
	// retried, the second is healed but surfaces the error.
	f.setFailing("mid", true)
	f.setFailing("tail", true)

	_, err = sess.Step(context.Background(), []byte("step-1"), Forward)
	require.ErrorIs(t, err, ErrHopFault)
	var hopErr *HopError
	require.ErrorAs(t, err, &hopErr)
	require.Equal(t, "tail", hopErr.Peer)

	// Both repairs stuck: the session is healthy and the client's retry of
	// the step goes through the rebuilt chain.
	require.Equal(t, SessionActive, sess.Status())
	require.Equal(t, []string{"head", "mid-spare", "tail-spare"}, sess.Route().Peers())

	out, err := sess.Step(context.Background(), []byte("step-1"), Forward)
	require.NoError(t, err)
	require.Equal(t, []byte("step-1"), out)
	require.Equal(t, 2, sess.Position())
}

func TestSession_FailsWithoutCoverage(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("head", 0, 12, 10),
		onlineRecord("tail", 12, 24, 10),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})

	f.setFailing("tail", true)

	_, err := sess.Step(context.Background(), []byte("in"), Forward)
	require.ErrorIs(t, err, ErrSessionFailed)
	require.Equal(t, SessionFailed, sess.Status())

	_, err = sess.Step(context.Background(), []byte("in"), Forward)
	require.ErrorIs(t, err, ErrSessionFailed, "a failed session stays failed")
}

func TestSession_BusyGuard(t *testing.T) {
	f := newFakeSwarm(onlineRecord("n1", 0, 24, 10))
	release := make(chan struct{})
	f.peers["n1"].block = release

	sess := testSession(t, f, Span{Start: 0, End: 24})

	done := make(chan error, 1)
	go func() {
		_, err := sess.Step(context.Background(), []byte("in"), Forward)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.peerCalls("n1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := sess.Step(context.Background(), []byte("other"), Forward)
	require.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestSession_CloseCancelsInFlightStep(t *testing.T) {
	// Spare coverage exists on purpose: treating the cancellation as a hop
	// fault would let recovery splice the spares in and revive the session.
	f := newFakeSwarm(
		onlineRecord("n1", 0, 12, 10),
		onlineRecord("n1-spare", 0, 12, 5),
		onlineRecord("n2", 12, 24, 10),
		onlineRecord("n2-spare", 12, 24, 5),
	)
	release := make(chan struct{})
	f.peers["n1"].block = release
	defer close(release)

	sess := testSession(t, f, Span{Start: 0, End: 24})

	done := make(chan error, 1)
	go func() {
		_, err := sess.Step(context.Background(), []byte("in"), Forward)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.peerCalls("n1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sess.Close(context.Background()))

	require.ErrorIs(t, <-done, ErrSessionClosed)
	require.Equal(t, SessionClosed, sess.Status(), "closed is terminal, not re-activated by the aborted step")
	require.Zero(t, f.replans, "an interrupted step is not a reroutable fault")
	require.Zero(t, sess.Position())
}

func TestSession_CallerCancelIsNotAFault(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("n1", 0, 24, 10),
		onlineRecord("n1-spare", 0, 24, 5),
	)
	release := make(chan struct{})
	f.peers["n1"].block = release

	sess := testSession(t, f, Span{Start: 0, End: 24})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sess.Step(ctx, []byte("in"), Forward)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.peerCalls("n1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, SessionActive, sess.Status())
	require.Zero(t, f.replans)

	// The session stays usable: the client's own retry goes through.
	close(release)
	out, err := sess.Step(context.Background(), []byte("in"), Forward)
	require.NoError(t, err)
	require.Equal(t, []byte("in"), out)
	require.Equal(t, 1, sess.Position())
}

func TestSession_CloseReleasesState(t *testing.T) {
	f := newFakeSwarm(
		onlineRecord("n1", 0, 12, 10),
		onlineRecord("n2", 12, 24, 10),
	)
	sess := testSession(t, f, Span{Start: 0, End: 24})

	_, err := sess.Step(context.Background(), []byte("in"), Forward)
	require.NoError(t, err)

	require.NoError(t, sess.Close(context.Background()))
	require.Equal(t, SessionClosed, sess.Status())
	require.Equal(t, 1, f.released["n1"])
	require.Equal(t, 1, f.released["n2"])

	_, err = sess.Step(context.Background(), []byte("in"), Forward)
	require.ErrorIs(t, err, ErrSessionClosed)

	require.NoError(t, sess.Close(context.Background()), "closing twice is fine")
	require.Equal(t, 1, f.released["n1"], "state is only released once")
}
