package chainloom

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// recordingExecutor notes the length of the continuation state it was handed
// on each call, so tests can tell a warm resume from a cold restart.
type recordingExecutor struct {
	lk        sync.Mutex
	stateLens []int
}

func (e *recordingExecutor) Execute(
	_ context.Context,
	_ Span,
	input []byte,
	state []byte,
	_ Direction,
) ([]byte, []byte, error) {
	e.lk.Lock()
	e.stateLens = append(e.stateLens, len(state))
	e.lk.Unlock()
	return input, append(state, 0x1), nil
}

func (e *recordingExecutor) lens() []int {
	e.lk.Lock()
	defer e.lk.Unlock()
	out := make([]int, len(e.stateLens))
	copy(out, e.stateLens)
	return out
}

func newTestBlockServer(t *testing.T, exec BlockExecutor) *blockServer {
	t.Helper()
	bs := newBlockServer(
		exec,
		Span{Start: 0, End: 24},
		newThroughputMeter(1),
		time.Minute,
		slog.Default(),
		&metrics.BlackholeSink{},
	)
	t.Cleanup(bs.close)
	return bs
}

func hopReq(sessionID string, start, end int, token []byte) hopRequest {
	return hopRequest{
		Kind:      frameHopRequest,
		SessionID: sessionID,
		Start:     start,
		End:       end,
		Direction: uint8(Forward),
		State:     token,
		Input:     []byte("in"),
	}
}

func TestBlockServer_StatePerHopSubSpan(t *testing.T) {
	// One node serving a wide span can end up on two non-adjacent hops of
	// the same session. Each hop keeps its own continuation state.
	exec := &recordingExecutor{}
	bs := newTestBlockServer(t, exec)

	first := bs.handleHop(context.Background(), hopReq("s1", 0, 8, nil))
	require.True(t, first.OK)

	other := bs.handleHop(context.Background(), hopReq("s1", 16, 24, nil))
	require.True(t, other.OK)
	require.NotEqual(t, first.State, other.State, "each hop gets its own token")

	again := bs.handleHop(context.Background(), hopReq("s1", 0, 8, first.State))
	require.True(t, again.OK)
	require.Equal(t, first.State, again.State, "a matching token keeps the state alive")

	require.Equal(t, []int{0, 0, 1}, exec.lens(),
		"the revisited hop resumes from its own state, untouched by the other hop")
}

func TestBlockServer_ReleaseDropsEveryHop(t *testing.T) {
	exec := &recordingExecutor{}
	bs := newTestBlockServer(t, exec)

	lo := bs.handleHop(context.Background(), hopReq("s1", 0, 8, nil))
	hi := bs.handleHop(context.Background(), hopReq("s1", 16, 24, nil))
	require.True(t, lo.OK)
	require.True(t, hi.OK)

	bs.release("s1")

	relo := bs.handleHop(context.Background(), hopReq("s1", 0, 8, lo.State))
	rehi := bs.handleHop(context.Background(), hopReq("s1", 16, 24, hi.State))
	require.True(t, relo.OK)
	require.True(t, rehi.OK)
	require.NotEqual(t, lo.State, relo.State, "released state means a fresh token")
	require.NotEqual(t, hi.State, rehi.State)

	require.Equal(t, []int{0, 0, 0, 0}, exec.lens(), "both hops restarted cold after release")
}

func TestBlockServer_RejectsUnservedSpan(t *testing.T) {
	bs := newTestBlockServer(t, &recordingExecutor{})

	resp := bs.handleHop(context.Background(), hopReq("s1", 20, 30, nil))
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.ErrMsg)
}
