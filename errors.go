package chainloom

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg     = errors.New("swarm: invalid options")
	ErrSwarmClosed    = errors.New("swarm: shutting down")
	ErrJoinCluster    = errors.New("swarm: could not join cluster")
	ErrInvalidSpan    = errors.New("swarm: invalid block span")
	ErrNotServing     = errors.New("swarm: this node does not serve blocks")
	ErrAlreadyServing = errors.New("swarm: this node already serves blocks")
	ErrNoSwarmInfo    = errors.New("swarm: model identity not known yet")
	ErrPeerVanished   = errors.New("swarm: peer is no longer a cluster member")

	ErrBadAnnouncement = errors.New("directory: malformed announcement")

	ErrHopTimeout    = errors.New("session: hop timed out")
	ErrHopFault      = errors.New("session: hop reported a fault")
	ErrSessionFailed = errors.New("session: recovery exhausted")
	ErrSessionClosed = errors.New("session: closed")
	ErrSessionBusy   = errors.New("session: a step is already in flight")

	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrInvalidAddr       = errors.New("transport: the address you provided is invalid")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrTooLargeFrame     = errors.New("transport: frame was too large could not send")
)

// NoCoverageError is returned by the planner when at least one block of the
// requested span has zero live candidates. It is terminal: the planner never
// retries internally, the caller decides whether to refresh the Directory
// and re-plan.
type NoCoverageError struct {
	Span  Span
	Block int
}

func (e *NoCoverageError) Error() string {
	return fmt.Sprintf("planner: no covering chain for %s: block %d has no candidate", e.Span, e.Block)
}

// HopError wraps a single remote invocation failure with the hop it
// happened on. It unwraps to either ErrHopTimeout or ErrHopFault.
type HopError struct {
	Hop  int
	Peer string
	Span Span
	Kind error
	Err  error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("%s: hop %d (%s, blocks %s): %s", e.Kind, e.Hop, e.Peer, e.Span, e.Err)
}

func (e *HopError) Unwrap() error {
	return e.Kind
}

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var QErrShutdown = QuicApplicationError{
	Code:   0x2,
	Prefix: "shutdown",
}

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
