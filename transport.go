package chainloom

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// TransportConfig configures the activation data plane.
type TransportConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers: it is the only way to secure a swarm at this time.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where the QUIC listener binds. This is a
	// different UDP port from the gossip protocol's.
	BindAddr string
	BindPort int

	// HintMaxStreams bounds how many hop invocations one peer may have in
	// flight against us over a single connection.
	HintMaxStreams int64

	// DialTimeout controls how much time we are willing to wait for a
	// remote peer to accept a connection or a stream.
	DialTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

type hopHandler func(ctx context.Context, req hopRequest) hopResponse

// Transport carries hop invocations between peers: one multiplexed QUIC
// connection per peer, one bidirectional stream per invocation. Connection
// establishment retries are the transport's own business; callers only see
// a bounded call that worked or failed.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// graceful termination asked, do not spam connection errors in logs.
	gracefulTerm atomic.Bool

	lk    sync.RWMutex
	conns map[string][]peerCx

	handlerLk sync.RWMutex
	onHop     hopHandler
	onRelease func(sessionID string)

	tr    *quic.Transport
	ln    *quic.Listener
	udpLn *net.UDPConn
}

type peerCx struct {
	quic.Connection
}

const defaultDataPort = 7401

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:   cfg,
		conns: make(map[string][]peerCx),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	port := cfg.BindPort
	if port == 0 {
		port = defaultDataPort
	}

	addr := net.ParseIP(cfg.BindAddr)
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = 1024
	}

	ln, err := t.tr.Listen(cfg.TlsConfig, &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIncomingStreams: hintStreams,
		MaxIdleTimeout:     1 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	go t.acceptCx()
	return
}

// AdvertiseAddr is the address other peers should dial for hop traffic.
func (t *Transport) AdvertiseAddr() (net.IP, int, error) {
	if t.udpLn == nil {
		return nil, 0, ErrShutdown
	}
	host, portStr, err := net.SplitHostPort(t.udpLn.LocalAddr().String())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidAddr, host)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip, port, nil
}

// setHandlers installs the serving side. A node without handlers is a
// client: inbound invocations are refused, not crashed on.
func (t *Transport) setHandlers(onHop hopHandler, onRelease func(string)) {
	t.handlerLk.Lock()
	t.onHop = onHop
	t.onRelease = onRelease
	t.handlerLk.Unlock()
}

// invokeHop performs one request/response exchange on a fresh stream.
func (t *Transport) invokeHop(ctx context.Context, addr string, req hopRequest) (hopResponse, error) {
	stream, err := t.openStream(ctx, addr)
	if err != nil {
		return hopResponse{}, err
	}
	defer stream.CancelRead(QErrStreamProtocolViolation)

	if dl, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(dl); err != nil {
			return hopResponse{}, fmt.Errorf("%w: %w", ErrStreamWrite, err)
		}
	}

	req.Kind = frameHopRequest
	if err := writeFrame(stream, req); err != nil {
		t.msink.IncrCounterWithLabels(
			MetricHopOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelError.M("write")),
		)
		return hopResponse{}, err
	}
	// Close the send side so the peer sees a complete request.
	stream.Close()

	payload, err := readFrame(stream)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricHopOutErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelError.M("read")),
		)
		return hopResponse{}, err
	}

	var resp hopResponse
	if err := decodePayload(payload, &resp); err != nil {
		return hopResponse{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	t.msink.IncrCounterWithLabels(MetricHopOutCount, 1.0, t.cfg.MetricLabels)
	return resp, nil
}

// releaseSession tells a peer it can drop a session's continuation state.
func (t *Transport) releaseSession(ctx context.Context, addr string, sessionID string) error {
	stream, err := t.openStream(ctx, addr)
	if err != nil {
		return err
	}
	defer stream.CancelRead(QErrStreamProtocolViolation)

	if dl, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(dl); err != nil {
			return fmt.Errorf("%w: %w", ErrStreamWrite, err)
		}
	}

	if err := writeFrame(stream, releaseRequest{Kind: frameRelease, SessionID: sessionID}); err != nil {
		return err
	}
	stream.Close()

	_, err = readFrame(stream)
	return err
}

func (t *Transport) openStream(ctx context.Context, addr string) (quic.Stream, error) {
	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	cx, err := t.getActiveCx(ctx, addr)
	if err != nil {
		return nil, err
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (t *Transport) acceptCx() {
	for {
		conn, err := t.ln.Accept(context.TODO())
		if err != nil {
			if !t.gracefulTerm.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		t.trackCx(conn)
	}
}

func (t *Transport) trackCx(conn quic.Connection) peerCx {
	cx := peerCx{Connection: conn}
	addr := conn.RemoteAddr().String()

	t.lk.Lock()
	live := t.garbageCollectCxs(addr)
	t.conns[addr] = append(live, cx)
	t.lk.Unlock()

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		append(t.cfg.MetricLabels, LabelPeerAddr.M(addr)),
	)

	go t.handleStreams(cx)
	return cx
}

func (t *Transport) handleStreams(cx peerCx) {
	ctx := cx.Context()
	logger := t.logger.With(LabelPeerAddr.L(cx.RemoteAddr().String()))

	for {
		stream, err := cx.AcceptStream(ctx)
		if t.gracefulTerm.Load() {
			logger.Debug("stream listener gracefully shutting down")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("connection was closed", LabelError.L(ctx.Err()))
				return
			}
			logger.Warn("error accepting stream", LabelError.L(err))
			continue
		}
		go t.serveStream(stream, logger)
	}
}

func (t *Transport) serveStream(stream quic.Stream, logger *slog.Logger) {
	defer stream.Close()

	payload, err := readFrame(stream)
	if err != nil {
		logger.Warn("error waiting for request frame", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		return
	}

	var hdr frameHeader
	if err := decodePayload(payload, &hdr); err != nil {
		logger.Warn("protocol violation: malformed frame", LabelError.L(err))
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return
	}

	switch hdr.Kind {
	case frameHopRequest:
		var req hopRequest
		if err := decodePayload(payload, &req); err != nil {
			logger.Warn("protocol violation: malformed hop request", LabelError.L(err))
			stream.CancelWrite(QErrStreamProtocolViolation)
			return
		}

		t.handlerLk.RLock()
		handler := t.onHop
		t.handlerLk.RUnlock()

		var resp hopResponse
		if handler == nil {
			t.msink.IncrCounterWithLabels(
				MetricHopInErrorCount,
				1.0,
				append(t.cfg.MetricLabels, LabelError.M("not_serving")),
			)
			resp = hopResponse{Kind: frameHopResponse, ErrMsg: ErrNotServing.Error()}
		} else {
			resp = handler(stream.Context(), req)
		}
		resp.Kind = frameHopResponse
		if err := writeFrame(stream, resp); err != nil {
			logger.Warn("failed to answer hop invocation", LabelError.L(err))
		}
	case frameRelease:
		var req releaseRequest
		if err := decodePayload(payload, &req); err != nil {
			logger.Warn("protocol violation: malformed release", LabelError.L(err))
			stream.CancelWrite(QErrStreamProtocolViolation)
			return
		}

		t.handlerLk.RLock()
		onRelease := t.onRelease
		t.handlerLk.RUnlock()
		if onRelease != nil {
			onRelease(req.SessionID)
		}
		if err := writeFrame(stream, hopResponse{Kind: frameHopResponse, OK: true}); err != nil {
			logger.Debug("failed to acknowledge release", LabelError.L(err))
		}
	default:
		logger.Warn("protocol violation: unknown frame kind", "kind", hdr.Kind)
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
	}
}

func (t *Transport) getActiveCx(ctx context.Context, addr string) (peerCx, error) {
	t.lk.RLock()
	cx, has := t.firstActiveCx(addr)
	t.lk.RUnlock()
	if has {
		return cx, nil
	}
	return t.dial(ctx, addr)
}

func (t *Transport) dial(ctx context.Context, target string) (peerCx, error) {
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return peerCx{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err := t.tr.Dial(ctx, addr, t.cfg.TlsConfig, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	})
	if t.gracefulTerm.Load() {
		return peerCx{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			append(t.cfg.MetricLabels, LabelPeerAddr.M(target)),
		)
		return peerCx{}, err
	}

	return t.trackCx(conn), nil
}

// not thread safe, must be called by a holder of the write lock.
func (t *Transport) garbageCollectCxs(addr string) []peerCx {
	cxs, has := t.conns[addr]
	if !has {
		return nil
	}
	live := make([]peerCx, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			live = append(live, cx)
		}
	}
	if len(live) == 0 {
		delete(t.conns, addr)
		return nil
	}
	t.conns[addr] = live
	return live
}

// not thread safe, must be called by a holder of the read lock.
func (t *Transport) firstActiveCx(addr string) (peerCx, bool) {
	for _, cx := range t.conns[addr] {
		if cx.Context().Err() == nil {
			return cx, true
		}
	}
	return peerCx{}, false
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}

	t.lk.Lock()
	for _, cxs := range t.conns {
		for _, cx := range cxs {
			QErrShutdown.Close(cx.Connection, "we are shutting down! bye!")
		}
	}
	t.conns = make(map[string][]peerCx)
	t.lk.Unlock()

	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}
