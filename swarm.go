package chainloom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

const (
	eventAnnounce = "chainloom.announce"
	queryLookup   = "chainloom.lookup"

	// tagDataPort advertises, through gossip member metadata, the UDP port
	// where this node's QUIC data plane listens. Gossip and activations do
	// not share a socket.
	tagDataPort = "data_port"
)

// anySpan is the widest possible lookup, used to bootstrap swarm metadata
// before NumBlocks is known.
var anySpan = Span{Start: 0, End: 1<<31 - 1}

// Swarm is one member's handle on the cluster: it gossips block
// announcements, keeps the local Directory fresh, plans Routes, opens
// Sessions, and optionally serves a block span of its own.
type Swarm struct {
	config config
	logger *slog.Logger

	// gossip
	dir     *directory
	serf    *serf.Serf
	eventCh chan serf.Event

	// data plane
	tr            *Transport
	localNodeName string

	// serving side, nil until Serve is called
	ann *announcer
	srv *blockServer

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: shutdown notification, graceful termination.
	// phase 2: drop, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	dropCh     chan struct{}
	wg         sync.WaitGroup
}

func Create(opts ...Option) (*Swarm, error) {
	s := &Swarm{
		eventCh:    make(chan serf.Event, 512),
		shutdownCh: make(chan struct{}),
		dropCh:     make(chan struct{}),
	}

	// Fine-tune Serf config.
	s.config.serfCfg = serf.DefaultConfig()
	// We will wait for in-flight hop streams to flush anyway.
	s.config.serfCfg.LeavePropagateDelay = 4 * time.Second
	s.config.serfCfg.LogOutput = nil
	s.config.serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	s.config.serfCfg.QueueDepthWarning = 512
	// Routing decisions come from throughput, not network coordinates.
	s.config.serfCfg.DisableCoordinates = true
	s.config.serfCfg.ValidateNodeNames = true
	// Announcements are periodic anyway, so coalescing them is free
	// bandwidth; lookups go through queries when we need real-time.
	s.config.serfCfg.CoalescePeriod = 5 * time.Second
	s.config.serfCfg.UserCoalescePeriod = 10 * time.Second
	s.config.serfCfg.QuiescentPeriod = 1 * time.Second
	s.config.serfCfg.UserQuiescentPeriod = 2 * time.Second
	s.config.serfCfg.EventCh = s.eventCh

	s.config.planner = plannerConfig{
		HopPenalty:     defaultHopPenalty,
		StabilityBonus: defaultStabilityBonus,
	}
	s.config.announceInterval = defaultAnnounceInterval
	s.config.announceTTL = defaultAnnounceTTL
	s.config.stepTimeout = defaultStepTimeout
	s.config.sessionTTL = defaultSessionTTL
	s.config.initialThroughput = defaultInitialThroughput
	s.config.trCfg.DialTimeout = defaultDialTimeout

	// Run options now that we have a non-nil Serf config.
	for _, opt := range opts {
		err := opt(&s.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if s.config.announceInterval >= s.config.announceTTL {
		return nil, fmt.Errorf(
			"%w: announce interval (%s) must be shorter than the announce ttl (%s)",
			ErrInvalidCfg, s.config.announceInterval, s.config.announceTTL,
		)
	}

	// Logging implementations.
	if s.config.logHandler != nil {
		s.logger = slog.New(s.config.logHandler)
		s.config.serfCfg.Logger = slog.NewLogLogger(s.config.logHandler, slog.LevelDebug)
	} else {
		s.logger = slog.Default()
		s.config.serfCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	s.config.serfCfg.MemberlistConfig.Logger = s.config.serfCfg.Logger
	s.config.trCfg.LogHandler = s.config.logHandler

	// Metrics implementations.
	if s.config.msink == nil {
		s.config.msink = metrics.Default()
	}
	s.config.trCfg.MetricSink = s.config.msink
	s.config.trCfg.MetricLabels = s.config.metricLabels

	// Initiate the QUIC data plane.
	tr, err := NewTransport(&s.config.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.tr = tr

	// Advertise the data port through member tags so the gossip port and
	// the data port stay independently configurable.
	_, dataPort, err := tr.AdvertiseAddr()
	if err != nil {
		tr.Shutdown()
		return nil, err
	}
	if s.config.serfCfg.Tags == nil {
		s.config.serfCfg.Tags = make(map[string]string)
	}
	s.config.serfCfg.Tags[tagDataPort] = strconv.Itoa(dataPort)

	// Initiate the Serf layer.
	sf, err := serf.Create(s.config.serfCfg)
	if err != nil {
		tr.Shutdown()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.serf = sf
	s.localNodeName = sf.LocalMember().Name

	s.dir = newDirectory(s.logger, s.config.msink)

	s.wg.Add(1)
	go s.handleEvents()

	return s, nil
}

func (s *Swarm) JoinCluster() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shutdown {
		return ErrSwarmClosed
	}
	if len(s.config.neighbours) > 0 {
		joined, err := s.serf.Join(s.config.neighbours, true)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		s.logger.Info("cluster joined")
		if len(s.config.neighbours) != joined {
			s.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(s.config.neighbours),
			)
		}
	}
	return nil
}

// Topology lists the gossip members currently known to this node,
// serving or not.
func (s *Swarm) Topology() []serf.Member {
	return s.serf.Members()
}

// LocalNodeName is this member's unique name in the cluster.
func (s *Swarm) LocalNodeName() string {
	return s.localNodeName
}

// Info returns the swarm-wide model identity, refreshing from the cluster
// if no announcement has reached us yet.
func (s *Swarm) Info(ctx context.Context) (SwarmInfo, error) {
	if meta, has := s.dir.info(); has {
		return meta, nil
	}
	if err := s.refreshDirectory(ctx, anySpan); err != nil {
		return SwarmInfo{}, err
	}
	if meta, has := s.dir.info(); has {
		return meta, nil
	}
	return SwarmInfo{}, ErrNoSwarmInfo
}

// Serve turns this member into a serving node for the given span: hop
// invocations are answered by `exec` and the span is announced to the
// swarm, first as Joining, then as Online.
func (s *Swarm) Serve(exec BlockExecutor, span Span) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shutdown {
		return ErrSwarmClosed
	}
	if s.srv != nil {
		return ErrAlreadyServing
	}
	if s.config.model.NumBlocks <= 0 {
		return fmt.Errorf("%w: WithModel is required to serve blocks", ErrInvalidCfg)
	}
	full := Span{Start: 0, End: s.config.model.NumBlocks}
	if !span.IsValid() || !full.ContainsSpan(span) {
		return fmt.Errorf("%w: %s is not within %s", ErrInvalidSpan, span, full)
	}

	meter := newThroughputMeter(s.config.initialThroughput)
	s.srv = newBlockServer(
		exec,
		span,
		meter,
		s.config.sessionTTL,
		s.logger,
		s.config.msink,
	)
	s.tr.setHandlers(s.srv.handleHop, s.srv.release)

	s.ann = newAnnouncer(
		s.serving(),
		meter,
		s.localNodeName,
		span,
		s.config.model,
		s.config.announceInterval,
		s.config.announceTTL,
		s.logger,
		s.config.msink,
	)
	s.ann.start()
	s.ann.online()

	s.logger.Info("serving blocks", LabelBlockSpan.L(span.String()))
	return nil
}

// serving hands the announcer its publisher without exposing Swarm's
// broadcast method on the public surface.
func (s *Swarm) serving() publisher { return swarmPublisher{s} }

type swarmPublisher struct{ s *Swarm }

func (p swarmPublisher) broadcast(ann announcement) error {
	return p.s.broadcast(ann)
}

// broadcast records the announcement locally then gossips it: the sender's
// own Directory must never lag behind what it told the cluster.
func (s *Swarm) broadcast(ann announcement) error {
	if err := s.dir.record(ann, time.Now()); err != nil {
		return err
	}
	payload, err := encodePayload(ann)
	if err != nil {
		return err
	}
	return s.serf.UserEvent(eventAnnounce, payload, true)
}

func (s *Swarm) handleEvents() {
	defer s.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-s.eventCh:
		case <-s.dropCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:

		case serf.UserEvent:
			switch event.Name {
			case eventAnnounce:
				var ann announcement
				if err := decodePayload(event.Payload, &ann); err != nil {
					s.logger.Error("failed to decode an announcement", LabelError.L(err))
					continue
				}
				if err := s.dir.record(ann, time.Now()); err != nil {
					s.logger.Warn(
						"dropped announcement",
						LabelPeerName.L(ann.Peer),
						LabelError.L(err),
					)
					continue
				}
				s.config.msink.IncrCounter(MetricAnnounceInCount, 1.0)
			default:
				s.logger.Error("received unexpected event", "event_name", event.Name)
			}
		case *serf.Query:
			switch event.Name {
			case queryLookup:
				s.answerLookup(event)
			default:
				s.logger.Error("received unexpected query", "query_name", event.Name)
			}
		}
	}
}

// answerLookup responds to a directory refresh query when this node serves
// an intersecting span. Non-serving members stay silent: silence is how a
// lookup converges on partial coverage instead of blocking.
func (s *Swarm) answerLookup(event *serf.Query) {
	var q lookupQuery
	if err := decodePayload(event.Payload, &q); err != nil {
		s.logger.Error("failed to decode a lookup query", LabelError.L(err))
		return
	}

	s.lk.Lock()
	ann, serving := s.currentAnnouncement()
	s.lk.Unlock()
	if !serving {
		return
	}
	want := Span{Start: q.Start, End: q.End}
	if !want.IsValid() || !want.Intersects(Span{Start: ann.Start, End: ann.End}) {
		return
	}

	payload, err := encodePayload(ann)
	if err != nil {
		s.logger.Error("failed to encode a lookup response", LabelError.L(err))
		return
	}
	if err := event.Respond(payload); err != nil {
		s.logger.Error("failed to answer a lookup query", LabelError.L(err))
	}
}

// currentAnnouncement must be called under lk.
func (s *Swarm) currentAnnouncement() (announcement, bool) {
	if s.ann == nil {
		return announcement{}, false
	}
	return s.ann.current(ServerState(s.ann.state.Load())), true
}

// refreshDirectory floods a lookup query and merges every response into the
// local Directory. Partial participation is fine: whatever answered in time
// is what we learn.
func (s *Swarm) refreshDirectory(ctx context.Context, span Span) error {
	payload, err := encodePayload(lookupQuery{Start: span.Start, End: span.End})
	if err != nil {
		return err
	}

	// best-effort aligning the timeout of the query
	timeout := defaultLookupTimeout
	if dl, hasDl := ctx.Deadline(); hasDl {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	if timeout <= 0 {
		return ctx.Err()
	}

	res, err := s.serf.Query(queryLookup, payload, &serf.QueryParam{
		Timeout: timeout,
	})
	if err != nil {
		return err
	}
	defer res.Close()

	merged := 0
	for {
		select {
		case nodeResp, ok := <-res.ResponseCh():
			if !ok {
				if merged > 0 {
					s.config.msink.IncrCounter(MetricDirectoryRefreshCount, 1.0)
				}
				return nil
			}
			var ann announcement
			if err := decodePayload(nodeResp.Payload, &ann); err != nil {
				s.logger.Warn(
					"invalid lookup response",
					LabelPeerName.L(nodeResp.From),
					LabelError.L(err),
				)
				continue
			}
			if err := s.dir.record(ann, time.Now()); err != nil {
				continue
			}
			merged++
		case <-ctx.Done():
			return ctx.Err()
		case <-s.dropCh:
			return ErrSwarmClosed
		}
	}
}

// Discover plans a Route covering the span from the local Directory view.
// When the snapshot cannot cover it, one cluster-wide refresh is attempted
// before giving up with NoCoverageError.
//
// A zero-value span means the whole model.
func (s *Swarm) Discover(ctx context.Context, span Span) (Route, error) {
	span, err := s.resolveSpan(ctx, span)
	if err != nil {
		return Route{}, err
	}

	start := time.Now()
	route, err := s.planWithRefresh(ctx, planRequest{span: span})
	if err != nil {
		s.config.msink.IncrCounter(MetricPlanErrorCount, 1.0)
		return Route{}, err
	}
	s.config.msink.IncrCounter(MetricPlanCount, 1.0)
	s.config.msink.AddSample(MetricPlanTimeMs, float32(time.Since(start).Milliseconds()))
	return route, nil
}

func (s *Swarm) resolveSpan(ctx context.Context, span Span) (Span, error) {
	if span == (Span{}) {
		meta, err := s.Info(ctx)
		if err != nil {
			return Span{}, err
		}
		return Span{Start: 0, End: meta.NumBlocks}, nil
	}
	if !span.IsValid() {
		return Span{}, ErrInvalidSpan
	}
	return span, nil
}

func (s *Swarm) planWithRefresh(ctx context.Context, req planRequest) (Route, error) {
	req.candidates, _ = snapshotAt(s.dir, req.span)
	route, err := planRoute(req, s.config.planner)
	if err == nil {
		return route, nil
	}
	var noCover *NoCoverageError
	if !errors.As(err, &noCover) {
		return Route{}, err
	}

	if rerr := s.refreshDirectory(ctx, req.span); rerr != nil {
		return Route{}, fmt.Errorf("%w: directory refresh: %w", err, rerr)
	}
	req.candidates, _ = snapshotAt(s.dir, req.span)
	return planRoute(req, s.config.planner)
}

// replanSpan re-plans one sub-span during session recovery.
func (s *Swarm) replanSpan(
	ctx context.Context,
	sub Span,
	avoid map[string]struct{},
	keep map[string]Span,
) ([]Hop, error) {
	route, err := s.planWithRefresh(ctx, planRequest{span: sub, avoid: avoid, keep: keep})
	if err != nil {
		return nil, err
	}
	return route.Hops, nil
}

// OpenSession plans a Route over the span and binds a Session to it. A
// zero-value span means the whole model.
func (s *Swarm) OpenSession(ctx context.Context, span Span) (*Session, error) {
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		return nil, ErrSwarmClosed
	}
	s.lk.Unlock()

	route, err := s.Discover(ctx, span)
	if err != nil {
		return nil, err
	}

	sess := newSession(
		uuid.NewString(),
		route,
		s,
		s,
		s.config.stepTimeout,
		s.logger,
		s.config.msink,
	)
	s.config.msink.IncrCounter(MetricSessionOpenCount, 1.0)
	s.logger.Info(
		"session opened",
		LabelSessionID.L(sess.ID()),
		"route", route.String(),
	)
	return sess, nil
}

// AutoSpan picks the `want`-block span currently served by the fewest
// peers, which is where a new server helps the swarm's coverage most.
func (s *Swarm) AutoSpan(ctx context.Context, want int) (Span, error) {
	meta, err := s.Info(ctx)
	if err != nil {
		return Span{}, err
	}
	if want <= 0 || want > meta.NumBlocks {
		want = meta.NumBlocks
	}

	if err := s.refreshDirectory(ctx, Span{Start: 0, End: meta.NumBlocks}); err != nil {
		s.logger.Warn("directory refresh failed, picking from the local view", LabelError.L(err))
	}

	now := time.Now()
	counts := make([]int, meta.NumBlocks)
	for b := range counts {
		counts[b] = len(s.dir.lookup(b, now))
	}
	return chooseSpan(want, meta.NumBlocks, counts), nil
}

// invokeHop resolves a peer name to its data-plane address and performs
// the remote call. A peer missing from the member list failed faster than
// gossip could tell us.
func (s *Swarm) invokeHop(ctx context.Context, peer string, req hopRequest) (hopResponse, error) {
	addr, err := s.resolveDataAddr(peer)
	if err != nil {
		return hopResponse{}, err
	}
	return s.tr.invokeHop(ctx, addr, req)
}

func (s *Swarm) releaseSession(ctx context.Context, peer string, sessionID string) error {
	addr, err := s.resolveDataAddr(peer)
	if err != nil {
		return err
	}
	return s.tr.releaseSession(ctx, addr, sessionID)
}

func (s *Swarm) resolveDataAddr(peer string) (string, error) {
	for _, member := range s.serf.Members() {
		if member.Name != peer {
			continue
		}
		if member.Status != serf.StatusAlive {
			break
		}
		portStr, has := member.Tags[tagDataPort]
		if !has {
			break
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			break
		}
		return fmt.Sprintf("%s:%d", member.Addr, port), nil
	}
	return "", fmt.Errorf("%w: %s", ErrPeerVanished, peer)
}

func (s *Swarm) Shutdown() error {
	// Phase 1: Shutdown notify.
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		return nil
	}
	s.shutdown = true
	close(s.shutdownCh)
	ann := s.ann
	srv := s.srv
	s.lk.Unlock()

	start := time.Now()
	s.logger.Info("shutting down...")

	if ann != nil {
		// Tombstone goes out while gossip is still alive.
		s.logger.Info("shutdown: stop announcing")
		ann.stop()
	}
	if srv != nil {
		s.logger.Info("shutdown: stop serving blocks")
		srv.close()
	}

	s.logger.Info("shutdown: leave cluster")
	s.serf.Leave()

	// Phase 2: Drop all resources.
	close(s.dropCh)
	s.logger.Info("shutdown: release gossip resources")
	s.serf.Shutdown()
	s.dir.close()
	s.tr.Shutdown()

	s.logger.Info("shutdown: wait for sub-tasks to finish")
	s.wg.Wait()
	<-s.serf.ShutdownCh()

	s.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}
