package chainloom

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// publisher pushes an announcement into the swarm. Implemented by Swarm on
// top of serf user events; faked in tests.
type publisher interface {
	broadcast(ann announcement) error
}

// announcer periodically re-publishes this server's record, with a fresh
// throughput reading, under an interval strictly shorter than the ttl.
//
// Deregistration is mostly implicit: stop republishing and the record fades
// out of every directory within one ttl. A graceful stop additionally sends
// one Offline tombstone so well-connected peers drop us immediately.
type announcer struct {
	pub      publisher
	meter    *throughputMeter
	span     Span
	info     SwarmInfo
	peer     string
	interval time.Duration
	ttl      time.Duration

	rev   atomic.Uint64
	state atomic.Uint32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
	msink  metrics.MetricSink
}

func newAnnouncer(
	pub publisher,
	meter *throughputMeter,
	peer string,
	span Span,
	info SwarmInfo,
	interval, ttl time.Duration,
	logger *slog.Logger,
	msink metrics.MetricSink,
) *announcer {
	a := &announcer{
		pub:      pub,
		meter:    meter,
		span:     span,
		info:     info,
		peer:     peer,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
		logger:   logger.With(LabelBlockSpan.L(span.String())),
		msink:    msink,
	}
	a.state.Store(uint32(ServerJoining))
	return a
}

func (a *announcer) start() {
	a.announceOnce()
	a.wg.Add(1)
	go a.run()
}

// online flips the advertised state once the executor is warm.
func (a *announcer) online() {
	a.state.Store(uint32(ServerOnline))
	a.announceOnce()
}

func (a *announcer) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.announceOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *announcer) announceOnce() {
	ann := a.current(ServerState(a.state.Load()))
	if err := a.pub.broadcast(ann); err != nil {
		a.msink.IncrCounter(MetricAnnounceOutErrorCount, 1.0)
		a.logger.Warn("failed to announce served blocks", LabelError.L(err))
		return
	}
	a.msink.IncrCounter(MetricAnnounceOutCount, 1.0)
}

// current builds the next announcement; each one carries a higher rev so
// members can discard out-of-order gossip.
func (a *announcer) current(state ServerState) announcement {
	return announcement{
		Peer:       a.peer,
		Start:      a.span.Start,
		End:        a.span.End,
		Throughput: a.meter.Rate(),
		State:      uint8(state),
		Rev:        a.rev.Add(1),
		TTLMillis:  a.ttl.Milliseconds(),
		Model:      a.info.Model,
		NumBlocks:  a.info.NumBlocks,
	}
}

// stop sends the Offline tombstone and halts republishing.
func (a *announcer) stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()

		tombstone := a.current(ServerOffline)
		if err := a.pub.broadcast(tombstone); err != nil {
			// ttl eviction is the backstop, losing the tombstone only
			// costs remote peers a few seconds of staleness.
			a.logger.Debug("offline tombstone not delivered", LabelError.L(err))
		}
		a.logger.Info("stopped announcing served blocks")
	})
}
