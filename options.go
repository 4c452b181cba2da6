package chainloom

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

const (
	defaultAnnounceInterval  = 15 * time.Second
	defaultAnnounceTTL       = 45 * time.Second
	defaultStepTimeout       = 30 * time.Second
	defaultSessionTTL        = 30 * time.Minute
	defaultDialTimeout       = 10 * time.Second
	defaultLookupTimeout     = 5 * time.Second
	defaultInitialThroughput = 1.0
)

type config struct {
	serfCfg      *serf.Config
	trCfg        TransportConfig
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	neighbours   []string

	model             SwarmInfo
	announceInterval  time.Duration
	announceTTL       time.Duration
	stepTimeout       time.Duration
	sessionTTL        time.Duration
	planner           plannerConfig
	initialThroughput float64
}

// Option to pass to `Create`
type Option func(*config) error

// WithNodeName specifies which name should be exposed to other peers when
// joining the cluster. For a well-behaving cluster, the name MUST be unique.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.serfCfg.NodeName = name
			c.serfCfg.MemberlistConfig.Name = name
		}
		return nil
	}
}

// WithListenOn specifies the bind address shared by both planes and their
// two UDP ports: gossip for membership and announcements, data for hop
// activations.
func WithListenOn(addr string, gossipPort, dataPort int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.BindAddr = addr
		c.serfCfg.MemberlistConfig.BindPort = gossipPort
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = dataPort
		return nil
	}
}

// WithModel pins the swarm's identity: the model name and how many blocks
// make up the full chain. Required to Serve; clients may instead learn it
// from the first announcement they receive.
func WithModel(name string, numBlocks int) Option {
	return func(c *config) error {
		if name == "" || numBlocks <= 0 {
			return errors.New("a model needs a name and a positive block count")
		}
		c.model = SwarmInfo{Model: name, NumBlocks: numBlocks}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the data plane. It is REALLY
// important that you use mTLS in production since that's the only way to
// secure your swarm at this time.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your Swarm.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Swarm.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still links the legacy armon module, so labels need
		// translating.
		c.serfCfg.MemberlistConfig.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.serfCfg.MemberlistConfig.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithAnnounceInterval controls how often a serving node republishes its
// record. It must stay well under the announce ttl or records flap.
func WithAnnounceInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval > 0 {
			c.announceInterval = interval
		}
		return nil
	}
}

// WithAnnounceTTL controls how long a record stays routable in remote
// Directories after its last refresh.
func WithAnnounceTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl > 0 {
			c.announceTTL = ttl
		}
		return nil
	}
}

// WithStepTimeout bounds each remote hop invocation within a Step.
func WithStepTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout > 0 {
			c.stepTimeout = timeout
		}
		return nil
	}
}

// WithSessionTTL controls how long a serving node keeps continuation state
// for a session that went quiet.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *config) error {
		if ttl > 0 {
			c.sessionTTL = ttl
		}
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = defaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithHintMaxStreams gives an indication of the maximum number of hop
// invocations any single peer may run against this node concurrently.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 1024
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithHopPenalty tunes the fixed per-hop weight the planner adds on top of
// compute time, biasing plans toward fewer peers.
func WithHopPenalty(penalty float64) Option {
	return func(c *config) error {
		if penalty < 0 {
			return errors.New("hop penalty cannot be negative")
		}
		c.planner.HopPenalty = penalty
		return nil
	}
}

// WithStabilityBonus tunes how strongly re-planning prefers to keep the
// surviving hops of a degraded session where they are, from 0 (always chase
// the fastest chain) to 1 (never move a surviving hop for speed).
func WithStabilityBonus(bonus float64) Option {
	return func(c *config) error {
		if bonus < 0 || bonus > 1 {
			return errors.New("stability bonus must be within [0, 1]")
		}
		c.planner.StabilityBonus = bonus
		return nil
	}
}

// WithInitialThroughput seeds the throughput a node advertises before its
// first real measurements, in blocks per second.
func WithInitialThroughput(rate float64) Option {
	return func(c *config) error {
		if rate <= 0 {
			return errors.New("initial throughput must be positive")
		}
		c.initialThroughput = rate
		return nil
	}
}
