package chainloom

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricAnnounceOutCount      = []string{"chainloom", "announce", "out", "count"}
	MetricAnnounceOutErrorCount = []string{"chainloom", "announce", "out", "error", "count"}
	MetricAnnounceInCount       = []string{"chainloom", "announce", "in", "count"}
	MetricDirectoryEvictedCount = []string{"chainloom", "directory", "evicted", "count"}
	MetricDirectoryRefreshCount = []string{"chainloom", "directory", "refresh", "count"}

	MetricPlanCount      = []string{"chainloom", "plan", "count"}
	MetricPlanErrorCount = []string{"chainloom", "plan", "error", "count"}
	MetricPlanTimeMs     = []string{"chainloom", "plan", "time", "ms"}

	MetricSessionOpenCount   = []string{"chainloom", "session", "open", "count"}
	MetricSessionRepairCount = []string{"chainloom", "session", "repair", "count"}
	MetricSessionFailedCount = []string{"chainloom", "session", "failed", "count"}
	MetricStepTimeMs         = []string{"chainloom", "session", "step", "time", "ms"}

	MetricHopOutCount      = []string{"chainloom", "hop", "out", "count"}
	MetricHopOutErrorCount = []string{"chainloom", "hop", "out", "error", "count"}
	MetricHopInCount       = []string{"chainloom", "hop", "in", "count"}
	MetricHopInErrorCount  = []string{"chainloom", "hop", "in", "error", "count"}
	MetricHopServeTimeMs   = []string{"chainloom", "hop", "serve", "time", "ms"}

	MetricConnEstCount   = []string{"chainloom", "connection", "established", "count"}
	MetricConnErrorCount = []string{"chainloom", "connection", "error", "count"}
	MetricStateReapCount = []string{"chainloom", "state", "reaped", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
	LabelPeerName  TelemetryLabel = "peer_name"
	LabelBlockSpan TelemetryLabel = "block_span"
	LabelSessionID TelemetryLabel = "session_id"
	LabelDirection TelemetryLabel = "direction"
	LabelDuration  TelemetryLabel = "duration"
	LabelPosition  TelemetryLabel = "position"
	LabelHop       TelemetryLabel = "hop"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
