package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop stages label the place a best-effort operation was abandoned.
const (
	StageReplay     = "replay"
	StageCatchup    = "catchup"
	StageLive       = "live"
	StageEnable     = "enable"
	StageSnapshot   = "snapshot"
	StageAggregate  = "aggregate"
	StageHistory    = "history"
	StageDeregister = "deregister"
	StageTouch      = "touch"
)

// Metrics groups the server's prometheus collectors.
type Metrics struct {
	Dropped           *prometheus.CounterVec
	CatchupPolls      prometheus.Counter
	SnapshotsAppended prometheus.Counter
	ConnectionsActive *prometheus.GaugeVec
	SweptConnections  prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hackathon",
			Name:      "dropped_total",
			Help:      "Best-effort operations that failed and were dropped, by stage.",
		}, []string{"stage"}),
		CatchupPolls: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hackathon",
			Name:      "catchup_polls_total",
			Help:      "Catch-up loop iterations.",
		}),
		SnapshotsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hackathon",
			Name:      "snapshots_appended_total",
			Help:      "Event snapshots written to the log.",
		}),
		ConnectionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hackathon",
			Name:      "connections_active",
			Help:      "Open client connections, by mode.",
		}, []string{"mode"}),
		SweptConnections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hackathon",
			Name:      "connections_swept_total",
			Help:      "Stale connection rows removed by the sweeper.",
		}),
	}
}
