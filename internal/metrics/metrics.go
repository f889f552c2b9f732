// Package metrics exposes the consensus engine's prometheus gauges and
// counters, adapted from the teacher's pkg/metrics.Metrics (same
// promauto constructors, generalized from HTTP/analysis metrics to
// view/sequence/phase and message-handling metrics).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge/counter/histogram the engine reports.
type Metrics struct {
	currentView   prometheus.Gauge
	currentSeq    prometheus.Gauge
	currentPhase  *prometheus.GaugeVec
	viewChanges   prometheus.Counter

	messagesHandled *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec

	commitLatency prometheus.Histogram
	sealsBuilt    prometheus.Counter
	catchups      prometheus.Counter

	peersConnected prometheus.Gauge
}

// New builds and registers the engine's metrics.
func New() *Metrics {
	return &Metrics{
		currentView: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbft_current_view",
			Help: "Current consensus view number",
		}),
		currentSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbft_current_seq_num",
			Help: "Current consensus sequence number",
		}),
		currentPhase: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pbft_phase",
			Help: "1 for the node's current phase, 0 otherwise",
		}, []string{"phase"}),
		viewChanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pbft_view_changes_total",
			Help: "Total number of view changes initiated or applied",
		}),
		messagesHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pbft_messages_handled_total",
			Help: "Total consensus messages handled, by type",
		}, []string{"type"}),
		messagesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pbft_messages_rejected_total",
			Help: "Total consensus messages rejected, by error code",
		}, []string{"code"}),
		commitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pbft_commit_latency_seconds",
			Help:    "Time from PrePrepare to commit for a block",
			Buckets: prometheus.DefBuckets,
		}),
		sealsBuilt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pbft_seals_built_total",
			Help: "Total seals built by this node",
		}),
		catchups: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pbft_catchups_total",
			Help: "Total catch-up commits applied from a future seal",
		}),
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pbft_peers_connected",
			Help: "Current number of connected peers",
		}),
	}
}

// SetView records the current view number.
func (m *Metrics) SetView(v uint64) { m.currentView.Set(float64(v)) }

// SetSeqNum records the current sequence number.
func (m *Metrics) SetSeqNum(seq uint64) { m.currentSeq.Set(float64(seq)) }

// SetPhase zeroes every known phase gauge and sets phase to 1.
func (m *Metrics) SetPhase(phase string, known []string) {
	for _, p := range known {
		m.currentPhase.WithLabelValues(p).Set(0)
	}
	m.currentPhase.WithLabelValues(phase).Set(1)
}

// IncViewChange records a view change.
func (m *Metrics) IncViewChange() { m.viewChanges.Inc() }

// RecordMessageHandled records a successfully-handled message of the
// given type.
func (m *Metrics) RecordMessageHandled(messageType string) {
	m.messagesHandled.WithLabelValues(messageType).Inc()
}

// RecordMessageRejected records a rejected message by error code.
func (m *Metrics) RecordMessageRejected(code string) {
	m.messagesRejected.WithLabelValues(code).Inc()
}

// ObserveCommitLatency records the PrePrepare-to-commit duration.
func (m *Metrics) ObserveCommitLatency(d time.Duration) {
	m.commitLatency.Observe(d.Seconds())
}

// IncSealsBuilt records a seal built by this node.
func (m *Metrics) IncSealsBuilt() { m.sealsBuilt.Inc() }

// IncCatchups records a catch-up commit.
func (m *Metrics) IncCatchups() { m.catchups.Inc() }

// SetPeersConnected records the current peer count.
func (m *Metrics) SetPeersConnected(n int) { m.peersConnected.Set(float64(n)) }

// Registry returns the default prometheus gatherer, for wiring into an
// HTTP /metrics handler.
func (m *Metrics) Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
