package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ConsolidationRuns    *prometheus.CounterVec
	ConsolidationLatency prometheus.Histogram
	TurnsConsolidated    prometheus.Counter
	MemoriesCreated      prometheus.Counter
	ProviderErrors       *prometheus.CounterVec
	TurnsPurged          prometheus.Counter
	SearchHits           prometheus.Counter
	QueueDepth           prometheus.Gauge
	ActiveConversations  prometheus.Gauge
	ConversationEvents   *prometheus.CounterVec

	stages *stageWindow
}

// NewMetrics registers the instruments on reg. A nil reg leaves them
// unregistered, which keeps tests isolated.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConsolidationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation attempts by outcome.",
		}, []string{"outcome"}),
		ConsolidationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_latency_ms",
			Help:      "End-to-end consolidation latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}),
		TurnsConsolidated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_consolidated_total",
			Help:      "Short-term turns removed by consolidation.",
		}),
		MemoriesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_created_total",
			Help:      "Long-term memories written by consolidation.",
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and operation.",
		}, []string{"provider", "op"}),
		TurnsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_purged_total",
			Help:      "Expired short-term turns removed by the sweeper.",
		}),
		SearchHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_search_hits_total",
			Help:      "Long-term memories returned to context assembly.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consolidation_queue_depth",
			Help:      "Consolidation jobs waiting for a worker.",
		}),
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Conversations with recent activity.",
		}),
		ConversationEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_events_total",
			Help:      "Conversation events by type.",
		}, []string{"event"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveConsolidation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ConsolidationRuns.WithLabelValues(outcome).Inc()
	m.ConsolidationLatency.Observe(float64(d.Milliseconds()))
	m.stages.ObserveIndicator(outcome)
}

func (m *Metrics) AddConsolidated(turns, memories int) {
	if m == nil {
		return
	}
	m.TurnsConsolidated.Add(float64(turns))
	m.MemoriesCreated.Add(float64(memories))
}

func (m *Metrics) ProviderError(provider, op string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, op).Inc()
}

func (m *Metrics) AddPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TurnsPurged.Add(float64(n))
}

func (m *Metrics) AddSearchHits(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SearchHits.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetActiveConversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}

func (m *Metrics) ConversationEvent(event string) {
	if m == nil {
		return
	}
	m.ConversationEvents.WithLabelValues(event).Inc()
}

// ObserveStage records how long one consolidation stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

// StageSnapshot summarises the rolling stage window.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

// MetricsHandler serves g, or the default registry when g is nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
