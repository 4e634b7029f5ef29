package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for the evaluation and delivery
// planes, and mirrors the decision counters into plain maps for the JSON
// /v1/metrics view.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	decisions        *prometheus.CounterVec
	ruleFires        *prometheus.CounterVec
	riskBuckets      *prometheus.CounterVec
	classifierErrors prometheus.Counter
	auditLatency     prometheus.Histogram
	sinkDeliveries   *prometheus.CounterVec
	deadLetters      *prometheus.CounterVec

	mu       sync.Mutex
	byAction map[string]uint64
	byRule   map[string]uint64
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jimini",
		Subsystem: "engine",
		Name:      "decisions_total",
		Help:      "Evaluations by endpoint, direction, and final action.",
	}, []string{"endpoint", "direction", "action"})

	ruleFires := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jimini",
		Subsystem: "engine",
		Name:      "rule_fires_total",
		Help:      "Rule firings by endpoint, direction, rule id, and rule action.",
	}, []string{"endpoint", "direction", "rule_id", "action"})

	riskBuckets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jimini",
		Subsystem: "engine",
		Name:      "risk_bucket_total",
		Help:      "Decisions by computed risk bucket.",
	}, []string{"bucket"})

	classifierErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jimini",
		Subsystem: "engine",
		Name:      "classifier_errors_total",
		Help:      "External classifier calls that failed and were treated as did-not-fire.",
	})

	auditLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jimini",
		Subsystem: "audit",
		Name:      "append_duration_seconds",
		Help:      "Latency distribution for durable audit chain appends.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	sinkDeliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jimini",
		Subsystem: "forwarder",
		Name:      "deliveries_total",
		Help:      "Sink delivery attempts by outcome.",
	}, []string{"sink", "outcome"})

	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jimini",
		Subsystem: "forwarder",
		Name:      "dead_letters_total",
		Help:      "Records parked in the dead-letter queue by reason.",
	}, []string{"sink", "reason"})

	reg.MustRegister(decisions, ruleFires, riskBuckets, classifierErrors, auditLatency, sinkDeliveries, deadLetters)

	return &Recorder{
		gatherer:         reg,
		handler:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		decisions:        decisions,
		ruleFires:        ruleFires,
		riskBuckets:      riskBuckets,
		classifierErrors: classifierErrors,
		auditLatency:     auditLatency,
		sinkDeliveries:   sinkDeliveries,
		deadLetters:      deadLetters,
		byAction:         make(map[string]uint64),
		byRule:           make(map[string]uint64),
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveDecision records one completed evaluation under its final action.
func (r *Recorder) ObserveDecision(endpoint, direction, action string) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(endpoint, direction, action).Inc()
	r.mu.Lock()
	r.byAction[action]++
	r.mu.Unlock()
}

// ObserveRuleFire records one rule landing in the firing set.
func (r *Recorder) ObserveRuleFire(endpoint, direction, ruleID, action string) {
	if r == nil {
		return
	}
	r.ruleFires.WithLabelValues(endpoint, direction, ruleID, action).Inc()
	r.mu.Lock()
	r.byRule[ruleID]++
	r.mu.Unlock()
}

// ObserveRisk records the bucket a decision scored into.
func (r *Recorder) ObserveRisk(bucket string) {
	if r == nil {
		return
	}
	r.riskBuckets.WithLabelValues(bucket).Inc()
}

// ObserveClassifierError counts an external classifier failure.
func (r *Recorder) ObserveClassifierError() {
	if r == nil {
		return
	}
	r.classifierErrors.Inc()
}

// ObserveAuditAppend records how long a durable append took.
func (r *Recorder) ObserveAuditAppend(d time.Duration) {
	if r == nil {
		return
	}
	r.auditLatency.Observe(d.Seconds())
}

// ObserveDelivery records a sink delivery attempt.
func (r *Recorder) ObserveDelivery(sink, outcome string) {
	if r == nil {
		return
	}
	r.sinkDeliveries.WithLabelValues(sink, outcome).Inc()
}

// ObserveDeadLetter records a dead-lettered event.
func (r *Recorder) ObserveDeadLetter(sink, reason string) {
	if r == nil {
		return
	}
	r.deadLetters.WithLabelValues(sink, reason).Inc()
}

// Totals snapshots the per-final-action counters for /v1/metrics.
func (r *Recorder) Totals() map[string]uint64 {
	if r == nil {
		return map[string]uint64{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.byAction))
	for action, n := range r.byAction {
		out[action] = n
	}
	return out
}

// ByRule snapshots the per-rule firing counters for /v1/metrics.
func (r *Recorder) ByRule() map[string]uint64 {
	if r == nil {
		return map[string]uint64{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.byRule))
	for id, n := range r.byRule {
		out[id] = n
	}
	return out
}
