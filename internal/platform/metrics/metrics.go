// Package metrics holds the Prometheus collectors for duplicate detection and
// resolution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the duplicate engine.
//
// Metrics:
//   - intake_detection_runs_total{trigger,outcome}
//   - intake_detection_run_duration_seconds{trigger}
//   - intake_detection_cases_skipped_total
//   - intake_candidates_created_total{match_type}
//   - intake_candidate_confidence{match_type}
//   - intake_resolutions_total{action,outcome}
//   - intake_merges_total
//   - intake_pending_candidates
type Metrics struct {
	DetectionRuns        *prometheus.CounterVec
	DetectionRunDuration *prometheus.HistogramVec
	CasesSkipped         prometheus.Counter
	CandidatesCreated    *prometheus.CounterVec
	CandidateConfidence  *prometheus.HistogramVec
	Resolutions          *prometheus.CounterVec
	Merges               prometheus.Counter
	PendingCandidates    prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DetectionRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_detection_runs_total",
			Help: "Duplicate detection runs by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		DetectionRunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_detection_run_duration_seconds",
			Help:    "Wall time of duplicate detection runs",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"trigger"}),
		CasesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_detection_cases_skipped_total",
			Help: "Cases skipped during detection because of an error",
		}),
		CandidatesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_candidates_created_total",
			Help: "Duplicate candidates inserted into the review queue",
		}, []string{"match_type"}),
		CandidateConfidence: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_candidate_confidence",
			Help:    "Confidence of newly created duplicate candidates",
			Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		}, []string{"match_type"}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_resolutions_total",
			Help: "Reviewer decisions by action and outcome",
		}, []string{"action", "outcome"}),
		Merges: f.NewCounter(prometheus.CounterOpts{
			Name: "intake_merges_total",
			Help: "Cases merged into a primary",
		}),
		PendingCandidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "intake_pending_candidates",
			Help: "Candidates awaiting review as of the last detection run",
		}),
	}
}

// ObserveRun records a finished detection run.
func (m *Metrics) ObserveRun(trigger string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DetectionRuns.WithLabelValues(trigger, outcome).Inc()
	m.DetectionRunDuration.WithLabelValues(trigger).Observe(time.Since(started).Seconds())
}

func (m *Metrics) CandidateCreated(matchType string, confidence float64) {
	if m == nil {
		return
	}
	m.CandidatesCreated.WithLabelValues(matchType).Inc()
	m.CandidateConfidence.WithLabelValues(matchType).Observe(confidence)
}

func (m *Metrics) CaseSkipped() {
	if m == nil {
		return
	}
	m.CasesSkipped.Inc()
}

// Resolution records a reviewer decision. outcome is "ok", "conflict",
// "invalid" or "error".
func (m *Metrics) Resolution(action, outcome string, merged int) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(action, outcome).Inc()
	if merged > 0 {
		m.Merges.Add(float64(merged))
	}
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingCandidates.Set(float64(n))
}
