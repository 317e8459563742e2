package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds all Prometheus metrics
type PrometheusMetrics struct {
	// Weight estimator metrics
	WeightUpdatesTotal    *prometheus.CounterVec
	WeightUpdateDuration  *prometheus.HistogramVec
	JudgeWeight           *prometheus.GaugeVec

	// Sampler metrics
	SampledCandidatesTotal *prometheus.CounterVec

	// Trainer metrics
	TrainingRunsTotal *prometheus.CounterVec
	TrainingAccuracy  *prometheus.GaugeVec

	// Bundle lifecycle metrics
	BundleTransitionsTotal *prometheus.CounterVec
	RollbacksTotal         *prometheus.CounterVec

	// Guard metrics
	CanaryPercent        *prometheus.GaugeVec
	GuardDecisionsTotal  *prometheus.CounterVec
	KillSwitchTripsTotal prometheus.Counter
	NightlyCheckDuration prometheus.Histogram
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		WeightUpdatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_weight_updates_total",
				Help: "Total number of judge weight recomputes",
			},
			[]string{"agent", "status"},
		),

		WeightUpdateDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tuner_weight_update_seconds",
				Help:    "Judge weight recompute duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),

		JudgeWeight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuner_judge_weight",
				Help: "Current trust weight per judge",
			},
			[]string{"agent", "judge"},
		),

		SampledCandidatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_sampled_candidates_total",
				Help: "Total number of items selected for human review",
			},
			[]string{"agent", "method"},
		),

		TrainingRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_training_runs_total",
				Help: "Total number of training runs",
			},
			[]string{"agent", "status"},
		),

		TrainingAccuracy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuner_training_accuracy",
				Help: "Training accuracy of the most recent bundle",
			},
			[]string{"agent", "model_type"},
		),

		BundleTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_bundle_transitions_total",
				Help: "Total number of bundle lifecycle transitions",
			},
			[]string{"agent", "from", "to"},
		),

		RollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_rollbacks_total",
				Help: "Total number of bundle rollbacks",
			},
			[]string{"agent", "trigger"},
		),

		CanaryPercent: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tuner_canary_percent",
				Help: "Current canary traffic percent per agent",
			},
			[]string{"agent"},
		),

		GuardDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tuner_guard_decisions_total",
				Help: "Total number of guard rollout decisions",
			},
			[]string{"agent", "decision"},
		),

		KillSwitchTripsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tuner_kill_switch_trips_total",
				Help: "Total number of kill switch trips",
			},
		),

		NightlyCheckDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tuner_nightly_check_seconds",
				Help:    "Nightly guard check duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordWeightUpdate records one judge weight recompute
func (m *PrometheusMetrics) RecordWeightUpdate(agent, status string, duration time.Duration) {
	m.WeightUpdatesTotal.WithLabelValues(agent, status).Inc()
	m.WeightUpdateDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordJudgeWeight records the current weight of one judge
func (m *PrometheusMetrics) RecordJudgeWeight(agent, judge string, weight float64) {
	m.JudgeWeight.WithLabelValues(agent, judge).Set(weight)
}

// RecordSampledCandidate records one item selected for review
func (m *PrometheusMetrics) RecordSampledCandidate(agent, method string) {
	m.SampledCandidatesTotal.WithLabelValues(agent, method).Inc()
}

// RecordTrainingRun records a training attempt
func (m *PrometheusMetrics) RecordTrainingRun(agent, status string) {
	m.TrainingRunsTotal.WithLabelValues(agent, status).Inc()
}

// RecordTrainingAccuracy records the accuracy of a freshly trained bundle
func (m *PrometheusMetrics) RecordTrainingAccuracy(agent, modelType string, accuracy float64) {
	m.TrainingAccuracy.WithLabelValues(agent, modelType).Set(accuracy)
}

// RecordBundleTransition records a bundle lifecycle transition
func (m *PrometheusMetrics) RecordBundleTransition(agent, from, to string) {
	m.BundleTransitionsTotal.WithLabelValues(agent, from, to).Inc()
}

// RecordRollback records a rollback and what triggered it
func (m *PrometheusMetrics) RecordRollback(agent, trigger string) {
	m.RollbacksTotal.WithLabelValues(agent, trigger).Inc()
}

// RecordCanaryPercent records the current canary split for an agent
func (m *PrometheusMetrics) RecordCanaryPercent(agent string, percent float64) {
	m.CanaryPercent.WithLabelValues(agent).Set(percent)
}

// RecordGuardDecision records one guard decision
func (m *PrometheusMetrics) RecordGuardDecision(agent, decision string) {
	m.GuardDecisionsTotal.WithLabelValues(agent, decision).Inc()
}

// RecordKillSwitchTrip records a kill switch trip
func (m *PrometheusMetrics) RecordKillSwitchTrip() {
	m.KillSwitchTripsTotal.Inc()
}

// RecordNightlyCheck records the duration of one nightly guard pass
func (m *PrometheusMetrics) RecordNightlyCheck(duration time.Duration) {
	m.NightlyCheckDuration.Observe(duration.Seconds())
}
