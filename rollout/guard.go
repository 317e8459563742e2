package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mailward/tuner/bundles"
	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/pkg/tracing"
)

// Recommendation is the guard's read on a canary.
type Recommendation string

const (
	RecommendRollback Recommendation = "rollback"
	RecommendPromote  Recommendation = "promote"
	RecommendMonitor  Recommendation = "monitor"
)

// RolloutStatus reports what one guard pass did to an agent's canary.
type RolloutStatus string

const (
	StatusNoCanary   RolloutStatus = "no_canary"
	StatusRolledBack RolloutStatus = "rolled_back"
	StatusMonitoring RolloutStatus = "monitoring"
	StatusAdvanced   RolloutStatus = "advanced"
	StatusPromoted   RolloutStatus = "promoted"
)

// Promotion limits: the canary must beat the baseline by this much quality,
// or cut p95 latency by this fraction, before traffic advances.
const (
	promoteQualityGain  = 2.0
	promoteLatencyRatio = 0.9
)

// DefaultStages is the staged traffic schedule.
var DefaultStages = []float64{10, 50, 100}

// RolloutResult is the outcome of one gradual-rollout step.
type RolloutResult struct {
	Status  RolloutStatus `json:"status"`
	Percent float64       `json:"percent"`
}

// Guard is the top-level control loop: it auto-applies approved bundles as
// low-traffic canaries, reads the regression detector, and walks canaries
// through the staged schedule. It owns canary-state transitions and
// delegates every config swap to the bundle manager.
type Guard struct {
	manager  *bundles.Manager
	detector *Detector
	store    *MetricsStore
	repo     *settings.Repository
	logger   *logging.Logger
	prom     *metrics.PrometheusMetrics
	tracer   *tracing.Tracer
	clock    core.Clock
	stages   []float64
	limiter  *rate.Limiter

	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.Mutex
}

// NewGuard creates the online learning guard.
func NewGuard(manager *bundles.Manager, detector *Detector, store *MetricsStore, repo *settings.Repository, logger *logging.Logger, prom *metrics.PrometheusMetrics, stages []float64) *Guard {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	return &Guard{
		manager:  manager,
		detector: detector,
		store:    store,
		repo:     repo,
		logger:   logger,
		prom:     prom,
		clock:    core.SystemClock{},
		stages:   stages,
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// WithClock replaces the clock, for deterministic tests.
func (g *Guard) WithClock(clock core.Clock) *Guard {
	g.clock = clock
	return g
}

// WithTracer attaches a tracer. Without one, rollout passes emit no spans.
func (g *Guard) WithTracer(tracer *tracing.Tracer) *Guard {
	g.tracer = tracer
	return g
}

// breaker returns the circuit breaker guarding one agent's nightly work, so
// an agent whose stores keep failing stops being retried while its siblings
// continue.
func (g *Guard) breaker(agent string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[agent]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("guard-%s", agent),
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("guard breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	g.breakers[agent] = cb
	return cb
}

// AutoApplyApprovedBundles deploys every approved, not-yet-applied bundle as
// a canary at the initial traffic percent. A hard abort when the kill switch
// is on: nothing new reaches traffic until an operator clears it.
func (g *Guard) AutoApplyApprovedBundles(ctx context.Context, initialPercent float64) (int, error) {
	if err := g.checkKillSwitch(ctx); err != nil {
		return 0, err
	}

	approved, err := g.manager.ListApprovedUnapplied(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, req := range approved {
		if _, err := g.manager.ApplyApprovedBundle(ctx, req.ID, initialPercent); err != nil {
			g.logger.Warn("auto-apply failed", "agent", req.Agent, "request_id", req.ID, "error", err.Error())
			continue
		}
		applied++
		g.logger.Info("auto-applied approved bundle",
			"agent", req.Agent,
			"request_id", req.ID,
			"canary_percent", initialPercent)
	}
	return applied, nil
}

// CheckCanaryPerformance classifies an agent's canary into rollback, promote
// or monitor. Monitor is the conservative default: promotion needs a clear
// win and enough canary samples.
func (g *Guard) CheckCanaryPerformance(ctx context.Context, agent string) (Recommendation, error) {
	verdict, err := g.detector.Evaluate(ctx, agent)
	if err != nil {
		return RecommendMonitor, err
	}
	if verdict.Action == core.ActionRollback {
		return RecommendRollback, nil
	}
	if verdict.Reason == "insufficient_sample" {
		return RecommendMonitor, nil
	}

	window, err := g.store.WindowStats(ctx, agent, g.detector.windowRuns)
	if err != nil {
		return RecommendMonitor, err
	}
	if window.Canary.Quality >= window.Baseline.Quality+promoteQualityGain {
		return RecommendPromote, nil
	}
	if window.Baseline.LatencyP95MS > 0 && window.Canary.LatencyP95MS <= window.Baseline.LatencyP95MS*promoteLatencyRatio {
		return RecommendPromote, nil
	}
	return RecommendMonitor, nil
}

// GradualRollout runs one staged-rollout step for an agent. On promote the
// canary advances to the next stage strictly greater than its current
// percent; reaching the final stage makes the canary the new active. The
// kill switch is re-checked before any promotion step and an already-on
// switch aborts hard.
func (g *Guard) GradualRollout(ctx context.Context, agent string, stages []float64) (RolloutResult, error) {
	if len(stages) == 0 {
		stages = g.stages
	}
	start := g.clock.Now()

	percent, err := g.repo.CanaryPercent(ctx, agent)
	if err != nil {
		return RolloutResult{}, err
	}
	if percent == 0 {
		return RolloutResult{Status: StatusNoCanary}, nil
	}

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.StartGuardSpan(ctx, agent, percent)
		defer span.End()
	}

	recommendation, err := g.CheckCanaryPerformance(ctx, agent)
	if err != nil {
		return RolloutResult{}, err
	}

	switch recommendation {
	case RecommendRollback:
		if err := g.manager.DiscardCanary(ctx, agent); err != nil {
			return RolloutResult{}, err
		}
		g.prom.RecordRollback(agent, "regression")
		g.prom.RecordGuardDecision(agent, string(StatusRolledBack))
		g.logger.LogGuardDecision(ctx, agent, string(StatusRolledBack), 0, g.clock.Now().Sub(start))
		return RolloutResult{Status: StatusRolledBack}, nil

	case RecommendPromote:
		if err := g.checkKillSwitch(ctx); err != nil {
			return RolloutResult{}, err
		}

		next, final := nextStage(stages, percent)
		if final {
			if _, err := g.manager.PromoteCanary(ctx, agent); err != nil {
				return RolloutResult{}, err
			}
			g.prom.RecordGuardDecision(agent, string(StatusPromoted))
			g.logger.LogGuardDecision(ctx, agent, string(StatusPromoted), 100, g.clock.Now().Sub(start))
			return RolloutResult{Status: StatusPromoted, Percent: 100}, nil
		}

		if err := g.repo.SetCanaryPercent(ctx, agent, next); err != nil {
			return RolloutResult{}, err
		}
		g.prom.RecordCanaryPercent(agent, next)
		g.prom.RecordGuardDecision(agent, string(StatusAdvanced))
		g.logger.LogGuardDecision(ctx, agent, string(StatusAdvanced), next, g.clock.Now().Sub(start))
		return RolloutResult{Status: StatusAdvanced, Percent: next}, nil

	default:
		g.prom.RecordGuardDecision(agent, string(StatusMonitoring))
		g.logger.LogGuardDecision(ctx, agent, string(StatusMonitoring), percent, g.clock.Now().Sub(start))
		return RolloutResult{Status: StatusMonitoring, Percent: percent}, nil
	}
}

// nextStage picks the first stage strictly greater than the current percent.
// final reports that the pick reaches (or nothing remains below) 100.
func nextStage(stages []float64, current float64) (next float64, final bool) {
	for _, stage := range stages {
		if stage > current {
			return stage, stage >= 100
		}
	}
	return 100, true
}

// checkKillSwitch returns ErrKillSwitchActive when the global switch is on.
func (g *Guard) checkKillSwitch(ctx context.Context) error {
	state, err := g.repo.KillSwitch(ctx)
	if err != nil {
		return err
	}
	if state.Active {
		return fmt.Errorf("%w: %s", core.ErrKillSwitchActive, state.Reason)
	}
	return nil
}

// NightlyGuardCheck runs one gradual-rollout step for every agent with a
// canary in flight. One agent's failure becomes an error value in its slot;
// siblings keep running.
func (g *Guard) NightlyGuardCheck(ctx context.Context) map[string]NightlyResult {
	start := g.clock.Now()
	defer func() {
		g.prom.RecordNightlyCheck(g.clock.Now().Sub(start))
	}()

	agents, err := g.repo.Agents(ctx)
	if err != nil {
		g.logger.Error("nightly check could not list agents", "error", err.Error())
		return map[string]NightlyResult{}
	}

	results := make([]NightlyResult, len(agents))
	g2, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		i, agent := i, agent
		g2.Go(func() error {
			results[i] = g.nightlyAgentCheck(gctx, agent)
			return nil
		})
	}
	_ = g2.Wait()

	out := make(map[string]NightlyResult, len(agents))
	for i, agent := range agents {
		if results[i].Skipped {
			continue
		}
		out[agent] = results[i]
	}
	return out
}

// NightlyResult is one agent's slot in the nightly batch outcome.
type NightlyResult struct {
	Result  RolloutResult
	Err     error
	Skipped bool // no canary in flight
}

// nightlyAgentCheck runs one agent's rollout step behind its breaker and the
// shared pacing limiter.
func (g *Guard) nightlyAgentCheck(ctx context.Context, agent string) NightlyResult {
	percent, err := g.repo.CanaryPercent(ctx, agent)
	if err != nil {
		return NightlyResult{Err: err}
	}
	if percent == 0 {
		return NightlyResult{Skipped: true}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return NightlyResult{Err: err}
	}

	v, err := g.breaker(agent).Execute(func() (interface{}, error) {
		return g.GradualRollout(ctx, agent, nil)
	})
	if err != nil {
		g.logger.Warn("nightly check failed", "agent", agent, "error", err.Error())
		return NightlyResult{Err: err}
	}
	return NightlyResult{Result: v.(RolloutResult)}
}
