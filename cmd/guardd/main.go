package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailward/tuner/bundles"
	"github.com/mailward/tuner/config"
	"github.com/mailward/tuner/pkg/feed"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/pkg/tracing"
	"github.com/mailward/tuner/rollout"
	"github.com/mailward/tuner/trainer"
	"github.com/mailward/tuner/weights"
)

func main() {
	configPath := flag.String("config", "tuner.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	var tracer *tracing.Tracer
	if cfg.Tracing.Enabled {
		tracer, err = tracing.NewTracer(tracing.Config{
			ServiceName:    "tuner-guardd",
			ServiceVersion: "1.0.0",
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			Environment:    cfg.Tracing.Environment,
		})
		if err != nil {
			logger.Fatal("failed to create tracer", "error", err.Error())
		}
		defer tracer.Shutdown(context.Background())
	}

	// Wire storage
	store, err := settings.NewSQLiteStore(cfg.Storage.SettingsPath)
	if err != nil {
		logger.Fatal("failed to open settings store", "error", err.Error())
	}
	defer store.Close()
	repo := settings.NewRepository(store)

	feeds, err := feed.NewSQLiteFeed(cfg.Storage.FeedPath)
	if err != nil {
		logger.Fatal("failed to open feed store", "error", err.Error())
	}
	defer feeds.Close()

	// Wire components
	prom := metrics.NewPrometheusMetrics()
	estimator := weights.NewEstimator(feeds, feeds, repo, logger, prom)
	extractors := trainer.NewExtractorRegistry()
	extractors.Register("classifier", trainer.MessageExtractor{})
	tr := trainer.NewTrainer(feeds, extractors, trainer.NewBuiltinFitter(), repo, logger, prom)
	manager := bundles.NewManager(repo, tr, logger, prom)
	metricsStore := rollout.NewMetricsStore(feeds)
	detector := rollout.NewDetector(metricsStore, repo, logger, prom, cfg.Guard.Thresholds, cfg.Guard.WindowRuns)
	guard := rollout.NewGuard(manager, detector, metricsStore, repo, logger, prom, cfg.Guard.Stages)
	if tracer != nil {
		estimator.WithTracer(tracer)
		tr.WithTracer(tracer)
		manager.WithTracer(tracer)
		guard.WithTracer(tracer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nightly loop
	interval := time.Duration(cfg.Guard.CheckIntervalHours) * time.Hour
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runNightly(ctx, cfg, repo, estimator, guard, logger)
			}
		}
	}()

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: ":" + cfg.Guard.MetricsPort, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("guardd starting", "port", cfg.Guard.MetricsPort, "check_interval", interval.String())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", "error", err.Error())
	}
}

// runNightly is one full pass: refresh judge weights, auto-apply approved
// bundles as canaries, then walk every canary through the staged schedule.
func runNightly(ctx context.Context, cfg config.Config, repo *settings.Repository, estimator *weights.Estimator, guard *rollout.Guard, logger *logging.Logger) {
	agents, err := repo.Agents(ctx)
	if err != nil {
		logger.Error("nightly pass could not list agents", "error", err.Error())
		return
	}

	weightResults := estimator.UpdateAll(ctx, agents, cfg.Weights.LookbackDays, cfg.Weights.DecayHalflifeDays)
	for agent, res := range weightResults {
		if res.Err != nil {
			logger.Warn("weight update failed", "agent", agent, "error", res.Err.Error())
		}
	}

	applied, err := guard.AutoApplyApprovedBundles(ctx, cfg.Guard.InitialPercent)
	if err != nil {
		logger.Warn("auto-apply pass failed", "error", err.Error())
	} else if applied > 0 {
		logger.Info("auto-applied bundles", "count", applied)
	}

	results := guard.NightlyGuardCheck(ctx)
	for agent, res := range results {
		if res.Err != nil {
			logger.Warn("guard check failed", "agent", agent, "error", res.Err.Error())
			continue
		}
		logger.Info("guard check done", "agent", agent, "status", string(res.Result.Status), "percent", res.Result.Percent)
	}
}
