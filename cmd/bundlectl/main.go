package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mailward/tuner/bundles"
	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/config"
	"github.com/mailward/tuner/pkg/feed"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/sampler"
	"github.com/mailward/tuner/trainer"
	"github.com/mailward/tuner/weights"
)

const usage = `bundlectl manages heuristic bundles and the rollout kill switch.

Usage: bundlectl [-config path] <command> [args]

Commands:
  list-pending                    list approval requests awaiting review
  approve -id ID -by WHO [-why S] approve a pending request
  reject -id ID -by WHO [-why S]  reject a pending request
  apply -id ID [-percent N]       apply an approved request as a canary
  rollback -agent AGENT           restore the backup bundle for an agent
  promote -agent AGENT            promote the canary to active
  status -agent AGENT             show active/canary bundles and percent
  weights -agent AGENT            show judge reliability weights
  sample -agent AGENT [-n N]      list uncertain items for human review
  train -agent AGENT              train a draft bundle from labeled examples
  kill-status                     show the kill switch state
  kill-clear                      clear the kill switch
`

type env struct {
	cfg     config.Config
	repo    *settings.Repository
	feeds   *feed.SQLiteFeed
	manager *bundles.Manager
	prom    *metrics.PrometheusMetrics
}

func main() {
	log.SetFlags(0)

	configPath := flag.String("config", "tuner.yaml", "path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := settings.NewSQLiteStore(cfg.Storage.SettingsPath)
	if err != nil {
		log.Fatalf("failed to open settings store: %v", err)
	}
	defer store.Close()
	repo := settings.NewRepository(store)

	feeds, err := feed.NewSQLiteFeed(cfg.Storage.FeedPath)
	if err != nil {
		log.Fatalf("failed to open feed store: %v", err)
	}
	defer feeds.Close()

	logger := logging.NewNopLogger()
	prom := metrics.NewPrometheusMetrics()
	extractors := trainer.NewExtractorRegistry()
	extractors.Register("classifier", trainer.MessageExtractor{})
	tr := trainer.NewTrainer(feeds, extractors, trainer.NewBuiltinFitter(), repo, logger, prom)
	manager := bundles.NewManager(repo, tr, logger, prom)

	e := env{cfg: cfg, repo: repo, feeds: feeds, manager: manager, prom: prom}
	ctx := context.Background()

	switch command {
	case "list-pending":
		err = e.listPending(ctx)
	case "approve":
		err = e.resolve(ctx, "approve", args)
	case "reject":
		err = e.resolve(ctx, "reject", args)
	case "apply":
		err = e.apply(ctx, args)
	case "rollback":
		err = e.rollback(ctx, args)
	case "promote":
		err = e.promote(ctx, args)
	case "status":
		err = e.status(ctx, args)
	case "weights":
		err = e.weights(ctx, args)
	case "sample":
		err = e.sample(ctx, args)
	case "train":
		err = e.train(ctx, tr, args)
	case "kill-status":
		err = e.killStatus(ctx)
	case "kill-clear":
		err = e.killClear(ctx)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func (e env) listPending(ctx context.Context) error {
	pending, err := e.manager.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("no pending approvals")
		return nil
	}
	for _, p := range pending {
		fmt.Printf("%s  agent=%s  requested_by=%s  at=%s\n",
			p.RequestID, p.Agent, p.RequestedBy, p.CreatedAt.Format("2006-01-02 15:04"))
		printJSON(p.Diff)
	}
	return nil
}

func (e env) resolve(ctx context.Context, verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	id := fs.String("id", "", "approval request ID")
	by := fs.String("by", "", "reviewer name")
	why := fs.String("why", "", "rationale")
	fs.Parse(args)
	if *id == "" || *by == "" {
		return fmt.Errorf("-id and -by are required")
	}

	var err error
	if verb == "approve" {
		_, err = e.manager.ApproveBundle(ctx, *id, *by, *why)
	} else {
		_, err = e.manager.RejectBundle(ctx, *id, *by, *why)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%sd %s\n", verb, *id)
	return nil
}

func (e env) apply(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	id := fs.String("id", "", "approval request ID")
	percent := fs.Float64("percent", e.cfg.Guard.InitialPercent, "canary traffic percent, 0 for full")
	fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	bundle, err := e.manager.ApplyApprovedBundle(ctx, *id, *percent)
	if err != nil {
		return err
	}
	fmt.Printf("applied bundle %s for %s at %.0f%%\n", bundle.BundleID, bundle.Agent, *percent)
	return nil
}

func (e env) rollback(ctx context.Context, args []string) error {
	agent, err := agentArg("rollback", args)
	if err != nil {
		return err
	}
	bundle, err := e.manager.RollbackBundle(ctx, agent)
	if err != nil {
		return err
	}
	fmt.Printf("restored bundle %s as active for %s\n", bundle.BundleID, agent)
	return nil
}

func (e env) promote(ctx context.Context, args []string) error {
	agent, err := agentArg("promote", args)
	if err != nil {
		return err
	}
	bundle, err := e.manager.PromoteCanary(ctx, agent)
	if err != nil {
		return err
	}
	fmt.Printf("promoted bundle %s to active for %s\n", bundle.BundleID, agent)
	return nil
}

func (e env) status(ctx context.Context, args []string) error {
	agent, err := agentArg("status", args)
	if err != nil {
		return err
	}

	active, err := e.manager.ActiveBundle(ctx, agent)
	switch {
	case errors.Is(err, core.ErrNoActiveBundle):
		fmt.Printf("active: none\n")
	case err != nil:
		return err
	default:
		fmt.Printf("active: %s (accuracy %.3f)\n", active.BundleID, active.Diagnostics.Accuracy)
	}
	canary, ok, err := e.manager.CanaryBundle(ctx, agent)
	if err != nil {
		return err
	}
	if ok {
		percent, err := e.repo.CanaryPercent(ctx, agent)
		if err != nil {
			return err
		}
		fmt.Printf("canary: %s at %.0f%%\n", canary.BundleID, percent)
	} else {
		fmt.Printf("canary: none\n")
	}
	return nil
}

func (e env) weights(ctx context.Context, args []string) error {
	agent, err := agentArg("weights", args)
	if err != nil {
		return err
	}
	set, ok, err := e.repo.LoadJudgeWeights(ctx, agent)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no weights recorded")
		return nil
	}
	for _, judge := range weights.SortedJudges(set.Weights) {
		fmt.Printf("%-24s %.3f\n", judge, set.Weights[judge])
	}
	fmt.Printf("computed at %s\n", set.ComputedAt.Format("2006-01-02 15:04"))
	return nil
}

func (e env) sample(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name")
	topN := fs.Int("n", e.cfg.Sampler.TopN, "max candidates")
	fs.Parse(args)
	if *agent == "" {
		return fmt.Errorf("-agent is required")
	}

	reader, err := weights.NewReader(e.repo, e.cfg.Weights.CacheSize)
	if err != nil {
		return err
	}
	s := sampler.NewSampler(e.feeds, e.feeds, reader, logging.NewNopLogger(), e.prom)
	candidates, err := s.SampleForReview(ctx, *agent, e.cfg.Sampler.LookbackDays, e.cfg.Sampler.MinUncertainty, *topN)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("no candidates above threshold")
		return nil
	}
	for _, c := range candidates {
		fmt.Printf("%-32s %.3f  %s\n", c.TaskKey, c.Uncertainty, c.Method)
	}
	return nil
}

func (e env) train(ctx context.Context, tr *trainer.Trainer, args []string) error {
	agent, err := agentArg("train", args)
	if err != nil {
		return err
	}
	bundle, err := tr.TrainForAgent(ctx, agent, e.cfg.Trainer.MinExamples, e.cfg.Trainer.ModelType)
	if err != nil {
		return err
	}
	fmt.Printf("trained draft bundle %s (accuracy %.3f over %d examples)\n",
		bundle.BundleID, bundle.Diagnostics.Accuracy, bundle.Diagnostics.SampleCount)
	return nil
}

func (e env) killStatus(ctx context.Context) error {
	state, err := e.repo.KillSwitch(ctx)
	if err != nil {
		return err
	}
	if !state.Active {
		fmt.Println("kill switch: inactive")
		return nil
	}
	fmt.Printf("kill switch: ACTIVE since %s\nreason: %s\n", state.TrippedAt.Format("2006-01-02 15:04"), state.Reason)
	return nil
}

func (e env) killClear(ctx context.Context) error {
	if err := e.repo.SetKillSwitch(ctx, settings.KillSwitchState{}); err != nil {
		return err
	}
	fmt.Println("kill switch cleared")
	return nil
}

func agentArg(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	agent := fs.String("agent", "", "agent name")
	fs.Parse(args)
	if *agent == "" {
		return "", fmt.Errorf("-agent is required")
	}
	return *agent, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return
	}
	fmt.Printf("  %s\n", data)
}
