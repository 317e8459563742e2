package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mailward/tuner/bundles"
	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
)

// Prometheus collectors register globally, so the package shares one instance.
var testProm = metrics.NewPrometheusMetrics()

type flatDiffer struct{}

func (flatDiffer) GenerateDiff(agent string, old, new *core.Bundle) *core.BundleDiff {
	return &core.BundleDiff{Agent: agent, Type: core.DiffInitial}
}

var errStoreDown = errors.New("store down")

// brokenStore fails every operation, standing in for an unreachable backend.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}

func (brokenStore) Set(ctx context.Context, key string, value []byte) error { return errStoreDown }

func (brokenStore) Delete(ctx context.Context, key string) error { return errStoreDown }

func (brokenStore) Update(ctx context.Context, key string, fn func(old []byte, exists bool) ([]byte, error)) error {
	return errStoreDown
}

func newStatusEnv(store core.SettingsStore) env {
	repo := settings.NewRepository(store)
	manager := bundles.NewManager(repo, flatDiffer{}, logging.NewNopLogger(), testProm)
	return env{repo: repo, manager: manager, prom: testProm}
}

func TestStatusMissingActiveIsNotAnError(t *testing.T) {
	e := newStatusEnv(settings.NewMemoryStore())

	err := e.status(context.Background(), []string{"-agent", "classifier"})
	require.NoError(t, err)
}

func TestStatusPropagatesStoreFailure(t *testing.T) {
	e := newStatusEnv(brokenStore{})

	err := e.status(context.Background(), []string{"-agent", "classifier"})
	require.ErrorIs(t, err, errStoreDown)
}
