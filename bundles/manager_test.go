package bundles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/pkg/tracing"
	"github.com/mailward/tuner/testkit"
)

// Prometheus collectors register globally, so the package shares one instance.
var testProm = metrics.NewPrometheusMetrics()

var testTime = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

type flatDiffer struct{}

func (flatDiffer) GenerateDiff(agent string, old, new *core.Bundle) *core.BundleDiff {
	diffType := core.DiffChange
	if old == nil {
		diffType = core.DiffInitial
	}
	return &core.BundleDiff{Agent: agent, Type: diffType}
}

func newTestManager(t *testing.T) (*Manager, *settings.Repository) {
	t.Helper()
	repo := settings.NewRepository(settings.NewMemoryStore())
	m := NewManager(repo, flatDiffer{}, logging.NewNopLogger(), testProm)
	m.WithClock(testkit.FixedClock{Instant: testTime})
	m.WithTracer(tracing.NewNopTracer())
	return m, repo
}

func createApproved(t *testing.T, m *Manager, agent string) (*core.Bundle, *core.ApprovalRequest) {
	t.Helper()
	ctx := context.Background()

	bundle, err := m.CreateBundle(ctx, agent,
		core.BundleConfig{SchemaVersion: 1, Config: map[string]any{"bias": 0.2}},
		core.BundleDiagnostics{ModelType: "logistic", Accuracy: 0.91, SampleCount: 60})
	require.NoError(t, err)

	req, err := m.ProposeBundle(ctx, agent, bundle.BundleID, "trainer")
	require.NoError(t, err)
	req, err = m.ApproveBundle(ctx, req.ID, "alex", "accuracy up")
	require.NoError(t, err)
	return bundle, req
}

func TestBundleLifecycleCanary(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	prior := testkit.Bundle("classifier", "bundle-v1", core.BundleActive, 0.88, map[string]any{"bias": 0.1})
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotActive, prior))

	bundle, req := createApproved(t, m, "classifier")
	assert.Equal(t, core.ApprovalApproved, req.Status)
	assert.Equal(t, "alex", req.ApprovedBy)
	assert.Equal(t, "accuracy up", req.Rationale)
	require.NotNil(t, req.ApprovedAt)

	applied, err := m.ApplyApprovedBundle(ctx, req.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, bundle.BundleID, applied.BundleID)
	assert.Equal(t, core.BundleCanary, applied.Status)

	// Canary deploy leaves the active bundle untouched.
	active, err := m.ActiveBundle(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, "bundle-v1", active.BundleID)
	assert.Equal(t, core.BundleActive, active.Status)

	canary, ok, err := m.CanaryBundle(ctx, "classifier")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, bundle.BundleID, canary.BundleID)

	percent, err := repo.CanaryPercent(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, 10.0, percent)
}

func TestApplyDirectBacksUpActive(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	prior := testkit.Bundle("classifier", "bundle-v1", core.BundleActive, 0.88, map[string]any{"bias": 0.1})
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotActive, prior))

	bundle, req := createApproved(t, m, "classifier")

	applied, err := m.ApplyApprovedBundle(ctx, req.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, core.BundleActive, applied.Status)

	active, err := m.ActiveBundle(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, bundle.BundleID, active.BundleID)

	backup, ok, err := repo.LoadSlot(ctx, "classifier", settings.SlotBackup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bundle-v1", backup.BundleID)
	assert.Equal(t, core.BundleBackup, backup.Status)
}

func TestApplyIsIdempotent(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotActive,
		testkit.Bundle("classifier", "bundle-v1", core.BundleActive, 0.88, map[string]any{"bias": 0.1})))
	bundle, req := createApproved(t, m, "classifier")

	first, err := m.ApplyApprovedBundle(ctx, req.ID, 10)
	require.NoError(t, err)
	second, err := m.ApplyApprovedBundle(ctx, req.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, first.BundleID, second.BundleID)
	assert.Equal(t, bundle.BundleID, second.BundleID)
}

func TestApplyCanaryWithoutActiveFails(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	_, req := createApproved(t, m, "classifier")

	// No active bundle means no rollback target, so the canary is refused
	// and nothing reaches the slots.
	_, err := m.ApplyApprovedBundle(ctx, req.ID, 10)
	require.ErrorIs(t, err, core.ErrNoActiveBundle)

	_, hasCanary, err := repo.LoadSlot(ctx, "classifier", settings.SlotCanary)
	require.NoError(t, err)
	assert.False(t, hasCanary)
	percent, err := repo.CanaryPercent(ctx, "classifier")
	require.NoError(t, err)
	assert.Zero(t, percent)

	// The request stays applyable: a direct apply is the agent's first
	// deployment path.
	applied, err := m.ApplyApprovedBundle(ctx, req.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, core.BundleActive, applied.Status)
}

func TestApproveTwiceFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, req := createApproved(t, m, "classifier")

	_, err := m.ApproveBundle(ctx, req.ID, "sam", "again")
	require.ErrorIs(t, err, core.ErrNotPending)
}

func TestRejectIsTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bundle, err := m.CreateBundle(ctx, "classifier",
		core.BundleConfig{SchemaVersion: 1, Config: map[string]any{"bias": 0.2}},
		core.BundleDiagnostics{ModelType: "logistic", Accuracy: 0.5, SampleCount: 60})
	require.NoError(t, err)
	req, err := m.ProposeBundle(ctx, "classifier", bundle.BundleID, "trainer")
	require.NoError(t, err)

	rejected, err := m.RejectBundle(ctx, req.ID, "alex", "accuracy too low")
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalRejected, rejected.Status)

	_, err = m.ApproveBundle(ctx, req.ID, "sam", "changed my mind")
	require.ErrorIs(t, err, core.ErrNotPending)
	_, err = m.ApplyApprovedBundle(ctx, req.ID, 10)
	require.ErrorIs(t, err, core.ErrNotApproved)
}

func TestApplyUnapprovedFails(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	bundle, err := m.CreateBundle(ctx, "classifier",
		core.BundleConfig{SchemaVersion: 1, Config: map[string]any{"bias": 0.2}},
		core.BundleDiagnostics{ModelType: "logistic", Accuracy: 0.9, SampleCount: 60})
	require.NoError(t, err)
	req, err := m.ProposeBundle(ctx, "classifier", bundle.BundleID, "trainer")
	require.NoError(t, err)

	_, err = m.ApplyApprovedBundle(ctx, req.ID, 10)
	require.ErrorIs(t, err, core.ErrNotApproved)
}

func TestProposeMissingBundleFails(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.ProposeBundle(context.Background(), "classifier", "no-such-bundle", "trainer")
	require.ErrorIs(t, err, core.ErrBundleNotFound)
}

func TestRollbackRestoresPreApplyActive(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	prior := testkit.Bundle("classifier", "bundle-v1", core.BundleActive, 0.88, map[string]any{"bias": 0.1})
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotActive, prior))

	_, req := createApproved(t, m, "classifier")
	_, err := m.ApplyApprovedBundle(ctx, req.ID, 0)
	require.NoError(t, err)

	restored, err := m.RollbackBundle(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, "bundle-v1", restored.BundleID)
	assert.Equal(t, core.BundleActive, restored.Status)

	active, err := m.ActiveBundle(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, "bundle-v1", active.BundleID)
	assert.Equal(t, prior.Config.Config["bias"], active.Config.Config["bias"])
}

func TestRollbackDiscardsCanary(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	prior := testkit.Bundle("classifier", "bundle-v1", core.BundleActive, 0.88, map[string]any{"bias": 0.1})
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotActive, prior))
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotBackup,
		testkit.Bundle("classifier", "bundle-v0", core.BundleBackup, 0.80, map[string]any{"bias": 0.05})))
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotCanary,
		testkit.Bundle("classifier", "bundle-v2", core.BundleCanary, 0.91, map[string]any{"bias": 0.2})))
	require.NoError(t, repo.SetCanaryPercent(ctx, "classifier", 50))

	restored, err := m.RollbackBundle(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, "bundle-v0", restored.BundleID)

	_, hasCanary, err := m.CanaryBundle(ctx, "classifier")
	require.NoError(t, err)
	assert.False(t, hasCanary)

	percent, err := repo.CanaryPercent(ctx, "classifier")
	require.NoError(t, err)
	assert.Zero(t, percent)
}

func TestRollbackWithoutBackupFails(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.RollbackBundle(context.Background(), "classifier")
	require.ErrorIs(t, err, core.ErrNoBackup)
}

func TestPromoteCanary(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotActive,
		testkit.Bundle("classifier", "bundle-v1", core.BundleActive, 0.88, map[string]any{"bias": 0.1})))
	require.NoError(t, repo.SaveSlot(ctx, "classifier", settings.SlotCanary,
		testkit.Bundle("classifier", "bundle-v2", core.BundleCanary, 0.91, map[string]any{"bias": 0.2})))
	require.NoError(t, repo.SetCanaryPercent(ctx, "classifier", 50))

	promoted, err := m.PromoteCanary(ctx, "classifier")
	require.NoError(t, err)
	assert.Equal(t, "bundle-v2", promoted.BundleID)
	assert.Equal(t, core.BundleActive, promoted.Status)

	backup, ok, err := repo.LoadSlot(ctx, "classifier", settings.SlotBackup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bundle-v1", backup.BundleID)

	percent, err := repo.CanaryPercent(ctx, "classifier")
	require.NoError(t, err)
	assert.Zero(t, percent)
}

func TestListPendingApprovalsNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i, id := range []string{"first", "second"} {
		m.WithClock(testkit.FixedClock{Instant: testTime.Add(time.Duration(i) * time.Hour)})
		bundle, err := m.CreateBundle(ctx, "classifier",
			core.BundleConfig{SchemaVersion: 1, Config: map[string]any{"name": id}},
			core.BundleDiagnostics{ModelType: "logistic", Accuracy: 0.9, SampleCount: 60})
		require.NoError(t, err)
		_, err = m.ProposeBundle(ctx, "classifier", bundle.BundleID, id)
		require.NoError(t, err)
	}

	pending, err := m.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "second", pending[0].RequestedBy)
	assert.Equal(t, "first", pending[1].RequestedBy)
}
