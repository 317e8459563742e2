package bundles

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/pkg/tracing"
)

// Differ computes the bundle diff shown to approvers.
type Differ interface {
	GenerateDiff(agent string, old, new *core.Bundle) *core.BundleDiff
}

// Manager owns the bundle and approval lifecycle: create, propose,
// approve/reject, apply (direct or canary), backup and rollback. All
// mutations for one agent are serialized by a per-agent lock, and every
// mutation is idempotent on exact re-application.
type Manager struct {
	repo   *settings.Repository
	differ Differ
	logger *logging.Logger
	prom   *metrics.PrometheusMetrics
	tracer *tracing.Tracer
	clock  core.Clock

	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// NewManager creates a bundle manager.
func NewManager(repo *settings.Repository, differ Differ, logger *logging.Logger, prom *metrics.PrometheusMetrics) *Manager {
	return &Manager{
		repo:   repo,
		differ: differ,
		logger: logger,
		prom:   prom,
		clock:  core.SystemClock{},
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the clock, for deterministic tests.
func (m *Manager) WithClock(clock core.Clock) *Manager {
	m.clock = clock
	return m
}

// WithTracer attaches a tracer. Without one, bundle applies emit no spans.
func (m *Manager) WithTracer(tracer *tracing.Tracer) *Manager {
	m.tracer = tracer
	return m
}

// agentLock returns the single-writer lock for an agent.
func (m *Manager) agentLock(agent string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[agent]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[agent] = lock
	}
	return lock
}

// CreateBundle stores a new pending bundle and returns it.
func (m *Manager) CreateBundle(ctx context.Context, agent string, config core.BundleConfig, diagnostics core.BundleDiagnostics) (*core.Bundle, error) {
	bundle := &core.Bundle{
		Agent:       agent,
		BundleID:    uuid.NewString(),
		Status:      core.BundlePending,
		Config:      config,
		Diagnostics: diagnostics,
		CreatedAt:   m.clock.Now(),
	}
	if err := m.repo.SaveDraft(ctx, bundle); err != nil {
		return nil, fmt.Errorf("failed to save bundle: %w", err)
	}
	m.logger.Info("bundle created", "agent", agent, "bundle_id", bundle.BundleID)
	return bundle, nil
}

// ProposeBundle opens a pending approval request for a stored bundle,
// computing the diff against the current active bundle. Fails when the
// bundle is missing.
func (m *Manager) ProposeBundle(ctx context.Context, agent, bundleID, requestedBy string) (*core.ApprovalRequest, error) {
	lock := m.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	bundle, ok, err := m.repo.LoadDraft(ctx, agent, bundleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", core.ErrBundleNotFound, agent, bundleID)
	}

	active, hasActive, err := m.repo.LoadSlot(ctx, agent, settings.SlotActive)
	if err != nil {
		return nil, err
	}
	var prior *core.Bundle
	if hasActive {
		prior = active
	}

	req := &core.ApprovalRequest{
		ID:    uuid.NewString(),
		Agent: agent,
		Context: core.ApprovalContext{
			BundleID: bundleID,
			Bundle:   bundle,
			Diff:     m.differ.GenerateDiff(agent, prior, bundle),
		},
		Status:      core.ApprovalPending,
		RequestedBy: requestedBy,
		CreatedAt:   m.clock.Now(),
	}
	if err := m.repo.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}

	m.logger.Info("bundle proposed", "agent", agent, "bundle_id", bundleID, "request_id", req.ID)
	return req, nil
}

// ApproveBundle marks a pending request approved, recording approver and
// rationale. Approving anything but a pending request is an error, including
// a second approval of the same request.
func (m *Manager) ApproveBundle(ctx context.Context, requestID, approvedBy, rationale string) (*core.ApprovalRequest, error) {
	return m.resolveApproval(ctx, requestID, approvedBy, rationale, core.ApprovalApproved, core.BundleApproved)
}

// RejectBundle marks a pending request rejected. Terminal.
func (m *Manager) RejectBundle(ctx context.Context, requestID, rejectedBy, rationale string) (*core.ApprovalRequest, error) {
	return m.resolveApproval(ctx, requestID, rejectedBy, rationale, core.ApprovalRejected, core.BundleRejected)
}

// resolveApproval applies the human decision to both the request and the
// underlying bundle, checking the transition tables first.
func (m *Manager) resolveApproval(ctx context.Context, requestID, decidedBy, rationale string, decision core.ApprovalStatus, bundleStatus core.BundleStatus) (*core.ApprovalRequest, error) {
	req, ok, err := m.repo.LoadApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrApprovalNotFound, requestID)
	}

	lock := m.agentLock(req.Agent)
	lock.Lock()
	defer lock.Unlock()

	if req.Status != core.ApprovalPending {
		return nil, fmt.Errorf("%w: %s is %s", core.ErrNotPending, requestID, req.Status)
	}
	if req.Status, err = req.Status.Transition(decision); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	req.ApprovedBy = decidedBy
	req.Rationale = rationale
	req.ApprovedAt = &now

	if req.Context.Bundle != nil {
		from := req.Context.Bundle.Status
		if req.Context.Bundle.Status, err = from.Transition(bundleStatus); err != nil {
			return nil, err
		}
		if err := m.repo.SaveDraft(ctx, req.Context.Bundle); err != nil {
			return nil, err
		}
		m.prom.RecordBundleTransition(req.Agent, string(from), string(bundleStatus))
		m.logger.LogBundleTransition(ctx, req.Agent, req.Context.BundleID, string(from), string(bundleStatus))
	}

	if err := m.repo.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save approval request: %w", err)
	}
	return req, nil
}

// ApplyApprovedBundle deploys an approved bundle. With canaryPercent > 0 the
// bundle lands in the canary slot next to the untouched active bundle and
// the traffic split is recorded; a canary without an active bundle to fall
// back on is rejected. With canaryPercent 0 the bundle becomes the sole
// active. The current active bundle is backed up and the backup confirmed
// before active is overwritten, so a crash mid-sequence never leaves
// neither present.
// Re-applying an already-applied request is a no-op.
func (m *Manager) ApplyApprovedBundle(ctx context.Context, requestID string, canaryPercent float64) (*core.Bundle, error) {
	req, ok, err := m.repo.LoadApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrApprovalNotFound, requestID)
	}

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.StartBundleSpan(ctx, req.Agent, "apply")
		defer span.End()
	}

	lock := m.agentLock(req.Agent)
	lock.Lock()
	defer lock.Unlock()

	if req.Status != core.ApprovalApproved {
		return nil, fmt.Errorf("%w: request %s is %s", core.ErrNotApproved, requestID, req.Status)
	}
	bundle := req.Context.Bundle
	if bundle == nil {
		return nil, fmt.Errorf("%w: request %s has no bundle", core.ErrBundleNotFound, requestID)
	}

	// Retry after timeout lands here: the stamp means the deploy already
	// happened, so confirm and return.
	if req.Context.AppliedAt != nil {
		return m.confirmApplied(ctx, req, canaryPercent)
	}

	target := core.BundleActive
	if canaryPercent > 0 {
		// A canary splits traffic with the active bundle and rolls back
		// onto it. An agent without an active gets its first bundle
		// applied directly instead.
		_, hasActive, err := m.repo.LoadSlot(ctx, req.Agent, settings.SlotActive)
		if err != nil {
			return nil, err
		}
		if !hasActive {
			return nil, fmt.Errorf("%w: canary deploy for agent %s", core.ErrNoActiveBundle, req.Agent)
		}
		target = core.BundleCanary
	}
	from := bundle.Status
	if bundle.Status, err = from.Transition(target); err != nil {
		return nil, err
	}

	// Backup first. Only after the backup write is confirmed may active be
	// replaced or a canary attached.
	if err := m.backupActive(ctx, req.Agent); err != nil {
		return nil, err
	}

	if canaryPercent > 0 {
		if err := m.repo.SaveSlot(ctx, req.Agent, settings.SlotCanary, bundle); err != nil {
			return nil, err
		}
		if err := m.repo.SetCanaryPercent(ctx, req.Agent, canaryPercent); err != nil {
			return nil, err
		}
		m.prom.RecordCanaryPercent(req.Agent, canaryPercent)
	} else {
		if err := m.repo.SaveSlot(ctx, req.Agent, settings.SlotActive, bundle); err != nil {
			return nil, err
		}
	}

	now := m.clock.Now()
	req.Context.AppliedAt = &now
	req.Context.CanaryPercent = &canaryPercent
	req.Context.Bundle = bundle
	if err := m.repo.SaveApproval(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to stamp approval request: %w", err)
	}

	m.prom.RecordBundleTransition(req.Agent, string(from), string(target))
	m.logger.LogBundleTransition(ctx, req.Agent, bundle.BundleID, string(from), string(target))
	return bundle, nil
}

// confirmApplied handles the idempotent re-application path: verify the
// deployed slot still holds this bundle and report success.
func (m *Manager) confirmApplied(ctx context.Context, req *core.ApprovalRequest, canaryPercent float64) (*core.Bundle, error) {
	slot := settings.SlotActive
	if canaryPercent > 0 {
		slot = settings.SlotCanary
	}
	deployed, ok, err := m.repo.LoadSlot(ctx, req.Agent, slot)
	if err != nil {
		return nil, err
	}
	if ok && deployed.BundleID == req.Context.BundleID {
		return deployed, nil
	}
	return nil, fmt.Errorf("%w: request %s was applied but slot %s moved on", core.ErrNotApproved, req.ID, slot)
}

// backupActive copies the current active bundle into the backup slot,
// overwriting at most one backup per agent. No active bundle is a no-op.
func (m *Manager) backupActive(ctx context.Context, agent string) error {
	active, ok, err := m.repo.LoadSlot(ctx, agent, settings.SlotActive)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	from := active.Status
	if active.Status, err = from.Transition(core.BundleBackup); err != nil {
		return err
	}
	if err := m.repo.SaveSlot(ctx, agent, settings.SlotBackup, active); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	m.prom.RecordBundleTransition(agent, string(from), string(core.BundleBackup))
	return nil
}

// RollbackBundle restores the backup bundle as active. Hard revert: no fresh
// backup is written, and any canary in flight is discarded. Fails without a
// backup.
func (m *Manager) RollbackBundle(ctx context.Context, agent string) (*core.Bundle, error) {
	lock := m.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	backup, ok, err := m.repo.LoadSlot(ctx, agent, settings.SlotBackup)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNoBackup, agent)
	}

	from := backup.Status
	if backup.Status, err = from.Transition(core.BundleActive); err != nil {
		return nil, err
	}
	if err := m.repo.SaveSlot(ctx, agent, settings.SlotActive, backup); err != nil {
		return nil, fmt.Errorf("failed to restore backup: %w", err)
	}
	if err := m.repo.ClearSlot(ctx, agent, settings.SlotCanary); err != nil {
		return nil, err
	}
	if err := m.repo.SetCanaryPercent(ctx, agent, 0); err != nil {
		return nil, err
	}

	m.prom.RecordBundleTransition(agent, string(from), string(core.BundleActive))
	m.prom.RecordRollback(agent, "manual")
	m.prom.RecordCanaryPercent(agent, 0)
	m.logger.LogBundleTransition(ctx, agent, backup.BundleID, string(from), string(core.BundleActive))
	return backup, nil
}

// PromoteCanary makes the canary bundle the new active at 100% traffic and
// clears the canary state. The outgoing active is backed up first; reversing
// a promotion takes a backup rollback.
func (m *Manager) PromoteCanary(ctx context.Context, agent string) (*core.Bundle, error) {
	lock := m.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	canary, ok, err := m.repo.LoadSlot(ctx, agent, settings.SlotCanary)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no canary for %s", core.ErrBundleNotFound, agent)
	}

	from := canary.Status
	if canary.Status, err = from.Transition(core.BundleActive); err != nil {
		return nil, err
	}
	if err := m.backupActive(ctx, agent); err != nil {
		return nil, err
	}
	if err := m.repo.SaveSlot(ctx, agent, settings.SlotActive, canary); err != nil {
		return nil, err
	}
	if err := m.repo.ClearSlot(ctx, agent, settings.SlotCanary); err != nil {
		return nil, err
	}
	if err := m.repo.SetCanaryPercent(ctx, agent, 0); err != nil {
		return nil, err
	}

	m.prom.RecordBundleTransition(agent, string(from), string(core.BundleActive))
	m.prom.RecordCanaryPercent(agent, 0)
	m.logger.LogBundleTransition(ctx, agent, canary.BundleID, string(from), string(core.BundleActive))
	return canary, nil
}

// DiscardCanary throws away the canary bundle and zeroes the traffic split,
// leaving the active bundle untouched. Used on detected regressions.
func (m *Manager) DiscardCanary(ctx context.Context, agent string) error {
	lock := m.agentLock(agent)
	lock.Lock()
	defer lock.Unlock()

	if err := m.repo.ClearSlot(ctx, agent, settings.SlotCanary); err != nil {
		return err
	}
	if err := m.repo.SetCanaryPercent(ctx, agent, 0); err != nil {
		return err
	}
	m.prom.RecordCanaryPercent(agent, 0)
	m.logger.Info("canary discarded", "agent", agent)
	return nil
}

// PendingApproval is one row of the review queue.
type PendingApproval struct {
	RequestID   string           `json:"request_id"`
	Agent       string           `json:"agent"`
	BundleID    string           `json:"bundle_id"`
	Diff        *core.BundleDiff `json:"diff"`
	RequestedBy string           `json:"requested_by"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ListPendingApprovals returns pending requests, newest first.
func (m *Manager) ListPendingApprovals(ctx context.Context) ([]PendingApproval, error) {
	requests, err := m.repo.ListApprovals(ctx)
	if err != nil {
		return nil, err
	}

	var pending []PendingApproval
	for _, req := range requests {
		if req.Status != core.ApprovalPending {
			continue
		}
		pending = append(pending, PendingApproval{
			RequestID:   req.ID,
			Agent:       req.Agent,
			BundleID:    req.Context.BundleID,
			Diff:        req.Context.Diff,
			RequestedBy: req.RequestedBy,
			CreatedAt:   req.CreatedAt,
		})
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	return pending, nil
}

// ListApprovedUnapplied returns approved requests not yet deployed, oldest
// first. The guard auto-applies these as canaries.
func (m *Manager) ListApprovedUnapplied(ctx context.Context) ([]*core.ApprovalRequest, error) {
	requests, err := m.repo.ListApprovals(ctx)
	if err != nil {
		return nil, err
	}

	var approved []*core.ApprovalRequest
	for _, req := range requests {
		if req.Status == core.ApprovalApproved && req.Context.AppliedAt == nil {
			approved = append(approved, req)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		return approved[i].CreatedAt.Before(approved[j].CreatedAt)
	})
	return approved, nil
}

// ActiveBundle returns the agent's active bundle.
func (m *Manager) ActiveBundle(ctx context.Context, agent string) (*core.Bundle, error) {
	active, ok, err := m.repo.LoadSlot(ctx, agent, settings.SlotActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNoActiveBundle, agent)
	}
	return active, nil
}

// CanaryBundle returns the agent's canary bundle, if any.
func (m *Manager) CanaryBundle(ctx context.Context, agent string) (*core.Bundle, bool, error) {
	return m.repo.LoadSlot(ctx, agent, settings.SlotCanary)
}
