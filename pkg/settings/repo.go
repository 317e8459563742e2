package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mailward/tuner/core"
)

// Slot is a deployment slot for one agent. The repository enforces at most
// one bundle per slot, which gives the single-active / single-canary /
// single-backup invariant at the type level.
type Slot string

const (
	SlotActive Slot = "active"
	SlotCanary Slot = "canary"
	SlotBackup Slot = "backup"
)

// KillSwitchState is the global flag forcing all traffic to the baseline.
type KillSwitchState struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}

// Repository is the typed persistence layer over the raw settings store.
// Every payload that crosses this boundary is JSON: nested maps, sequences
// and scalars only.
type Repository struct {
	store core.SettingsStore
}

// NewRepository wraps a settings store.
func NewRepository(store core.SettingsStore) *Repository {
	return &Repository{store: store}
}

func slotKey(agent string, slot Slot) string { return fmt.Sprintf("bundle:%s:%s", agent, slot) }
func draftKey(agent, bundleID string) string { return fmt.Sprintf("draft:%s:%s", agent, bundleID) }
func approvalKey(id string) string           { return fmt.Sprintf("approval:%s", id) }
func weightsKey(agent string) string         { return fmt.Sprintf("judge_weights:%s", agent) }
func canaryKey(agent string) string          { return fmt.Sprintf("canary_percent:%s", agent) }

const (
	approvalIndexKey = "approvals:index"
	killSwitchKey    = "kill_switch"
	agentIndexKey    = "agents:index"
)

// SaveSlot writes a bundle into a deployment slot, overwriting any occupant.
func (r *Repository) SaveSlot(ctx context.Context, agent string, slot Slot, bundle *core.Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}
	if err := r.store.Set(ctx, slotKey(agent, slot), data); err != nil {
		return err
	}
	return r.rememberAgent(ctx, agent)
}

// LoadSlot reads the bundle in a slot; ok is false when the slot is empty.
func (r *Repository) LoadSlot(ctx context.Context, agent string, slot Slot) (*core.Bundle, bool, error) {
	data, ok, err := r.store.Get(ctx, slotKey(agent, slot))
	if err != nil || !ok {
		return nil, false, err
	}
	var bundle core.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal bundle in slot %s: %w", slot, err)
	}
	return &bundle, true, nil
}

// ClearSlot empties a deployment slot.
func (r *Repository) ClearSlot(ctx context.Context, agent string, slot Slot) error {
	return r.store.Delete(ctx, slotKey(agent, slot))
}

// SaveDraft stores a not-yet-deployed bundle under its ID.
func (r *Repository) SaveDraft(ctx context.Context, bundle *core.Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return r.store.Set(ctx, draftKey(bundle.Agent, bundle.BundleID), data)
}

// LoadDraft reads a stored bundle by agent and ID.
func (r *Repository) LoadDraft(ctx context.Context, agent, bundleID string) (*core.Bundle, bool, error) {
	data, ok, err := r.store.Get(ctx, draftKey(agent, bundleID))
	if err != nil || !ok {
		return nil, false, err
	}
	var bundle core.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal bundle %s: %w", bundleID, err)
	}
	return &bundle, true, nil
}

// SaveApproval writes an approval request and registers it in the index.
func (r *Repository) SaveApproval(ctx context.Context, req *core.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal approval request: %w", err)
	}
	if err := r.store.Set(ctx, approvalKey(req.ID), data); err != nil {
		return err
	}
	return r.store.Update(ctx, approvalIndexKey, func(old []byte, exists bool) ([]byte, error) {
		var ids []string
		if exists {
			if err := json.Unmarshal(old, &ids); err != nil {
				return nil, fmt.Errorf("failed to unmarshal approval index: %w", err)
			}
		}
		for _, id := range ids {
			if id == req.ID {
				return old, nil // already indexed, idempotent
			}
		}
		ids = append(ids, req.ID)
		return json.Marshal(ids)
	})
}

// LoadApproval reads an approval request by ID.
func (r *Repository) LoadApproval(ctx context.Context, id string) (*core.ApprovalRequest, bool, error) {
	data, ok, err := r.store.Get(ctx, approvalKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var req core.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal approval request %s: %w", id, err)
	}
	return &req, true, nil
}

// ListApprovals returns every stored approval request, in index order.
func (r *Repository) ListApprovals(ctx context.Context) ([]*core.ApprovalRequest, error) {
	data, ok, err := r.store.Get(ctx, approvalIndexKey)
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval index: %w", err)
	}

	requests := make([]*core.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		req, ok, err := r.LoadApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			requests = append(requests, req)
		}
	}
	return requests, nil
}

// SaveJudgeWeights replaces the current weight set for an agent. No history.
func (r *Repository) SaveJudgeWeights(ctx context.Context, set *core.JudgeWeightSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal judge weights: %w", err)
	}
	return r.store.Set(ctx, weightsKey(set.Agent), data)
}

// LoadJudgeWeights reads the current weight set for an agent.
func (r *Repository) LoadJudgeWeights(ctx context.Context, agent string) (*core.JudgeWeightSet, bool, error) {
	data, ok, err := r.store.Get(ctx, weightsKey(agent))
	if err != nil || !ok {
		return nil, false, err
	}
	var set core.JudgeWeightSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal judge weights for %s: %w", agent, err)
	}
	return &set, true, nil
}

// CanaryPercent returns the agent's current canary traffic percent (0 when unset).
func (r *Repository) CanaryPercent(ctx context.Context, agent string) (float64, error) {
	data, ok, err := r.store.Get(ctx, canaryKey(agent))
	if err != nil || !ok {
		return 0, err
	}
	var state core.CanaryState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, fmt.Errorf("failed to unmarshal canary state for %s: %w", agent, err)
	}
	return state.CanaryPercent, nil
}

// SetCanaryPercent writes the canary traffic percent; 0 clears the record.
func (r *Repository) SetCanaryPercent(ctx context.Context, agent string, percent float64) error {
	if percent <= 0 {
		return r.store.Delete(ctx, canaryKey(agent))
	}
	data, err := json.Marshal(core.CanaryState{Agent: agent, CanaryPercent: percent})
	if err != nil {
		return fmt.Errorf("failed to marshal canary state: %w", err)
	}
	return r.store.Set(ctx, canaryKey(agent), data)
}

// KillSwitch reads the global kill switch.
func (r *Repository) KillSwitch(ctx context.Context) (KillSwitchState, error) {
	data, ok, err := r.store.Get(ctx, killSwitchKey)
	if err != nil || !ok {
		return KillSwitchState{}, err
	}
	var state KillSwitchState
	if err := json.Unmarshal(data, &state); err != nil {
		return KillSwitchState{}, fmt.Errorf("failed to unmarshal kill switch: %w", err)
	}
	return state, nil
}

// SetKillSwitch writes the global kill switch.
func (r *Repository) SetKillSwitch(ctx context.Context, state KillSwitchState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal kill switch: %w", err)
	}
	return r.store.Set(ctx, killSwitchKey, data)
}

// Agents lists every agent that ever touched a deployment slot.
func (r *Repository) Agents(ctx context.Context) ([]string, error) {
	data, ok, err := r.store.Get(ctx, agentIndexKey)
	if err != nil || !ok {
		return nil, err
	}
	var agents []string
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent index: %w", err)
	}
	return agents, nil
}

// rememberAgent adds an agent to the agent index if missing.
func (r *Repository) rememberAgent(ctx context.Context, agent string) error {
	return r.store.Update(ctx, agentIndexKey, func(old []byte, exists bool) ([]byte, error) {
		var agents []string
		if exists {
			if err := json.Unmarshal(old, &agents); err != nil {
				return nil, fmt.Errorf("failed to unmarshal agent index: %w", err)
			}
		}
		for _, a := range agents {
			if a == agent {
				return old, nil
			}
		}
		agents = append(agents, agent)
		return json.Marshal(agents)
	})
}
