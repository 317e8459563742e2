package core

import "fmt"

// BundleStatus is the lifecycle state of a bundle.
type BundleStatus string

const (
	BundlePending  BundleStatus = "pending"
	BundleApproved BundleStatus = "approved"
	BundleActive   BundleStatus = "active"
	BundleCanary   BundleStatus = "canary"
	BundleBackup   BundleStatus = "backup"
	BundleRejected BundleStatus = "rejected"
)

// bundleTransitions is the allowed bundle state machine. Backup is a
// restorable terminal: a rollback re-activates it. Rejected is terminal.
var bundleTransitions = map[BundleStatus][]BundleStatus{
	BundlePending:  {BundleApproved, BundleRejected},
	BundleApproved: {BundleActive, BundleCanary},
	BundleCanary:   {BundleActive, BundleRejected},
	BundleActive:   {BundleBackup},
	BundleBackup:   {BundleActive},
}

// CanTransition reports whether a bundle may move from one status to another.
func (s BundleStatus) CanTransition(to BundleStatus) bool {
	for _, next := range bundleTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns the target status or an error if the move is not in the
// transition table. Every mutation goes through here; nothing is implicit.
func (s BundleStatus) Transition(to BundleStatus) (BundleStatus, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: bundle %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

var approvalTransitions = map[ApprovalStatus][]ApprovalStatus{
	ApprovalPending: {ApprovalApproved, ApprovalRejected},
}

// CanTransition reports whether an approval may move from one status to another.
func (s ApprovalStatus) CanTransition(to ApprovalStatus) bool {
	for _, next := range approvalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns the target status or ErrInvalidTransition.
func (s ApprovalStatus) Transition(to ApprovalStatus) (ApprovalStatus, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: approval %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}
