package core

import "errors"

// Precondition violations are explicit domain errors: never silently ignored,
// never partially applied. Callers match them with errors.Is.
var (
	ErrInvalidTransition    = errors.New("transition not allowed")
	ErrBundleNotFound       = errors.New("bundle not found")
	ErrApprovalNotFound     = errors.New("approval request not found")
	ErrNotPending           = errors.New("approval request is not pending")
	ErrNotApproved          = errors.New("bundle is not approved")
	ErrNoBackup             = errors.New("no backup bundle to roll back to")
	ErrNoActiveBundle       = errors.New("no active bundle")
	ErrInsufficientExamples = errors.New("insufficient labeled examples")
	ErrUnknownModelType     = errors.New("unknown model type")
	ErrUnknownAgent         = errors.New("no feature extractor registered for agent")
	ErrKillSwitchActive     = errors.New("kill switch is active")
)
