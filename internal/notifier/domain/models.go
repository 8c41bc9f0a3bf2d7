// Package domain contains the alert notifier contract.
package domain

import (
	"context"

	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
)

// Dispatch outcomes written back to run metadata and metrics.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// Channel names.
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Service decides whether a run's findings warrant an operator notification
// and dispatches them.
type Service interface {
	// NotifyRun dispatches a run's alerts unless deduplication suppresses
	// them. Returns true when at least one channel delivered. Channel
	// failures degrade to warnings; only state write-back errors propagate.
	NotifyRun(ctx context.Context, run *recondomain.Run) (bool, error)
	// DispatchJobFailure raises an operational alert about the job itself,
	// deduplicated separately from run alerts. Scope names the failing
	// tenant set so a changed set pages again within the cooldown.
	DispatchJobFailure(ctx context.Context, scope string, cause error) error
}
