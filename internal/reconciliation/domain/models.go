// Package domain contains the reconciliation run model and variance types.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RunStatus is the terminal state of a reconciliation run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunAttention RunStatus = "attention"
	RunSkipped   RunStatus = "skipped"
)

// Severity grades a run or alert. Ordering matters: once a run escalates it
// never comes back down within the same evaluation.
type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityNormal: 0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Rank returns the numeric ordering of a severity. Unknown values rank lowest.
func (s Severity) Rank() int { return severityRank[s] }

// Escalate returns the higher of the two severities.
func (s Severity) Escalate(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// Alert types emitted by the engine.
const (
	AlertRecognizedVsInvoiced = "recognized_vs_invoiced"
	AlertRecognizedVsUsage    = "recognized_vs_usage"
	AlertNegativeDeferred     = "deferred_balance_negative"
)

// Alert is one finding of a run. Details values are pre-rendered strings so
// the digest over them is deterministic.
type Alert struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Currency        string            `json:"currency,omitempty"`
	Severity        Severity          `json:"severity"`
	Message         string            `json:"message"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
	Details         map[string]string `json:"details,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// AcknowledgeRequest identifies the operator accepting an alert.
type AcknowledgeRequest struct {
	AlertID       string
	OperatorID    string
	OperatorName  string
	OperatorEmail string
	Channel       string
	Note          string
}

// Acknowledgement records an operator accepting an alert. Append-only.
type Acknowledgement struct {
	AlertID        string    `json:"alert_id"`
	OperatorID     string    `json:"operator_id,omitempty"`
	OperatorName   string    `json:"operator_name,omitempty"`
	OperatorEmail  string    `json:"operator_email,omitempty"`
	Channel        string    `json:"channel,omitempty"`
	Note           string    `json:"note,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// NotificationRecord is one dispatch attempt written back by the notifier.
type NotificationRecord struct {
	Channel      string    `json:"channel"`
	Outcome      string    `json:"outcome"`
	Digest       string    `json:"digest,omitempty"`
	Error        string    `json:"error,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// NotificationState is the dedup cursor the notifier compares against.
type NotificationState struct {
	LastSeverity   Severity  `json:"last_severity"`
	LastDigest     string    `json:"last_digest"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
	Channels       []string  `json:"channels,omitempty"`
	Recipients     []string  `json:"recipients,omitempty"`
}

// CurrencyVariance is the per-currency slice of a run.
type CurrencyVariance struct {
	Currency        string `json:"currency"`
	InvoicedCents   int64  `json:"invoiced_cents"`
	RecognizedCents int64  `json:"recognized_cents"`
	DeferredCents   int64  `json:"deferred_cents"`
	UsageCents      int64  `json:"usage_cents"`
	VarianceCents   int64  `json:"variance_cents"`
	VarianceBps     int64  `json:"variance_bps"`
}

// Thresholds snapshots the configuration a run was evaluated against.
type Thresholds struct {
	AlertBps              int64 `json:"alert_bps"`
	CriticalBps           int64 `json:"critical_bps"`
	UsageAlertBps         int64 `json:"usage_alert_bps"`
	UsageCriticalBps      int64 `json:"usage_critical_bps"`
	MinInvoicedCentsFloor int64 `json:"min_invoiced_cents_floor"`
}

// RunMetadata is the typed, machine-verifiable payload of a run row.
type RunMetadata struct {
	Severity          Severity             `json:"severity"`
	VarianceBps       int64                `json:"variance_bps"`
	UsageVarianceBps  int64                `json:"usage_variance_bps"`
	AlertDigest       string               `json:"alert_digest,omitempty"`
	SkipReason        string               `json:"skip_reason,omitempty"`
	Thresholds        Thresholds           `json:"thresholds"`
	Alerts            []Alert              `json:"alerts,omitempty"`
	CurrencyBreakdown []CurrencyVariance   `json:"currency_breakdown,omitempty"`
	Acknowledgements  []Acknowledgement    `json:"acknowledgements,omitempty"`
	Notifications     []NotificationRecord `json:"notifications,omitempty"`
	NotificationState *NotificationState   `json:"notification_state,omitempty"`
}

// Run is one reconciliation of a tenant's books over a window. Invoiced,
// recognized and usage totals are window sums; deferred is point-in-time.
type Run struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        string       `gorm:"type:text;not null;index"`
	Status          RunStatus    `gorm:"type:text;not null;index"`
	WindowStart     time.Time    `gorm:"not null"`
	WindowEnd       time.Time    `gorm:"not null;index"`
	InvoicedCents   int64        `gorm:"not null"`
	RecognizedCents int64        `gorm:"not null"`
	DeferredCents   int64        `gorm:"not null"`
	UsageCents      int64        `gorm:"not null"`
	VarianceCents   int64        `gorm:"not null"`
	VarianceRatio   float64      `gorm:"not null"`
	RunAt           time.Time    `gorm:"not null;index"`
	Metadata        RunMetadata  `gorm:"type:jsonb;serializer:json"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Run) TableName() string { return "reconciliation_runs" }

// OpenAlerts returns alerts without a matching acknowledgement.
func (r *Run) OpenAlerts() []Alert {
	if len(r.Metadata.Alerts) == 0 {
		return nil
	}
	acked := make(map[string]struct{}, len(r.Metadata.Acknowledgements))
	for _, ack := range r.Metadata.Acknowledgements {
		acked[ack.AlertID] = struct{}{}
	}
	open := make([]Alert, 0, len(r.Metadata.Alerts))
	for _, alert := range r.Metadata.Alerts {
		if _, ok := acked[alert.ID]; !ok {
			open = append(open, alert)
		}
	}
	return open
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidWindow    = errors.New("invalid_reconciliation_window")
	ErrRunNotFound      = errors.New("reconciliation_run_not_found")
	ErrAlertNotFound    = errors.New("alert_not_found")
	ErrInvalidActor     = errors.New("invalid_acknowledging_actor")
	ErrAlreadyAcked     = errors.New("alert_already_acknowledged")
	ErrStoreUnavailable = errors.New("reconciliation_store_unavailable")
)

// Service runs and stores reconciliations.
type Service interface {
	// Run evaluates a tenant's books over the window and persists the
	// outcome. When the store cannot be reached the run is returned with
	// status skipped and is not persisted.
	Run(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) (*Run, error)
	LatestRun(ctx context.Context, tenantID string) (*Run, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]Run, error)
	// Acknowledge appends an acknowledgement for an open alert.
	Acknowledge(ctx context.Context, tenantID string, runID snowflake.ID, req AcknowledgeRequest) (*Run, error)
	// RecordNotification appends a dispatch record and advances the dedup
	// cursor when the dispatch succeeded.
	RecordNotification(ctx context.Context, tenantID string, runID snowflake.ID, record NotificationRecord, state *NotificationState) error
}
