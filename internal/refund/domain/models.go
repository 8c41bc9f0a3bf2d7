// Package domain contains refund allocation contracts and the refund audit model.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// RefundEvent is the append-only audit row for one processed refund.
type RefundEvent struct {
	ID                      snowflake.ID `gorm:"primaryKey"`
	TenantID                string       `gorm:"type:text;not null;index"`
	PaymentIntentID         string       `gorm:"type:text;not null;index"`
	RefundReference         string       `gorm:"type:text;not null;uniqueIndex:ux_refund_events_reference"`
	AmountCents             int64        `gorm:"not null"`
	RecognizedReversalCents int64        `gorm:"not null"`
	DeferredReductionCents  int64        `gorm:"not null"`
	UnappliedCents          int64        `gorm:"not null"`
	Currency                string       `gorm:"type:text"`
	Reason                  string       `gorm:"type:text"`
	OccurredAt              time.Time    `gorm:"not null"`
	CreatedAt               time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RefundEvent) TableName() string { return "refund_events" }

// ApplyRequest is the collaborator contract for a refund.
type ApplyRequest struct {
	TenantID        string
	PaymentIntentID string
	RefundReference string
	AmountCents     int64
	Reason          string
	OccurredAt      time.Time
}

// Allocation is the outcome of a refund. The three buckets always sum to the
// refund amount; nothing is silently dropped.
type Allocation struct {
	RecognizedReversalCents int64
	DeferredReductionCents  int64
	UnappliedCents          int64
	TouchedSchedules        int
}

// AppliedCents is the portion that landed on schedules.
func (a Allocation) AppliedCents() int64 {
	return a.RecognizedReversalCents + a.DeferredReductionCents
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrInvalidPayment = errors.New("invalid_payment_intent")
	ErrInvalidRefund  = errors.New("invalid_refund_reference")
	ErrInvalidAmount  = errors.New("invalid_refund_amount")
	ErrNoSchedules    = errors.New("no_schedules_for_payment")
)

// Service allocates refunds across a payment's revenue schedules.
type Service interface {
	// ApplyRefund reverses recognized revenue newest-first, then reduces
	// deferred revenue oldest-first, in one transaction. Replays of a refund
	// reference return the stored allocation.
	ApplyRefund(ctx context.Context, req ApplyRequest) (*Allocation, error)
}
