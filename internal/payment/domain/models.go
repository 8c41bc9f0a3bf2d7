// Package domain contains the captured-payment read model.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CapturedPayment is an append-only row written when a payment capture is
// processed. Reconciliation sums it to get invoiced totals per currency.
type CapturedPayment struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	TenantID        string            `gorm:"type:text;not null;index"`
	PaymentIntentID string            `gorm:"type:text;not null;uniqueIndex:ux_captured_payments_intent"`
	PublicID        string            `gorm:"type:text"`
	AmountCents     int64             `gorm:"not null"`
	Currency        string            `gorm:"type:text;not null"`
	LineItemCount   int               `gorm:"not null"`
	CapturedAt      time.Time         `gorm:"not null;index"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CapturedPayment) TableName() string { return "captured_payments" }

// CurrencyTotal is a per-currency invoiced aggregation.
type CurrencyTotal struct {
	Currency    string
	AmountCents int64
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrInvalidPayment = errors.New("invalid_payment_intent")
)

// Service records and aggregates captured payments.
type Service interface {
	// Record persists the capture row. A non-nil tx shares the caller's
	// transaction. Replays of the same payment intent are no-ops.
	Record(ctx context.Context, tx *gorm.DB, payment *CapturedPayment) error
	// InvoicedTotals sums captures with captured_at inside [windowStart,
	// windowEnd) per currency.
	InvoicedTotals(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) ([]CurrencyTotal, error)
	DistinctTenants(ctx context.Context) ([]string, error)
}
