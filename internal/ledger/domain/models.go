package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntryType classifies revenue ledger postings.
type EntryType string

const (
	// EntryDeferred books captured revenue into the deferred liability.
	EntryDeferred EntryType = "revenue.deferred"
	// EntryRecognized books realized revenue.
	EntryRecognized EntryType = "revenue.recognized"
	// EntryDeferredRelease cancels an earlier deferred posting when its
	// schedule is recognized. Paired with EntryRecognized so the trail stays
	// auditable.
	EntryDeferredRelease EntryType = "revenue.deferred-release"
	// EntryRefundRecognized reverses recognized revenue for a refund.
	EntryRefundRecognized EntryType = "revenue.refund-recognized"
	// EntryRefundDeferred reduces deferred revenue for a refund.
	EntryRefundDeferred EntryType = "revenue.refund-deferred"
)

// Valid reports whether the entry type is known.
func (t EntryType) Valid() bool {
	switch t {
	case EntryDeferred, EntryRecognized, EntryDeferredRelease, EntryRefundRecognized, EntryRefundDeferred:
		return true
	default:
		return false
	}
}

// LedgerEntry is an immutable revenue posting. Rows are never updated or
// deleted after insert.
type LedgerEntry struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	TenantID        string            `gorm:"type:text;not null;index"`
	PaymentIntentID string            `gorm:"type:text;not null;index"`
	EntryType       EntryType         `gorm:"type:text;not null;index"`
	AmountCents     int64             `gorm:"not null"`
	Currency        string            `gorm:"type:text;not null"`
	RecordedAt      time.Time         `gorm:"not null"`
	Details         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "ledger_entries" }

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidPayment    = errors.New("invalid_payment_intent")
	ErrInvalidEntryType  = errors.New("invalid_entry_type")
	ErrInvalidAmount     = errors.New("invalid_entry_amount")
	ErrInvalidCurrency   = errors.New("invalid_entry_currency")
	ErrInvalidRecordedAt = errors.New("invalid_recorded_at")
)

// Service appends and reads revenue ledger entries.
type Service interface {
	// Append writes an entry inside the caller's transaction when tx is
	// non-nil; money mutations must share the transaction of the schedule
	// rows they justify.
	Append(ctx context.Context, tx *gorm.DB, entry *LedgerEntry) error
	ListByPayment(ctx context.Context, tenantID, paymentIntentID string) ([]LedgerEntry, error)
}
