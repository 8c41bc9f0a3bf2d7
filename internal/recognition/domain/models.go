// Package domain contains the revenue schedule model and recognition plan types.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
)

// ScheduleStatus is the recognition lifecycle state of a schedule.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	ScheduleRecognized ScheduleStatus = "recognized"
)

// AdjustmentType tags entries in a schedule's append-only adjustment log.
type AdjustmentType string

const (
	AdjustmentRefundRecognized AdjustmentType = "refund_recognized_reduction"
	AdjustmentRefundDeferred   AdjustmentType = "refund_deferred_reduction"
)

// Adjustment is one append-only amendment to a schedule. Schedules are never
// deleted; every change to an amount after creation lands here.
type Adjustment struct {
	ID              string         `json:"id"`
	Type            AdjustmentType `json:"type"`
	AmountCents     int64          `json:"amount_cents"`
	Reason          string         `json:"reason,omitempty"`
	RefundReference string         `json:"refund_reference,omitempty"`
	RecordedAt      time.Time      `json:"recorded_at"`
}

// ScheduleMetadata keeps the machine-verifiable audit trail of a schedule.
type ScheduleMetadata struct {
	Adjustments []Adjustment `json:"adjustments,omitempty"`
}

// RevenueSchedule tracks how much of a captured payment has moved from
// deferred to recognized revenue, and when.
//
// Invariants: 0 <= RecognizedAmountCents <= AmountCents, and
// status recognized implies RecognizedAmountCents == AmountCents.
type RevenueSchedule struct {
	ID                     snowflake.ID     `gorm:"primaryKey"`
	TenantID               string           `gorm:"type:text;not null;index"`
	PaymentIntentID        string           `gorm:"type:text;not null;index"`
	CatalogItemID          *snowflake.ID    `gorm:"index"`
	UsageRecordID          *snowflake.ID    `gorm:"index"`
	ProductCode            string           `gorm:"type:text;not null"`
	Status                 ScheduleStatus   `gorm:"type:text;not null;index"`
	RecognitionMethod      catalogdomain.RecognitionMethod `gorm:"type:text;not null"`
	RecognitionStart       time.Time        `gorm:"not null"`
	RecognitionEnd         time.Time        `gorm:"not null;index"`
	AmountCents            int64            `gorm:"not null"`
	RecognizedAmountCents  int64            `gorm:"not null"`
	Currency               string           `gorm:"type:text;not null"`
	RevenueAccount         string           `gorm:"type:text"`
	DeferredRevenueAccount string           `gorm:"type:text"`
	RecognizedAt           *time.Time       `gorm:""`
	Metadata               ScheduleMetadata `gorm:"type:jsonb;serializer:json"`
	CreatedAt              time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RevenueSchedule) TableName() string { return "revenue_schedules" }

// OpenAmountCents is the portion not yet recognized.
func (s *RevenueSchedule) OpenAmountCents() int64 {
	return s.AmountCents - s.RecognizedAmountCents
}

// LineItem is one normalized item of a captured payment.
type LineItem struct {
	ID              string
	Name            string
	Quantity        float64
	UnitAmountCents int64
	TotalCents      int64
	Currency        string
	Metadata        map[string]any
}

// PaymentCaptured is the collaborator contract for a capture event. TenantID
// arrives via payment metadata upstream.
type PaymentCaptured struct {
	ID          string
	PublicID    string
	TenantID    string
	AmountCents int64
	Currency    string
	CapturedAt  time.Time
	Items       []LineItem
}

// SweepResult summarizes a due-schedule sweep.
type SweepResult struct {
	Processed   int
	AmountCents int64
}

var (
	ErrInvalidTenant  = errors.New("invalid_tenant")
	ErrInvalidPayment = errors.New("invalid_payment_intent")
	ErrInvalidCapture = errors.New("invalid_capture_event")
	ErrInvalidAsOf    = errors.New("invalid_sweep_time")
)
