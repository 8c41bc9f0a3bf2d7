// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageRecord stores a single unit of billable activity awaiting recognition.
type UsageRecord struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	TenantID          string            `gorm:"type:text;not null;index"`
	ProductCode       string            `gorm:"type:text;not null"`
	AccountReference  string            `gorm:"type:text;not null"`
	UsageDate         time.Time         `gorm:"not null;index"`
	Quantity          float64           `gorm:"not null"`
	UnitAmountCents   int64             `gorm:"not null"`
	AmountCents       int64             `gorm:"not null"`
	Currency          string            `gorm:"type:text;not null"`
	Source            string            `gorm:"type:text"`
	ExternalReference string            `gorm:"type:text;not null;uniqueIndex:ux_usage_records_external_ref"`
	PaymentIntentID   *string           `gorm:"type:text;index"`
	ProcessedAt       *time.Time        `gorm:""`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// IngestRequest is the collaborator contract for usage ingestion.
type IngestRequest struct {
	TenantID          string
	ProductCode       string
	AccountReference  string
	UsageDate         time.Time
	Quantity          float64
	UnitAmountCents   int64
	AmountCents       int64
	Currency          string
	Source            string
	ExternalReference string
	Metadata          map[string]any
}

// CurrencyTotal is a per-currency aggregation over a window.
type CurrencyTotal struct {
	Currency    string
	AmountCents int64
}

var (
	ErrInvalidTenant            = errors.New("invalid_tenant")
	ErrInvalidProductCode       = errors.New("invalid_product_code")
	ErrInvalidAccountReference  = errors.New("invalid_account_reference")
	ErrInvalidExternalReference = errors.New("invalid_external_reference")
	ErrInvalidUsageDate         = errors.New("invalid_usage_date")
	ErrInvalidAmount            = errors.New("invalid_usage_amount")
)

// Service ingests and aggregates usage records.
type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*UsageRecord, error)
	// MarkProcessed stamps records consumed by a recognition schedule.
	MarkProcessed(ctx context.Context, tenantID string, ids []snowflake.ID, paymentIntentID string) error
	// WindowTotals sums unprocessed-and-processed usage per currency in a window.
	WindowTotals(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) ([]CurrencyTotal, error)
	FindByReferences(ctx context.Context, tenantID string, refs []string) ([]UsageRecord, error)
	DistinctTenants(ctx context.Context) ([]string, error)
}
