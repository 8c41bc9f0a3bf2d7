// Package domain contains persistence models for the revenue catalog.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RecognitionMethod decides how a captured line item becomes revenue.
type RecognitionMethod string

const (
	RecognitionImmediate RecognitionMethod = "immediate"
	RecognitionDeferred  RecognitionMethod = "deferred"
	RecognitionSchedule  RecognitionMethod = "schedule"
)

// Valid reports whether the method is one of the known values.
func (m RecognitionMethod) Valid() bool {
	switch m {
	case RecognitionImmediate, RecognitionDeferred, RecognitionSchedule:
		return true
	default:
		return false
	}
}

type ItemStatus string

const (
	ItemStatusDraft  ItemStatus = "draft"
	ItemStatusActive ItemStatus = "active"
)

// CatalogItem maps a product code to its pricing and recognition policy.
// Items are never hard-deleted; retirement is a status change.
type CatalogItem struct {
	ID                       snowflake.ID      `gorm:"primaryKey"`
	TenantID                 string            `gorm:"type:text;not null;index;uniqueIndex:ux_catalog_items_tenant_code,priority:1"`
	ProductCode              string            `gorm:"type:text;not null;uniqueIndex:ux_catalog_items_tenant_code,priority:2"`
	PricingModel             string            `gorm:"type:text"`
	BillingInterval          string            `gorm:"type:text"`
	RevenueRecognitionMethod RecognitionMethod `gorm:"type:text;not null"`
	RecognitionDurationDays  int               `gorm:"not null"`
	UnitAmountCents          int64             `gorm:"not null"`
	Currency                 string            `gorm:"type:text;not null"`
	RevenueAccount           string            `gorm:"type:text"`
	DeferredRevenueAccount   string            `gorm:"type:text"`
	Status                   ItemStatus        `gorm:"type:text;not null;default:draft"`
	Metadata                 datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt                time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CatalogItem) TableName() string { return "catalog_items" }

// Persisted reports whether the item is backed by a stored row. Degraded-mode
// resolution returns transient items with ID zero.
func (c *CatalogItem) Persisted() bool { return c != nil && c.ID != 0 }

// ItemRef carries everything a line item knows about itself, used to locate
// or provision the catalog item it belongs to.
type ItemRef struct {
	CatalogCode     string
	MetadataCode    string
	LineID          string
	Name            string
	BillingInterval string
	UnitAmountCents int64
	Currency        string
}

// Codes returns the lookup candidates in resolution order.
func (r ItemRef) Codes() []string {
	candidates := []string{r.CatalogCode, r.MetadataCode, r.LineID, r.Name}
	codes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != "" {
			codes = append(codes, c)
		}
	}
	return codes
}

// UpsertRequest is the admin mutation for catalog items.
type UpsertRequest struct {
	TenantID                 string
	ProductCode              string
	PricingModel             string
	BillingInterval          string
	RevenueRecognitionMethod RecognitionMethod
	RecognitionDurationDays  int
	UnitAmountCents          int64
	Currency                 string
	RevenueAccount           string
	DeferredRevenueAccount   string
	Status                   ItemStatus
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidProductCode = errors.New("invalid_product_code")
	ErrInvalidMethod      = errors.New("invalid_recognition_method")
	ErrStoreUnavailable   = errors.New("catalog_store_unavailable")
)

// Service resolves payment line items to catalog items.
type Service interface {
	Resolve(ctx context.Context, tenantID string, ref ItemRef) (*CatalogItem, error)
	Upsert(ctx context.Context, req UpsertRequest) (*CatalogItem, error)
	ListTenants(ctx context.Context) ([]string, error)
}

/// Store abstracts catalog persistence. Selected once at construction: the
// gorm-backed store persists, the degraded store serves read-only fallbacks.
type Store interface {
	FindByCodes(ctx context.Context, tenantID string, codes []string) (*CatalogItem, error)
	Create(ctx context.Context, item *CatalogItem) error
	Save(ctx context.Context, item *CatalogItem) error
	DistinctTenants(ctx context.Context) ([]string, error)
}
