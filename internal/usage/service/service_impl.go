package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/revrec/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
	}
}

// Ingest upserts a usage record keyed by external reference. Replays return
// the previously accepted row untouched.
func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.UsageRecord, error) {
	if err := validateIngest(req); err != nil {
		return nil, err
	}

	externalRef := strings.TrimSpace(req.ExternalReference)
	existing, err := s.findByExternalReference(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	amount := req.AmountCents
	if amount == 0 {
		amount = int64(math.Round(float64(req.UnitAmountCents) * req.Quantity))
	}

	now := time.Now().UTC()
	record := &usagedomain.UsageRecord{
		ID:                s.genID.Generate(),
		TenantID:          strings.TrimSpace(req.TenantID),
		ProductCode:       strings.TrimSpace(req.ProductCode),
		AccountReference:  strings.TrimSpace(req.AccountReference),
		UsageDate:         req.UsageDate.UTC(),
		Quantity:          req.Quantity,
		UnitAmountCents:   req.UnitAmountCents,
		AmountCents:       amount,
		Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
		Source:            strings.TrimSpace(req.Source),
		ExternalReference: externalRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_reference"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Lost the insert race; return the winner.
		return s.findByExternalReference(ctx, externalRef)
	}
	return record, nil
}

func (s *Service) MarkProcessed(ctx context.Context, tenantID string, ids []snowflake.ID, paymentIntentID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return usagedomain.ErrInvalidTenant
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("tenant_id = ? AND id IN ? AND processed_at IS NULL", tenantID, ids).
		Updates(map[string]any{
			"processed_at":      now,
			"payment_intent_id": paymentIntentID,
			"updated_at":        now,
		}).Error
}

func (s *Service) WindowTotals(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) ([]usagedomain.CurrencyTotal, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, usagedomain.ErrInvalidTenant
	}
	var totals []usagedomain.CurrencyTotal
	err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Select("currency, COALESCE(SUM(amount_cents), 0) AS amount_cents").
		Where("tenant_id = ? AND usage_date >= ? AND usage_date < ?", tenantID, windowStart.UTC(), windowEnd.UTC()).
		Group("currency").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Service) FindByReferences(ctx context.Context, tenantID string, refs []string) ([]usagedomain.UsageRecord, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, usagedomain.ErrInvalidTenant
	}
	cleaned := make([]string, 0, len(refs))
	for _, ref := range refs {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, nil
	}
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND external_reference IN ?", tenantID, cleaned).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Service) DistinctTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func (s *Service) findByExternalReference(ctx context.Context, ref string) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("external_reference = ?", ref).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func validateIngest(req usagedomain.IngestRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return usagedomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.ProductCode) == "" {
		return usagedomain.ErrInvalidProductCode
	}
	if strings.TrimSpace(req.AccountReference) == "" {
		return usagedomain.ErrInvalidAccountReference
	}
	if strings.TrimSpace(req.ExternalReference) == "" {
		return usagedomain.ErrInvalidExternalReference
	}
	if req.UsageDate.IsZero() {
		return usagedomain.ErrInvalidUsageDate
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity < 0 {
		return usagedomain.ErrInvalidAmount
	}
	if req.AmountCents < 0 || req.UnitAmountCents < 0 {
		return usagedomain.ErrInvalidAmount
	}
	return nil
}
