package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	"github.com/smallbiznis/revrec/internal/config"
	"github.com/smallbiznis/revrec/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Store  catalogdomain.Store
	Log    *zap.Logger
	GenID  *snowflake.Node
	Config config.Config
}

type Service struct {
	store catalogdomain.Store
	log   *zap.Logger
	genID *snowflake.Node
	cfg   config.RecognitionConfig
}

func NewService(p Params) catalogdomain.Service {
	return &Service{
		store: p.Store,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		cfg:   p.Config.Recognition,
	}
}

// Resolve locates the catalog item for a line item, provisioning one when
// none exists. When the store is unreachable it returns a transient item with
// ID zero so the capture pipeline keeps functioning; callers must tolerate
// non-persisted items.
func (s *Service) Resolve(ctx context.Context, tenantID string, ref catalogdomain.ItemRef) (*catalogdomain.CatalogItem, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, catalogdomain.ErrInvalidTenant
	}
	codes := ref.Codes()
	if len(codes) == 0 {
		return nil, catalogdomain.ErrInvalidProductCode
	}

	item, err := s.store.FindByCodes(ctx, tenantID, codes)
	if err != nil {
		if s.storeUnavailable(err) {
			s.log.Warn("catalog store unavailable, serving transient item",
				zap.String("tenant_id", tenantID),
				zap.String("product_code", codes[0]),
				zap.Error(err),
			)
			return s.transientItem(tenantID, ref), nil
		}
		return nil, err
	}
	if item != nil {
		return item, nil
	}

	provisioned := s.provisionedItem(tenantID, ref)
	if err := s.store.Create(ctx, provisioned); err != nil {
		if s.storeUnavailable(err) {
			s.log.Warn("catalog store unavailable during provisioning, serving transient item",
				zap.String("tenant_id", tenantID),
				zap.String("product_code", provisioned.ProductCode),
				zap.Error(err),
			)
			return s.transientItem(tenantID, ref), nil
		}
		return nil, err
	}

	// A concurrent capture may have provisioned the same code first; the
	// conflict clause no-ops, so re-read to return the winning row.
	existing, err := s.store.FindByCodes(ctx, tenantID, []string{provisioned.ProductCode})
	if err == nil && existing != nil {
		return existing, nil
	}

	s.log.Info("auto-provisioned catalog item",
		zap.String("tenant_id", tenantID),
		zap.String("product_code", provisioned.ProductCode),
		zap.String("method", string(provisioned.RevenueRecognitionMethod)),
	)
	return provisioned, nil
}

func (s *Service) Upsert(ctx context.Context, req catalogdomain.UpsertRequest) (*catalogdomain.CatalogItem, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, catalogdomain.ErrInvalidTenant
	}
	productCode := strings.TrimSpace(req.ProductCode)
	if productCode == "" {
		return nil, catalogdomain.ErrInvalidProductCode
	}
	if req.RevenueRecognitionMethod != "" && !req.RevenueRecognitionMethod.Valid() {
		return nil, catalogdomain.ErrInvalidMethod
	}

	existing, err := s.store.FindByCodes(ctx, tenantID, []string{productCode})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing == nil {
		existing = &catalogdomain.CatalogItem{
			ID:          s.genID.Generate(),
			TenantID:    tenantID,
			ProductCode: productCode,
			CreatedAt:   now,
		}
	}

	if req.PricingModel != "" {
		existing.PricingModel = req.PricingModel
	}
	if req.BillingInterval != "" {
		existing.BillingInterval = req.BillingInterval
	}
	if req.RevenueRecognitionMethod != "" {
		existing.RevenueRecognitionMethod = req.RevenueRecognitionMethod
	}
	if req.RecognitionDurationDays > 0 {
		existing.RecognitionDurationDays = req.RecognitionDurationDays
	}
	if req.UnitAmountCents != 0 {
		existing.UnitAmountCents = req.UnitAmountCents
	}
	if req.Currency != "" {
		existing.Currency = strings.ToUpper(req.Currency)
	}
	if req.RevenueAccount != "" {
		existing.RevenueAccount = req.RevenueAccount
	}
	if req.DeferredRevenueAccount != "" {
		existing.DeferredRevenueAccount = req.DeferredRevenueAccount
	}
	if req.Status != "" {
		existing.Status = req.Status
	}
	if existing.RevenueRecognitionMethod == "" {
		existing.RevenueRecognitionMethod = catalogdomain.RecognitionDeferred
	}
	if existing.RecognitionDurationDays == 0 {
		existing.RecognitionDurationDays = s.durationFor(existing.BillingInterval)
	}
	existing.UpdatedAt = now

	if err := s.store.Save(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *Service) ListTenants(ctx context.Context) ([]string, error) {
	return s.store.DistinctTenants(ctx)
}

// provisionedItem builds the row for an unknown product code. Unclassified
// revenue must not be recognized early, so the method defaults to deferred.
func (s *Service) provisionedItem(tenantID string, ref catalogdomain.ItemRef) *catalogdomain.CatalogItem {
	now := time.Now().UTC()
	return &catalogdomain.CatalogItem{
		ID:                       s.genID.Generate(),
		TenantID:                 tenantID,
		ProductCode:              ref.Codes()[0],
		BillingInterval:          ref.BillingInterval,
		RevenueRecognitionMethod: catalogdomain.RecognitionDeferred,
		RecognitionDurationDays:  s.durationFor(ref.BillingInterval),
		UnitAmountCents:          ref.UnitAmountCents,
		Currency:                 strings.ToUpper(ref.Currency),
		Status:                   catalogdomain.ItemStatusActive,
		Metadata: datatypes.JSONMap{
			"provisioned_from_payment": true,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) transientItem(tenantID string, ref catalogdomain.ItemRef) *catalogdomain.CatalogItem {
	item := s.provisionedItem(tenantID, ref)
	item.ID = 0
	return item
}

func (s *Service) durationFor(billingInterval string) int {
	if strings.EqualFold(strings.TrimSpace(billingInterval), "annual") ||
		strings.EqualFold(strings.TrimSpace(billingInterval), "yearly") {
		return s.cfg.AnnualDurationDays
	}
	return s.cfg.DefaultDurationDays
}

func (s *Service) storeUnavailable(err error) bool {
	return errors.Is(err, catalogdomain.ErrStoreUnavailable) || db.IsConnectionErr(err)
}
