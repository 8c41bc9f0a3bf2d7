package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
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

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("payment.service"),
		genID: p.GenID,
	}
}

func (s *Service) Record(ctx context.Context, tx *gorm.DB, payment *paymentdomain.CapturedPayment) error {
	if payment == nil || strings.TrimSpace(payment.PaymentIntentID) == "" {
		return paymentdomain.ErrInvalidPayment
	}
	if strings.TrimSpace(payment.TenantID) == "" {
		return paymentdomain.ErrInvalidTenant
	}
	if payment.ID == 0 {
		payment.ID = s.genID.Generate()
	}
	payment.Currency = strings.ToUpper(strings.TrimSpace(payment.Currency))
	payment.CapturedAt = payment.CapturedAt.UTC()

	db := tx
	if db == nil {
		db = s.db.WithContext(ctx)
	}
	return db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payment_intent_id"}},
			DoNothing: true,
		}).
		Create(payment).Error
}

func (s *Service) InvoicedTotals(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) ([]paymentdomain.CurrencyTotal, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, paymentdomain.ErrInvalidTenant
	}
	var totals []paymentdomain.CurrencyTotal
	err := s.db.WithContext(ctx).
		Model(&paymentdomain.CapturedPayment{}).
		Select("currency, COALESCE(SUM(amount_cents), 0) AS amount_cents").
		Where("tenant_id = ? AND captured_at >= ? AND captured_at < ?", tenantID, windowStart.UTC(), windowEnd.UTC()).
		Group("currency").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (s *Service) DistinctTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&paymentdomain.CapturedPayment{}).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}
