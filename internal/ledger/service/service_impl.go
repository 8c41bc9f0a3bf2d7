package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/revrec/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/revrec/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, tx *gorm.DB, entry *ledgerdomain.LedgerEntry) error {
	if entry == nil {
		return ledgerdomain.ErrInvalidEntryType
	}
	if strings.TrimSpace(entry.TenantID) == "" {
		return ledgerdomain.ErrInvalidTenant
	}
	if strings.TrimSpace(entry.PaymentIntentID) == "" {
		return ledgerdomain.ErrInvalidPayment
	}
	if !entry.EntryType.Valid() {
		return ledgerdomain.ErrInvalidEntryType
	}
	if entry.AmountCents <= 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	if strings.TrimSpace(entry.Currency) == "" {
		return ledgerdomain.ErrInvalidCurrency
	}
	if entry.RecordedAt.IsZero() {
		return ledgerdomain.ErrInvalidRecordedAt
	}

	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	entry.Currency = strings.ToUpper(entry.Currency)
	entry.RecordedAt = entry.RecordedAt.UTC()
	entry.CreatedAt = time.Now().UTC()

	conn := tx
	if conn == nil {
		conn = s.db
	}
	if err := conn.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.EntryType))
	}
	return nil
}

func (s *Service) ListByPayment(ctx context.Context, tenantID, paymentIntentID string) ([]ledgerdomain.LedgerEntry, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ledgerdomain.ErrInvalidTenant
	}
	if strings.TrimSpace(paymentIntentID) == "" {
		return nil, ledgerdomain.ErrInvalidPayment
	}
	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND payment_intent_id = ?", tenantID, paymentIntentID).
		Order("recorded_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
