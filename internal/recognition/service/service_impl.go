package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	"github.com/smallbiznis/revrec/internal/clock"
	"github.com/smallbiznis/revrec/internal/config"
	ledgerdomain "github.com/smallbiznis/revrec/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/revrec/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	usagedomain "github.com/smallbiznis/revrec/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Catalog    catalogdomain.Service
	Usage      usagedomain.Service
	Ledger     ledgerdomain.Service
	Payments   paymentdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.RecognitionConfig
	catalog    catalogdomain.Service
	usage      usagedomain.Service
	ledger     ledgerdomain.Service
	payments   paymentdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) recdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("recognition.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Config.Recognition,
		catalog:    p.Catalog,
		usage:      p.Usage,
		ledger:     p.Ledger,
		payments:   p.Payments,
		obsMetrics: p.ObsMetrics,
	}
}

// OnPaymentCaptured plans one schedule per line item and persists schedules,
// the capture read model and the ledger postings in a single transaction.
func (s *Service) OnPaymentCaptured(ctx context.Context, evt recdomain.PaymentCaptured) ([]recdomain.RevenueSchedule, error) {
	tenantID := strings.TrimSpace(evt.TenantID)
	if tenantID == "" {
		return nil, recdomain.ErrInvalidTenant
	}
	if strings.TrimSpace(evt.ID) == "" {
		return nil, recdomain.ErrInvalidPayment
	}
	if evt.CapturedAt.IsZero() {
		return nil, recdomain.ErrInvalidCapture
	}

	existing, err := s.schedulesByPayment(ctx, tenantID, evt.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		s.log.Info("capture replayed, schedules already exist",
			zap.String("payment_intent_id", evt.ID),
			zap.Int("schedules", len(existing)),
		)
		return existing, nil
	}

	lines := normalizeLines(evt)
	now := s.clock.Now().UTC()

	schedules := make([]recdomain.RevenueSchedule, 0, len(lines))
	processedUsage := make([]snowflake.ID, 0)
	for _, line := range lines {
		item, err := s.catalog.Resolve(ctx, tenantID, itemRef(line))
		if err != nil {
			return nil, err
		}

		plan := recdomain.BuildPlan(item, line, evt.CapturedAt, recdomain.PlanConfig{
			DefaultDurationDays: s.cfg.DefaultDurationDays,
		})

		currency := strings.ToUpper(strings.TrimSpace(line.Currency))
		if currency == "" {
			currency = strings.ToUpper(strings.TrimSpace(evt.Currency))
		}

		schedule := recdomain.RevenueSchedule{
			ID:                     s.genID.Generate(),
			TenantID:               tenantID,
			PaymentIntentID:        evt.ID,
			ProductCode:            item.ProductCode,
			Status:                 plan.Status,
			RecognitionMethod:      plan.Method,
			RecognitionStart:       plan.RecognitionStart,
			RecognitionEnd:         plan.RecognitionEnd,
			AmountCents:            plan.AmountCents,
			RecognizedAmountCents:  plan.RecognizedAmountCents,
			Currency:               currency,
			RevenueAccount:         item.RevenueAccount,
			DeferredRevenueAccount: item.DeferredRevenueAccount,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if item.Persisted() {
			id := item.ID
			schedule.CatalogItemID = &id
		}
		if plan.Status == recdomain.ScheduleRecognized {
			recognizedAt := evt.CapturedAt.UTC()
			schedule.RecognizedAt = &recognizedAt
		}

		usageIDs, usageRecordID, err := s.matchUsage(ctx, tenantID, line)
		if err != nil {
			return nil, err
		}
		schedule.UsageRecordID = usageRecordID
		processedUsage = append(processedUsage, usageIDs...)

		schedules = append(schedules, schedule)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range schedules {
			if err := tx.Create(&schedules[i]).Error; err != nil {
				return err
			}
			if err := s.appendCaptureEntries(ctx, tx, &schedules[i], evt.CapturedAt); err != nil {
				return err
			}
		}
		capture := &paymentdomain.CapturedPayment{
			TenantID:        tenantID,
			PaymentIntentID: evt.ID,
			PublicID:        evt.PublicID,
			AmountCents:     paymentAmount(evt, schedules),
			Currency:        evt.Currency,
			LineItemCount:   len(lines),
			CapturedAt:      evt.CapturedAt,
			Metadata:        datatypes.JSONMap{"schedules": len(schedules)},
			CreatedAt:       now,
		}
		return s.payments.Record(ctx, tx, capture)
	})
	if err != nil {
		return nil, err
	}

	if len(processedUsage) > 0 {
		if err := s.usage.MarkProcessed(ctx, tenantID, processedUsage, evt.ID); err != nil {
			s.log.Warn("failed to stamp usage records", zap.Error(err),
				zap.String("payment_intent_id", evt.ID))
		}
	}

	for i := range schedules {
		if schedules[i].Status == recdomain.ScheduleRecognized {
			s.obsMetrics.RecordRecognition(ctx, "capture", schedules[i].Currency, schedules[i].RecognizedAmountCents)
		}
	}

	if balance, err := s.DeferredBalance(ctx, tenantID); err == nil {
		s.log.Info("deferred balance after capture",
			zap.String("tenant_id", tenantID),
			zap.String("payment_intent_id", evt.ID),
			zap.Int64("deferred_cents", balance),
		)
	}
	return schedules, nil
}

// SweepDue recognizes pending schedules whose recognition window ended at or
// before asOf. Each schedule is finalized in its own transaction so one bad
// row does not roll back the batch.
func (s *Service) SweepDue(ctx context.Context, tenantID string, asOf time.Time, limit int) (*recdomain.SweepResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, recdomain.ErrInvalidTenant
	}
	if asOf.IsZero() {
		return nil, recdomain.ErrInvalidAsOf
	}
	if limit <= 0 {
		limit = s.cfg.SweepBatchSize
	}

	var due []recdomain.RevenueSchedule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND recognition_end <= ?", tenantID, recdomain.SchedulePending, asOf.UTC()).
		Order("recognition_end ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	result := &recdomain.SweepResult{}
	var errs []error
	for i := range due {
		amount, err := s.recognizeSchedule(ctx, &due[i], asOf)
		if err != nil {
			errs = append(errs, err)
			s.log.Error("failed to recognize due schedule", zap.Error(err),
				zap.Int64("schedule_id", int64(due[i].ID)))
			continue
		}
		if amount > 0 {
			result.Processed++
			result.AmountCents += amount
			s.obsMetrics.RecordRecognition(ctx, "sweep", due[i].Currency, amount)
		}
	}
	return result, errors.Join(errs...)
}

func (s *Service) DeferredBalance(ctx context.Context, tenantID string) (int64, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, recdomain.ErrInvalidTenant
	}
	var balance int64
	err := s.db.WithContext(ctx).
		Model(&recdomain.RevenueSchedule{}).
		Select("COALESCE(SUM(amount_cents - recognized_amount_cents), 0)").
		Where("tenant_id = ?", tenantID).
		Scan(&balance).Error
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Aggregates windows recognized cents on recognized_at; deferred is the
// balance still open regardless of window.
func (s *Service) Aggregates(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) ([]recdomain.CurrencyAggregate, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, recdomain.ErrInvalidTenant
	}
	var aggregates []recdomain.CurrencyAggregate
	err := s.db.WithContext(ctx).
		Model(&recdomain.RevenueSchedule{}).
		Select(
			"currency, "+
				"COALESCE(SUM(CASE WHEN recognized_at >= ? AND recognized_at < ? THEN recognized_amount_cents ELSE 0 END), 0) AS recognized_cents, "+
				"COALESCE(SUM(amount_cents - recognized_amount_cents), 0) AS deferred_cents",
			windowStart.UTC(), windowEnd.UTC(),
		).
		Where("tenant_id = ?", tenantID).
		Group("currency").
		Scan(&aggregates).Error
	if err != nil {
		return nil, err
	}
	return aggregates, nil
}

func (s *Service) ListSchedules(ctx context.Context, tenantID string, filter recdomain.ScheduleFilter) ([]recdomain.RevenueSchedule, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, recdomain.ErrInvalidTenant
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PaymentIntentID != "" {
		query = query.Where("payment_intent_id = ?", filter.PaymentIntentID)
	}
	var schedules []recdomain.RevenueSchedule
	err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&schedules).Error
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

func (s *Service) DistinctTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).
		Model(&recdomain.RevenueSchedule{}).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

// recognizeSchedule claims a pending schedule and moves it to recognized,
// releasing the deferred posting and booking the recognized one. Claim and
// finalize share one transaction so a ledger failure rolls the schedule back
// to pending and the next sweep retries it.
func (s *Service) recognizeSchedule(ctx context.Context, schedule *recdomain.RevenueSchedule, asOf time.Time) (int64, error) {
	now := s.clock.Now().UTC()
	open := schedule.OpenAmountCents()
	recognizedAt := asOf.UTC()
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.
			Model(&recdomain.RevenueSchedule{}).
			Where("id = ? AND status = ?", schedule.ID, recdomain.SchedulePending).
			Updates(map[string]any{
				"status":                  recdomain.ScheduleRecognized,
				"recognized_amount_cents": schedule.AmountCents,
				"recognized_at":           recognizedAt,
				"updated_at":              now,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			// Another worker got here first.
			return nil
		}
		claimed = true
		if open <= 0 {
			return nil
		}
		release := &ledgerdomain.LedgerEntry{
			TenantID:        schedule.TenantID,
			PaymentIntentID: schedule.PaymentIntentID,
			EntryType:       ledgerdomain.EntryDeferredRelease,
			AmountCents:     open,
			Currency:        schedule.Currency,
			RecordedAt:      recognizedAt,
			Details:         scheduleDetails(schedule),
		}
		if err := s.ledger.Append(ctx, tx, release); err != nil {
			return err
		}
		recognized := &ledgerdomain.LedgerEntry{
			TenantID:        schedule.TenantID,
			PaymentIntentID: schedule.PaymentIntentID,
			EntryType:       ledgerdomain.EntryRecognized,
			AmountCents:     open,
			Currency:        schedule.Currency,
			RecordedAt:      recognizedAt,
			Details:         scheduleDetails(schedule),
		}
		return s.ledger.Append(ctx, tx, recognized)
	})
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}
	schedule.Status = recdomain.ScheduleRecognized
	schedule.RecognizedAmountCents = schedule.AmountCents
	schedule.RecognizedAt = &recognizedAt
	return open, nil
}

func (s *Service) appendCaptureEntries(ctx context.Context, tx *gorm.DB, schedule *recdomain.RevenueSchedule, capturedAt time.Time) error {
	if schedule.AmountCents <= 0 {
		return nil
	}
	entryType := ledgerdomain.EntryDeferred
	if schedule.Status == recdomain.ScheduleRecognized {
		entryType = ledgerdomain.EntryRecognized
	}
	entry := &ledgerdomain.LedgerEntry{
		TenantID:        schedule.TenantID,
		PaymentIntentID: schedule.PaymentIntentID,
		EntryType:       entryType,
		AmountCents:     schedule.AmountCents,
		Currency:        schedule.Currency,
		RecordedAt:      capturedAt,
		Details:         scheduleDetails(schedule),
	}
	return s.ledger.Append(ctx, tx, entry)
}

func (s *Service) matchUsage(ctx context.Context, tenantID string, line recdomain.LineItem) ([]snowflake.ID, *snowflake.ID, error) {
	refs := usageReferences(line)
	if len(refs) == 0 {
		return nil, nil, nil
	}
	records, err := s.usage.FindByReferences(ctx, tenantID, refs)
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	ids := make([]snowflake.ID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	first := records[0].ID
	return ids, &first, nil
}

func (s *Service) schedulesByPayment(ctx context.Context, tenantID, paymentIntentID string) ([]recdomain.RevenueSchedule, error) {
	var schedules []recdomain.RevenueSchedule
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND payment_intent_id = ?", tenantID, paymentIntentID).
		Order("id ASC").
		Find(&schedules).Error
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

// normalizeLines falls back to a synthetic line covering the whole payment
// when the capture event carries no items.
func normalizeLines(evt recdomain.PaymentCaptured) []recdomain.LineItem {
	if len(evt.Items) > 0 {
		return evt.Items
	}
	name := strings.TrimSpace(evt.PublicID)
	if name == "" {
		name = evt.ID
	}
	return []recdomain.LineItem{{
		ID:         evt.ID,
		Name:       name,
		Quantity:   1,
		TotalCents: evt.AmountCents,
		Currency:   evt.Currency,
	}}
}

func itemRef(line recdomain.LineItem) catalogdomain.ItemRef {
	return catalogdomain.ItemRef{
		CatalogCode:     metadataString(line.Metadata, "catalog_code"),
		MetadataCode:    metadataString(line.Metadata, "product_code"),
		LineID:          strings.TrimSpace(line.ID),
		Name:            strings.TrimSpace(line.Name),
		BillingInterval: metadataString(line.Metadata, "billing_interval"),
		UnitAmountCents: line.UnitAmountCents,
		Currency:        line.Currency,
	}
}

func usageReferences(line recdomain.LineItem) []string {
	raw, ok := line.Metadata[recdomain.MetadataUsageReferences]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		refs := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
				refs = append(refs, str)
			}
		}
		return refs
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func paymentAmount(evt recdomain.PaymentCaptured, schedules []recdomain.RevenueSchedule) int64 {
	if evt.AmountCents > 0 {
		return evt.AmountCents
	}
	var total int64
	for i := range schedules {
		total += schedules[i].AmountCents
	}
	return total
}

func scheduleDetails(schedule *recdomain.RevenueSchedule) datatypes.JSONMap {
	return datatypes.JSONMap{
		"schedule_id":        schedule.ID.String(),
		"product_code":       schedule.ProductCode,
		"recognition_method": string(schedule.RecognitionMethod),
	}
}
