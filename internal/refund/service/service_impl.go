package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/revrec/internal/clock"
	ledgerdomain "github.com/smallbiznis/revrec/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/revrec/internal/observability/metrics"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	refunddomain "github.com/smallbiznis/revrec/internal/refund/domain"
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
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) refunddomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("refund.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
	}
}

// ApplyRefund walks the payment's schedules and reverses revenue until the
// refund is covered: recognized portions newest-first, then deferred portions
// oldest-first. Whatever cannot land on a schedule is surfaced as unapplied.
func (s *Service) ApplyRefund(ctx context.Context, req refunddomain.ApplyRequest) (*refunddomain.Allocation, error) {
	if err := validateApply(req); err != nil {
		return nil, err
	}
	tenantID := strings.TrimSpace(req.TenantID)
	reference := strings.TrimSpace(req.RefundReference)

	if existing, err := s.findEvent(ctx, tenantID, reference); err != nil {
		return nil, err
	} else if existing != nil {
		return &refunddomain.Allocation{
			RecognizedReversalCents: existing.RecognizedReversalCents,
			DeferredReductionCents:  existing.DeferredReductionCents,
			UnappliedCents:          existing.UnappliedCents,
		}, nil
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}
	occurredAt = occurredAt.UTC()
	now := s.clock.Now().UTC()

	allocation := &refunddomain.Allocation{}
	var currency string
	var reversalsByCurrency map[string]int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schedules []recdomain.RevenueSchedule
		err := tx.
			Where("tenant_id = ? AND payment_intent_id = ?", tenantID, strings.TrimSpace(req.PaymentIntentID)).
			Find(&schedules).Error
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			return refunddomain.ErrNoSchedules
		}
		currency = schedules[0].Currency
		reversalsByCurrency = make(map[string]int64)

		remaining := req.AmountCents

		// Recognized revenue is reversed newest-first so the most recent
		// recognition unwinds before older, already-reported periods.
		for _, schedule := range recognizedNewestFirst(schedules) {
			if remaining <= 0 {
				break
			}
			take := min64(remaining, schedule.RecognizedAmountCents)
			if take <= 0 {
				continue
			}
			if err := s.reduceRecognized(ctx, tx, schedule, take, reference, req.Reason, occurredAt, now); err != nil {
				return err
			}
			remaining -= take
			allocation.RecognizedReversalCents += take
			allocation.TouchedSchedules++
			reversalsByCurrency[schedule.Currency] += take
		}

		// Deferred revenue is reduced oldest-first, capped at each open amount.
		for _, schedule := range deferredOldestFirst(schedules) {
			if remaining <= 0 {
				break
			}
			take := min64(remaining, schedule.OpenAmountCents())
			if take <= 0 {
				continue
			}
			if err := s.reduceDeferred(ctx, tx, schedule, take, reference, req.Reason, occurredAt, now); err != nil {
				return err
			}
			remaining -= take
			allocation.DeferredReductionCents += take
			allocation.TouchedSchedules++
		}

		allocation.UnappliedCents = remaining

		event := &refunddomain.RefundEvent{
			ID:                      s.genID.Generate(),
			TenantID:                tenantID,
			PaymentIntentID:         strings.TrimSpace(req.PaymentIntentID),
			RefundReference:         reference,
			AmountCents:             req.AmountCents,
			RecognizedReversalCents: allocation.RecognizedReversalCents,
			DeferredReductionCents:  allocation.DeferredReductionCents,
			UnappliedCents:          allocation.UnappliedCents,
			Currency:                currency,
			Reason:                  strings.TrimSpace(req.Reason),
			OccurredAt:              occurredAt,
			CreatedAt:               now,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return nil, err
	}

	for cur, cents := range reversalsByCurrency {
		s.obsMetrics.RecordReversal(ctx, "refund", cur, cents)
	}
	if allocation.UnappliedCents > 0 {
		s.log.Warn("refund exceeds allocatable revenue",
			zap.String("tenant_id", tenantID),
			zap.String("payment_intent_id", req.PaymentIntentID),
			zap.String("refund_reference", reference),
			zap.Int64("unapplied_cents", allocation.UnappliedCents),
		)
	}
	return allocation, nil
}

func (s *Service) reduceRecognized(ctx context.Context, tx *gorm.DB, schedule *recdomain.RevenueSchedule, take int64, reference, reason string, occurredAt, now time.Time) error {
	adjustment := recdomain.Adjustment{
		ID:              uuid.NewString(),
		Type:            recdomain.AdjustmentRefundRecognized,
		AmountCents:     take,
		Reason:          strings.TrimSpace(reason),
		RefundReference: reference,
		RecordedAt:      occurredAt,
	}
	schedule.AmountCents -= take
	schedule.RecognizedAmountCents -= take
	schedule.Metadata.Adjustments = append(schedule.Metadata.Adjustments, adjustment)
	if err := s.saveSchedule(ctx, tx, schedule, now); err != nil {
		return err
	}
	entry := &ledgerdomain.LedgerEntry{
		TenantID:        schedule.TenantID,
		PaymentIntentID: schedule.PaymentIntentID,
		EntryType:       ledgerdomain.EntryRefundRecognized,
		AmountCents:     take,
		Currency:        schedule.Currency,
		RecordedAt:      occurredAt,
		Details:         refundDetails(schedule, reference),
	}
	return s.ledger.Append(ctx, tx, entry)
}

func (s *Service) reduceDeferred(ctx context.Context, tx *gorm.DB, schedule *recdomain.RevenueSchedule, take int64, reference, reason string, occurredAt, now time.Time) error {
	adjustment := recdomain.Adjustment{
		ID:              uuid.NewString(),
		Type:            recdomain.AdjustmentRefundDeferred,
		AmountCents:     take,
		Reason:          strings.TrimSpace(reason),
		RefundReference: reference,
		RecordedAt:      occurredAt,
	}
	schedule.AmountCents -= take
	schedule.Metadata.Adjustments = append(schedule.Metadata.Adjustments, adjustment)
	if err := s.saveSchedule(ctx, tx, schedule, now); err != nil {
		return err
	}
	entry := &ledgerdomain.LedgerEntry{
		TenantID:        schedule.TenantID,
		PaymentIntentID: schedule.PaymentIntentID,
		EntryType:       ledgerdomain.EntryRefundDeferred,
		AmountCents:     take,
		Currency:        schedule.Currency,
		RecordedAt:      occurredAt,
		Details:         refundDetails(schedule, reference),
	}
	return s.ledger.Append(ctx, tx, entry)
}

func (s *Service) saveSchedule(ctx context.Context, tx *gorm.DB, schedule *recdomain.RevenueSchedule, now time.Time) error {
	schedule.UpdatedAt = now
	return tx.WithContext(ctx).Save(schedule).Error
}

func (s *Service) findEvent(ctx context.Context, tenantID, reference string) (*refunddomain.RefundEvent, error) {
	var event refunddomain.RefundEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND refund_reference = ?", tenantID, reference).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// recognizedNewestFirst orders schedules with recognized revenue by
// recognized_at descending. Schedules without a timestamp sort last.
func recognizedNewestFirst(schedules []recdomain.RevenueSchedule) []*recdomain.RevenueSchedule {
	candidates := make([]*recdomain.RevenueSchedule, 0, len(schedules))
	for i := range schedules {
		if schedules[i].RecognizedAmountCents > 0 {
			candidates = append(candidates, &schedules[i])
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].RecognizedAt, candidates[j].RecognizedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		default:
			return candidates[i].ID > candidates[j].ID
		}
	})
	return candidates
}

func deferredOldestFirst(schedules []recdomain.RevenueSchedule) []*recdomain.RevenueSchedule {
	candidates := make([]*recdomain.RevenueSchedule, 0, len(schedules))
	for i := range schedules {
		if schedules[i].OpenAmountCents() > 0 {
			candidates = append(candidates, &schedules[i])
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].RecognitionStart, candidates[j].RecognitionStart
		if !a.Equal(b) {
			return a.Before(b)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

func refundDetails(schedule *recdomain.RevenueSchedule, reference string) datatypes.JSONMap {
	return datatypes.JSONMap{
		"schedule_id":      schedule.ID.String(),
		"product_code":     schedule.ProductCode,
		"refund_reference": reference,
	}
}

func validateApply(req refunddomain.ApplyRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return refunddomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.PaymentIntentID) == "" {
		return refunddomain.ErrInvalidPayment
	}
	if strings.TrimSpace(req.RefundReference) == "" {
		return refunddomain.ErrInvalidRefund
	}
	if req.AmountCents <= 0 {
		return refunddomain.ErrInvalidAmount
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
