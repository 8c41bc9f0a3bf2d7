package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revrec/internal/clock"
	overviewdomain "github.com/smallbiznis/revrec/internal/overview/domain"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log            *zap.Logger
	Clock          clock.Clock
	Payments       paymentdomain.Service
	Recognition    recdomain.Service
	Reconciliation recondomain.Service
}

type Service struct {
	log         *zap.Logger
	clock       clock.Clock
	payments    paymentdomain.Service
	recognition recdomain.Service
	recon       recondomain.Service
}

func NewService(p Params) overviewdomain.Service {
	return &Service{
		log:         p.Log.Named("overview.service"),
		clock:       p.Clock,
		payments:    p.Payments,
		recognition: p.Recognition,
		recon:       p.Reconciliation,
	}
}

func (s *Service) Overview(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) (*overviewdomain.RevenueOverview, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, overviewdomain.ErrInvalidTenant
	}
	if windowStart.IsZero() {
		windowStart = time.Unix(0, 0).UTC()
	}
	if windowEnd.IsZero() {
		windowEnd = s.clock.Now().UTC()
	}

	invoiced, err := s.payments.InvoicedTotals(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	aggregates, err := s.recognition.Aggregates(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	latest, err := s.recon.LatestRun(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	slices := make(map[string]*overviewdomain.CurrencySlice)
	sliceFor := func(currency string) *overviewdomain.CurrencySlice {
		if slice, ok := slices[currency]; ok {
			return slice
		}
		slice := &overviewdomain.CurrencySlice{Currency: currency}
		slices[currency] = slice
		return slice
	}

	overview := &overviewdomain.RevenueOverview{
		TenantID:    tenantID,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		LatestRun:   latest,
	}
	for _, total := range invoiced {
		sliceFor(total.Currency).InvoicedCents += total.AmountCents
		overview.InvoicedCents += total.AmountCents
	}
	for _, agg := range aggregates {
		slice := sliceFor(agg.Currency)
		slice.RecognizedCents += agg.RecognizedCents
		slice.DeferredCents += agg.DeferredCents
		overview.RecognizedCents += agg.RecognizedCents
		overview.DeferredCents += agg.DeferredCents
	}

	currencies := make([]overviewdomain.CurrencySlice, 0, len(slices))
	for _, slice := range slices {
		currencies = append(currencies, *slice)
	}
	sort.Slice(currencies, func(i, j int) bool {
		return currencies[i].Currency < currencies[j].Currency
	})
	overview.Currencies = currencies

	if latest != nil {
		overview.OpenAlerts = latest.OpenAlerts()
	}
	return overview, nil
}

func (s *Service) ListSchedules(ctx context.Context, tenantID string, filter recdomain.ScheduleFilter) ([]recdomain.RevenueSchedule, error) {
	return s.recognition.ListSchedules(ctx, tenantID, filter)
}

func (s *Service) ListRuns(ctx context.Context, tenantID string, limit int) ([]recondomain.Run, error) {
	return s.recon.ListRuns(ctx, tenantID, limit)
}

func (s *Service) OpenAlerts(ctx context.Context, tenantID string) ([]recondomain.Alert, error) {
	latest, err := s.recon.LatestRun(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	return latest.OpenAlerts(), nil
}

func (s *Service) Acknowledge(ctx context.Context, tenantID string, runID snowflake.ID, req recondomain.AcknowledgeRequest) (*recondomain.Run, error) {
	run, err := s.recon.Acknowledge(ctx, tenantID, runID, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("alert acknowledged",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", req.AlertID),
		zap.String("operator_id", req.OperatorID),
		zap.String("operator_email", req.OperatorEmail),
		zap.String("channel", req.Channel),
	)
	return run, nil
}
