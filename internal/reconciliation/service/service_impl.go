package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revrec/internal/clock"
	"github.com/smallbiznis/revrec/internal/config"
	obsmetrics "github.com/smallbiznis/revrec/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	"github.com/smallbiznis/revrec/internal/tenantctx"
	usagedomain "github.com/smallbiznis/revrec/internal/usage/domain"
	"github.com/smallbiznis/revrec/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Payments    paymentdomain.Service
	Recognition recdomain.Service
	Usage       usagedomain.Service
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.ReconciliationConfig
	payments    paymentdomain.Service
	recognition recdomain.Service
	usage       usagedomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) recondomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reconciliation.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config.Reconciliation,
		payments:    p.Payments,
		recognition: p.Recognition,
		usage:       p.Usage,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) Run(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) (*recondomain.Run, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		// Callers driven by the job carry the tenant in the context.
		fromCtx, ok := tenantctx.TenantIDFromContext(ctx)
		if !ok {
			return nil, recondomain.ErrInvalidTenant
		}
		tenantID = fromCtx
	}
	if windowEnd.IsZero() || !windowEnd.After(windowStart) {
		return nil, recondomain.ErrInvalidWindow
	}
	windowStart = windowStart.UTC()
	windowEnd = windowEnd.UTC()
	now := s.clock.Now().UTC()

	input, err := s.gather(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		if db.IsConnectionErr(err) {
			s.log.Warn("store unreachable, skipping reconciliation",
				zap.String("tenant_id", tenantID), zap.Error(err))
			return s.skippedRun(tenantID, windowStart, windowEnd, now, err), nil
		}
		return nil, err
	}

	result := evaluate(input, s.thresholds(), now)
	status := recondomain.RunCompleted
	if len(result.Metadata.Alerts) > 0 {
		status = recondomain.RunAttention
	}

	run := &recondomain.Run{
		ID:              s.genID.Generate(),
		TenantID:        tenantID,
		Status:          status,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		InvoicedCents:   result.InvoicedCents,
		RecognizedCents: result.RecognizedCents,
		DeferredCents:   result.DeferredCents,
		UsageCents:      result.UsageCents,
		VarianceCents:   result.VarianceCents,
		VarianceRatio:   result.VarianceRatio,
		RunAt:           now,
		Metadata:        result.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		if db.IsConnectionErr(err) {
			s.log.Warn("store unreachable, reconciliation result not persisted",
				zap.String("tenant_id", tenantID), zap.Error(err))
			return s.skippedRun(tenantID, windowStart, windowEnd, now, err), nil
		}
		return nil, err
	}

	s.obsMetrics.RecordReconciliationRun(ctx, string(run.Status), string(run.Metadata.Severity))
	s.log.Info("reconciliation run completed",
		zap.String("tenant_id", tenantID),
		zap.String("status", string(run.Status)),
		zap.String("severity", string(run.Metadata.Severity)),
		zap.Int64("variance_cents", run.VarianceCents),
		zap.Int("alerts", len(run.Metadata.Alerts)),
	)
	return run, nil
}

func (s *Service) LatestRun(ctx context.Context, tenantID string) (*recondomain.Run, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, recondomain.ErrInvalidTenant
	}
	var run recondomain.Run
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("run_at DESC, id DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (s *Service) ListRuns(ctx context.Context, tenantID string, limit int) ([]recondomain.Run, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, recondomain.ErrInvalidTenant
	}
	if limit <= 0 {
		limit = 50
	}
	var runs []recondomain.Run
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("run_at DESC, id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Service) Acknowledge(ctx context.Context, tenantID string, runID snowflake.ID, req recondomain.AcknowledgeRequest) (*recondomain.Run, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, recondomain.ErrInvalidTenant
	}
	operatorID := strings.TrimSpace(req.OperatorID)
	operatorName := strings.TrimSpace(req.OperatorName)
	operatorEmail := strings.TrimSpace(req.OperatorEmail)
	if operatorID == "" && operatorName == "" && operatorEmail == "" {
		return nil, recondomain.ErrInvalidActor
	}

	var acked *recondomain.Run
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.findRun(tx, tenantID, runID)
		if err != nil {
			return err
		}
		alertID := strings.TrimSpace(req.AlertID)
		if !hasAlert(run.Metadata.Alerts, alertID) {
			return recondomain.ErrAlertNotFound
		}
		for _, ack := range run.Metadata.Acknowledgements {
			if ack.AlertID == alertID {
				return recondomain.ErrAlreadyAcked
			}
		}
		now := s.clock.Now().UTC()
		run.Metadata.Acknowledgements = append(run.Metadata.Acknowledgements, recondomain.Acknowledgement{
			AlertID:        alertID,
			OperatorID:     operatorID,
			OperatorName:   operatorName,
			OperatorEmail:  operatorEmail,
			Channel:        strings.TrimSpace(req.Channel),
			Note:           strings.TrimSpace(req.Note),
			AcknowledgedAt: now,
		})
		run.UpdatedAt = now
		if err := tx.Save(run).Error; err != nil {
			return err
		}
		acked = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acked, nil
}

func (s *Service) RecordNotification(ctx context.Context, tenantID string, runID snowflake.ID, record recondomain.NotificationRecord, state *recondomain.NotificationState) error {
	if strings.TrimSpace(tenantID) == "" {
		return recondomain.ErrInvalidTenant
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.findRun(tx, tenantID, runID)
		if err != nil {
			return err
		}
		run.Metadata.Notifications = append(run.Metadata.Notifications, record)
		if state != nil {
			run.Metadata.NotificationState = state
		}
		run.UpdatedAt = s.clock.Now().UTC()
		return tx.Save(run).Error
	})
}

func (s *Service) gather(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) (evaluationInput, error) {
	input := evaluationInput{
		Invoiced:   make(map[string]int64),
		Recognized: make(map[string]int64),
		Deferred:   make(map[string]int64),
		Usage:      make(map[string]int64),
	}

	invoiced, err := s.payments.InvoicedTotals(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		return input, err
	}
	for _, total := range invoiced {
		input.Invoiced[total.Currency] += total.AmountCents
	}

	aggregates, err := s.recognition.Aggregates(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		return input, err
	}
	for _, agg := range aggregates {
		input.Recognized[agg.Currency] += agg.RecognizedCents
		input.Deferred[agg.Currency] += agg.DeferredCents
	}

	usage, err := s.usage.WindowTotals(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		return input, err
	}
	for _, total := range usage {
		input.Usage[total.Currency] += total.AmountCents
	}
	return input, nil
}

func (s *Service) skippedRun(tenantID string, windowStart, windowEnd, now time.Time, cause error) *recondomain.Run {
	run := &recondomain.Run{
		ID:          s.genID.Generate(),
		TenantID:    tenantID,
		Status:      recondomain.RunSkipped,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		RunAt:       now,
		Metadata: recondomain.RunMetadata{
			Severity:   recondomain.SeverityNormal,
			SkipReason: cause.Error(),
			Thresholds: s.thresholds(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.obsMetrics.RecordReconciliationRun(context.Background(), string(recondomain.RunSkipped), string(recondomain.SeverityNormal))
	return run
}

func (s *Service) thresholds() recondomain.Thresholds {
	return recondomain.Thresholds{
		AlertBps:              s.cfg.AlertBps,
		CriticalBps:           s.cfg.CriticalBps,
		UsageAlertBps:         s.cfg.UsageAlertBps,
		UsageCriticalBps:      s.cfg.UsageCriticalBps,
		MinInvoicedCentsFloor: s.cfg.MinInvoicedCentsFloor,
	}
}

func (s *Service) findRun(tx *gorm.DB, tenantID string, runID snowflake.ID) (*recondomain.Run, error) {
	var run recondomain.Run
	err := tx.
		Where("tenant_id = ? AND id = ?", tenantID, runID).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, recondomain.ErrRunNotFound
		}
		return nil, err
	}
	return &run, nil
}

func hasAlert(alerts []recondomain.Alert, alertID string) bool {
	for _, alert := range alerts {
		if alert.ID == alertID {
			return true
		}
	}
	return false
}
