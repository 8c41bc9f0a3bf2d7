package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/revrec/internal/clock"
	"github.com/smallbiznis/revrec/internal/config"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	paymentservice "github.com/smallbiznis/revrec/internal/payment/service"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	"github.com/smallbiznis/revrec/internal/tenantctx"
	usagedomain "github.com/smallbiznis/revrec/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recognitionStub serves canned aggregates so run evaluation is driven
// directly from test data.
type recognitionStub struct {
	aggregates []recdomain.CurrencyAggregate
	err        error
}

func (s *recognitionStub) OnPaymentCaptured(context.Context, recdomain.PaymentCaptured) ([]recdomain.RevenueSchedule, error) {
	return nil, nil
}

func (s *recognitionStub) SweepDue(context.Context, string, time.Time, int) (*recdomain.SweepResult, error) {
	return &recdomain.SweepResult{}, nil
}

func (s *recognitionStub) DeferredBalance(context.Context, string) (int64, error) { return 0, nil }

func (s *recognitionStub) Aggregates(context.Context, string, time.Time, time.Time) ([]recdomain.CurrencyAggregate, error) {
	return s.aggregates, s.err
}

func (s *recognitionStub) ListSchedules(context.Context, string, recdomain.ScheduleFilter) ([]recdomain.RevenueSchedule, error) {
	return nil, nil
}

func (s *recognitionStub) DistinctTenants(context.Context) ([]string, error) { return nil, nil }

type usageStub struct {
	totals []usagedomain.CurrencyTotal
}

func (s *usageStub) Ingest(context.Context, usagedomain.IngestRequest) (*usagedomain.UsageRecord, error) {
	return nil, nil
}

func (s *usageStub) MarkProcessed(context.Context, string, []snowflake.ID, string) error { return nil }

func (s *usageStub) WindowTotals(context.Context, string, time.Time, time.Time) ([]usagedomain.CurrencyTotal, error) {
	return s.totals, nil
}

func (s *usageStub) FindByReferences(context.Context, string, []string) ([]usagedomain.UsageRecord, error) {
	return nil, nil
}

func (s *usageStub) DistinctTenants(context.Context) ([]string, error) { return nil, nil }

type fixture struct {
	db          *gorm.DB
	node        *snowflake.Node
	clock       *clock.FakeClock
	recognition *recognitionStub
	usage       *usageStub
	payments    paymentdomain.Service
	service     recondomain.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = db.AutoMigrate(&paymentdomain.CapturedPayment{}, &recondomain.Run{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	logger := zap.NewNop()
	fakeClock := clock.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Reconciliation: config.ReconciliationConfig{
			AlertBps:              250,
			CriticalBps:           500,
			UsageAlertBps:         250,
			UsageCriticalBps:      500,
			MinInvoicedCentsFloor: 5000,
		},
	}

	payments := paymentservice.NewService(paymentservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
	})
	recognition := &recognitionStub{}
	usage := &usageStub{}

	service := NewService(Params{
		DB:          db,
		Log:         logger,
		GenID:       node,
		Clock:       fakeClock,
		Config:      cfg,
		Payments:    payments,
		Recognition: recognition,
		Usage:       usage,
	})
	return &fixture{
		db:          db,
		node:        node,
		clock:       fakeClock,
		recognition: recognition,
		usage:       usage,
		payments:    payments,
		service:     service,
	}
}

// window brackets the fixture clock so freshly seeded captures land inside it.
func (f *fixture) window() (time.Time, time.Time) {
	now := f.clock.Now().UTC()
	return now.Add(-time.Hour), now.Add(time.Minute)
}

func (f *fixture) seedPayment(t *testing.T, intentID string, amount int64, currency string, capturedAt time.Time) {
	t.Helper()
	err := f.payments.Record(context.Background(), nil, &paymentdomain.CapturedPayment{
		TenantID:        "acme",
		PaymentIntentID: intentID,
		AmountCents:     amount,
		Currency:        currency,
		CapturedAt:      capturedAt,
	})
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}
}

func TestRun_BalancedBooksComplete(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 100000, DeferredCents: 0},
	}

	start, end := f.window()
	run, err := f.service.Run(context.Background(), "acme", start, end)
	assert.NoError(t, err)
	assert.Equal(t, recondomain.RunCompleted, run.Status)
	assert.Equal(t, recondomain.SeverityNormal, run.Metadata.Severity)
	assert.Equal(t, int64(100000), run.InvoicedCents)
	assert.Equal(t, int64(0), run.VarianceCents)
	assert.Equal(t, start, run.WindowStart)
	assert.Equal(t, end, run.WindowEnd)

	var count int64
	f.db.Model(&recondomain.Run{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestRun_OnlyWindowedCapturesCount(t *testing.T) {
	f := setup(t)
	// One capture inside the window, one well before it.
	f.seedPayment(t, "pi_old", 50000, "USD", f.clock.Now().Add(-48*time.Hour))
	f.seedPayment(t, "pi_new", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 100000},
	}

	start, end := f.window()
	run, err := f.service.Run(context.Background(), "acme", start, end)
	assert.NoError(t, err)
	assert.Equal(t, int64(100000), run.InvoicedCents)
	assert.Equal(t, int64(0), run.VarianceCents)
	assert.Equal(t, recondomain.RunCompleted, run.Status)
}

func TestRun_DeferralHeavyWindowNeedsAttention(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	// Nothing recognized yet, the full invoice still deferred.
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 0, DeferredCents: 100000},
	}

	start, end := f.window()
	run, err := f.service.Run(context.Background(), "acme", start, end)
	assert.NoError(t, err)
	assert.Equal(t, recondomain.RunAttention, run.Status)
	assert.Equal(t, int64(-100000), run.VarianceCents)
	assert.NotEmpty(t, run.Metadata.Alerts)
	assert.Equal(t, recondomain.AlertRecognizedVsInvoiced, run.Metadata.Alerts[0].Type)
}

func TestRun_VarianceNeedsAttention(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 94000},
	}

	start, end := f.window()
	run, err := f.service.Run(context.Background(), "acme", start, end)
	assert.NoError(t, err)
	assert.Equal(t, recondomain.RunAttention, run.Status)
	assert.Equal(t, recondomain.SeverityHigh, run.Metadata.Severity)
	assert.NotEmpty(t, run.Metadata.Alerts)
	assert.NotEmpty(t, run.Metadata.AlertDigest)

	// Metadata and window round-trip through the database.
	reloaded, err := f.service.LatestRun(context.Background(), "acme")
	assert.NoError(t, err)
	assert.Equal(t, run.ID, reloaded.ID)
	assert.Equal(t, run.Metadata.AlertDigest, reloaded.Metadata.AlertDigest)
	assert.True(t, reloaded.WindowStart.Equal(start))
	assert.True(t, reloaded.WindowEnd.Equal(end))
	assert.Equal(t, run.VarianceRatio, reloaded.VarianceRatio)
	assert.Len(t, reloaded.Metadata.Alerts, len(run.Metadata.Alerts))
	assert.Len(t, reloaded.Metadata.CurrencyBreakdown, 1)
}

func TestRun_RejectsEmptyTenant(t *testing.T) {
	f := setup(t)
	start, end := f.window()
	_, err := f.service.Run(context.Background(), " ", start, end)
	assert.ErrorIs(t, err, recondomain.ErrInvalidTenant)
}

func TestRun_RejectsInvertedWindow(t *testing.T) {
	f := setup(t)
	start, end := f.window()
	_, err := f.service.Run(context.Background(), "acme", end, start)
	assert.ErrorIs(t, err, recondomain.ErrInvalidWindow)

	_, err = f.service.Run(context.Background(), "acme", start, time.Time{})
	assert.ErrorIs(t, err, recondomain.ErrInvalidWindow)
}

func TestRun_TenantFromContext(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 100000},
	}

	ctx := tenantctx.WithTenantID(context.Background(), "acme")
	start, end := f.window()
	run, err := f.service.Run(ctx, "", start, end)
	assert.NoError(t, err)
	assert.Equal(t, "acme", run.TenantID)
}

func TestListRuns_NewestFirst(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 100000},
	}

	start, end := f.window()
	first, err := f.service.Run(context.Background(), "acme", start, end)
	assert.NoError(t, err)
	f.clock.Advance(time.Hour)
	start, end = f.window()
	second, err := f.service.Run(context.Background(), "acme", start, end)
	assert.NoError(t, err)

	runs, err := f.service.ListRuns(context.Background(), "acme", 10)
	assert.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)
}

func TestAcknowledge_AppendsOnce(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 94000},
	}
	ctx := context.Background()

	start, end := f.window()
	run, err := f.service.Run(ctx, "acme", start, end)
	assert.NoError(t, err)
	alertID := run.Metadata.Alerts[0].ID

	req := recondomain.AcknowledgeRequest{
		AlertID:       alertID,
		OperatorID:    "op-7",
		OperatorName:  "Dana Ops",
		OperatorEmail: "ops@acme.test",
		Channel:       "email",
		Note:          "known issue",
	}
	acked, err := f.service.Acknowledge(ctx, "acme", run.ID, req)
	assert.NoError(t, err)
	assert.Len(t, acked.Metadata.Acknowledgements, 1)
	ack := acked.Metadata.Acknowledgements[0]
	assert.Equal(t, "op-7", ack.OperatorID)
	assert.Equal(t, "Dana Ops", ack.OperatorName)
	assert.Equal(t, "ops@acme.test", ack.OperatorEmail)
	assert.Equal(t, "email", ack.Channel)
	assert.Equal(t, "known issue", ack.Note)
	assert.Empty(t, acked.OpenAlerts())

	_, err = f.service.Acknowledge(ctx, "acme", run.ID, req)
	assert.ErrorIs(t, err, recondomain.ErrAlreadyAcked)

	missing := req
	missing.AlertID = "missing"
	_, err = f.service.Acknowledge(ctx, "acme", run.ID, missing)
	assert.ErrorIs(t, err, recondomain.ErrAlertNotFound)

	anonymous := recondomain.AcknowledgeRequest{AlertID: alertID}
	_, err = f.service.Acknowledge(ctx, "acme", run.ID, anonymous)
	assert.ErrorIs(t, err, recondomain.ErrInvalidActor)
}

func TestRecordNotification_AdvancesState(t *testing.T) {
	f := setup(t)
	f.seedPayment(t, "pi_1", 100000, "USD", f.clock.Now())
	f.recognition.aggregates = []recdomain.CurrencyAggregate{
		{Currency: "USD", RecognizedCents: 94000},
	}
	ctx := context.Background()

	start, end := f.window()
	run, err := f.service.Run(ctx, "acme", start, end)
	assert.NoError(t, err)

	state := &recondomain.NotificationState{
		LastSeverity:   run.Metadata.Severity,
		LastDigest:     run.Metadata.AlertDigest,
		LastNotifiedAt: f.clock.Now(),
		Channels:       []string{"email"},
		Recipients:     []string{"finops@acme.test"},
	}
	err = f.service.RecordNotification(ctx, "acme", run.ID, recondomain.NotificationRecord{
		Channel:      "email",
		Outcome:      "sent",
		Digest:       run.Metadata.AlertDigest,
		DispatchedAt: f.clock.Now(),
	}, state)
	assert.NoError(t, err)

	reloaded, err := f.service.LatestRun(ctx, "acme")
	assert.NoError(t, err)
	assert.Len(t, reloaded.Metadata.Notifications, 1)
	assert.NotNil(t, reloaded.Metadata.NotificationState)
	assert.Equal(t, run.Metadata.AlertDigest, reloaded.Metadata.NotificationState.LastDigest)
	assert.Equal(t, []string{"email"}, reloaded.Metadata.NotificationState.Channels)
	assert.Equal(t, []string{"finops@acme.test"}, reloaded.Metadata.NotificationState.Recipients)
}

func TestLatestRun_EmptyTenantHistory(t *testing.T) {
	f := setup(t)
	run, err := f.service.LatestRun(context.Background(), "acme")
	assert.NoError(t, err)
	assert.Nil(t, run)
}
