package service

import (
	"testing"
	"time"

	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
)

var testThresholds = recondomain.Thresholds{
	AlertBps:              250,
	CriticalBps:           500,
	UsageAlertBps:         250,
	UsageCriticalBps:      500,
	MinInvoicedCentsFloor: 5000,
}

var evalNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestEvaluate_BalancedBooks(t *testing.T) {
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 100000},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityNormal, out.Metadata.Severity)
	assert.Empty(t, out.Metadata.Alerts)
	assert.Empty(t, out.Metadata.AlertDigest)
	assert.Equal(t, int64(0), out.VarianceCents)
	assert.Equal(t, int64(0), out.Metadata.VarianceBps)
	assert.Equal(t, float64(0), out.VarianceRatio)
}

func TestEvaluate_SmallVarianceIsLowWithoutAlert(t *testing.T) {
	// 100 cents under 100000 invoiced is -10 bps, inside the 250 bps threshold.
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 99900},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityLow, out.Metadata.Severity)
	assert.Empty(t, out.Metadata.Alerts)
	assert.Equal(t, int64(-100), out.VarianceCents)
	assert.Equal(t, int64(-10), out.Metadata.VarianceBps)
}

func TestEvaluate_AlertThresholdIsMedium(t *testing.T) {
	// 3000 cents under 100000 invoiced is -300 bps.
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 97000},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityMedium, out.Metadata.Severity)
	assert.Equal(t, int64(-3000), out.VarianceCents)
	assert.Equal(t, int64(-300), out.Metadata.VarianceBps)
	assert.Len(t, out.Metadata.Alerts, 1)
	alert := out.Metadata.Alerts[0]
	assert.Equal(t, recondomain.AlertRecognizedVsInvoiced, alert.Type)
	assert.NotEmpty(t, alert.SuggestedAction)
	assert.Equal(t, "-3000", alert.Details["variance_cents"])
	assert.NotEmpty(t, out.Metadata.AlertDigest)
}

func TestEvaluate_OverRecognitionIsMedium(t *testing.T) {
	// Recognized 6000 cents over invoiced is +600 bps, between the 250 bps
	// alert line and a 1000 bps critical line.
	thresholds := testThresholds
	thresholds.CriticalBps = 1000
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 106000},
	}, thresholds, evalNow)

	assert.Equal(t, recondomain.SeverityMedium, out.Metadata.Severity)
	assert.Equal(t, int64(6000), out.VarianceCents)
	assert.Equal(t, int64(600), out.Metadata.VarianceBps)
	assert.Len(t, out.Metadata.Alerts, 1)
	assert.Contains(t, out.Metadata.Alerts[0].Message, "above")
}

func TestEvaluate_CriticalThresholdIsHigh(t *testing.T) {
	// 6000 cents under 100000 invoiced is -600 bps.
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 94000},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityHigh, out.Metadata.Severity)
	assert.Len(t, out.Metadata.Alerts, 1)
	assert.Equal(t, recondomain.SeverityHigh, out.Metadata.Alerts[0].Severity)
}

func TestEvaluate_FloorSubstitutesTinyDenominators(t *testing.T) {
	// Nothing invoiced in the window, yet 6000 cents recognized: the floor
	// stands in as denominator instead of silencing the variance.
	out := evaluate(evaluationInput{
		Recognized: map[string]int64{"USD": 6000},
	}, testThresholds, evalNow)

	assert.Equal(t, int64(6000), out.VarianceCents)
	assert.Equal(t, int64(12000), out.Metadata.VarianceBps)
	assert.Equal(t, recondomain.SeverityHigh, out.Metadata.Severity)
	assert.NotEmpty(t, out.Metadata.Alerts)
}

func TestEvaluate_DeferralHeavyWindowAlerts(t *testing.T) {
	// Everything invoiced is still deferred: the recognized-vs-invoiced gap
	// is the whole invoice, not zero.
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 0},
		Deferred:   map[string]int64{"USD": 100000},
	}, testThresholds, evalNow)

	assert.Equal(t, int64(-100000), out.VarianceCents)
	assert.Equal(t, int64(-10000), out.Metadata.VarianceBps)
	assert.GreaterOrEqual(t, out.Metadata.Severity.Rank(), recondomain.SeverityMedium.Rank())
	var found bool
	for _, alert := range out.Metadata.Alerts {
		if alert.Type == recondomain.AlertRecognizedVsInvoiced {
			found = true
			assert.Contains(t, alert.Message, "below")
		}
	}
	assert.True(t, found)
}

func TestEvaluate_NegativeDeferredForcesHigh(t *testing.T) {
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 100100},
		Deferred:   map[string]int64{"USD": -100},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityHigh, out.Metadata.Severity)
	var found bool
	for _, alert := range out.Metadata.Alerts {
		if alert.Type == recondomain.AlertNegativeDeferred {
			found = true
			assert.Equal(t, recondomain.SeverityHigh, alert.Severity)
			assert.Equal(t, "-100", alert.Details["deferred_cents"])
		}
	}
	assert.True(t, found)
}

func TestEvaluate_SeverityNeverDowngrades(t *testing.T) {
	// EUR breaches critical, USD only the alert threshold; the run keeps high.
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"EUR": 100000, "USD": 100000},
		Recognized: map[string]int64{"EUR": 94000, "USD": 97000},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityHigh, out.Metadata.Severity)
	assert.Len(t, out.Metadata.Alerts, 2)
}

func TestEvaluate_UsageVariance(t *testing.T) {
	// Usage-derived revenue says 103000 but 100000 was recognized:
	// -3000 over 103000 rounds to -291 bps.
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 100000},
		Usage:      map[string]int64{"USD": 103000},
	}, testThresholds, evalNow)

	assert.Equal(t, recondomain.SeverityMedium, out.Metadata.Severity)
	assert.Equal(t, int64(-291), out.Metadata.UsageVarianceBps)
	assert.Len(t, out.Metadata.Alerts, 1)
	assert.Equal(t, recondomain.AlertRecognizedVsUsage, out.Metadata.Alerts[0].Type)
}

func TestEvaluate_NoUsageSkipsUsageComparison(t *testing.T) {
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 100000},
	}, testThresholds, evalNow)

	assert.Equal(t, int64(0), out.Metadata.UsageVarianceBps)
	assert.Empty(t, out.Metadata.Alerts)
}

func TestEvaluate_BreakdownSortedByAbsoluteVariance(t *testing.T) {
	out := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000, "EUR": 50000, "GBP": 20000},
		Recognized: map[string]int64{"USD": 99900, "EUR": 45000, "GBP": 20000},
	}, testThresholds, evalNow)

	assert.Len(t, out.Metadata.CurrencyBreakdown, 3)
	assert.Equal(t, "EUR", out.Metadata.CurrencyBreakdown[0].Currency)
	assert.Equal(t, "USD", out.Metadata.CurrencyBreakdown[1].Currency)
	assert.Equal(t, "GBP", out.Metadata.CurrencyBreakdown[2].Currency)
}

func TestAlertDigest_StableAcrossOrder(t *testing.T) {
	alerts := []recondomain.Alert{
		{ID: "a", Type: recondomain.AlertRecognizedVsInvoiced, Severity: recondomain.SeverityMedium, Message: "usd drift", Details: map[string]string{"currency": "USD"}},
		{ID: "b", Type: recondomain.AlertRecognizedVsUsage, Severity: recondomain.SeverityHigh, Message: "eur drift", Details: map[string]string{"currency": "EUR"}},
	}
	reversed := []recondomain.Alert{alerts[1], alerts[0]}

	assert.Equal(t, alertDigest(alerts), alertDigest(reversed))
	assert.NotEqual(t, alertDigest(alerts), alertDigest(alerts[:1]))
}

func TestAlertDigest_ChangesWhenMagnitudeGrows(t *testing.T) {
	// A worsening variance must not look like the same finding.
	small := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 97000},
	}, testThresholds, evalNow)
	large := evaluate(evaluationInput{
		Invoiced:   map[string]int64{"USD": 100000},
		Recognized: map[string]int64{"USD": 96000},
	}, testThresholds, evalNow)

	assert.Equal(t, small.Metadata.Severity, large.Metadata.Severity)
	assert.NotEqual(t, small.Metadata.AlertDigest, large.Metadata.AlertDigest)
}

func TestVarianceBps(t *testing.T) {
	assert.Equal(t, int64(300), varianceBps(3000, 100000, 5000))
	assert.Equal(t, int64(-300), varianceBps(-3000, 100000, 5000))
	// Floor substitutes denominators under it.
	assert.Equal(t, int64(1000), varianceBps(500, 1000, 5000))
	assert.Equal(t, int64(12000), varianceBps(6000, 0, 5000))
	// Negative invoiced totals divide by their magnitude.
	assert.Equal(t, int64(-300), varianceBps(-3000, -100000, 5000))
	// No floor and no denominator leaves zero.
	assert.Equal(t, int64(0), varianceBps(100, 0, 0))
}
