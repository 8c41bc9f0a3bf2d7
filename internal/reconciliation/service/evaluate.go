package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
)

// evaluationInput is everything the variance evaluation needs, already
// aggregated per currency. Invoiced, recognized and usage are window sums;
// deferred is the point-in-time balance. Keeping it plain data keeps
// evaluate deterministic.
type evaluationInput struct {
	Invoiced   map[string]int64
	Recognized map[string]int64
	Deferred   map[string]int64
	Usage      map[string]int64
}

type evaluation struct {
	InvoicedCents   int64
	RecognizedCents int64
	DeferredCents   int64
	UsageCents      int64
	VarianceCents   int64
	VarianceRatio   float64
	Metadata        recondomain.RunMetadata
}

// evaluate compares recognized revenue against invoiced money and
// usage-derived expectations, producing the run metadata: severity, alerts,
// digest and the per-currency breakdown.
func evaluate(input evaluationInput, thresholds recondomain.Thresholds, now time.Time) evaluation {
	currencies := currencyUnion(input)

	out := evaluation{
		Metadata: recondomain.RunMetadata{
			Severity:   recondomain.SeverityNormal,
			Thresholds: thresholds,
		},
	}

	breakdown := make([]recondomain.CurrencyVariance, 0, len(currencies))
	for _, currency := range currencies {
		invoiced := input.Invoiced[currency]
		recognized := input.Recognized[currency]
		deferred := input.Deferred[currency]
		usage := input.Usage[currency]
		variance := recognized - invoiced

		slice := recondomain.CurrencyVariance{
			Currency:        currency,
			InvoicedCents:   invoiced,
			RecognizedCents: recognized,
			DeferredCents:   deferred,
			UsageCents:      usage,
			VarianceCents:   variance,
			VarianceBps:     varianceBps(variance, invoiced, thresholds.MinInvoicedCentsFloor),
		}
		breakdown = append(breakdown, slice)

		out.InvoicedCents += invoiced
		out.RecognizedCents += recognized
		out.DeferredCents += deferred
		out.UsageCents += usage
		out.VarianceCents += variance

		if abs64(slice.VarianceBps) > abs64(out.Metadata.VarianceBps) {
			out.Metadata.VarianceBps = slice.VarianceBps
		}

		if severity := bpsSeverity(slice.VarianceBps, variance, thresholds.AlertBps, thresholds.CriticalBps); severity != recondomain.SeverityNormal {
			out.Metadata.Severity = out.Metadata.Severity.Escalate(severity)
			if severity.Rank() >= recondomain.SeverityMedium.Rank() {
				out.Metadata.Alerts = append(out.Metadata.Alerts, recondomain.Alert{
					ID:       uuid.NewString(),
					Type:     recondomain.AlertRecognizedVsInvoiced,
					Currency: currency,
					Severity: severity,
					Message: fmt.Sprintf("recognized revenue is %d bps %s invoiced in %s (%d cents)",
						abs64(slice.VarianceBps), direction(variance), currency, variance),
					SuggestedAction: "compare ledger entries against captured payments for the window",
					Details: map[string]string{
						"currency":         currency,
						"invoiced_cents":   fmt.Sprintf("%d", invoiced),
						"recognized_cents": fmt.Sprintf("%d", recognized),
						"variance_cents":   fmt.Sprintf("%d", variance),
						"variance_bps":     fmt.Sprintf("%d", slice.VarianceBps),
					},
					CreatedAt: now,
				})
			}
		}

		// Usage comparison only applies where the tenant metered anything:
		// subscription-only currencies have no usage baseline to miss.
		if usage != 0 {
			usageVariance := recognized - usage
			usageBps := varianceBps(usageVariance, usage, thresholds.MinInvoicedCentsFloor)
			if abs64(usageBps) > abs64(out.Metadata.UsageVarianceBps) {
				out.Metadata.UsageVarianceBps = usageBps
			}
			if severity := bpsSeverity(usageBps, usageVariance, thresholds.UsageAlertBps, thresholds.UsageCriticalBps); severity.Rank() >= recondomain.SeverityMedium.Rank() {
				out.Metadata.Severity = out.Metadata.Severity.Escalate(severity)
				out.Metadata.Alerts = append(out.Metadata.Alerts, recondomain.Alert{
					ID:       uuid.NewString(),
					Type:     recondomain.AlertRecognizedVsUsage,
					Currency: currency,
					Severity: severity,
					Message: fmt.Sprintf("recognized revenue is %d bps %s usage-derived revenue in %s (%d cents)",
						abs64(usageBps), direction(usageVariance), currency, usageVariance),
					SuggestedAction: "check usage ingestion for missed or duplicated records",
					Details: map[string]string{
						"currency":         currency,
						"usage_cents":      fmt.Sprintf("%d", usage),
						"recognized_cents": fmt.Sprintf("%d", recognized),
						"variance_cents":   fmt.Sprintf("%d", usageVariance),
						"variance_bps":     fmt.Sprintf("%d", usageBps),
					},
					CreatedAt: now,
				})
			}
		}

		// Deferred revenue below zero means a refund or sweep overshot.
		// Always the highest severity; no threshold applies.
		if deferred < 0 {
			out.Metadata.Severity = recondomain.SeverityHigh
			out.Metadata.Alerts = append(out.Metadata.Alerts, recondomain.Alert{
				ID:              uuid.NewString(),
				Type:            recondomain.AlertNegativeDeferred,
				Currency:        currency,
				Severity:        recondomain.SeverityHigh,
				Message:         fmt.Sprintf("deferred revenue balance is negative (%d cents) in %s", deferred, currency),
				SuggestedAction: "audit refund allocations and sweep history for a double reversal",
				Details: map[string]string{
					"currency":       currency,
					"deferred_cents": fmt.Sprintf("%d", deferred),
				},
				CreatedAt: now,
			})
		}
	}

	sort.SliceStable(breakdown, func(i, j int) bool {
		a, b := abs64(breakdown[i].VarianceCents), abs64(breakdown[j].VarianceCents)
		if a != b {
			return a > b
		}
		return breakdown[i].Currency < breakdown[j].Currency
	})
	out.Metadata.CurrencyBreakdown = breakdown
	out.Metadata.AlertDigest = alertDigest(out.Metadata.Alerts)
	out.VarianceRatio = varianceRatio(out.VarianceCents, out.InvoicedCents, thresholds.MinInvoicedCentsFloor)
	return out
}

// varianceBps converts a variance to basis points of a floor-protected
// denominator: invoiced totals below the floor are substituted by the floor,
// never used to divide by near-zero. The sign follows the variance.
func varianceBps(variance, invoiced, floor int64) int64 {
	denom := abs64(invoiced)
	if denom < floor {
		denom = floor
	}
	if denom == 0 {
		return 0
	}
	return int64(math.Round(float64(variance) * 10000 / float64(denom)))
}

func varianceRatio(variance, invoiced, floor int64) float64 {
	denom := abs64(invoiced)
	if denom < floor {
		denom = floor
	}
	if denom == 0 {
		return 0
	}
	return float64(variance) / float64(denom)
}

func bpsSeverity(bps, variance, alertBps, criticalBps int64) recondomain.Severity {
	magnitude := abs64(bps)
	switch {
	case criticalBps > 0 && magnitude >= criticalBps:
		return recondomain.SeverityHigh
	case alertBps > 0 && magnitude >= alertBps:
		return recondomain.SeverityMedium
	case variance != 0:
		return recondomain.SeverityLow
	default:
		return recondomain.SeverityNormal
	}
}

func direction(variance int64) string {
	if variance < 0 {
		return "below"
	}
	return "above"
}

// alertDigest fingerprints the alert set over type, severity, message and
// details. The same findings always hash the same way regardless of
// generation order; a change in magnitude changes the message and therefore
// the digest.
func alertDigest(alerts []recondomain.Alert) string {
	if len(alerts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		keys := make([]string, 0, len(alert.Details))
		for key := range alert.Details {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		details := make([]string, 0, len(keys))
		for _, key := range keys {
			details = append(details, key+"="+alert.Details[key])
		}
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s",
			alert.Type, alert.Severity, alert.Message, strings.Join(details, ",")))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func currencyUnion(input evaluationInput) []string {
	seen := make(map[string]struct{})
	for currency := range input.Invoiced {
		seen[currency] = struct{}{}
	}
	for currency := range input.Recognized {
		seen[currency] = struct{}{}
	}
	for currency := range input.Deferred {
		seen[currency] = struct{}{}
	}
	for currency := range input.Usage {
		seen[currency] = struct{}{}
	}
	currencies := make([]string, 0, len(seen))
	for currency := range seen {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)
	return currencies
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
