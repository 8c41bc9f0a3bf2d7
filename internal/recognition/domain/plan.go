package domain

import (
	"math"
	"time"

	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
)

// Line item metadata keys honored by the planner and lifecycle service.
const (
	MetadataRecognitionEnd  = "recognition_end"
	MetadataUsageReferences = "usage_references"
)

// Plan is the pure output of BuildPlan. It holds everything needed to
// materialize a schedule without touching storage.
type Plan struct {
	Method                catalogdomain.RecognitionMethod
	Status                ScheduleStatus
	AmountCents           int64
	RecognizedAmountCents int64
	DeferredAmountCents   int64
	RecognitionStart      time.Time
	RecognitionEnd        time.Time
}

// PlanConfig carries the duration defaults applied when an item does not
// specify an explicit recognition window.
type PlanConfig struct {
	DefaultDurationDays int
}

// BuildPlan derives a recognition plan from a resolved catalog item and one
// payment line. It is deterministic: the same item, line and capture time
// always produce the same plan.
//
// The line amount is TotalCents when set, otherwise UnitAmountCents times
// quantity rounded to whole cents.
func BuildPlan(item *catalogdomain.CatalogItem, line LineItem, capturedAt time.Time, cfg PlanConfig) Plan {
	capturedAt = capturedAt.UTC()
	amount := line.TotalCents
	if amount == 0 {
		qty := line.Quantity
		if qty <= 0 {
			qty = 1
		}
		amount = int64(math.Round(float64(line.UnitAmountCents) * qty))
	}

	method := item.RevenueRecognitionMethod
	if !method.Valid() {
		method = catalogdomain.RecognitionDeferred
	}

	switch method {
	case catalogdomain.RecognitionImmediate:
		return Plan{
			Method:                method,
			Status:                ScheduleRecognized,
			AmountCents:           amount,
			RecognizedAmountCents: amount,
			DeferredAmountCents:   0,
			RecognitionStart:      capturedAt,
			RecognitionEnd:        capturedAt,
		}
	case catalogdomain.RecognitionSchedule:
		if end, ok := explicitEnd(line, capturedAt); ok {
			return Plan{
				Method:              method,
				Status:              SchedulePending,
				AmountCents:         amount,
				DeferredAmountCents: amount,
				RecognitionStart:    capturedAt,
				RecognitionEnd:      end,
			}
		}
	}

	days := item.RecognitionDurationDays
	if days <= 0 {
		days = cfg.DefaultDurationDays
	}
	return Plan{
		Method:              method,
		Status:              SchedulePending,
		AmountCents:         amount,
		DeferredAmountCents: amount,
		RecognitionStart:    capturedAt,
		RecognitionEnd:      capturedAt.AddDate(0, 0, days),
	}
}

// explicitEnd reads a recognition_end line metadata value. Ends that are not
// parseable or not after the capture time are ignored.
func explicitEnd(line LineItem, capturedAt time.Time) (time.Time, bool) {
	raw, ok := line.Metadata[MetadataRecognitionEnd]
	if !ok {
		return time.Time{}, false
	}
	var end time.Time
	switch v := raw.(type) {
	case time.Time:
		end = v
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			if parsed, err = time.Parse("2006-01-02", v); err != nil {
				return time.Time{}, false
			}
		}
		end = parsed
	default:
		return time.Time{}, false
	}
	end = end.UTC()
	if !end.After(capturedAt) {
		return time.Time{}, false
	}
	return end, true
}
