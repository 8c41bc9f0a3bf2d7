package domain

import (
	"testing"
	"time"

	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
)

var planCfg = PlanConfig{DefaultDurationDays: 30}

func TestBuildPlan_ImmediateIsDeterministic(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionImmediate,
	}
	line := LineItem{TotalCents: 5000}
	capturedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := BuildPlan(item, line, capturedAt, planCfg)
	second := BuildPlan(item, line, capturedAt, planCfg)

	assert.Equal(t, first, second)
	assert.Equal(t, ScheduleRecognized, first.Status)
	assert.Equal(t, int64(5000), first.AmountCents)
	assert.Equal(t, int64(5000), first.RecognizedAmountCents)
	assert.Equal(t, int64(0), first.DeferredAmountCents)
	assert.Equal(t, capturedAt, first.RecognitionEnd)
}

func TestBuildPlan_DeferredUsesDurationDays(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionDeferred,
		RecognitionDurationDays:  30,
	}
	line := LineItem{TotalCents: 12000}
	capturedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	plan := BuildPlan(item, line, capturedAt, planCfg)

	assert.Equal(t, SchedulePending, plan.Status)
	assert.Equal(t, int64(12000), plan.AmountCents)
	assert.Equal(t, int64(0), plan.RecognizedAmountCents)
	assert.Equal(t, int64(12000), plan.DeferredAmountCents)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), plan.RecognitionEnd)
}

func TestBuildPlan_DeferredFallsBackToConfigDuration(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionDeferred,
	}
	capturedAt := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	plan := BuildPlan(item, LineItem{TotalCents: 900}, capturedAt, PlanConfig{DefaultDurationDays: 7})

	assert.Equal(t, capturedAt.AddDate(0, 0, 7), plan.RecognitionEnd)
}

func TestBuildPlan_ScheduleHonorsExplicitEnd(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionSchedule,
		RecognitionDurationDays:  30,
	}
	capturedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	line := LineItem{
		TotalCents: 36500,
		Metadata:   map[string]any{MetadataRecognitionEnd: "2024-12-31"},
	}

	plan := BuildPlan(item, line, capturedAt, planCfg)

	assert.Equal(t, SchedulePending, plan.Status)
	assert.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), plan.RecognitionEnd)
}

func TestBuildPlan_ScheduleWithoutEndBehavesLikeDeferred(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionSchedule,
		RecognitionDurationDays:  60,
	}
	capturedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	plan := BuildPlan(item, LineItem{TotalCents: 1000}, capturedAt, planCfg)

	assert.Equal(t, SchedulePending, plan.Status)
	assert.Equal(t, capturedAt.AddDate(0, 0, 60), plan.RecognitionEnd)
}

func TestBuildPlan_IgnoresEndBeforeCapture(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionSchedule,
		RecognitionDurationDays:  30,
	}
	capturedAt := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	line := LineItem{
		TotalCents: 1000,
		Metadata:   map[string]any{MetadataRecognitionEnd: "2024-01-01"},
	}

	plan := BuildPlan(item, line, capturedAt, planCfg)

	assert.Equal(t, capturedAt.AddDate(0, 0, 30), plan.RecognitionEnd)
}

func TestBuildPlan_AmountFromUnitTimesQuantity(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionImmediate,
	}
	line := LineItem{UnitAmountCents: 333, Quantity: 3}

	plan := BuildPlan(item, line, time.Now(), planCfg)

	assert.Equal(t, int64(999), plan.AmountCents)
}

func TestBuildPlan_ZeroQuantityDefaultsToOne(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionImmediate,
	}
	line := LineItem{UnitAmountCents: 250}

	plan := BuildPlan(item, line, time.Now(), planCfg)

	assert.Equal(t, int64(250), plan.AmountCents)
}

func TestBuildPlan_UnknownMethodDefaultsToDeferred(t *testing.T) {
	item := &catalogdomain.CatalogItem{
		RevenueRecognitionMethod: catalogdomain.RecognitionMethod("milestone"),
	}
	capturedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	plan := BuildPlan(item, LineItem{TotalCents: 100}, capturedAt, planCfg)

	assert.Equal(t, SchedulePending, plan.Status)
	assert.Equal(t, int64(100), plan.DeferredAmountCents)
}
