package domain

import (
	"context"
	"time"
)

// ScheduleFilter narrows schedule listings.
type ScheduleFilter struct {
	Status          ScheduleStatus
	PaymentIntentID string
	Limit           int
}

// CurrencyAggregate is a per-currency roll-up of recognized and still-deferred
// revenue across a tenant's schedules.
type CurrencyAggregate struct {
	Currency        string
	RecognizedCents int64
	DeferredCents   int64
}

// Service owns the revenue schedule lifecycle.
type Service interface {
	// OnPaymentCaptured plans and persists schedules for every line of a
	// captured payment, in one transaction. Replays of a payment intent
	// return the existing schedules untouched.
	OnPaymentCaptured(ctx context.Context, evt PaymentCaptured) ([]RevenueSchedule, error)
	// SweepDue recognizes pending schedules whose window has elapsed.
	SweepDue(ctx context.Context, tenantID string, asOf time.Time, limit int) (*SweepResult, error)
	DeferredBalance(ctx context.Context, tenantID string) (int64, error)
	// Aggregates rolls up cents per currency: recognized within
	// [windowStart, windowEnd), deferred as the current balance.
	Aggregates(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) ([]CurrencyAggregate, error)
	ListSchedules(ctx context.Context, tenantID string, filter ScheduleFilter) ([]RevenueSchedule, error)
	DistinctTenants(ctx context.Context) ([]string, error)
}
