// Package domain contains read-side contracts for operator tooling.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
)

// CurrencySlice is one currency line of the overview.
type CurrencySlice struct {
	Currency        string
	InvoicedCents   int64
	RecognizedCents int64
	DeferredCents   int64
}

// RevenueOverview is the tenant-level summary screen.
type RevenueOverview struct {
	TenantID        string
	WindowStart     time.Time
	WindowEnd       time.Time
	InvoicedCents   int64
	RecognizedCents int64
	DeferredCents   int64
	Currencies      []CurrencySlice
	OpenAlerts      []recondomain.Alert
	LatestRun       *recondomain.Run
}

var ErrInvalidTenant = errors.New("invalid_tenant")

// Service aggregates the read models for operators.
type Service interface {
	// Overview summarizes a tenant over the window. A zero windowStart
	// means all history; a zero windowEnd means now.
	Overview(ctx context.Context, tenantID string, windowStart, windowEnd time.Time) (*RevenueOverview, error)
	ListSchedules(ctx context.Context, tenantID string, filter recdomain.ScheduleFilter) ([]recdomain.RevenueSchedule, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]recondomain.Run, error)
	OpenAlerts(ctx context.Context, tenantID string) ([]recondomain.Alert, error)
	Acknowledge(ctx context.Context, tenantID string, runID snowflake.ID, req recondomain.AcknowledgeRequest) (*recondomain.Run, error)
}
