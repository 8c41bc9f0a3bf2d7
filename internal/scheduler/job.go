// Package scheduler runs the periodic sweep-reconcile-notify cycle across all
// known tenants.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/revrec/internal/cache"
	catalogdomain "github.com/smallbiznis/revrec/internal/catalog/domain"
	"github.com/smallbiznis/revrec/internal/clock"
	"github.com/smallbiznis/revrec/internal/config"
	notifierdomain "github.com/smallbiznis/revrec/internal/notifier/domain"
	obsmetrics "github.com/smallbiznis/revrec/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/revrec/internal/payment/domain"
	recdomain "github.com/smallbiznis/revrec/internal/recognition/domain"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	"github.com/smallbiznis/revrec/internal/tenantctx"
	usagedomain "github.com/smallbiznis/revrec/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log            *zap.Logger
	Clock          clock.Clock
	Config         config.Config
	Catalog        catalogdomain.Service
	Usage          usagedomain.Service
	Recognition    recdomain.Service
	Payments       paymentdomain.Service
	Reconciliation recondomain.Service
	Notifier       notifierdomain.Service
	TenantCache    cache.TenantCache
	JobMetrics     *obsmetrics.JobMetrics `optional:"true"`
}

// Job drives the reconciliation cycle. Tenants are processed sequentially so
// one pathological tenant cannot starve the pool, and a failing cycle streak
// pauses the loop for a backoff window instead of hammering a broken store.
type Job struct {
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.JobConfig
	sweepBatch  int
	catalog     catalogdomain.Service
	usage       usagedomain.Service
	recognition recdomain.Service
	payments    paymentdomain.Service
	recon       recondomain.Service
	notifier    notifierdomain.Service
	tenants     cache.TenantCache
	metrics     *obsmetrics.JobMetrics

	mu          sync.Mutex
	failures    int
	pausedUntil time.Time
}

func NewJob(p Params) *Job {
	return &Job{
		log:         p.Log.Named("scheduler.job"),
		clock:       p.Clock,
		cfg:         p.Config.Job,
		sweepBatch:  p.Config.Recognition.SweepBatchSize,
		catalog:     p.Catalog,
		usage:       p.Usage,
		recognition: p.Recognition,
		payments:    p.Payments,
		recon:       p.Reconciliation,
		notifier:    p.Notifier,
		tenants:     p.TenantCache,
		metrics:     p.JobMetrics,
	}
}

// RunOnce executes a full cycle: discover tenants, then sweep, reconcile and
// notify each one in turn. Per-tenant errors are aggregated, not fatal.
func (j *Job) RunOnce(ctx context.Context) error {
	now := j.clock.Now().UTC()

	j.mu.Lock()
	if now.Before(j.pausedUntil) {
		resumeAt := j.pausedUntil
		j.mu.Unlock()
		j.log.Warn("cycle skipped, job paused for failure backoff",
			zap.Time("resume_at", resumeAt))
		j.metrics.IncCycle("paused")
		return nil
	}
	j.mu.Unlock()

	cycleID := ulid.Make().String()
	log := j.log.With(zap.String("cycle_id", cycleID))
	started := time.Now()
	windowStart := now.Add(-j.interval())

	tenants, err := j.discoverTenants(ctx)
	if err != nil {
		j.metrics.IncTenantError(obsmetrics.JobStageDiscovery, err)
		j.recordOutcome(ctx, log, started, nil, err)
		return err
	}
	log.Info("cycle started", zap.Int("tenants", len(tenants)))

	var errs []error
	var failed []string
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := j.runTenant(ctx, log, tenantID, windowStart, now); err != nil {
			failed = append(failed, tenantID)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}

	cycleErr := errors.Join(errs...)
	j.recordOutcome(ctx, log, started, failed, cycleErr)
	return cycleErr
}

func (j *Job) interval() time.Duration {
	if j.cfg.RunInterval > 0 {
		return j.cfg.RunInterval
	}
	return time.Hour
}

// RunForever loops RunOnce on the configured interval until the context ends.
func (j *Job) RunForever(ctx context.Context) {
	interval := j.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	expected := time.Now().Add(interval)
	for {
		select {
		case <-ctx.Done():
			j.log.Info("run loop stopped")
			return
		case fired := <-ticker.C:
			if lag := fired.Sub(expected); lag > 0 {
				j.metrics.ObserveRunLoopLag(lag)
			}
			expected = fired.Add(interval)
			if err := j.RunOnce(ctx); err != nil {
				j.log.Error("cycle finished with errors", zap.Error(err))
			}
		}
	}
}

func (j *Job) runTenant(ctx context.Context, log *zap.Logger, tenantID string, windowStart, windowEnd time.Time) error {
	ctx = tenantctx.WithTenantID(ctx, tenantID)
	var errs []error

	j.metrics.IncTenantRun(obsmetrics.JobStageSweep)
	sweep, err := j.recognition.SweepDue(ctx, tenantID, windowEnd, j.sweepBatch)
	if err != nil {
		j.metrics.IncTenantError(obsmetrics.JobStageSweep, err)
		errs = append(errs, fmt.Errorf("sweep: %w", err))
	}
	if sweep != nil && sweep.Processed > 0 {
		j.metrics.AddSweepProcessed(sweep.Processed)
		log.Info("due schedules recognized",
			zap.String("tenant_id", tenantID),
			zap.Int("processed", sweep.Processed),
			zap.Int64("amount_cents", sweep.AmountCents),
		)
	}

	j.metrics.IncTenantRun(obsmetrics.JobStageReconcile)
	run, err := j.recon.Run(ctx, tenantID, windowStart, windowEnd)
	if err != nil {
		j.metrics.IncTenantError(obsmetrics.JobStageReconcile, err)
		errs = append(errs, fmt.Errorf("reconcile: %w", err))
	}

	if run != nil && run.Status == recondomain.RunAttention {
		j.metrics.IncTenantRun(obsmetrics.JobStageNotify)
		if _, err := j.notifier.NotifyRun(ctx, run); err != nil {
			// Notification trouble should not fail the tenant.
			j.metrics.IncTenantError(obsmetrics.JobStageNotify, err)
			log.Warn("alert notification failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// discoverTenants unions the tenant ids found across every table that carries
// them. The allowlist, when set, bypasses discovery entirely.
func (j *Job) discoverTenants(ctx context.Context) ([]string, error) {
	if len(j.cfg.TenantAllowlist) > 0 {
		return j.cfg.TenantAllowlist, nil
	}
	if cached, ok := j.tenants.Get(); ok {
		return cached, nil
	}

	j.metrics.IncTenantRun(obsmetrics.JobStageDiscovery)
	seen := make(map[string]struct{})
	sources := []func(context.Context) ([]string, error){
		j.catalog.ListTenants,
		j.usage.DistinctTenants,
		j.recognition.DistinctTenants,
		j.payments.DistinctTenants,
	}
	for _, source := range sources {
		ids, err := source(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	tenants := make([]string, 0, len(seen))
	for id := range seen {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)

	j.tenants.Set(tenants, j.cfg.TenantCacheTTL)
	return tenants, nil
}

func (j *Job) recordOutcome(ctx context.Context, log *zap.Logger, started time.Time, failed []string, cycleErr error) {
	j.metrics.ObserveCycleDuration(time.Since(started))

	j.mu.Lock()
	defer j.mu.Unlock()
	if cycleErr == nil {
		if j.failures > 0 {
			log.Info("cycle recovered", zap.Int("previous_failures", j.failures))
		}
		j.failures = 0
		j.metrics.SetFailureStreak(0)
		j.metrics.SetPaused(false)
		j.metrics.IncCycle("success")
		log.Info("cycle completed", zap.Duration("elapsed", time.Since(started)))
		return
	}

	j.failures++
	j.metrics.SetFailureStreak(j.failures)
	j.metrics.IncCycle("failure")
	log.Error("cycle failed",
		zap.Int("consecutive_failures", j.failures),
		zap.Strings("failed_tenants", failed),
		zap.Error(cycleErr),
	)

	// Every failing cycle pages; the notifier's cooldown keeps the volume
	// down while a changed tenant set gets through.
	scope := "all"
	if len(failed) > 0 {
		scope = strings.Join(failed, ",")
	}
	if err := j.notifier.DispatchJobFailure(ctx, scope, cycleErr); err != nil {
		log.Warn("job failure alert not dispatched", zap.Error(err))
	}

	if j.cfg.MaxConsecutiveFailures > 0 && j.failures >= j.cfg.MaxConsecutiveFailures {
		j.pausedUntil = j.clock.Now().UTC().Add(j.cfg.FailureBackoff)
		j.metrics.SetPaused(true)
		log.Error("failure limit reached, pausing job",
			zap.Time("resume_at", j.pausedUntil))
	}
}

// Paused reports whether the loop is in failure backoff.
func (j *Job) Paused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.clock.Now().UTC().Before(j.pausedUntil)
}

var Module = fx.Module("scheduler.job",
	fx.Provide(NewJob),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, job *Job, log *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				job.RunForever(runCtx)
			}()
			log.Info("reconciliation job started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
