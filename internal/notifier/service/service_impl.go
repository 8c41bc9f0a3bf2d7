package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/revrec/internal/clock"
	"github.com/smallbiznis/revrec/internal/config"
	notifierdomain "github.com/smallbiznis/revrec/internal/notifier/domain"
	obsmetrics "github.com/smallbiznis/revrec/internal/observability/metrics"
	"github.com/smallbiznis/revrec/internal/providers/email"
	"github.com/smallbiznis/revrec/internal/providers/webhook"
	recondomain "github.com/smallbiznis/revrec/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log            *zap.Logger
	Clock          clock.Clock
	Config         config.Config
	Email          email.Provider
	Webhook        webhook.Provider
	Reconciliation recondomain.Service
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.NotifierConfig
	email      email.Provider
	webhook    webhook.Provider
	recon      recondomain.Service
	obsMetrics *obsmetrics.Metrics

	mu          sync.Mutex
	jobFailures map[string]jobFailureState
}

type jobFailureState struct {
	digest     string
	notifiedAt time.Time
}

func NewService(p Params) notifierdomain.Service {
	return &Service{
		log:         p.Log.Named("notifier.service"),
		clock:       p.Clock,
		cfg:         p.Config.Notifier,
		email:       p.Email,
		webhook:     p.Webhook,
		recon:       p.Reconciliation,
		obsMetrics:  p.ObsMetrics,
		jobFailures: make(map[string]jobFailureState),
	}
}

func (s *Service) NotifyRun(ctx context.Context, run *recondomain.Run) (bool, error) {
	if run == nil || len(run.Metadata.Alerts) == 0 {
		return false, nil
	}
	now := s.clock.Now().UTC()

	prior, err := s.priorState(ctx, run)
	if err != nil {
		s.log.Warn("failed to load prior notification state, notifying anyway", zap.Error(err))
	}
	if reason := suppressReason(prior, run, s.cfg.Cooldown, now); reason != "" {
		s.log.Info("alert notification suppressed",
			zap.String("tenant_id", run.TenantID),
			zap.String("reason", reason),
		)
		record := recondomain.NotificationRecord{
			Channel:      "all",
			Outcome:      notifierdomain.OutcomeSuppressed,
			Digest:       run.Metadata.AlertDigest,
			DispatchedAt: now,
		}
		return false, s.recon.RecordNotification(ctx, run.TenantID, run.ID, record, nil)
	}

	dispatchCtx := ctx
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}

	var channels, recipients []string
	if len(s.cfg.EmailRecipients) > 0 {
		if err := s.email.Send(dispatchCtx, s.buildEmail(run)); err != nil {
			s.recordDispatch(ctx, run, notifierdomain.ChannelEmail, notifierdomain.OutcomeFailed, err, now)
		} else {
			channels = append(channels, notifierdomain.ChannelEmail)
			recipients = append(recipients, s.cfg.EmailRecipients...)
			s.recordDispatch(ctx, run, notifierdomain.ChannelEmail, notifierdomain.OutcomeSent, nil, now)
		}
	}
	if s.webhook.Configured() {
		if err := s.webhook.Send(dispatchCtx, s.buildWebhookPayload(run)); err != nil {
			s.recordDispatch(ctx, run, notifierdomain.ChannelWebhook, notifierdomain.OutcomeFailed, err, now)
		} else {
			channels = append(channels, notifierdomain.ChannelWebhook)
			s.recordDispatch(ctx, run, notifierdomain.ChannelWebhook, notifierdomain.OutcomeSent, nil, now)
		}
	}

	if len(channels) == 0 {
		return false, nil
	}
	state := &recondomain.NotificationState{
		LastSeverity:   run.Metadata.Severity,
		LastDigest:     run.Metadata.AlertDigest,
		LastNotifiedAt: now,
		Channels:       channels,
		Recipients:     recipients,
	}
	record := recondomain.NotificationRecord{
		Channel:      "all",
		Outcome:      notifierdomain.OutcomeSent,
		Digest:       run.Metadata.AlertDigest,
		DispatchedAt: now,
	}
	return true, s.recon.RecordNotification(ctx, run.TenantID, run.ID, record, state)
}

// DispatchJobFailure alerts operators that a cycle failed. Scope names the set
// of failing tenants; dedup is per scope so a different failure set pages again
// even inside the cooldown.
func (s *Service) DispatchJobFailure(ctx context.Context, scope string, cause error) error {
	if cause == nil {
		return nil
	}
	now := s.clock.Now().UTC()
	digest := failureDigest(scope, cause)

	s.mu.Lock()
	last, seen := s.jobFailures[scope]
	if seen && last.digest == digest && now.Sub(last.notifiedAt) < s.cfg.Cooldown {
		s.mu.Unlock()
		return nil
	}
	s.jobFailures[scope] = jobFailureState{digest: digest, notifiedAt: now}
	s.mu.Unlock()

	dispatchCtx := ctx
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dispatchCtx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}

	subject := fmt.Sprintf("[revrec] reconciliation job failing (%s)", scope)
	text := fmt.Sprintf("The reconciliation job failed for: %s\n\nLast error: %v\nObserved at: %s\n", scope, cause, now.Format(time.RFC3339))

	if len(s.cfg.EmailRecipients) > 0 {
		if err := s.email.Send(dispatchCtx, email.Message{
			To:      s.cfg.EmailRecipients,
			Subject: subject,
			Text:    text,
		}); err != nil {
			s.log.Warn("job failure mail not delivered", zap.Error(err), zap.String("scope", scope))
			s.obsMetrics.RecordAlertDispatch(ctx, notifierdomain.ChannelEmail, notifierdomain.OutcomeFailed)
		} else {
			s.obsMetrics.RecordAlertDispatch(ctx, notifierdomain.ChannelEmail, notifierdomain.OutcomeSent)
		}
	}
	if s.webhook.Configured() {
		payload := map[string]any{
			"type":        "job_failure",
			"scope":       scope,
			"error":       cause.Error(),
			"observed_at": now.Format(time.RFC3339),
		}
		if err := s.webhook.Send(dispatchCtx, payload); err != nil {
			s.log.Warn("job failure webhook not delivered", zap.Error(err), zap.String("scope", scope))
			s.obsMetrics.RecordAlertDispatch(ctx, notifierdomain.ChannelWebhook, notifierdomain.OutcomeFailed)
		} else {
			s.obsMetrics.RecordAlertDispatch(ctx, notifierdomain.ChannelWebhook, notifierdomain.OutcomeSent)
		}
	}
	return nil
}

// priorState finds the most recent notification cursor before this run.
func (s *Service) priorState(ctx context.Context, run *recondomain.Run) (*recondomain.NotificationState, error) {
	runs, err := s.recon.ListRuns(ctx, run.TenantID, 20)
	if err != nil {
		return nil, err
	}
	for _, candidate := range runs {
		if candidate.ID == run.ID {
			continue
		}
		if candidate.Metadata.NotificationState != nil {
			return candidate.Metadata.NotificationState, nil
		}
	}
	return nil, nil
}

// suppressReason returns a non-empty reason when the run's findings should not
// page anyone again: same digest, no escalation, and still inside the cooldown.
func suppressReason(prior *recondomain.NotificationState, run *recondomain.Run, cooldown time.Duration, now time.Time) string {
	if prior == nil {
		return ""
	}
	if run.Metadata.Severity.Rank() > prior.LastSeverity.Rank() {
		return ""
	}
	if run.Metadata.AlertDigest != prior.LastDigest {
		return ""
	}
	if cooldown > 0 && now.Sub(prior.LastNotifiedAt) >= cooldown {
		return ""
	}
	return "unchanged_within_cooldown"
}

func (s *Service) recordDispatch(ctx context.Context, run *recondomain.Run, channel, outcome string, cause error, now time.Time) {
	s.obsMetrics.RecordAlertDispatch(ctx, channel, outcome)
	record := recondomain.NotificationRecord{
		Channel:      channel,
		Outcome:      outcome,
		Digest:       run.Metadata.AlertDigest,
		DispatchedAt: now,
	}
	if cause != nil {
		record.Error = cause.Error()
		s.log.Warn("alert dispatch failed",
			zap.String("channel", channel),
			zap.String("tenant_id", run.TenantID),
			zap.Error(cause),
		)
	}
	if err := s.recon.RecordNotification(ctx, run.TenantID, run.ID, record, nil); err != nil {
		s.log.Warn("failed to write notification record", zap.Error(err))
	}
}

func (s *Service) buildEmail(run *recondomain.Run) email.Message {
	subject := fmt.Sprintf("[revrec] %s reconciliation alerts for tenant %s",
		strings.ToUpper(string(run.Metadata.Severity)), run.TenantID)

	var text strings.Builder
	fmt.Fprintf(&text, "Reconciliation run %s for tenant %s needs attention.\n\n", run.ID, run.TenantID)
	fmt.Fprintf(&text, "Severity: %s\n", run.Metadata.Severity)
	for _, slice := range run.Metadata.CurrencyBreakdown {
		fmt.Fprintf(&text, "Variance: %s (%d bps)\n", formatAmount(slice.Currency, slice.VarianceCents), slice.VarianceBps)
	}
	text.WriteString("\n")
	for _, alert := range run.Metadata.Alerts {
		fmt.Fprintf(&text, "- [%s] %s\n", alert.Severity, alert.Message)
		if alert.SuggestedAction != "" {
			fmt.Fprintf(&text, "  suggested: %s\n", alert.SuggestedAction)
		}
		if s.cfg.AckBaseURL != "" {
			fmt.Fprintf(&text, "  acknowledge: %s/%s/alerts/%s/ack\n", strings.TrimRight(s.cfg.AckBaseURL, "/"), run.ID, alert.ID)
		}
	}

	var htmlBody strings.Builder
	htmlBody.WriteString("<html><body>")
	fmt.Fprintf(&htmlBody, "<p>Reconciliation run <b>%s</b> for tenant <b>%s</b> needs attention.</p>", run.ID, html.EscapeString(run.TenantID))
	fmt.Fprintf(&htmlBody, "<p>Severity: <b>%s</b>", run.Metadata.Severity)
	for _, slice := range run.Metadata.CurrencyBreakdown {
		fmt.Fprintf(&htmlBody, "<br/>Variance: %s (%d bps)", formatAmount(slice.Currency, slice.VarianceCents), slice.VarianceBps)
	}
	htmlBody.WriteString("</p><ul>")
	for _, alert := range run.Metadata.Alerts {
		fmt.Fprintf(&htmlBody, "<li>[%s] %s", alert.Severity, html.EscapeString(alert.Message))
		if alert.SuggestedAction != "" {
			fmt.Fprintf(&htmlBody, " &mdash; %s", html.EscapeString(alert.SuggestedAction))
		}
		if s.cfg.AckBaseURL != "" {
			fmt.Fprintf(&htmlBody, ` <a href="%s/%s/alerts/%s/ack">acknowledge</a>`, strings.TrimRight(s.cfg.AckBaseURL, "/"), run.ID, alert.ID)
		}
		htmlBody.WriteString("</li>")
	}
	htmlBody.WriteString("</ul></body></html>")

	return email.Message{
		To:      s.cfg.EmailRecipients,
		Subject: subject,
		Text:    text.String(),
		HTML:    htmlBody.String(),
	}
}

func (s *Service) buildWebhookPayload(run *recondomain.Run) map[string]any {
	alerts := make([]map[string]any, 0, len(run.Metadata.Alerts))
	for _, alert := range run.Metadata.Alerts {
		alerts = append(alerts, map[string]any{
			"id":               alert.ID,
			"type":             alert.Type,
			"currency":         alert.Currency,
			"severity":         string(alert.Severity),
			"message":          alert.Message,
			"suggested_action": alert.SuggestedAction,
			"details":          alert.Details,
		})
	}
	return map[string]any{
		"type":           "reconciliation_alerts",
		"run_id":         run.ID.String(),
		"tenant_id":      run.TenantID,
		"status":         string(run.Status),
		"severity":       string(run.Metadata.Severity),
		"variance_cents": run.VarianceCents,
		"variance_bps":   run.Metadata.VarianceBps,
		"alert_digest":   run.Metadata.AlertDigest,
		"run_at":         run.RunAt.Format(time.RFC3339),
		"alerts":         alerts,
	}
}

func formatAmount(currency string, cents int64) string {
	return fmt.Sprintf("%s %.2f", currency, float64(cents)/100)
}

func failureDigest(scope string, cause error) string {
	sum := sha256.Sum256([]byte(scope + "|" + cause.Error()))
	return hex.EncodeToString(sum[:])
}
