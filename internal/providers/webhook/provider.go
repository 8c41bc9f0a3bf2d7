// Package webhook posts alert payloads to a configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/revrec/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("webhook_not_configured")

// Provider delivers JSON payloads to the alert webhook.
type Provider interface {
	Send(ctx context.Context, payload any) error
	Configured() bool
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

type httpProvider struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewProvider(p Params) Provider {
	cfg := p.Config.Notifier
	return &httpProvider{
		url: strings.TrimSpace(cfg.WebhookURL),
		client: &http.Client{
			Timeout: cfg.DispatchTimeout,
		},
		log: p.Log.Named("providers.webhook"),
	}
}

func (p *httpProvider) Configured() bool { return p.url != "" }

func (p *httpProvider) Send(ctx context.Context, payload any) error {
	if !p.Configured() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	p.log.Debug("webhook dispatched", zap.Int("status", resp.StatusCode))
	return nil
}

var Module = fx.Module("providers.webhook",
	fx.Provide(NewProvider),
)
