// Package email delivers alert mail over SMTP, with a logging no-op fallback
// for environments without a configured relay.
package email

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/smallbiznis/revrec/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Message is one outbound mail.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

var ErrNoRecipients = errors.New("no_email_recipients")

// Provider sends alert mail.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// NewProvider returns the SMTP provider when a relay host is configured,
// otherwise a no-op that only logs.
func NewProvider(p Params) Provider {
	cfg := p.Config.Notifier
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return &NoOpProvider{log: p.Log.Named("email.noop")}
	}
	return &SMTPProvider{
		cfg: cfg,
		log: p.Log.Named("email.smtp"),
	}
}

// SMTPProvider sends mail through a plain SMTP relay.
type SMTPProvider struct {
	cfg config.NotifierConfig
	log *zap.Logger
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := buildMIME(p.cfg.SMTPFrom, msg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", p.cfg.SMTPHost, p.cfg.SMTPPort)
	var auth smtp.Auth
	if p.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", p.cfg.SMTPUsername, p.cfg.SMTPPassword, p.cfg.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, p.cfg.SMTPFrom, msg.To, body); err != nil {
		return err
	}
	p.log.Info("alert mail sent",
		zap.Int("recipients", len(msg.To)),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// NoOpProvider logs instead of sending. Used when SMTP is not configured.
type NoOpProvider struct {
	log *zap.Logger
}

func (p *NoOpProvider) Send(_ context.Context, msg Message) error {
	p.log.Info("email delivery skipped, smtp not configured",
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// buildMIME assembles a multipart/alternative payload with text and HTML parts.
func buildMIME(from string, msg Message) ([]byte, error) {
	var sb strings.Builder
	var alt strings.Builder
	writer := multipart.NewWriter(&alt)

	textPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": []string{`text/plain; charset="utf-8"`},
	})
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(msg.Text)); err != nil {
		return nil, err
	}

	if msg.HTML != "" {
		htmlPart, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type": []string{`text/html; charset="utf-8"`},
		})
		if err != nil {
			return nil, err
		}
		if _, err := htmlPart.Write([]byte(msg.HTML)); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	sb.WriteString(fmt.Sprintf("From: %s\r\n", from))
	sb.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	sb.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", writer.Boundary()))
	sb.WriteString("\r\n")
	sb.WriteString(alt.String())
	return []byte(sb.String()), nil
}

var Module = fx.Module("providers.email",
	fx.Provide(NewProvider),
)
