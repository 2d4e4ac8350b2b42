// Package notify tells credential owners and operators about rotations.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"trustcore/internal/domain"
)

const webhookTimeout = 15 * time.Second

// SlackNotifier posts a rotation summary to an operator channel through an
// incoming webhook. Secrets never leave the process this way.
type SlackNotifier struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlackNotifier validates webhookURL and builds a client that refuses
// private destinations.
func NewSlackNotifier(webhookURL, channel string) (*SlackNotifier, error) {
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	return &SlackNotifier{url: webhookURL, channel: channel, client: guardedClient(webhookTimeout)}, nil
}

// NotifyRotation implements domain.RotationNotifier.
func (n *SlackNotifier) NotifyRotation(ctx context.Context, identity *domain.Identity, results []domain.RotationResult) error {
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("• `%s` (%s) expires %s", r.Name, r.Prefix, formatExpiry(r.ExpiresAt)))
	}
	msg := &slack.WebhookMessage{
		Channel: n.channel,
		Text:    fmt.Sprintf("Rotated %d API key(s) for identity %s", len(results), identity.ID),
		Attachments: []slack.Attachment{{
			Color: "good",
			Text:  strings.Join(lines, "\n"),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.url, n.client, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// MailNotifier mails each owner the replacement secrets of their rotated
// credentials. Erased identities and identities without an address are
// skipped.
type MailNotifier struct {
	mailer domain.Mailer
}

// NewMailNotifier creates a MailNotifier.
func NewMailNotifier(mailer domain.Mailer) *MailNotifier {
	return &MailNotifier{mailer: mailer}
}

// NotifyRotation implements domain.RotationNotifier.
func (n *MailNotifier) NotifyRotation(ctx context.Context, identity *domain.Identity, results []domain.RotationResult) error {
	if identity.IsErased() || identity.Email == "" {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nThe following API keys were rotated because they were about to expire.\n", identity.Username)
	b.WriteString("The previous secrets no longer work.\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "%s (%s)\n  new secret: %s\n  expires: %s\n\n", r.Name, r.Prefix, r.Secret, formatExpiry(r.ExpiresAt))
	}
	subject := fmt.Sprintf("%d API key(s) rotated", len(results))
	if err := n.mailer.Send(ctx, identity.Email, subject, b.String()); err != nil {
		return fmt.Errorf("mail rotation notice: %w", err)
	}
	return nil
}

// LogNotifier records rotations in the process log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyRotation implements domain.RotationNotifier.
func (n *LogNotifier) NotifyRotation(_ context.Context, identity *domain.Identity, results []domain.RotationResult) error {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.CredentialID)
	}
	n.logger.Info("credentials rotated", "identity_id", identity.ID, "count", len(results), "credential_ids", ids)
	return nil
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

var (
	_ domain.RotationNotifier = (*SlackNotifier)(nil)
	_ domain.RotationNotifier = (*MailNotifier)(nil)
	_ domain.RotationNotifier = (*LogNotifier)(nil)
)
