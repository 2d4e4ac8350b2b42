// Package mailer provides domain.Mailer transports and a resilience wrapper.
package mailer

import (
	"context"
	"log/slog"
	"sync"

	"trustcore/internal/domain"
)

// Message is one delivered mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// LogMailer writes mail to the process log instead of a transport. The body
// is logged only when showBody is set, since it may carry one-time codes.
// The last keep messages stay in memory for inspection; keep 0 retains none.
type LogMailer struct {
	logger   *slog.Logger
	showBody bool
	keep     int

	mu   sync.Mutex
	sent []Message
}

// NewLogMailer creates a LogMailer that retains at most keep messages.
func NewLogMailer(logger *slog.Logger, showBody bool, keep int) *LogMailer {
	return &LogMailer{logger: logger, showBody: showBody, keep: max(keep, 0)}
}

// Send implements domain.Mailer.
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attrs := []any{"to", to, "subject", subject, "bytes", len(body)}
	if m.showBody {
		attrs = append(attrs, "body", body)
	}
	m.logger.Info("mail sent", attrs...)

	if m.keep == 0 {
		return nil
	}
	m.mu.Lock()
	if len(m.sent) == m.keep {
		copy(m.sent, m.sent[1:])
		m.sent = m.sent[:m.keep-1]
	}
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: body})
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the retained messages, oldest first.
func (m *LogMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ domain.Mailer = (*LogMailer)(nil)
