package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcore/internal/domain"
)

func rotation() (*domain.Identity, []domain.RotationResult) {
	exp := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	ident := &domain.Identity{ID: "01HIDENT", Username: "alice", Email: "alice@example.com"}
	return ident, []domain.RotationResult{
		{CredentialID: "c1", IdentityID: ident.ID, Name: "ci", Prefix: "tc_abcd1234", Secret: "tc_secret_one", ExpiresAt: &exp},
		{CredentialID: "c2", IdentityID: ident.ID, Name: "deploy", Prefix: "tc_efgh5678", Secret: "tc_secret_two"},
	}
}

func TestSlackNotifierPostsSummary(t *testing.T) {
	var got map[string]any
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &SlackNotifier{url: srv.URL, channel: "#ops", client: srv.Client()}
	ident, results := rotation()
	require.NoError(t, n.NotifyRotation(context.Background(), ident, results))

	assert.Equal(t, "#ops", got["channel"])
	assert.Contains(t, got["text"], "Rotated 2 API key(s)")
	raw, _ := json.Marshal(got)
	assert.Contains(t, string(raw), "tc_abcd1234")
	assert.NotContains(t, string(raw), "tc_secret_one", "secrets never go to slack")
	assert.Contains(t, string(raw), "never")
}

func TestSlackNotifierSurfacesErrors(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &SlackNotifier{url: srv.URL, client: srv.Client()}
	ident, results := rotation()
	err := n.NotifyRotation(context.Background(), ident, results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack webhook")
}

func TestNewSlackNotifierValidatesURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://hooks.slack.com/services/T000/B000/XXX", true},
		{"http://hooks.slack.com/services/T000/B000/XXX", false},
		{"https://127.0.0.1/hook", false},
		{"https://10.1.2.3/hook", false},
		{"https://[::1]/hook", false},
		{"ftp://hooks.slack.com/x", false},
		{"https:///nohost", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		_, err := NewSlackNotifier(tt.url, "")
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, domain.ErrValidation, tt.url)
		}
	}
}

func TestGuardedClientRefusesPrivateDestinations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := guardedClient(2 * time.Second)
	resp, err := client.Get(srv.URL)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private address")
}

func TestBlockedIP(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.0.0.1", "172.16.5.4", "192.168.1.1", "169.254.169.254", "100.64.0.1", "0.0.0.0", "::1", "fe80::1", "224.0.0.1"} {
		assert.True(t, blockedIP(net.ParseIP(ip)), ip)
	}
	for _, ip := range []string{"8.8.8.8", "1.1.1.1", "2607:f8b0:4004:800::200e"} {
		assert.False(t, blockedIP(net.ParseIP(ip)), ip)
	}
}

type captureMailer struct {
	to, subject, body string
	err               error
}

func (m *captureMailer) Send(_ context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	return m.err
}

func TestMailNotifier(t *testing.T) {
	m := &captureMailer{}
	n := NewMailNotifier(m)
	ident, results := rotation()

	require.NoError(t, n.NotifyRotation(context.Background(), ident, results))
	assert.Equal(t, "alice@example.com", m.to)
	assert.Equal(t, "2 API key(s) rotated", m.subject)
	assert.Contains(t, m.body, "tc_secret_one")
	assert.Contains(t, m.body, "tc_secret_two")
	assert.Contains(t, m.body, "2026-09-01T00:00:00Z")
	assert.Equal(t, 1, strings.Count(m.body, "expires: never"))
}

func TestMailNotifierSkipsErased(t *testing.T) {
	m := &captureMailer{}
	n := NewMailNotifier(m)
	ident, results := rotation()
	now := time.Now()
	ident.ErasedAt = &now

	require.NoError(t, n.NotifyRotation(context.Background(), ident, results))
	assert.Empty(t, m.to)
}

func TestMailNotifierWrapsMailerError(t *testing.T) {
	m := &captureMailer{err: domain.ErrLimitReached}
	ident, results := rotation()

	err := NewMailNotifier(m).NotifyRotation(context.Background(), ident, results)
	assert.True(t, errors.Is(err, domain.ErrLimitReached))
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	ident, results := rotation()

	require.NoError(t, n.NotifyRotation(context.Background(), ident, results))
	assert.Contains(t, buf.String(), "credentials rotated")
	assert.Contains(t, buf.String(), "count=2")
	assert.NotContains(t, buf.String(), "tc_secret")
}
