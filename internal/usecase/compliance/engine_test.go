package compliance

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcore/internal/adapter/storage/sqlite"
	"trustcore/internal/domain"
	"trustcore/internal/infra/logger"
	"trustcore/internal/security"
	"trustcore/internal/usecase/audit"
	"trustcore/internal/usecase/credential"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memorySink struct {
	mu    sync.Mutex
	files map[string][]byte
	types map[string]string
	err   error
}

func (s *memorySink) Put(_ context.Context, name, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.files == nil {
		s.files = map[string][]byte{}
		s.types = map[string]string{}
	}
	s.files[name] = data
	s.types[name] = contentType
	return "mem://" + name, nil
}

type fixture struct {
	engine      *Engine
	store       *sqlite.Store
	ledger      *audit.Ledger
	credentials *credential.Manager
	sink        *memorySink
	clock       *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "compliance.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cipher, err := security.NewCipher(testMasterKey)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)}
	ledger := audit.NewLedger(store, nil, audit.DefaultConfig(), logger.Nop())
	ledger.SetClock(clk.Now)
	creds := credential.NewManager(store, store, cipher, ledger, credential.Config{}, logger.Nop())
	creds.SetClock(clk.Now)

	sink := &memorySink{}
	cfg := DefaultConfig()
	cfg.Controller = domain.DataController{Name: "Acme", Address: "1 Main St", Contact: "privacy@acme.test", DPOContact: "dpo@acme.test"}
	e := NewEngine(Deps{
		Identities:  store,
		Records:     store,
		Legal:       store,
		Credentials: creds,
		Audit:       ledger,
		Sink:        sink,
	}, cfg, logger.Nop())
	e.SetClock(clk.Now)
	return &fixture{engine: e, store: store, ledger: ledger, credentials: creds, sink: sink, clock: clk}
}

func (f *fixture) identity(t *testing.T, name string) *domain.Identity {
	t.Helper()
	now := f.clock.Now()
	ident := &domain.Identity{
		ID: domain.NewID(now), Username: name, Email: name + "@example.com", PasswordHash: "bcrypt",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateIdentity(context.Background(), ident))
	return ident
}

func (f *fixture) reload(t *testing.T, id string) *domain.Identity {
	t.Helper()
	ident, err := f.store.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	return ident
}

func TestConsentScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "carol")
	require.False(t, ident.ConsentGiven)

	r, err := f.engine.RecordConsent(ctx, ConsentRequest{
		IdentityID: ident.ID, Given: true, Mechanism: "checkbox",
		Categories: []string{"personal_identifiers"}, Purposes: []string{"authentication"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	require.NotNil(t, r.ConsentGiven)
	assert.True(t, *r.ConsentGiven)

	got := f.reload(t, ident.ID)
	assert.True(t, got.ConsentGiven)
	require.NotNil(t, got.RetentionUntil)
	assert.WithinDuration(t, f.clock.Now().Add(2555*24*time.Hour), *got.RetentionUntil, time.Second)

	f.clock.Advance(time.Hour)
	r, err = f.engine.WithdrawConsent(ctx, ident.ID, "no longer using the service")
	require.NoError(t, err)
	assert.True(t, r.ConsentWithdrawn)

	got = f.reload(t, ident.ID)
	assert.False(t, got.ConsentGiven)
	require.NotNil(t, got.RetentionUntil)
	assert.WithinDuration(t, f.clock.Now().Add(30*24*time.Hour), *got.RetentionUntil, time.Second)
	assert.Nil(t, got.ErasedAt, "withdrawal does not erase immediately")
}

func TestRecordConsent_Refused(t *testing.T) {
	f := newFixture(t)
	ident := f.identity(t, "dan")

	r, err := f.engine.RecordConsent(context.Background(), ConsentRequest{IdentityID: ident.ID, Given: false, Mechanism: "form"})
	require.NoError(t, err)
	assert.True(t, r.ConsentWithdrawn)
	assert.False(t, f.reload(t, ident.ID).ConsentGiven)
}

func TestProcessAccess_OnlyRequestedCategories(t *testing.T) {
	f := newFixture(t)
	ctx := domain.ContextWithRequestMeta(context.Background(), domain.RequestMeta{IPAddress: "203.0.113.9", UserAgent: "sdk/1.0"})
	ident := f.identity(t, "erin")

	secret, _, err := f.credentials.Issue(ctx, credential.IssueRequest{IdentityID: ident.ID, Name: "ci"})
	require.NoError(t, err)
	_, err = f.credentials.Verify(ctx, secret, credential.VerifyRequest{Origin: "203.0.113.9", UserAgent: "sdk/1.0"})
	require.NoError(t, err)

	r, data, err := f.engine.ProcessAccess(ctx, ident.ID, []string{CategoryPersonalIdentifiers, CategoryUsage, CategoryTechnical})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	assert.Len(t, data.Categories, 3)
	assert.NotContains(t, data.Categories, CategoryAudit)
	assert.Equal(t, "Acme", data.DataController.Name)
	assert.Equal(t, domain.LegalBasisLegitimateInterest, data.LegalBasis)

	usage := data.Categories[CategoryUsage].([]map[string]any)
	require.Len(t, usage, 1)
	assert.EqualValues(t, 1, usage[0]["usage_count"])

	tech := data.Categories[CategoryTechnical].(map[string]any)
	assert.Equal(t, []string{"203.0.113.9"}, tech["ip_addresses"])
	assert.Equal(t, []string{"sdk/1.0"}, tech["user_agents"])

	stored, err := f.store.GetComplianceRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Contains(t, stored.ResponseData, "categories")
}

func TestProcessAccess_AllAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "finn")

	_, data, err := f.engine.ProcessAccess(ctx, ident.ID, nil)
	require.NoError(t, err)
	assert.Len(t, data.Categories, len(AllCategories))

	_, _, err = f.engine.ProcessAccess(ctx, ident.ID, []string{"biometrics"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = f.engine.ProcessAccess(ctx, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessRectification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "gail")
	other := f.identity(t, "hank")

	r, err := f.engine.ProcessRectification(ctx, ident.ID, map[string]string{"email": "gail@new.example", "password_hash": "x"}, "typo")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	assert.Equal(t, []string{"email"}, r.ResponseData["updated_fields"])
	assert.Equal(t, "gail@new.example", f.reload(t, ident.ID).Email)
	assert.Equal(t, "bcrypt", f.reload(t, ident.ID).PasswordHash)

	r, err = f.engine.ProcessRectification(ctx, ident.ID, map[string]string{"role": "admin"}, "escalate")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, r.Status)

	r, err = f.engine.ProcessRectification(ctx, ident.ID, map[string]string{"email": "not-an-email"}, "bad")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.StatusRejected, r.Status)

	r, err = f.engine.ProcessRectification(ctx, ident.ID, map[string]string{"username": other.Username}, "clash")
	assert.ErrorIs(t, err, domain.ErrConflict)
	require.NotNil(t, r)
	stored, err := f.store.GetComplianceRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "gail", f.reload(t, ident.ID).Username)
}

func TestProcessErasure_ImmediateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "ivan")

	secret, _, err := f.credentials.Issue(ctx, credential.IssueRequest{IdentityID: ident.ID, Name: "a"})
	require.NoError(t, err)
	_, _, err = f.credentials.Issue(ctx, credential.IssueRequest{IdentityID: ident.ID, Name: "b"})
	require.NoError(t, err)

	r, err := f.engine.ProcessErasure(ctx, ident.ID, "user request", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	assert.Equal(t, 2, r.ResponseData["credentials_deactivated"])

	revokes, err := f.ledger.Search(ctx, domain.AuditFilter{Type: domain.AuditKeyRevoke, IdentityID: ident.ID}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, revokes.Total)
	assert.EqualValues(t, 2, revokes.Events[0].Metadata["count"])

	got := f.reload(t, ident.ID)
	assert.Equal(t, "deleted_user_"+ident.ID, got.Username)
	assert.Equal(t, "deleted_"+ident.ID+"@erased.invalid", got.Email)
	assert.NotContains(t, got.Username, "ivan")
	assert.Empty(t, got.PasswordHash)
	assert.False(t, got.TwoFactorEnabled)
	assert.False(t, got.ConsentGiven)
	assert.Nil(t, got.RetentionUntil)
	require.NotNil(t, got.ErasedAt)

	creds, err := f.credentials.List(ctx, ident.ID, true)
	require.NoError(t, err)
	for _, c := range creds {
		assert.False(t, c.Active)
	}
	_, err = f.credentials.Verify(ctx, secret, credential.VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	f.clock.Advance(time.Minute)
	r, err = f.engine.ProcessErasure(ctx, ident.ID, "again", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	again := f.reload(t, ident.ID)
	assert.Equal(t, got.Username, again.Username)
	assert.True(t, got.ErasedAt.Equal(*again.ErasedAt))
}

func TestProcessErasure_ScheduledThenSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "jade")
	keep := f.identity(t, "kim")

	_, err := f.engine.RecordConsent(ctx, ConsentRequest{IdentityID: ident.ID, Given: true})
	require.NoError(t, err)
	_, err = f.engine.RecordConsent(ctx, ConsentRequest{IdentityID: keep.ID, Given: true})
	require.NoError(t, err)

	r, err := f.engine.ProcessErasure(ctx, ident.ID, "closing account", false)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, r.Status)
	got := f.reload(t, ident.ID)
	assert.False(t, got.ConsentGiven, "scheduled erasure clears consent")
	assert.Nil(t, got.ErasedAt)

	erased, err := f.engine.RunScheduledSweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, erased, "grace period not over")

	f.clock.Advance(30 * 24 * time.Hour)
	erased, err = f.engine.RunScheduledSweep(ctx)
	require.NoError(t, err)
	require.Len(t, erased, 1)
	assert.Equal(t, ident.ID, erased[0].IdentityID)
	assert.NotNil(t, f.reload(t, ident.ID).ErasedAt)
	assert.Nil(t, f.reload(t, keep.ID).ErasedAt, "consenting identities are kept")

	erased, err = f.engine.RunScheduledSweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, erased)

	page, err := f.ledger.Search(ctx, domain.AuditFilter{Type: domain.AuditErasureSweep}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

// flakyIdentities fails erasure for one identity.
type flakyIdentities struct {
	domain.IdentityStore
	failFor string
}

func (s *flakyIdentities) EraseIdentity(ctx context.Context, id string, a domain.Anonymization) (*domain.Identity, []string, error) {
	if id == s.failFor {
		return nil, nil, errors.New("database is locked")
	}
	return s.IdentityStore.EraseIdentity(ctx, id, a)
}

func TestRunScheduledSweep_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.identity(t, "lee")
	good := f.identity(t, "max")
	for _, id := range []string{bad.ID, good.ID} {
		_, err := f.engine.WithdrawConsent(ctx, id, "")
		require.NoError(t, err)
	}
	f.engine.identities = &flakyIdentities{IdentityStore: f.store, failFor: bad.ID}
	f.clock.Advance(31 * 24 * time.Hour)

	erased, err := f.engine.RunScheduledSweep(ctx)
	require.NoError(t, err)
	require.Len(t, erased, 1)
	assert.Equal(t, good.ID, erased[0].IdentityID)
	assert.Nil(t, f.reload(t, bad.ID).ErasedAt)

	records, err := f.store.ListComplianceRecords(ctx, bad.ID)
	require.NoError(t, err)
	last := records[len(records)-1]
	assert.Equal(t, domain.RequestErasure, last.RequestType)
	assert.Equal(t, domain.StatusFailed, last.Status)
}

func TestProcessPortability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "nina")

	r, loc, err := f.engine.ProcessPortability(ctx, ident.ID, "json")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, r.Status)
	require.True(t, strings.HasPrefix(loc, "mem://portability_"+ident.ID))
	name := strings.TrimPrefix(loc, "mem://")
	assert.Equal(t, "application/json", f.sink.types[name])

	var doc map[string]any
	require.NoError(t, json.Unmarshal(f.sink.files[name], &doc))
	assert.Equal(t, "data_portability", doc["export_type"])
	assert.Contains(t, doc, "rights_notice")

	_, loc, err = f.engine.ProcessPortability(ctx, ident.ID, "CSV")
	require.NoError(t, err)
	name = strings.TrimPrefix(loc, "mem://")
	assert.Equal(t, "text/csv", f.sink.types[name])
	rows, err := csv.NewReader(strings.NewReader(string(f.sink.files[name]))).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"Field", "Value"}, rows[0])
	fields := map[string]string{}
	for _, row := range rows[1:] {
		fields[row[0]] = row[1]
	}
	assert.Equal(t, "nina", fields["categories_personal_identifiers_username"])
	assert.Equal(t, "Acme", fields["data_controller_name"])

	_, _, err = f.engine.ProcessPortability(ctx, ident.ID, "xml")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestProcessPortability_SinkFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "omar")
	f.sink.err = errors.New("bucket unavailable")

	r, _, err := f.engine.ProcessPortability(ctx, ident.ID, "json")
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, domain.CodeExportUnavailable, domain.ErrorCodeOf(err))
	require.NotNil(t, r)
	stored, err := f.store.GetComplianceRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)

	failed := false
	page, err := f.ledger.Search(ctx, domain.AuditFilter{Type: domain.AuditPortability, Success: &failed}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestLegalChangeVersioning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.LogLegalChange(ctx, LegalChangeInput{ChangeType: "privacy_policy", Title: "Initial"})
	require.NoError(t, err)
	assert.Equal(t, "1.0", first.Version)
	assert.Empty(t, first.PreviousVersionID)

	f.clock.Advance(time.Second)
	second, err := f.engine.LogLegalChange(ctx, LegalChangeInput{ChangeType: "privacy_policy", Title: "Cookies"})
	require.NoError(t, err)
	assert.Equal(t, "1.1", second.Version)
	assert.Equal(t, first.ID, second.PreviousVersionID)

	other, err := f.engine.LogLegalChange(ctx, LegalChangeInput{ChangeType: "terms", Title: "ToS"})
	require.NoError(t, err)
	assert.Equal(t, "1.0", other.Version)

	_, err = f.engine.LogLegalChange(ctx, LegalChangeInput{ChangeType: "terms"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	updated, err := f.engine.UpdateLegalChangeStatus(ctx, second.ID, domain.ImplementationCompleted)
	require.NoError(t, err)
	assert.NotNil(t, updated.ImplementationDate)
	_, err = f.engine.UpdateLegalChangeStatus(ctx, second.ID, "shipped")
	assert.ErrorIs(t, err, domain.ErrValidation)

	notified, err := f.engine.MarkUsersNotified(ctx, second.ID, "email")
	require.NoError(t, err)
	assert.True(t, notified.UsersNotified)
	_, err = f.engine.MarkUsersNotified(ctx, "missing", "email")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNextVersion(t *testing.T) {
	tests := []struct {
		prev, want string
	}{
		{"1.0", "1.1"},
		{"2.9", "2.10"},
		{"garbage", "1.1"},
		{"1.x", "1.1"},
		{"", "1.1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextVersion(tt.prev), tt.prev)
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ident := f.identity(t, "pia")

	_, err := f.engine.RecordConsent(ctx, ConsentRequest{IdentityID: ident.ID, Given: true})
	require.NoError(t, err)
	_, err = f.engine.ProcessErasure(ctx, ident.ID, "", false)
	require.NoError(t, err)
	for i := range 12 {
		f.clock.Advance(time.Second)
		_, err := f.engine.LogLegalChange(ctx, LegalChangeInput{ChangeType: "terms", Title: "rev"})
		require.NoError(t, err, i)
	}

	d, err := f.engine.Dashboard(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Overview.Total)
	assert.Equal(t, 1, d.Overview.ScheduledErasures)
	assert.Len(t, d.RecentLegalChanges, 10)
	assert.Equal(t, "1.11", d.RecentLegalChanges[0].Version)
	assert.Len(t, d.IdentityRequests, 2)
}
