package credential

import (
	"context"
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
	"trustcore/internal/usecase/compliance"
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

type fixture struct {
	store   *sqlite.Store
	ledger  *audit.Ledger
	manager *Manager
	clock   *clock
	owner   *domain.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "cred.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cipher, err := security.NewCipher(testMasterKey)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	ledger := audit.NewLedger(store, nil, audit.DefaultConfig(), logger.Nop())
	ledger.SetClock(clk.Now)

	m := NewManager(store, store, cipher, ledger, Config{KeyPrefix: "tc_", DefaultTTL: 30 * 24 * time.Hour}, logger.Nop())
	m.SetClock(clk.Now)

	owner := &domain.Identity{
		ID: domain.NewID(clk.t), Username: "owner", Email: "owner@example.com",
		CreatedAt: clk.t, UpdatedAt: clk.t,
	}
	require.NoError(t, store.CreateIdentity(context.Background(), owner))
	return &fixture{store: store, ledger: ledger, manager: m, clock: clk, owner: owner}
}

func (f *fixture) auditCount(t *testing.T, filter domain.AuditFilter) int {
	t.Helper()
	page, err := f.ledger.Search(context.Background(), filter, 1000, 0)
	require.NoError(t, err)
	return page.Total
}

func TestIssue_ThenVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "ci", Scopes: []string{"read"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret, "tc_"))
	assert.True(t, strings.HasPrefix(secret, c.Prefix))
	assert.NotContains(t, c.EncryptedSecret, secret)
	require.NotNil(t, c.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), *c.ExpiresAt)
	assert.Equal(t, 1000, c.RateLimit)

	got, err := f.manager.Verify(ctx, secret, VerifyRequest{})
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = f.manager.Verify(ctx, secret+"x", VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.manager.Verify(ctx, "", VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestIssue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "x", IPAllowlist: []string{"not-an-ip"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: "missing", Name: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeIdentityNotFound, domain.ErrorCodeOf(err))

	_, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "forever", NeverExpires: true})
	require.NoError(t, err)
	assert.Nil(t, c.ExpiresAt)
}

func TestIssue_ErasedIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AnonymizeIdentity(ctx, f.owner.ID, domain.Anonymization{Username: "gone", Email: "gone@erased.invalid", At: f.clock.Now()})
	require.NoError(t, err)

	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// erasingIdentities erases the identity right after handing out its
// snapshot, so the caller acts on a view that is already stale.
type erasingIdentities struct {
	domain.IdentityStore
	erase func(ctx context.Context, id string)
}

func (s *erasingIdentities) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	ident, err := s.IdentityStore.GetIdentity(ctx, id)
	if err == nil {
		s.erase(ctx, id)
	}
	return ident, err
}

func TestIssue_IdentityErasedAfterRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	erasure := compliance.NewEngine(compliance.Deps{
		Identities:  f.store,
		Records:     f.store,
		Legal:       f.store,
		Credentials: f.manager,
		Audit:       f.ledger,
	}, compliance.Config{}, logger.Nop())
	erasure.SetClock(f.clock.Now)
	f.manager.identities = &erasingIdentities{IdentityStore: f.store, erase: func(ctx context.Context, id string) {
		_, err := erasure.ProcessErasure(ctx, id, "user request", true)
		require.NoError(t, err)
	}}

	_, _, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "late"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	all, err := f.manager.List(ctx, f.owner.ID, true)
	require.NoError(t, err)
	for _, c := range all {
		assert.False(t, c.Active, "no live credential for an erased identity")
	}
	failed := false
	assert.Equal(t, 1, f.auditCount(t, domain.AuditFilter{Type: domain.AuditKeyIssue, Success: &failed}))
}

// brokenLookup fails every fingerprint lookup.
type brokenLookup struct {
	domain.CredentialStore
}

func (brokenLookup) FindCredentialByFingerprint(context.Context, string) (*domain.Credential, error) {
	return nil, errors.New("disk I/O error")
}

// brokenUsage fails every usage update.
type brokenUsage struct {
	domain.CredentialStore
}

func (brokenUsage) RecordUsage(context.Context, string, int64, time.Time) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestVerify_StorageFailureIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "ci"})
	require.NoError(t, err)

	f.manager.store = brokenLookup{CredentialStore: f.store}
	_, err = f.manager.Verify(ctx, secret, VerifyRequest{Origin: "198.51.100.7"})
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.NotErrorIs(t, err, domain.ErrUnauthorized)

	page, err := f.ledger.Search(ctx, domain.AuditFilter{Type: domain.AuditKeyVerify}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	ev := page.Events[0]
	assert.False(t, ev.Success)
	assert.Equal(t, OutcomeStorageError, ev.Metadata["outcome"])
	assert.Contains(t, ev.ErrorMessage, "disk I/O error")
	assert.Equal(t, "198.51.100.7", ev.IPAddress)

	f.clock.Advance(time.Second)
	f.manager.store = brokenUsage{CredentialStore: f.store}
	_, err = f.manager.Verify(ctx, secret, VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrStorage)

	page, err = f.ledger.Search(ctx, domain.AuditFilter{Type: domain.AuditKeyVerify}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, c.ID, page.Events[0].CredentialID, "usage failure is attributed to the credential")
}

func TestVerify_ScopeScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "reader", Scopes: []string{"read"}})
	require.NoError(t, err)

	_, err = f.manager.Verify(ctx, secret, VerifyRequest{RequiredScopes: []string{"write"}})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.CodeScopeDenied, domain.ErrorCodeOf(err))

	got, err := f.manager.Verify(ctx, secret, VerifyRequest{RequiredScopes: []string{"read"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.UsageCount)

	stored, err := f.store.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.UsageCount)
	require.NotNil(t, stored.LastUsedAt)

	// One audit event per verification.
	assert.Equal(t, 2, f.auditCount(t, domain.AuditFilter{CredentialID: c.ID, Type: domain.AuditKeyVerify}))
}

func TestVerify_IPAllowlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, _, err := f.manager.Issue(ctx, IssueRequest{
		IdentityID: f.owner.ID, Name: "office",
		IPAllowlist: []string{"10.1.0.0/16", "192.168.1.7"},
	})
	require.NoError(t, err)

	tests := []struct {
		origin string
		ok     bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.7", true},
		{"::ffff:192.168.1.7", true},
		{"10.2.0.1", false},
		{"", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			_, err := f.manager.Verify(ctx, secret, VerifyRequest{Origin: tt.origin})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrForbidden)
			}
		})
	}
}

func TestVerify_ExpiredAndRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, _, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "short", TTLDays: 1})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.manager.Verify(ctx, secret, VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "expiry equal to now is expired")

	secret2, c2, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "revoked"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Revoke(ctx, c2.ID, "leaked"))
	require.NoError(t, f.manager.Revoke(ctx, c2.ID, "again"), "revoke is idempotent")

	_, err = f.manager.Verify(ctx, secret2, VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	stored, err := f.store.GetCredential(ctx, c2.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, "leaked", stored.RevokeReason)

	_, _, err = f.manager.Rotate(ctx, c2.ID, true)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRotate_InvalidatesOldSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldSecret, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "svc"})
	require.NoError(t, err)
	_, err = f.manager.Verify(ctx, oldSecret, VerifyRequest{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	newSecret, rotated, err := f.manager.Rotate(ctx, c.ID, true)
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)
	assert.EqualValues(t, 2, rotated.Version)
	assert.Zero(t, rotated.UsageCount)
	assert.Nil(t, rotated.LastUsedAt)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), *rotated.ExpiresAt)

	_, err = f.manager.Verify(ctx, oldSecret, VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.manager.Verify(ctx, newSecret, VerifyRequest{})
	assert.NoError(t, err)

	_, _, err = f.manager.Rotate(ctx, "missing", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRotate_ConcurrentWithVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldSecret, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "race"})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		newSecret string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s, _, err := f.manager.Rotate(ctx, c.ID, false)
		assert.NoError(t, err)
		newSecret = s
	}()
	go func() {
		defer wg.Done()
		for range 20 {
			_, _ = f.manager.Verify(ctx, oldSecret, VerifyRequest{})
		}
	}()
	wg.Wait()

	_, errOld := f.manager.Verify(ctx, oldSecret, VerifyRequest{})
	_, errNew := f.manager.Verify(ctx, newSecret, VerifyRequest{})
	assert.Error(t, errOld)
	assert.NoError(t, errNew)
}

func TestRotateExpiring_SkipsPinnedAndOutOfWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, soon, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "soon", TTLDays: 3})
	require.NoError(t, err)
	_, pinned, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "pinned", TTLDays: 3, PinRotation: true})
	require.NoError(t, err)
	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "later", TTLDays: 60})
	require.NoError(t, err)
	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "forever", NeverExpires: true})
	require.NoError(t, err)

	results, err := f.manager.RotateExpiring(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, soon.ID, results[0].CredentialID)
	assert.NotEmpty(t, results[0].Secret)
	assert.NoError(t, results[0].Err)

	stored, err := f.store.GetCredential(ctx, pinned.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.Version)

	assert.Equal(t, 1, f.auditCount(t, domain.AuditFilter{Type: domain.AuditKeyBulkRotate}))
}

func TestRotateExpiring_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.manager.Issue(context.Background(), IssueRequest{IdentityID: f.owner.ID, Name: "soon", TTLDays: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := f.manager.RotateExpiring(ctx, 7*24*time.Hour)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrStorage))
	assert.Empty(t, results)
}

func TestStatsAndDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1, _, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "a"})
	require.NoError(t, err)
	_, c2, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "b"})
	require.NoError(t, err)
	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "c", TTLDays: 1})
	require.NoError(t, err)

	_, err = f.manager.Verify(ctx, s1, VerifyRequest{})
	require.NoError(t, err)
	require.NoError(t, f.manager.Revoke(ctx, c2.ID, "unused"))
	f.clock.Advance(48 * time.Hour)

	st, err := f.manager.Stats(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Expired)
	assert.Equal(t, 1, st.Revoked)
	assert.EqualValues(t, 1, st.TotalUsage)
	assert.NotNil(t, st.LastUsedAt)

	ids, err := f.manager.DeactivateForIdentity(ctx, f.owner.ID, "erasure")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	active, err := f.manager.List(ctx, f.owner.ID, false)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeactivateForIdentity_ConcurrentWithRotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 10 {
		_, c, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "race", TTLDays: 1})
		require.NoError(t, err, "round %d", i)

		var (
			wg        sync.WaitGroup
			newSecret string
			rotateErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			newSecret, _, rotateErr = f.manager.Rotate(ctx, c.ID, true)
		}()
		go func() {
			defer wg.Done()
			_, err := f.manager.DeactivateForIdentity(ctx, f.owner.ID, "erasure")
			assert.NoError(t, err)
		}()
		wg.Wait()

		stored, err := f.store.GetCredential(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, stored.Active, "round %d: deactivation must win regardless of order", i)
		if rotateErr != nil {
			assert.ErrorIs(t, rotateErr, domain.ErrConflict)
			continue
		}
		_, err = f.manager.Verify(ctx, newSecret, VerifyRequest{})
		assert.ErrorIs(t, err, domain.ErrUnauthorized, "round %d: rotated secret of a deactivated credential", i)
	}
}
