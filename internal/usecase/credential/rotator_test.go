package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustcore/internal/domain"
	"trustcore/internal/infra/logger"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string][]domain.RotationResult
	err   error
}

func (n *recordingNotifier) NotifyRotation(_ context.Context, ident *domain.Identity, results []domain.RotationResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[string][]domain.RotationResult)
	}
	n.calls[ident.ID] = append(n.calls[ident.ID], results...)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func TestRotator_RunCycleNotifiesOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	second := &domain.Identity{ID: domain.NewID(f.clock.Now()), Username: "second", Email: "second@example.com",
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now()}
	require.NoError(t, f.store.CreateIdentity(ctx, second))

	oldSecret, _, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "a", TTLDays: 2})
	require.NoError(t, err)
	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "b", TTLDays: 5})
	require.NoError(t, err)
	_, _, err = f.manager.Issue(ctx, IssueRequest{IdentityID: second.ID, Name: "c", TTLDays: 1})
	require.NoError(t, err)

	n := &recordingNotifier{}
	r := NewRotator(f.manager, f.store, f.ledger, RotatorConfig{Lookahead: 7 * 24 * time.Hour}, logger.Nop(), n)

	rotated, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rotated)
	require.Len(t, n.calls[f.owner.ID], 2)
	require.Len(t, n.calls[second.ID], 1)

	var newSecret string
	for _, res := range n.calls[f.owner.ID] {
		assert.NotEmpty(t, res.Secret)
		if res.Name == "a" {
			newSecret = res.Secret
		}
	}
	_, err = f.manager.Verify(ctx, oldSecret, VerifyRequest{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = f.manager.Verify(ctx, newSecret, VerifyRequest{})
	assert.NoError(t, err)

	// Rotated credentials were pushed out by DefaultTTL; a second pass is empty.
	rotated, err = r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, rotated)
}

func TestRotator_NotifierFailureDoesNotFailCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.manager.Issue(ctx, IssueRequest{IdentityID: f.owner.ID, Name: "a", TTLDays: 1})
	require.NoError(t, err)

	failing := &recordingNotifier{err: errors.New("smtp down")}
	ok := &recordingNotifier{}
	r := NewRotator(f.manager, f.store, f.ledger, RotatorConfig{}, logger.Nop(), failing, ok)

	rotated, err := r.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rotated)
	assert.Equal(t, 1, ok.count(), "later notifiers still run")

	failed := false
	page, err := f.ledger.Search(ctx, domain.AuditFilter{Type: domain.AuditRotationWorker, Success: &failed}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "notify", page.Events[0].Action)
}

func TestRotator_StartStop(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.manager.Issue(context.Background(), IssueRequest{IdentityID: f.owner.ID, Name: "a", TTLDays: 1})
	require.NoError(t, err)

	n := &recordingNotifier{}
	r := NewRotator(f.manager, f.store, f.ledger, RotatorConfig{Interval: time.Hour}, logger.Nop(), n)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return n.count() == 1 }, 5*time.Second, 10*time.Millisecond,
		"first cycle runs immediately")

	r.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	r.Stop() // no-op when not running

	page, err := f.ledger.Search(context.Background(), domain.AuditFilter{Type: domain.AuditRotationWorker}, 10, 0)
	require.NoError(t, err)
	actions := map[string]bool{}
	for _, e := range page.Events {
		actions[e.Action] = true
	}
	assert.True(t, actions["start"])
	assert.True(t, actions["stop"])
	assert.True(t, actions["cycle"])
}

func TestRotator_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	r := NewRotator(f.manager, f.store, f.ledger, RotatorConfig{Interval: time.Hour}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

// flakyExpiring fails the first failures expiry scans.
type flakyExpiring struct {
	domain.CredentialStore
	failures int32
	calls    atomic.Int32
}

func (s *flakyExpiring) ListExpiringCredentials(ctx context.Context, after, until time.Time) ([]domain.Credential, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, errors.New("database is locked")
	}
	return s.CredentialStore.ListExpiringCredentials(ctx, after, until)
}

func TestRotator_FailedCycleRetriesAfterBackoff(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.manager.Issue(context.Background(), IssueRequest{IdentityID: f.owner.ID, Name: "a", TTLDays: 1})
	require.NoError(t, err)

	store := &flakyExpiring{CredentialStore: f.store, failures: 2}
	f.manager.store = store
	n := &recordingNotifier{}
	r := NewRotator(f.manager, f.store, f.ledger,
		RotatorConfig{Interval: time.Hour, RetryBackoff: 20 * time.Millisecond}, logger.Nop(), n)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	// Only the short backoff can produce a third scan within the hour interval.
	require.Eventually(t, func() bool { return n.count() == 1 }, 5*time.Second, 10*time.Millisecond,
		"cycle succeeds after two failed attempts")
	assert.EqualValues(t, 3, store.calls.Load())

	select {
	case <-done:
		t.Fatal("loop exited after a failed cycle")
	default:
	}
	r.Stop()
	<-done

	failed := false
	page, err := f.ledger.Search(context.Background(), domain.AuditFilter{Type: domain.AuditRotationWorker, Success: &failed}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}
