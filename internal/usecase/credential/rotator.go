package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trustcore/internal/domain"
)

// RotatorConfig controls the background rotation loop.
type RotatorConfig struct {
	Interval     time.Duration
	Lookahead    time.Duration
	RetryBackoff time.Duration
}

// Rotator periodically rotates credentials that are about to expire and
// tells their owners.
type Rotator struct {
	manager    *Manager
	identities domain.IdentityStore
	notifiers  []domain.RotationNotifier
	audit      domain.AuditRecorder
	cfg        RotatorConfig
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewRotator creates a rotation worker.
func NewRotator(manager *Manager, identities domain.IdentityStore, audit domain.AuditRecorder,
	cfg RotatorConfig, logger *slog.Logger, notifiers ...domain.RotationNotifier) *Rotator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 7 * 24 * time.Hour
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Minute
	}
	return &Rotator{
		manager:    manager,
		identities: identities,
		notifiers:  notifiers,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start runs a cycle immediately and then every Interval. A failed cycle is
// retried after RetryBackoff. Blocks until ctx is cancelled or Stop is called.
func (r *Rotator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.done = make(chan struct{})
	ctx, r.cancel = context.WithCancel(ctx)
	done := r.done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		close(done)
	}()

	r.logger.Info("credential rotator started", "interval", r.cfg.Interval, "lookahead", r.cfg.Lookahead)
	r.audit.Record(ctx, domain.AuditEvent{
		Type: domain.AuditRotationWorker, Category: domain.AuditCategorySystem,
		Action: "start", Success: true,
	})

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("credential rotator stopped")
			r.audit.Record(context.WithoutCancel(ctx), domain.AuditEvent{
				Type: domain.AuditRotationWorker, Category: domain.AuditCategorySystem,
				Action: "stop", Success: true,
			})
			return
		case <-timer.C:
			next := r.cfg.Interval
			if _, err := r.RunCycle(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("credential rotation cycle failed", "error", err, "retry_in", r.cfg.RetryBackoff)
				next = r.cfg.RetryBackoff
			}
			timer.Reset(next)
		}
	}
}

// Stop cancels the loop and waits for the current cycle to finish.
func (r *Rotator) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.done
	r.mu.Unlock()
	<-done
}

// RunCycle performs one rotation pass and notifies owners. It returns the
// number of credentials rotated. Notification failures are logged and
// audited but do not fail the cycle.
func (r *Rotator) RunCycle(ctx context.Context) (int, error) {
	results, err := r.manager.RotateExpiring(ctx, r.cfg.Lookahead)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.audit.Record(ctx, domain.AuditEvent{
			Type: domain.AuditRotationWorker, Category: domain.AuditCategorySystem,
			Action: "cycle", Success: false, ErrorMessage: err.Error(),
		})
		return 0, err
	}

	byIdentity := make(map[string][]domain.RotationResult)
	var order []string
	rotated := 0
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		rotated++
		if _, seen := byIdentity[res.IdentityID]; !seen {
			order = append(order, res.IdentityID)
		}
		byIdentity[res.IdentityID] = append(byIdentity[res.IdentityID], res)
	}

	notifyCtx := context.WithoutCancel(ctx)
	for _, id := range order {
		r.notify(notifyCtx, id, byIdentity[id])
	}

	r.audit.Record(notifyCtx, domain.AuditEvent{
		Type: domain.AuditRotationWorker, Category: domain.AuditCategorySystem,
		Action: "cycle", Success: true,
		Metadata: map[string]any{"rotated": rotated, "attempted": len(results), "identities": len(order)},
	})
	if rotated > 0 {
		r.logger.Info("credential rotation cycle", "rotated", rotated, "identities", len(order))
	}
	return rotated, err
}

func (r *Rotator) notify(ctx context.Context, identityID string, results []domain.RotationResult) {
	if len(r.notifiers) == 0 {
		return
	}
	ident, err := r.identities.GetIdentity(ctx, identityID)
	if err != nil {
		r.notifyFailed(ctx, identityID, err)
		return
	}
	for _, n := range r.notifiers {
		if err := n.NotifyRotation(ctx, ident, results); err != nil {
			r.notifyFailed(ctx, identityID, err)
		}
	}
}

func (r *Rotator) notifyFailed(ctx context.Context, identityID string, err error) {
	r.logger.Warn("rotation notification failed", "identity_id", identityID, "error", err)
	r.audit.Record(ctx, domain.AuditEvent{
		Type: domain.AuditRotationWorker, Category: domain.AuditCategorySystem,
		Action: "notify", IdentityID: identityID, Success: false, ErrorMessage: err.Error(),
	})
}
