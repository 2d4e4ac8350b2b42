// Package account registers identities and authenticates them by password
// with lockout.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trustcore/internal/domain"
	"trustcore/internal/infra/tracer"
	"trustcore/internal/security"
)

// Config controls lockout and password policy.
type Config struct {
	LockoutThreshold  int
	LockoutDuration   time.Duration
	MinPasswordLength int
	ConsentRetention  time.Duration
}

// DefaultConfig locks an account for 30 minutes after 5 failed logins.
func DefaultConfig() Config {
	return Config{
		LockoutThreshold:  5,
		LockoutDuration:   30 * time.Minute,
		MinPasswordLength: 8,
		ConsentRetention:  2555 * 24 * time.Hour,
	}
}

// RegisterRequest describes a new identity.
type RegisterRequest struct {
	Username string
	Email    string
	Password string
	Consent  bool
}

// Service owns the password login lifecycle.
type Service struct {
	identities domain.IdentityStore
	audit      domain.AuditRecorder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a Service. Zero config values take their defaults.
func NewService(identities domain.IdentityStore, audit domain.AuditRecorder, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = def.LockoutThreshold
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = def.MinPasswordLength
	}
	if cfg.ConsentRetention <= 0 {
		cfg.ConsentRetention = def.ConsentRetention
	}
	return &Service{
		identities: identities,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register creates an identity with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (_ *domain.Identity, err error) {
	ctx, span := tracer.StartSpan(ctx, "account.Register")
	defer func() { tracer.Finish(span, err) }()

	const op = "Service.Register"
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if verr := s.validate(req); verr != nil {
		s.record(ctx, domain.AuditRegistration, "", "register", false, map[string]any{"username": req.Username}, verr.Error())
		return nil, domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrValidation, verr.Error())
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	now := s.now().UTC()
	ident := &domain.Identity{
		ID:           domain.NewID(now),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		ConsentGiven: req.Consent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Consent {
		retain := now.Add(s.cfg.ConsentRetention)
		ident.ConsentAt = &now
		ident.RetentionUntil = &retain
	}
	if err := s.identities.CreateIdentity(ctx, ident); err != nil {
		s.record(ctx, domain.AuditRegistration, "", "register", false, map[string]any{"username": req.Username}, err.Error())
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	span.SetAttributes(tracer.StringAttr(tracer.AttrIdentityID, ident.ID))
	s.record(ctx, domain.AuditRegistration, ident.ID, "register", true, map[string]any{"consent": req.Consent}, "")
	return ident, nil
}

func (s *Service) validate(req RegisterRequest) error {
	if req.Username == "" {
		return errors.New("username is required")
	}
	at := strings.LastIndex(req.Email, "@")
	if at < 1 || at == len(req.Email)-1 || strings.ContainsAny(req.Email, " \t\r\n") {
		return errors.New("malformed email")
	}
	if len(req.Password) < s.cfg.MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", s.cfg.MinPasswordLength)
	}
	return nil
}

// Authenticate checks a password for the identity named by handle (username
// or email). A locked account is refused even with the right password. Every
// failure increments the counter; reaching the threshold locks the account.
// Unknown handles and wrong passwords return the same error.
func (s *Service) Authenticate(ctx context.Context, handle, password string, meta domain.RequestMeta) (_ *domain.Identity, err error) {
	ctx = domain.ContextWithRequestMeta(ctx, meta)
	ctx, span := tracer.StartSpan(ctx, "account.Authenticate")
	defer func() { tracer.Finish(span, err) }()

	const op = "Service.Authenticate"
	denied := domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrUnauthorized, "invalid credentials")

	ident, err := s.identities.GetIdentityByHandle(ctx, strings.TrimSpace(handle))
	if errors.Is(err, domain.ErrNotFound) {
		s.record(ctx, domain.AuditLogin, "", "login", false, map[string]any{"reason": "unknown_identity"}, "invalid credentials")
		return nil, denied
	}
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	span.SetAttributes(tracer.StringAttr(tracer.AttrIdentityID, ident.ID))
	if ident.IsErased() {
		s.record(ctx, domain.AuditLogin, ident.ID, "login", false, map[string]any{"reason": "erased"}, "invalid credentials")
		return nil, denied
	}
	if ident.IsLocked(s.now()) {
		s.record(ctx, domain.AuditLogin, ident.ID, "login", false,
			map[string]any{"reason": "account_locked", "locked_until": ident.LockedUntil}, "account locked")
		return nil, domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrAccountLocked, "")
	}

	// bcrypt runs outside the write transaction.
	ok := security.CheckPassword(ident.PasswordHash, password)

	var lockedNow bool
	now := s.now().UTC()
	updated, err := s.identities.MutateIdentity(ctx, ident.ID, func(i *domain.Identity) error {
		if i.IsLocked(now) {
			return domain.ErrAccountLocked
		}
		if i.LockedUntil != nil {
			// Lock expired; start a fresh window.
			i.LockedUntil = nil
			i.FailedLoginAttempts = 0
		}
		if ok {
			i.FailedLoginAttempts = 0
			i.LastLoginAt = &now
		} else {
			i.FailedLoginAttempts++
			if i.FailedLoginAttempts >= s.cfg.LockoutThreshold {
				until := now.Add(s.cfg.LockoutDuration)
				i.LockedUntil = &until
				lockedNow = true
			}
		}
		i.UpdatedAt = now
		return nil
	})
	if errors.Is(err, domain.ErrAccountLocked) {
		s.record(ctx, domain.AuditLogin, ident.ID, "login", false, map[string]any{"reason": "account_locked"}, "account locked")
		return nil, domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrAccountLocked, "")
	}
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}

	if !ok {
		s.record(ctx, domain.AuditLogin, ident.ID, "login", false,
			map[string]any{"reason": "bad_password", "failed_attempts": updated.FailedLoginAttempts}, "invalid credentials")
		if lockedNow {
			s.record(ctx, domain.AuditAccountLock, ident.ID, "lock", true, map[string]any{
				"severity":        domain.SeverityMedium,
				"failed_attempts": updated.FailedLoginAttempts,
				"locked_until":    updated.LockedUntil,
			}, "")
			s.logger.Warn("account locked", "identity_id", ident.ID, "until", updated.LockedUntil)
		}
		return nil, denied
	}
	s.record(ctx, domain.AuditLogin, ident.ID, "login", true, map[string]any{"two_factor_required": updated.TwoFactorEnabled}, "")
	return updated, nil
}

// Unlock clears a lock and resets the failure counter.
func (s *Service) Unlock(ctx context.Context, identityID string) (_ *domain.Identity, err error) {
	ctx, span := tracer.StartSpan(ctx, "account.Unlock", trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	defer func() { tracer.Finish(span, err) }()

	now := s.now().UTC()
	ident, err := s.identities.MutateIdentity(ctx, identityID, func(i *domain.Identity) error {
		i.LockedUntil = nil
		i.FailedLoginAttempts = 0
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.record(ctx, domain.AuditAccountUnlock, identityID, "unlock", false, nil, err.Error())
		return nil, domain.StorageError(domain.SubSystemAccount, "Service.Unlock", err)
	}
	s.record(ctx, domain.AuditAccountUnlock, identityID, "unlock", true, nil, "")
	return ident, nil
}

func (s *Service) record(ctx context.Context, typ domain.AuditEventType, identityID, action string, success bool, md map[string]any, detail string) {
	s.audit.Record(ctx, domain.AuditEvent{
		Type:         typ,
		Category:     domain.AuditCategoryAuth,
		Action:       action,
		IdentityID:   identityID,
		Success:      success,
		Metadata:     md,
		ErrorMessage: detail,
	})
}
