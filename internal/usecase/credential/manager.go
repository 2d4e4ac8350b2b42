// Package credential issues, verifies, rotates and revokes API keys.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trustcore/internal/domain"
	"trustcore/internal/infra/tracer"
	"trustcore/internal/security"
)

const (
	secretBytes   = 32
	displayLength = 8
)

// Verification outcomes, recorded in audit metadata.
const (
	OutcomeSuccess           = "success"
	OutcomeNotFound          = "not_found"
	OutcomeInactive          = "inactive"
	OutcomeExpired           = "expired"
	OutcomeIPBlocked         = "ip_blocked"
	OutcomeInsufficientScope = "insufficient_scope"
	OutcomeStorageError      = "storage_error"
)

// Config holds issuance defaults.
type Config struct {
	KeyPrefix        string
	DefaultTTL       time.Duration
	DefaultRateLimit int
}

// IssueRequest describes a new API key.
type IssueRequest struct {
	IdentityID   string
	Name         string
	Scopes       []string
	TTLDays      int // 0 = Config.DefaultTTL
	RateLimit    int // 0 = Config.DefaultRateLimit
	IPAllowlist  []string
	NeverExpires bool
	PinRotation  bool
}

// VerifyRequest carries the context of one API call.
type VerifyRequest struct {
	RequiredScopes []string
	Origin         string
	UserAgent      string
}

// Manager owns the credential lifecycle.
type Manager struct {
	identities domain.IdentityStore
	store      domain.CredentialStore
	cipher     domain.SecretCipher
	audit      domain.AuditRecorder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(identities domain.IdentityStore, store domain.CredentialStore, cipher domain.SecretCipher,
	audit domain.AuditRecorder, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * 24 * time.Hour
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 1000
	}
	return &Manager{
		identities: identities,
		store:      store,
		cipher:     cipher,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Issue creates a credential for an active identity. The plaintext secret is
// returned exactly once.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (_ string, _ *domain.Credential, err error) {
	ctx, span := tracer.StartSpan(ctx, "credential.Issue")
	defer func() { tracer.Finish(span, err) }()

	const op = "Manager.Issue"
	if strings.TrimSpace(req.Name) == "" {
		return "", nil, domain.NewSubSystemError(domain.SubSystemCredential, op, domain.ErrValidation, "name is required")
	}
	if req.TTLDays < 0 || req.RateLimit < 0 {
		return "", nil, domain.NewSubSystemError(domain.SubSystemCredential, op, domain.ErrValidation, "ttl and rate limit must not be negative")
	}
	allow, err := normalizeAllowlist(req.IPAllowlist)
	if err != nil {
		return "", nil, domain.NewSubSystemError(domain.SubSystemCredential, op, domain.ErrValidation, err.Error())
	}

	ident, err := m.identities.GetIdentity(ctx, req.IdentityID)
	if err != nil {
		return "", nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	if ident.IsErased() {
		return "", nil, domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrNotFound, "identity erased")
	}

	now := m.now().UTC()
	secret, enc, fp, err := m.newSecret()
	if err != nil {
		return "", nil, domain.WrapOp(op, err)
	}

	c := &domain.Credential{
		ID:              domain.NewID(now),
		IdentityID:      ident.ID,
		Name:            strings.TrimSpace(req.Name),
		Prefix:          displayPrefix(secret, m.cfg.KeyPrefix),
		EncryptedSecret: enc,
		Fingerprint:     fp,
		Scopes:          req.Scopes,
		RateLimit:       req.RateLimit,
		IPAllowlist:     allow,
		CreatedAt:       now,
		Active:          true,
		Version:         1,
		PinRotation:     req.PinRotation,
	}
	if c.RateLimit == 0 {
		c.RateLimit = m.cfg.DefaultRateLimit
	}
	if !req.NeverExpires {
		ttl := m.cfg.DefaultTTL
		if req.TTLDays > 0 {
			ttl = time.Duration(req.TTLDays) * 24 * time.Hour
		}
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}

	if err := m.store.CreateCredential(ctx, c); err != nil {
		m.record(ctx, domain.AuditKeyIssue, c, false, map[string]any{"name": c.Name}, err)
		return "", nil, domain.StorageError(domain.SubSystemCredential, op, err)
	}
	m.record(ctx, domain.AuditKeyIssue, c, true, map[string]any{
		"name":         c.Name,
		"scopes":       c.Scopes,
		"never_expire": req.NeverExpires,
		"pin_rotation": c.PinRotation,
	}, nil)
	span.SetAttributes(tracer.StringAttr(tracer.AttrCredentialID, c.ID))
	return secret, c, nil
}

// Verify authenticates secret and enforces the IP allowlist and scopes.
// Every call produces exactly one audit event.
func (m *Manager) Verify(ctx context.Context, secret string, req VerifyRequest) (_ *domain.Credential, err error) {
	ctx, span := tracer.StartSpan(ctx, "credential.Verify")
	defer func() { tracer.Finish(span, err) }()

	const op = "Manager.Verify"
	now := m.now().UTC()
	ev := domain.AuditEvent{
		Type:      domain.AuditKeyVerify,
		Category:  domain.AuditCategoryAPI,
		Action:    "verify",
		IPAddress: req.Origin,
		UserAgent: req.UserAgent,
	}
	finish := func(c *domain.Credential, outcome string, sentinel error) error {
		if c != nil {
			ev.CredentialID = c.ID
			ev.IdentityID = c.IdentityID
		}
		ev.Success = sentinel == nil
		ev.Metadata = map[string]any{"outcome": outcome}
		if len(req.RequiredScopes) > 0 {
			ev.Metadata["required_scopes"] = req.RequiredScopes
		}
		if sentinel != nil && ev.ErrorMessage == "" {
			ev.ErrorMessage = outcome
		}
		m.audit.Record(ctx, ev)
		span.SetAttributes(tracer.StringAttr("credential.outcome", outcome))
		if sentinel == nil {
			return nil
		}
		return domain.NewSubSystemError(domain.SubSystemCredential, op, sentinel, outcome)
	}
	storageFailed := func(c *domain.Credential, cause error) error {
		ev.ErrorMessage = cause.Error()
		return finish(c, OutcomeStorageError, domain.ErrStorage)
	}

	if secret == "" {
		return nil, finish(nil, OutcomeNotFound, domain.ErrUnauthorized)
	}
	c, err := m.store.FindCredentialByFingerprint(ctx, m.cipher.Fingerprint(secret))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, finish(nil, OutcomeNotFound, domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, storageFailed(nil, err)
	}
	plain, err := m.cipher.Decrypt(c.EncryptedSecret)
	if err != nil || !security.Equal(plain, secret) {
		return nil, finish(nil, OutcomeNotFound, domain.ErrUnauthorized)
	}

	switch {
	case !c.Active:
		return nil, finish(c, OutcomeInactive, domain.ErrUnauthorized)
	case c.Expired(now):
		return nil, finish(c, OutcomeExpired, domain.ErrUnauthorized)
	case !originAllowed(c.IPAllowlist, req.Origin):
		return nil, finish(c, OutcomeIPBlocked, domain.ErrForbidden)
	case !c.HasScopes(req.RequiredScopes):
		return nil, finish(c, OutcomeInsufficientScope, domain.ErrForbidden)
	}

	ok, err := m.store.RecordUsage(ctx, c.ID, c.Version, now)
	if err != nil {
		return nil, storageFailed(c, err)
	}
	if !ok {
		// Rotated or revoked after the snapshot was read.
		return nil, finish(nil, OutcomeNotFound, domain.ErrUnauthorized)
	}
	c.UsageCount++
	c.LastUsedAt = &now
	if err := finish(c, OutcomeSuccess, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Rotate replaces the secret of an active credential. The old secret stops
// verifying in the same transaction that makes the new one valid.
func (m *Manager) Rotate(ctx context.Context, id string, extendExpiry bool) (_ string, _ *domain.Credential, err error) {
	ctx, span := tracer.StartSpan(ctx, "credential.Rotate", trace.WithAttributes(tracer.StringAttr(tracer.AttrCredentialID, id)))
	defer func() { tracer.Finish(span, err) }()
	return m.rotate(ctx, id, extendExpiry, "manual")
}

func (m *Manager) rotate(ctx context.Context, id string, extendExpiry bool, trigger string) (string, *domain.Credential, error) {
	const op = "Manager.Rotate"
	now := m.now().UTC()
	secret, enc, fp, err := m.newSecret()
	if err != nil {
		return "", nil, domain.WrapOp(op, err)
	}

	var previousVersion int64
	c, err := m.store.MutateCredential(ctx, id, func(c *domain.Credential) error {
		if !c.Active {
			return domain.ErrConflict
		}
		previousVersion = c.Version
		c.EncryptedSecret = enc
		c.Fingerprint = fp
		c.Prefix = displayPrefix(secret, m.cfg.KeyPrefix)
		c.UsageCount = 0
		c.LastUsedAt = nil
		c.Version++
		if extendExpiry {
			exp := now.Add(m.cfg.DefaultTTL)
			c.ExpiresAt = &exp
		}
		return nil
	})
	if err != nil {
		m.record(ctx, domain.AuditKeyRotation, &domain.Credential{ID: id}, false, map[string]any{"trigger": trigger}, err)
		if errors.Is(err, domain.ErrConflict) {
			return "", nil, domain.NewSubSystemError(domain.SubSystemCredential, op, domain.ErrConflict, "credential inactive")
		}
		return "", nil, domain.StorageError(domain.SubSystemCredential, op, err)
	}

	m.record(ctx, domain.AuditKeyRotation, c, true, map[string]any{
		"trigger":          trigger,
		"previous_version": previousVersion,
		"version":          c.Version,
		"extended":         extendExpiry,
	}, nil)
	return secret, c, nil
}

// Revoke deactivates a credential. Revoking an inactive credential is a
// no-op.
func (m *Manager) Revoke(ctx context.Context, id, reason string) (err error) {
	ctx, span := tracer.StartSpan(ctx, "credential.Revoke", trace.WithAttributes(tracer.StringAttr(tracer.AttrCredentialID, id)))
	defer func() { tracer.Finish(span, err) }()

	const op = "Manager.Revoke"
	now := m.now().UTC()
	already := false
	c, err := m.store.MutateCredential(ctx, id, func(c *domain.Credential) error {
		if !c.Active {
			already = true
			return nil
		}
		c.Active = false
		c.RevokedAt = &now
		c.RevokeReason = reason
		c.Version++
		return nil
	})
	if err != nil {
		m.record(ctx, domain.AuditKeyRevoke, &domain.Credential{ID: id}, false, map[string]any{"reason": reason}, err)
		return domain.StorageError(domain.SubSystemCredential, op, err)
	}
	m.record(ctx, domain.AuditKeyRevoke, c, true, map[string]any{"reason": reason, "already_inactive": already}, nil)
	return nil
}

// RotateExpiring rotates every active, unpinned credential expiring within
// lookahead. A failed item is audited and skipped. Cancellation is checked
// between items; the item in flight always completes.
func (m *Manager) RotateExpiring(ctx context.Context, lookahead time.Duration) (_ []domain.RotationResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "credential.RotateExpiring")
	defer func() { tracer.Finish(span, err) }()

	now := m.now().UTC()
	candidates, err := m.store.ListExpiringCredentials(ctx, now, now.Add(lookahead))
	if err != nil {
		m.audit.Record(ctx, domain.AuditEvent{
			Type: domain.AuditKeyBulkRotate, Category: domain.AuditCategorySecurity,
			Action: "rotate_expiring", Success: false, ErrorMessage: err.Error(),
		})
		return nil, domain.StorageError(domain.SubSystemCredential, "Manager.RotateExpiring", err)
	}

	var (
		results         []domain.RotationResult
		rotated, failed int
		pinned          int
	)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if c.PinRotation {
			pinned++
			continue
		}
		res := domain.RotationResult{CredentialID: c.ID, IdentityID: c.IdentityID, Name: c.Name}
		secret, updated, err := m.rotate(context.WithoutCancel(ctx), c.ID, true, "automatic")
		if err != nil {
			res.Err = err
			failed++
			m.logger.Warn("credential rotation failed", "credential_id", c.ID, "error", err)
		} else {
			res.Secret = secret
			res.Prefix = updated.Prefix
			res.ExpiresAt = updated.ExpiresAt
			rotated++
		}
		results = append(results, res)
	}

	m.audit.Record(ctx, domain.AuditEvent{
		Type:     domain.AuditKeyBulkRotate,
		Category: domain.AuditCategorySecurity,
		Action:   "rotate_expiring",
		Success:  failed == 0,
		Metadata: map[string]any{
			"candidates":     len(candidates),
			"rotated":        rotated,
			"failed":         failed,
			"skipped_pinned": pinned,
			"lookahead":      lookahead.String(),
			"severity":       domain.SeverityLow,
		},
	})
	span.SetAttributes(tracer.IntAttr("credential.rotated", rotated), tracer.IntAttr("credential.failed", failed))
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// List returns the credentials of an identity, newest first.
func (m *Manager) List(ctx context.Context, identityID string, includeInactive bool) ([]domain.Credential, error) {
	list, err := m.store.ListCredentials(ctx, identityID, includeInactive)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemCredential, "Manager.List", err)
	}
	return list, nil
}

// Stats summarises the credentials of an identity.
func (m *Manager) Stats(ctx context.Context, identityID string) (*domain.CredentialStats, error) {
	list, err := m.List(ctx, identityID, true)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	st := &domain.CredentialStats{Total: len(list)}
	for _, c := range list {
		switch {
		case !c.Active:
			st.Revoked++
		case c.Expired(now):
			st.Expired++
		default:
			st.Active++
		}
		st.TotalUsage += c.UsageCount
		if c.LastUsedAt != nil && (st.LastUsedAt == nil || c.LastUsedAt.After(*st.LastUsedAt)) {
			t := *c.LastUsedAt
			st.LastUsedAt = &t
		}
	}
	return st, nil
}

// DeactivateForIdentity revokes every active credential of an identity and
// returns their IDs.
func (m *Manager) DeactivateForIdentity(ctx context.Context, identityID, reason string) ([]string, error) {
	ids, err := m.store.DeactivateCredentials(ctx, identityID, reason, m.now().UTC())
	if err != nil {
		m.audit.Record(ctx, domain.AuditEvent{
			Type: domain.AuditKeyRevoke, Category: domain.AuditCategoryAPI, Action: "deactivate_all",
			IdentityID: identityID, Success: false, ErrorMessage: err.Error(),
		})
		return nil, domain.StorageError(domain.SubSystemCredential, "Manager.DeactivateForIdentity", err)
	}
	m.audit.Record(ctx, domain.AuditEvent{
		Type: domain.AuditKeyRevoke, Category: domain.AuditCategoryAPI, Action: "deactivate_all",
		IdentityID: identityID, Success: true,
		Metadata: map[string]any{"reason": reason, "count": len(ids), "credential_ids": ids},
	})
	return ids, nil
}

func (m *Manager) newSecret() (secret, enc, fp string, err error) {
	secret, err = security.RandomToken(m.cfg.KeyPrefix, secretBytes)
	if err != nil {
		return "", "", "", err
	}
	enc, err = m.cipher.Encrypt(secret)
	if err != nil {
		return "", "", "", err
	}
	return secret, enc, m.cipher.Fingerprint(secret), nil
}

func (m *Manager) record(ctx context.Context, typ domain.AuditEventType, c *domain.Credential, success bool, md map[string]any, cause error) {
	ev := domain.AuditEvent{
		Type:         typ,
		Category:     domain.AuditCategoryAPI,
		Action:       strings.TrimPrefix(string(typ), "api_key_"),
		CredentialID: c.ID,
		IdentityID:   c.IdentityID,
		Success:      success,
		Metadata:     md,
	}
	if cause != nil {
		ev.ErrorMessage = cause.Error()
	}
	m.audit.Record(ctx, ev)
}

// displayPrefix returns the key prefix plus the first few random characters.
func displayPrefix(secret, keyPrefix string) string {
	n := len(keyPrefix) + displayLength
	if n > len(secret) {
		n = len(secret)
	}
	return secret[:n]
}

// normalizeAllowlist validates entries as addresses or CIDR prefixes.
func normalizeAllowlist(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q", e)
			}
			out = append(out, p.Masked().String())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q", e)
		}
		out = append(out, a.String())
	}
	return out, nil
}

// originAllowed reports whether origin passes the allowlist. An empty list
// allows every origin; a non-empty list rejects a missing origin.
func originAllowed(allowlist []string, origin string) bool {
	if len(allowlist) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(origin))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, e := range allowlist {
		if strings.Contains(e, "/") {
			if p, err := netip.ParsePrefix(e); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
