// Package twofactor implements TOTP enrollment, backup codes and emailed
// one-time codes.
package twofactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.opentelemetry.io/otel/trace"

	"trustcore/internal/domain"
	"trustcore/internal/infra/tracer"
	"trustcore/internal/security"
)

const (
	totpPeriod = 30
	totpSkew   = 1
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// errRejected aborts an identity transaction when the presented factor does
// not verify. It never leaves the package.
var errRejected = errors.New("factor rejected")

// Config controls enrollment and email challenges.
type Config struct {
	Issuer           string
	BackupCodeCount  int
	EmailCodeLength  int
	EmailCodeTTL     time.Duration
	EmailMaxAttempts int
	SendTimeout      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:           "TrustCore",
		BackupCodeCount:  10,
		EmailCodeLength:  6,
		EmailCodeTTL:     10 * time.Minute,
		EmailMaxAttempts: 3,
		SendTimeout:      15 * time.Second,
	}
}

// SetupResult is shown to the user once, at the start of enrollment.
type SetupResult struct {
	Secret      string   `json:"secret"`
	QRPayload   string   `json:"qr_payload"`
	BackupCodes []string `json:"backup_codes"`
}

// Status describes the second-factor state of an identity.
type Status struct {
	Enabled              bool `json:"enabled"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
	PendingSetup         bool `json:"pending_setup"`
}

// Engine runs every second-factor workflow.
type Engine struct {
	identities domain.IdentityStore
	store      domain.TwoFactorStore
	cipher     domain.SecretCipher
	mailer     domain.Mailer
	audit      domain.AuditRecorder
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates an Engine. Zero config fields take their defaults.
func NewEngine(identities domain.IdentityStore, store domain.TwoFactorStore, cipher domain.SecretCipher,
	mailer domain.Mailer, audit domain.AuditRecorder, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = def.BackupCodeCount
	}
	if cfg.EmailCodeLength <= 0 {
		cfg.EmailCodeLength = def.EmailCodeLength
	}
	if cfg.EmailCodeTTL <= 0 {
		cfg.EmailCodeTTL = def.EmailCodeTTL
	}
	if cfg.EmailMaxAttempts <= 0 {
		cfg.EmailMaxAttempts = def.EmailMaxAttempts
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Engine{
		identities: identities,
		store:      store,
		cipher:     cipher,
		mailer:     mailer,
		audit:      audit,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// BeginSetup creates (or replaces) a pending enrollment. Two-factor stays
// disabled until ConfirmSetup succeeds.
func (e *Engine) BeginSetup(ctx context.Context, identityID string) (_ *SetupResult, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.BeginSetup", trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	defer func() { tracer.Finish(span, err) }()

	const op = "Engine.BeginSetup"
	ident, err := e.activeIdentity(ctx, op, identityID)
	if err != nil {
		return nil, err
	}
	if ident.TwoFactorEnabled {
		e.record(ctx, identityID, "setup_begin", domain.MethodTOTP, false, "already enabled")
		return nil, domain.NewSubSystemError(domain.SubSystemTwoFactor, op, domain.ErrConflict, "two-factor already enabled")
	}

	account := ident.Email
	if account == "" {
		account = ident.Username
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.cfg.Issuer,
		AccountName: account,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	secretEnc, err := e.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	codes, err := security.BackupCodes(e.cfg.BackupCodeCount)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	enrollment := &domain.TwoFactorEnrollment{
		IdentityID:  identityID,
		SecretEnc:   secretEnc,
		BackupCodes: e.hashCodes(codes),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.PutEnrollment(ctx, enrollment); err != nil {
		e.record(ctx, identityID, "setup_begin", domain.MethodTOTP, false, err.Error())
		return nil, domain.StorageError(domain.SubSystemTwoFactor, op, err)
	}
	e.record(ctx, identityID, "setup_begin", domain.MethodTOTP, true, "")
	return &SetupResult{Secret: key.Secret(), QRPayload: key.URL(), BackupCodes: codes}, nil
}

// ConfirmSetup enables two-factor when token verifies against the pending
// secret. A wrong token leaves the enrollment pending.
func (e *Engine) ConfirmSetup(ctx context.Context, identityID, token string) (_ bool, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.ConfirmSetup", trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	defer func() { tracer.Finish(span, err) }()

	const op = "Engine.ConfirmSetup"
	enrollment, err := e.store.GetEnrollment(ctx, identityID)
	if err != nil {
		e.record(ctx, identityID, "setup_confirm", domain.MethodTOTP, false, "no pending setup")
		return false, domain.StorageError(domain.SubSystemTwoFactor, op, err)
	}
	if !e.validTOTP(enrollment.SecretEnc, token) {
		e.record(ctx, identityID, "setup_confirm", domain.MethodTOTP, false, "invalid token")
		return false, nil
	}
	if _, err := e.store.PromoteEnrollment(ctx, identityID, enrollment.SecretEnc, e.now().UTC()); err != nil {
		e.record(ctx, identityID, "setup_confirm", domain.MethodTOTP, false, err.Error())
		return false, domain.StorageError(domain.SubSystemTwoFactor, op, err)
	}
	e.record(ctx, identityID, "setup_confirm", domain.MethodTOTP, true, "")
	return true, nil
}

// Disable turns two-factor off after verifying a TOTP token or an unused
// backup code. Every secret and code is discarded.
func (e *Engine) Disable(ctx context.Context, identityID, tokenOrBackupCode string) (_ bool, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.Disable", trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	defer func() { tracer.Finish(span, err) }()

	const op = "Engine.Disable"
	var method domain.TwoFactorMethod
	_, err = e.identities.MutateIdentity(ctx, identityID, func(ident *domain.Identity) error {
		if !ident.TwoFactorEnabled {
			return domain.ErrConflict
		}
		if e.validTOTP(ident.TwoFactorSecret, tokenOrBackupCode) {
			method = domain.MethodTOTP
		} else if _, ok := e.matchBackupCode(ident.BackupCodes, tokenOrBackupCode); ok {
			method = domain.MethodBackup
		} else {
			return errRejected
		}
		ident.ClearTwoFactor()
		ident.UpdatedAt = e.now().UTC()
		return nil
	})
	switch {
	case err == nil:
		e.record(ctx, identityID, "disable", method, true, "")
		return true, nil
	case errors.Is(err, errRejected):
		e.record(ctx, identityID, "disable", "", false, "invalid token or backup code")
		return false, nil
	case errors.Is(err, domain.ErrConflict):
		e.record(ctx, identityID, "disable", "", false, "not enabled")
		return false, domain.NewSubSystemError(domain.SubSystemTwoFactor, op, domain.ErrConflict, "two-factor not enabled")
	}
	e.record(ctx, identityID, "disable", "", false, err.Error())
	return false, domain.StorageError(domain.SubSystemAccount, op, err)
}

// ChallengeLogin verifies the second factor of a login. For MethodEmail the
// credential is "<challengeID>:<code>" and the challenge must belong to the
// same identity. A backup code is consumed on success.
func (e *Engine) ChallengeLogin(ctx context.Context, identityID string, method domain.TwoFactorMethod, credential string) (_ bool, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.ChallengeLogin", trace.WithAttributes(
		tracer.StringAttr(tracer.AttrIdentityID, identityID),
		tracer.StringAttr("twofactor.method", string(method)),
	))
	defer func() { tracer.Finish(span, err) }()

	const op = "Engine.ChallengeLogin"
	var ok bool
	switch method {
	case domain.MethodTOTP:
		ident, err := e.activeIdentity(ctx, op, identityID)
		if err != nil {
			return false, err
		}
		ok = ident.TwoFactorEnabled && e.validTOTP(ident.TwoFactorSecret, credential)
	case domain.MethodBackup:
		ok, err = e.consumeBackupCode(ctx, identityID, credential)
		if err != nil {
			return false, domain.StorageError(domain.SubSystemAccount, op, err)
		}
	case domain.MethodEmail:
		challengeID, code, found := strings.Cut(credential, ":")
		if !found {
			e.record(ctx, identityID, "login", method, false, "malformed email credential")
			return false, nil
		}
		return e.verifyChallenge(ctx, challengeID, code, identityID)
	default:
		return false, domain.NewSubSystemError(domain.SubSystemTwoFactor, op, domain.ErrValidation,
			fmt.Sprintf("unknown method %q", method))
	}

	detail := ""
	if !ok {
		detail = "invalid " + string(method)
	}
	e.record(ctx, identityID, "login", method, ok, detail)
	return ok, nil
}

// IssueEmailChallenge mails a numeric code to the identity and returns the
// opaque challenge ID. The challenge expires on its own clock regardless of
// delivery; a failed send removes it.
func (e *Engine) IssueEmailChallenge(ctx context.Context, identityID string) (_ string, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.IssueEmailChallenge", trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	defer func() { tracer.Finish(span, err) }()

	const op = "Engine.IssueEmailChallenge"
	ident, err := e.activeIdentity(ctx, op, identityID)
	if err != nil {
		return "", err
	}
	if ident.Email == "" {
		return "", domain.NewSubSystemError(domain.SubSystemTwoFactor, op, domain.ErrValidation, "identity has no email address")
	}

	code, err := security.NumericCode(e.cfg.EmailCodeLength)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	now := e.now().UTC()
	c := &domain.EmailChallenge{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		ExpiresAt:  now.Add(e.cfg.EmailCodeTTL),
		CreatedAt:  now,
	}
	c.CodeHash = e.challengeHash(c.ID, code)
	if err := e.store.CreateChallenge(ctx, c); err != nil {
		e.recordEmail(ctx, identityID, c.ID, "issue", false, err.Error())
		return "", domain.StorageError(domain.SubSystemTwoFactor, op, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	body := fmt.Sprintf("Your verification code is %s.\n\nIt expires in %d minutes. If you did not request it, ignore this message.\n",
		code, int(e.cfg.EmailCodeTTL.Minutes()))
	if err := e.mailer.Send(sendCtx, ident.Email, "Your verification code", body); err != nil {
		if derr := e.store.DeleteChallenge(context.WithoutCancel(ctx), c.ID); derr != nil {
			e.logger.Warn("failed to remove undelivered challenge", "challenge_id", c.ID, "error", derr)
		}
		e.recordEmail(ctx, identityID, c.ID, "issue", false, err.Error())
		sentinel := domain.ErrUpstream
		if errors.Is(err, domain.ErrLimitReached) {
			sentinel = domain.ErrLimitReached
		}
		return "", domain.NewSubSystemError(domain.SubSystemTwoFactor, op, sentinel, err.Error())
	}
	e.recordEmail(ctx, identityID, c.ID, "issue", true, "")
	return c.ID, nil
}

// VerifyEmailChallenge checks code against an issued challenge. Unknown,
// expired and exhausted challenges fail; expired and exhausted ones are
// removed. A match consumes the challenge and a mismatch counts an attempt.
func (e *Engine) VerifyEmailChallenge(ctx context.Context, challengeID, code string) (_ bool, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.VerifyEmailChallenge")
	defer func() { tracer.Finish(span, err) }()
	return e.verifyChallenge(ctx, challengeID, code, "")
}

func (e *Engine) verifyChallenge(ctx context.Context, challengeID, code, identityID string) (bool, error) {
	const op = "Engine.VerifyEmailChallenge"
	now := e.now().UTC()
	var outcome string
	_, c, err := e.store.ResolveChallenge(ctx, challengeID, func(c *domain.EmailChallenge) domain.ChallengeAction {
		switch {
		case identityID != "" && c.IdentityID != identityID:
			outcome = "identity_mismatch"
			return domain.ChallengeKeep
		case !now.Before(c.ExpiresAt):
			outcome = "expired"
			return domain.ChallengeDelete
		case c.Attempts >= e.cfg.EmailMaxAttempts:
			outcome = "attempts_exhausted"
			return domain.ChallengeDelete
		case security.Equal(c.CodeHash, e.challengeHash(c.ID, code)):
			outcome = "success"
			return domain.ChallengeDelete
		default:
			outcome = "mismatch"
			return domain.ChallengeCountAttempt
		}
	})
	if errors.Is(err, domain.ErrNotFound) {
		e.recordEmail(ctx, identityID, challengeID, "verify", false, "unknown challenge")
		return false, nil
	}
	if err != nil {
		return false, domain.StorageError(domain.SubSystemTwoFactor, op, err)
	}

	owner := identityID
	if owner == "" {
		owner = c.IdentityID
	}
	ok := outcome == "success"
	detail := ""
	if !ok {
		detail = outcome
	}
	e.recordEmail(ctx, owner, challengeID, "verify", ok, detail)
	return ok, nil
}

// RegenerateBackupCodes replaces every backup code after verifying a TOTP
// token. The new plaintext codes are returned once.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, token string) (_ []string, err error) {
	ctx, span := tracer.StartSpan(ctx, "twofactor.RegenerateBackupCodes", trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	defer func() { tracer.Finish(span, err) }()

	const op = "Engine.RegenerateBackupCodes"
	codes, err := security.BackupCodes(e.cfg.BackupCodeCount)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	hashes := e.hashCodes(codes)
	_, err = e.identities.MutateIdentity(ctx, identityID, func(ident *domain.Identity) error {
		if !ident.TwoFactorEnabled {
			return domain.ErrConflict
		}
		if !e.validTOTP(ident.TwoFactorSecret, token) {
			return errRejected
		}
		ident.BackupCodes = hashes
		ident.UpdatedAt = e.now().UTC()
		return nil
	})
	switch {
	case err == nil:
		e.record(ctx, identityID, "backup_regenerate", domain.MethodTOTP, true, "")
		return codes, nil
	case errors.Is(err, errRejected):
		e.record(ctx, identityID, "backup_regenerate", domain.MethodTOTP, false, "invalid token")
		return nil, domain.NewSubSystemError(domain.SubSystemTwoFactor, op, domain.ErrUnauthorized, "invalid token")
	case errors.Is(err, domain.ErrConflict):
		return nil, domain.NewSubSystemError(domain.SubSystemTwoFactor, op, domain.ErrConflict, "two-factor not enabled")
	}
	return nil, domain.StorageError(domain.SubSystemAccount, op, err)
}

// Status reports whether two-factor is enabled and how many backup codes
// remain.
func (e *Engine) Status(ctx context.Context, identityID string) (*Status, error) {
	const op = "Engine.Status"
	ident, err := e.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	st := &Status{Enabled: ident.TwoFactorEnabled, BackupCodesRemaining: len(ident.BackupCodes)}
	_, err = e.store.GetEnrollment(ctx, identityID)
	switch {
	case err == nil:
		st.PendingSetup = true
	case !errors.Is(err, domain.ErrNotFound):
		return nil, domain.StorageError(domain.SubSystemTwoFactor, op, err)
	}
	return st, nil
}

func (e *Engine) consumeBackupCode(ctx context.Context, identityID, code string) (bool, error) {
	_, err := e.identities.MutateIdentity(ctx, identityID, func(ident *domain.Identity) error {
		if !ident.TwoFactorEnabled {
			return errRejected
		}
		idx, ok := e.matchBackupCode(ident.BackupCodes, code)
		if !ok {
			return errRejected
		}
		ident.BackupCodes = append(ident.BackupCodes[:idx:idx], ident.BackupCodes[idx+1:]...)
		ident.UpdatedAt = e.now().UTC()
		return nil
	})
	if errors.Is(err, errRejected) || errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) matchBackupCode(hashes []string, code string) (int, bool) {
	code = security.NormalizeBackupCode(code)
	if code == "" {
		return -1, false
	}
	want := e.cipher.Fingerprint(code)
	for i, h := range hashes {
		if security.Equal(h, want) {
			return i, true
		}
	}
	return -1, false
}

func (e *Engine) hashCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = e.cipher.Fingerprint(security.NormalizeBackupCode(c))
	}
	return out
}

func (e *Engine) challengeHash(challengeID, code string) string {
	return e.cipher.Fingerprint(challengeID + ":" + strings.TrimSpace(code))
}

func (e *Engine) validTOTP(secretEnc, token string) bool {
	token = strings.TrimSpace(token)
	if secretEnc == "" || len(token) != int(otp.DigitsSix) {
		return false
	}
	secret, err := e.cipher.Decrypt(secretEnc)
	if err != nil {
		e.logger.Error("two-factor secret decrypt failed", "error", err)
		return false
	}
	ok, err := totp.ValidateCustom(token, secret, e.now().UTC(), totpOpts)
	return err == nil && ok
}

func (e *Engine) activeIdentity(ctx context.Context, op, identityID string) (*domain.Identity, error) {
	ident, err := e.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	if ident.IsErased() {
		return nil, domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrNotFound, "identity erased")
	}
	return ident, nil
}

func (e *Engine) record(ctx context.Context, identityID, action string, method domain.TwoFactorMethod, success bool, detail string) {
	category := domain.AuditCategorySecurity
	if action == "login" {
		category = domain.AuditCategoryAuth
	}
	md := map[string]any{"method": string(method)}
	if category == domain.AuditCategorySecurity {
		severity := domain.SeverityLow
		if !success {
			severity = domain.SeverityMedium
		}
		md["severity"] = severity
	}
	e.audit.Record(ctx, domain.AuditEvent{
		Type:         domain.AuditTwoFactor,
		Category:     category,
		Action:       action,
		IdentityID:   identityID,
		Success:      success,
		Metadata:     md,
		ErrorMessage: detail,
	})
}

func (e *Engine) recordEmail(ctx context.Context, identityID, challengeID, action string, success bool, detail string) {
	e.audit.Record(ctx, domain.AuditEvent{
		Type:         domain.AuditEmailChallenge,
		Category:     domain.AuditCategoryAuth,
		Action:       action,
		IdentityID:   identityID,
		Resource:     challengeID,
		Success:      success,
		Metadata:     map[string]any{"method": string(domain.MethodEmail)},
		ErrorMessage: detail,
	})
}
