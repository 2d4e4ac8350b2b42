package domain

import (
	"context"
	"time"
)

// TwoFactorMethod names the second factor presented at login.
type TwoFactorMethod string

const (
	MethodTOTP   TwoFactorMethod = "totp"
	MethodBackup TwoFactorMethod = "backup"
	MethodEmail  TwoFactorMethod = "email"
)

// TwoFactorEnrollment holds a pending setup until the first TOTP token
// confirms it.
type TwoFactorEnrollment struct {
	IdentityID  string
	SecretEnc   string
	BackupCodes []string // keyed hashes
	CreatedAt   time.Time
}

// EmailChallenge is a short-lived numeric code bound to one identity.
type EmailChallenge struct {
	ID         string
	IdentityID string
	CodeHash   string
	Attempts   int
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// ChallengeAction tells the store what to do with a challenge after it has
// been inspected inside a transaction.
type ChallengeAction int

const (
	ChallengeKeep ChallengeAction = iota
	ChallengeDelete
	ChallengeCountAttempt
)

// TwoFactorStore persists pending enrollments and email challenges. Writes
// for an identity that is missing or erased fail with ErrNotFound.
type TwoFactorStore interface {
	PutEnrollment(ctx context.Context, e *TwoFactorEnrollment) error
	GetEnrollment(ctx context.Context, identityID string) (*TwoFactorEnrollment, error)
	// PromoteEnrollment moves a pending enrollment onto the identity. It fails
	// with ErrConflict when the pending secret no longer matches secretEnc.
	PromoteEnrollment(ctx context.Context, identityID, secretEnc string, at time.Time) (*Identity, error)

	CreateChallenge(ctx context.Context, c *EmailChallenge) error
	DeleteChallenge(ctx context.Context, id string) error
	// ResolveChallenge loads the challenge inside an exclusive transaction,
	// applies the action returned by decide and reports it.
	ResolveChallenge(ctx context.Context, id string, decide func(*EmailChallenge) ChallengeAction) (ChallengeAction, *EmailChallenge, error)
}
