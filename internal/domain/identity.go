package domain

import (
	"context"
	"time"
)

// Identity is a registered principal. Rows are never deleted; erasure
// anonymizes them in place so audit references stay valid.
type Identity struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	TwoFactorEnabled    bool
	TwoFactorSecret     string   // encrypted; empty unless TwoFactorEnabled
	BackupCodes         []string // keyed hashes; empty unless TwoFactorEnabled
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	ConsentGiven        bool
	ConsentAt           *time.Time
	RetentionUntil      *time.Time
	ErasedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsLocked reports whether the account is locked at now.
func (i *Identity) IsLocked(now time.Time) bool {
	return i.LockedUntil != nil && now.Before(*i.LockedUntil)
}

// IsErased reports whether the identity has been anonymized.
func (i *Identity) IsErased() bool {
	return i.ErasedAt != nil
}

// ClearTwoFactor drops every second-factor secret and disables 2FA.
func (i *Identity) ClearTwoFactor() {
	i.TwoFactorEnabled = false
	i.TwoFactorSecret = ""
	i.BackupCodes = nil
}

// Anonymization describes the placeholder values written by an erasure.
// RevokeReason is stored on every credential EraseIdentity deactivates.
type Anonymization struct {
	Username     string
	Email        string
	RevokeReason string
	At           time.Time
}

// IdentityStore persists identities. MutateIdentity runs fn inside an
// exclusive transaction and writes the result back; an error from fn aborts
// the transaction.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, id *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByHandle(ctx context.Context, handle string) (*Identity, error)
	MutateIdentity(ctx context.Context, id string, fn func(*Identity) error) (*Identity, error)
	AnonymizeIdentity(ctx context.Context, id string, a Anonymization) (*Identity, error)
	// EraseIdentity deactivates every active credential of the identity and
	// anonymizes it in a single transaction, returning the deactivated
	// credential IDs.
	EraseIdentity(ctx context.Context, id string, a Anonymization) (*Identity, []string, error)
	ListErasureDue(ctx context.Context, now time.Time) ([]Identity, error)
}
