package domain

import (
	"context"
	"time"
)

// Credential is an API key owned by exactly one identity.
type Credential struct {
	ID              string     `json:"id"`
	IdentityID      string     `json:"identity_id"`
	Name            string     `json:"name"`
	Prefix          string     `json:"prefix"`
	EncryptedSecret string     `json:"-"`
	Fingerprint     string     `json:"-"`
	Scopes          []string   `json:"scopes"`
	RateLimit       int        `json:"rate_limit"`
	IPAllowlist     []string   `json:"ip_allowlist,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	Active          bool       `json:"active"`
	UsageCount      int64      `json:"usage_count"`
	Version         int64      `json:"version"`
	PinRotation     bool       `json:"pin_rotation"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	RevokeReason    string     `json:"revoke_reason,omitempty"`
}

// Usable reports whether the credential may authenticate at now.
func (c *Credential) Usable(now time.Time) bool {
	return c.Active && !c.Expired(now)
}

// Expired reports whether the credential is past its expiry at now.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// HasScopes reports whether every required scope is granted.
func (c *Credential) HasScopes(required []string) bool {
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := granted[r]; !ok {
			return false
		}
	}
	return true
}

// RotationResult reports the outcome of rotating one credential.
type RotationResult struct {
	CredentialID string     `json:"credential_id"`
	IdentityID   string     `json:"identity_id"`
	Name         string     `json:"name"`
	Prefix       string     `json:"prefix,omitempty"`
	Secret       string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Err          error      `json:"-"`
}

// CredentialStats summarises the credentials of one identity.
type CredentialStats struct {
	Total      int        `json:"total"`
	Active     int        `json:"active"`
	Expired    int        `json:"expired"`
	Revoked    int        `json:"revoked"`
	TotalUsage int64      `json:"total_usage"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// SecretCipher encrypts stored secrets and derives their lookup fingerprint.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Fingerprint(secret string) string
}

// CredentialStore persists credentials. MutateCredential runs fn inside an
// exclusive transaction; RecordUsage is a compare-and-swap on Version.
// CreateCredential fails with ErrNotFound when the owning identity is
// missing or erased at the moment of the write.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	FindCredentialByFingerprint(ctx context.Context, fingerprint string) (*Credential, error)
	RecordUsage(ctx context.Context, id string, version int64, at time.Time) (bool, error)
	MutateCredential(ctx context.Context, id string, fn func(*Credential) error) (*Credential, error)
	ListCredentials(ctx context.Context, identityID string, includeInactive bool) ([]Credential, error)
	ListExpiringCredentials(ctx context.Context, after, until time.Time) ([]Credential, error)
	DeactivateCredentials(ctx context.Context, identityID, reason string, at time.Time) ([]string, error)
}
