package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustcore/internal/domain"
)

const credentialColumns = `id, identity_id, name, prefix, encrypted_secret, fingerprint, scopes, rate_limit,
	ip_allowlist, created_at, expires_at, last_used_at, active, usage_count, version, pin_rotation,
	revoked_at, revoke_reason`

func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? `+liveIdentity,
		append(credentialArgs(c), c.IdentityID)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential %s: %w", c.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return requireOwner(res, c.IdentityID)
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	return getCredential(ctx, s.read, id)
}

func (s *Store) FindCredentialByFingerprint(ctx context.Context, fingerprint string) (*domain.Credential, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE fingerprint = ?`, fingerprint)
	return scanCredential(row)
}

// RecordUsage bumps the usage counter only if the credential is still active
// at the version the caller verified against.
func (s *Store) RecordUsage(ctx context.Context, id string, version int64, at time.Time) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE credentials SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ? AND version = ? AND active = 1`,
		fmtTime(at), id, version,
	)
	if err != nil {
		return false, fmt.Errorf("record usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) MutateCredential(ctx context.Context, id string, fn func(*domain.Credential) error) (*domain.Credential, error) {
	var out *domain.Credential
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getCredential(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := updateCredential(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListCredentials(ctx context.Context, identityID string, includeInactive bool) ([]domain.Credential, error) {
	q := `SELECT ` + credentialColumns + ` FROM credentials WHERE identity_id = ?`
	if !includeInactive {
		q += ` AND active = 1`
	}
	q += ` ORDER BY created_at DESC, id DESC`
	return s.queryCredentials(ctx, q, identityID)
}

// ListExpiringCredentials returns active credentials whose expiry falls in
// the half-open window (after, until].
func (s *Store) ListExpiringCredentials(ctx context.Context, after, until time.Time) ([]domain.Credential, error) {
	return s.queryCredentials(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		WHERE active = 1 AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at, id`,
		fmtTime(after), fmtTime(until),
	)
}

// DeactivateCredentials revokes every active credential of an identity and
// returns the affected IDs.
func (s *Store) DeactivateCredentials(ctx context.Context, identityID, reason string, at time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = deactivateCredentials(ctx, tx, identityID, reason, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func deactivateCredentials(ctx context.Context, tx *sql.Tx, identityID, reason string, at time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM credentials WHERE identity_id = ? AND active = 1 ORDER BY id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query active credentials: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan credential id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE credentials SET active = 0, revoked_at = ?, revoke_reason = ?, version = version + 1
		WHERE identity_id = ? AND active = 1`,
		fmtTime(at), reason, identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("deactivate credentials: %w", err)
	}
	return ids, nil
}

func (s *Store) queryCredentials(ctx context.Context, q string, args ...any) ([]domain.Credential, error) {
	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func getCredential(ctx context.Context, q rowQuerier, id string) (*domain.Credential, error) {
	row := q.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func updateCredential(ctx context.Context, tx *sql.Tx, c *domain.Credential) error {
	args := append(credentialArgs(c)[1:], c.ID)
	res, err := tx.ExecContext(ctx,
		`UPDATE credentials SET identity_id = ?, name = ?, prefix = ?, encrypted_secret = ?, fingerprint = ?,
			scopes = ?, rate_limit = ?, ip_allowlist = ?, created_at = ?, expires_at = ?, last_used_at = ?,
			active = ?, usage_count = ?, version = ?, pin_rotation = ?, revoked_at = ?, revoke_reason = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential %s: %w", c.ID, domain.ErrConflict)
		}
		return fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("credential %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

func credentialArgs(c *domain.Credential) []any {
	return []any{
		c.ID, c.IdentityID, c.Name, c.Prefix, c.EncryptedSecret, c.Fingerprint,
		encodeStrings(c.Scopes), c.RateLimit, encodeStrings(c.IPAllowlist), fmtTime(c.CreatedAt),
		nullTime(c.ExpiresAt), nullTime(c.LastUsedAt), boolInt(c.Active), c.UsageCount, c.Version,
		boolInt(c.PinRotation), nullTime(c.RevokedAt), c.RevokeReason,
	}
}

func scanCredential(row scanner) (*domain.Credential, error) {
	var (
		c                          domain.Credential
		scopes, allow, created     string
		active, pinned             int
		expires, lastUsed, revoked sql.NullString
	)
	err := row.Scan(&c.ID, &c.IdentityID, &c.Name, &c.Prefix, &c.EncryptedSecret, &c.Fingerprint,
		&scopes, &c.RateLimit, &allow, &created, &expires, &lastUsed, &active, &c.UsageCount,
		&c.Version, &pinned, &revoked, &c.RevokeReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	c.Active = active == 1
	c.PinRotation = pinned == 1
	if c.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if c.IPAllowlist, err = decodeStrings(allow); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, err
	}
	if c.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, err
	}
	if c.RevokedAt, err = parseNullTime(revoked); err != nil {
		return nil, err
	}
	return &c, nil
}
