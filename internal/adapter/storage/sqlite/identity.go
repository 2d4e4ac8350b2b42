package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustcore/internal/domain"
)

const identityColumns = `id, username, email, password_hash, two_factor_enabled, two_factor_secret,
	backup_codes, failed_login_attempts, locked_until, last_login_at, consent_given, consent_at,
	retention_until, erased_at, created_at, updated_at`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) CreateIdentity(ctx context.Context, id *domain.Identity) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO identities (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identityArgs(id)...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("identity %s: %w", id.Username, domain.ErrConflict)
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	return getIdentity(ctx, s.read, id)
}

// GetIdentityByHandle looks an identity up by username or email.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (*domain.Identity, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE username = ? OR email = ? LIMIT 1`,
		handle, handle,
	)
	return scanIdentity(row)
}

func (s *Store) MutateIdentity(ctx context.Context, id string, fn func(*domain.Identity) error) (*domain.Identity, error) {
	var out *domain.Identity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ident, err := getIdentity(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(ident); err != nil {
			return err
		}
		if err := updateIdentity(ctx, tx, ident); err != nil {
			return err
		}
		out = ident
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AnonymizeIdentity replaces personal fields with placeholders and removes
// every second-factor artefact in one transaction. An already erased
// identity is returned unchanged.
func (s *Store) AnonymizeIdentity(ctx context.Context, id string, a domain.Anonymization) (*domain.Identity, error) {
	var out *domain.Identity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = anonymizeIdentity(ctx, tx, id, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EraseIdentity anonymizes the identity and deactivates its active
// credentials in the same transaction, so no reader ever sees an erased
// identity with a live credential.
func (s *Store) EraseIdentity(ctx context.Context, id string, a domain.Anonymization) (*domain.Identity, []string, error) {
	var (
		out *domain.Identity
		ids []string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if out, err = anonymizeIdentity(ctx, tx, id, a); err != nil {
			return err
		}
		ids, err = deactivateCredentials(ctx, tx, id, a.RevokeReason, a.At.UTC())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, ids, nil
}

func anonymizeIdentity(ctx context.Context, tx *sql.Tx, id string, a domain.Anonymization) (*domain.Identity, error) {
	ident, err := getIdentity(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if ident.IsErased() {
		return ident, nil
	}
	at := a.At.UTC()
	ident.Username = a.Username
	ident.Email = a.Email
	ident.PasswordHash = ""
	ident.ClearTwoFactor()
	ident.FailedLoginAttempts = 0
	ident.LockedUntil = nil
	ident.ConsentGiven = false
	ident.ConsentAt = nil
	ident.RetentionUntil = nil
	ident.ErasedAt = &at
	ident.UpdatedAt = at
	if err := updateIdentity(ctx, tx, ident); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_enrollments WHERE identity_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete enrollment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM email_challenges WHERE identity_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete challenges: %w", err)
	}
	return ident, nil
}

// ListErasureDue returns identities without consent whose retention window
// ended at or before now and which are not yet erased.
func (s *Store) ListErasureDue(ctx context.Context, now time.Time) ([]domain.Identity, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities
		WHERE erased_at IS NULL AND consent_given = 0
		  AND retention_until IS NOT NULL AND retention_until <= ?
		ORDER BY retention_until`,
		fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("query erasure due: %w", err)
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ident)
	}
	return out, rows.Err()
}

func getIdentity(ctx context.Context, q rowQuerier, id string) (*domain.Identity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

func updateIdentity(ctx context.Context, tx *sql.Tx, ident *domain.Identity) error {
	args := identityArgs(ident)
	// Move id from the front to the WHERE clause.
	args = append(args[1:], ident.ID)
	res, err := tx.ExecContext(ctx,
		`UPDATE identities SET username = ?, email = ?, password_hash = ?, two_factor_enabled = ?,
			two_factor_secret = ?, backup_codes = ?, failed_login_attempts = ?, locked_until = ?,
			last_login_at = ?, consent_given = ?, consent_at = ?, retention_until = ?, erased_at = ?,
			created_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("identity %s: %w", ident.ID, domain.ErrConflict)
		}
		return fmt.Errorf("update identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", ident.ID, domain.ErrNotFound)
	}
	return nil
}

func identityArgs(i *domain.Identity) []any {
	return []any{
		i.ID, i.Username, i.Email, i.PasswordHash, boolInt(i.TwoFactorEnabled), i.TwoFactorSecret,
		encodeStrings(i.BackupCodes), i.FailedLoginAttempts, nullTime(i.LockedUntil), nullTime(i.LastLoginAt),
		boolInt(i.ConsentGiven), nullTime(i.ConsentAt), nullTime(i.RetentionUntil), nullTime(i.ErasedAt),
		fmtTime(i.CreatedAt), fmtTime(i.UpdatedAt),
	}
}

func scanIdentity(row scanner) (*domain.Identity, error) {
	var (
		i                        domain.Identity
		twoFactor, consent       int
		backup, created, updated string
	)
	var lockedUntil, lastLogin, consentAt, retain, gone sql.NullString
	err := row.Scan(&i.ID, &i.Username, &i.Email, &i.PasswordHash, &twoFactor, &i.TwoFactorSecret,
		&backup, &i.FailedLoginAttempts, &lockedUntil, &lastLogin, &consent, &consentAt,
		&retain, &gone, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	i.TwoFactorEnabled = twoFactor == 1
	i.ConsentGiven = consent == 1
	if i.BackupCodes, err = decodeStrings(backup); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&i.LockedUntil, lockedUntil},
		{&i.LastLoginAt, lastLogin},
		{&i.ConsentAt, consentAt},
		{&i.RetentionUntil, retain},
		{&i.ErasedAt, gone},
	} {
		if *f.dst, err = parseNullTime(f.src); err != nil {
			return nil, err
		}
	}
	if i.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if i.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &i, nil
}
