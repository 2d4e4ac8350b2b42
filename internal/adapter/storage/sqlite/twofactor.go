package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustcore/internal/domain"
)

// PutEnrollment stores a pending enrollment, replacing any earlier one for
// the same identity.
func (s *Store) PutEnrollment(ctx context.Context, e *domain.TwoFactorEnrollment) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO two_factor_enrollments (identity_id, secret_enc, backup_codes, created_at)
		SELECT ?, ?, ?, ? `+liveIdentity+`
		ON CONFLICT (identity_id) DO UPDATE SET
			secret_enc = excluded.secret_enc,
			backup_codes = excluded.backup_codes,
			created_at = excluded.created_at`,
		e.IdentityID, e.SecretEnc, encodeStrings(e.BackupCodes), fmtTime(e.CreatedAt), e.IdentityID,
	)
	if err != nil {
		return fmt.Errorf("put enrollment: %w", err)
	}
	return requireOwner(res, e.IdentityID)
}

func (s *Store) GetEnrollment(ctx context.Context, identityID string) (*domain.TwoFactorEnrollment, error) {
	return getEnrollment(ctx, s.read, identityID)
}

func (s *Store) PromoteEnrollment(ctx context.Context, identityID, secretEnc string, at time.Time) (*domain.Identity, error) {
	var out *domain.Identity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		e, err := getEnrollment(ctx, tx, identityID)
		if err != nil {
			return err
		}
		if e.SecretEnc != secretEnc {
			return fmt.Errorf("enrollment for %s replaced: %w", identityID, domain.ErrConflict)
		}
		ident, err := getIdentity(ctx, tx, identityID)
		if err != nil {
			return err
		}
		if ident.IsErased() {
			return fmt.Errorf("identity %s erased: %w", identityID, domain.ErrNotFound)
		}
		ident.TwoFactorEnabled = true
		ident.TwoFactorSecret = e.SecretEnc
		ident.BackupCodes = e.BackupCodes
		ident.UpdatedAt = at.UTC()
		if err := updateIdentity(ctx, tx, ident); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM two_factor_enrollments WHERE identity_id = ?`, identityID); err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}
		out = ident
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateChallenge(ctx context.Context, c *domain.EmailChallenge) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO email_challenges (id, identity_id, code_hash, attempts, expires_at, created_at)
		SELECT ?, ?, ?, ?, ?, ? `+liveIdentity,
		c.ID, c.IdentityID, c.CodeHash, c.Attempts, fmtTime(c.ExpiresAt), fmtTime(c.CreatedAt), c.IdentityID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("challenge %s: %w", c.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert challenge: %w", err)
	}
	return requireOwner(res, c.IdentityID)
}

func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	if _, err := s.write.ExecContext(ctx, `DELETE FROM email_challenges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

func (s *Store) ResolveChallenge(ctx context.Context, id string, decide func(*domain.EmailChallenge) domain.ChallengeAction) (domain.ChallengeAction, *domain.EmailChallenge, error) {
	var (
		action domain.ChallengeAction
		out    *domain.EmailChallenge
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanChallenge(tx.QueryRowContext(ctx,
			`SELECT id, identity_id, code_hash, attempts, expires_at, created_at
			FROM email_challenges WHERE id = ?`, id))
		if err != nil {
			return err
		}
		action = decide(c)
		switch action {
		case domain.ChallengeDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM email_challenges WHERE id = ?`, id)
		case domain.ChallengeCountAttempt:
			c.Attempts++
			_, err = tx.ExecContext(ctx, `UPDATE email_challenges SET attempts = ? WHERE id = ?`, c.Attempts, id)
		}
		if err != nil {
			return fmt.Errorf("resolve challenge: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return domain.ChallengeKeep, nil, err
	}
	return action, out, nil
}

func getEnrollment(ctx context.Context, q rowQuerier, identityID string) (*domain.TwoFactorEnrollment, error) {
	var (
		e                domain.TwoFactorEnrollment
		codes, createdAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT identity_id, secret_enc, backup_codes, created_at FROM two_factor_enrollments WHERE identity_id = ?`,
		identityID,
	).Scan(&e.IdentityID, &e.SecretEnc, &codes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan enrollment: %w", err)
	}
	if e.BackupCodes, err = decodeStrings(codes); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanChallenge(row scanner) (*domain.EmailChallenge, error) {
	var (
		c                  domain.EmailChallenge
		expires, createdAt string
	)
	err := row.Scan(&c.ID, &c.IdentityID, &c.CodeHash, &c.Attempts, &expires, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan challenge: %w", err)
	}
	if c.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}
