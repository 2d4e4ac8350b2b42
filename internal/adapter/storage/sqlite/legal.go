package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trustcore/internal/domain"
)

const legalColumns = `id, change_type, title, description, jurisdiction, regulation, compliance_deadline,
	implementation_status, implementation_date, impact_assessment, users_notified, notification_date,
	notification_method, created_by, version, previous_version_id, created_at, updated_at`

// AppendLegalChange links r to the latest record of its change type and
// assigns the version returned by next, all under the write lock.
func (s *Store) AppendLegalChange(ctx context.Context, r *domain.LegalChangeRecord, next func(prev *domain.LegalChangeRecord) string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := scanLegalChange(tx.QueryRowContext(ctx,
			`SELECT `+legalColumns+` FROM legal_changes WHERE change_type = ?
			ORDER BY created_at DESC, id DESC LIMIT 1`,
			r.ChangeType,
		))
		switch {
		case errors.Is(err, domain.ErrNotFound):
			prev = nil
		case err != nil:
			return err
		}
		r.Version = next(prev)
		r.PreviousVersionID = ""
		if prev != nil {
			r.PreviousVersionID = prev.ID
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO legal_changes (`+legalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			legalArgs(r)...,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("legal change %s v%s: %w", r.ChangeType, r.Version, domain.ErrConflict)
			}
			return fmt.Errorf("insert legal change: %w", err)
		}
		return nil
	})
}

func (s *Store) GetLegalChange(ctx context.Context, id string) (*domain.LegalChangeRecord, error) {
	return scanLegalChange(s.read.QueryRowContext(ctx,
		`SELECT `+legalColumns+` FROM legal_changes WHERE id = ?`, id))
}

// ListLegalChanges returns the ledger newest first, optionally for one
// change type.
func (s *Store) ListLegalChanges(ctx context.Context, changeType string) ([]domain.LegalChangeRecord, error) {
	q := `SELECT ` + legalColumns + ` FROM legal_changes`
	var args []any
	if changeType != "" {
		q += ` WHERE change_type = ?`
		args = append(args, changeType)
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query legal changes: %w", err)
	}
	defer rows.Close()

	var out []domain.LegalChangeRecord
	for rows.Next() {
		r, err := scanLegalChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MutateLegalChange updates the mutable tracking fields of a record. The
// version chain columns are left untouched.
func (s *Store) MutateLegalChange(ctx context.Context, id string, fn func(*domain.LegalChangeRecord) error) (*domain.LegalChangeRecord, error) {
	var out *domain.LegalChangeRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanLegalChange(tx.QueryRowContext(ctx,
			`SELECT `+legalColumns+` FROM legal_changes WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE legal_changes SET title = ?, description = ?, compliance_deadline = ?,
				implementation_status = ?, implementation_date = ?, impact_assessment = ?,
				users_notified = ?, notification_date = ?, notification_method = ?, updated_at = ?
			WHERE id = ?`,
			r.Title, r.Description, nullTime(r.ComplianceDeadline), string(r.ImplementationStatus),
			nullTime(r.ImplementationDate), r.ImpactAssessment, boolInt(r.UsersNotified),
			nullTime(r.NotificationDate), r.NotificationMethod, fmtTime(r.UpdatedAt), id,
		)
		if err != nil {
			return fmt.Errorf("update legal change: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func legalArgs(r *domain.LegalChangeRecord) []any {
	return []any{
		r.ID, r.ChangeType, r.Title, r.Description, r.Jurisdiction, r.Regulation,
		nullTime(r.ComplianceDeadline), string(r.ImplementationStatus), nullTime(r.ImplementationDate),
		r.ImpactAssessment, boolInt(r.UsersNotified), nullTime(r.NotificationDate), r.NotificationMethod,
		r.CreatedBy, r.Version, nullString(r.PreviousVersionID), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	}
}

func scanLegalChange(row scanner) (*domain.LegalChangeRecord, error) {
	var (
		r                              domain.LegalChangeRecord
		status, created, updated       string
		notified                       int
		deadline, implemented, noticed sql.NullString
		prev                           sql.NullString
	)
	err := row.Scan(&r.ID, &r.ChangeType, &r.Title, &r.Description, &r.Jurisdiction, &r.Regulation,
		&deadline, &status, &implemented, &r.ImpactAssessment, &notified, &noticed,
		&r.NotificationMethod, &r.CreatedBy, &r.Version, &prev, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan legal change: %w", err)
	}
	r.ImplementationStatus = domain.ImplementationStatus(status)
	r.UsersNotified = notified == 1
	r.PreviousVersionID = prev.String
	if r.ComplianceDeadline, err = parseNullTime(deadline); err != nil {
		return nil, err
	}
	if r.ImplementationDate, err = parseNullTime(implemented); err != nil {
		return nil, err
	}
	if r.NotificationDate, err = parseNullTime(noticed); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}
