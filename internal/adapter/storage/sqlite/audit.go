package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trustcore/internal/domain"
)

const auditColumns = `id, event_type, category, action, identity_id, credential_id, success, ip_address,
	user_agent, session_id, resource, metadata, error_message, created_at, retention_until`

func (s *Store) InsertAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	meta := "{}"
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = encodeJSON(e.Metadata); err != nil {
			return fmt.Errorf("audit metadata: %w", err)
		}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Category), e.Action, nullString(e.IdentityID), nullString(e.CredentialID),
		boolInt(e.Success), e.IPAddress, e.UserAgent, e.SessionID, e.Resource, meta, e.ErrorMessage,
		fmtTime(e.CreatedAt), fmtTime(e.RetentionUntil),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("audit event %s: %w", e.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// SearchAuditEvents returns one page of matching events, newest first, and
// the total number of matches.
func (s *Store) SearchAuditEvents(ctx context.Context, f domain.AuditFilter, limit, offset int) ([]domain.AuditEvent, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	pageArgs := append(append([]any{}, args...), limit, offset)
	events, err := s.queryAudit(ctx,
		`SELECT `+auditColumns+` FROM audit_events`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// AuditEventsBetween returns events created in [start, end], oldest first,
// optionally limited to categories.
func (s *Store) AuditEventsBetween(ctx context.Context, start, end time.Time, categories []domain.AuditCategory) ([]domain.AuditEvent, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_events WHERE created_at >= ? AND created_at <= ?`
	args := []any{fmtTime(start), fmtTime(end)}
	if len(categories) > 0 {
		q += ` AND category IN (?` + strings.Repeat(", ?", len(categories)-1) + `)`
		for _, c := range categories {
			args = append(args, string(c))
		}
	}
	q += ` ORDER BY created_at, id`
	return s.queryAudit(ctx, q, args...)
}

// DeleteAuditEventsBefore removes events whose retention ended strictly
// before cutoff.
func (s *Store) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM audit_events WHERE retention_until < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func auditWhere(f domain.AuditFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.IdentityID != "" {
		add("identity_id = ?", f.IdentityID)
	}
	if f.CredentialID != "" {
		add("credential_id = ?", f.CredentialID)
	}
	if f.Category != "" {
		add("category = ?", string(f.Category))
	}
	if f.Type != "" {
		add("event_type = ?", string(f.Type))
	}
	if f.Success != nil {
		add("success = ?", boolInt(*f.Success))
	}
	if f.IPAddress != "" {
		add("ip_address = ?", f.IPAddress)
	}
	if !f.Start.IsZero() {
		add("created_at >= ?", fmtTime(f.Start))
	}
	if !f.End.IsZero() {
		add("created_at <= ?", fmtTime(f.End))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) queryAudit(ctx context.Context, q string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := s.read.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEvent(row scanner) (domain.AuditEvent, error) {
	var (
		e                    domain.AuditEvent
		typ, cat, meta       string
		identity, credential sql.NullString
		success              int
		created, retain      string
	)
	err := row.Scan(&e.ID, &typ, &cat, &e.Action, &identity, &credential, &success, &e.IPAddress,
		&e.UserAgent, &e.SessionID, &e.Resource, &meta, &e.ErrorMessage, &created, &retain)
	if err != nil {
		return e, fmt.Errorf("scan audit event: %w", err)
	}
	e.Type = domain.AuditEventType(typ)
	e.Category = domain.AuditCategory(cat)
	e.IdentityID = identity.String
	e.CredentialID = credential.String
	e.Success = success == 1
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return e, fmt.Errorf("unmarshal audit metadata: %w", err)
		}
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.RetentionUntil, err = parseTime(retain); err != nil {
		return e, err
	}
	return e, nil
}
