package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trustcore/internal/domain"
)

const complianceColumns = `id, identity_id, request_type, legal_basis, data_categories, processing_purposes,
	third_parties, consent_given, consent_withdrawn, consent_mechanism, status, response_data,
	response_format, notes, requested_at, processed_at, updated_at`

func (s *Store) CreateComplianceRecord(ctx context.Context, r *domain.ComplianceRecord) error {
	args, err := complianceArgs(r)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO compliance_records (`+complianceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("compliance record %s: %w", r.ID, domain.ErrConflict)
		}
		return fmt.Errorf("insert compliance record: %w", err)
	}
	return nil
}

func (s *Store) UpdateComplianceRecord(ctx context.Context, r *domain.ComplianceRecord) error {
	args, err := complianceArgs(r)
	if err != nil {
		return err
	}
	args = append(args[1:], r.ID)
	res, err := s.write.ExecContext(ctx,
		`UPDATE compliance_records SET identity_id = ?, request_type = ?, legal_basis = ?, data_categories = ?,
			processing_purposes = ?, third_parties = ?, consent_given = ?, consent_withdrawn = ?,
			consent_mechanism = ?, status = ?, response_data = ?, response_format = ?, notes = ?,
			requested_at = ?, processed_at = ?, updated_at = ?
		WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update compliance record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("compliance record %s: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) GetComplianceRecord(ctx context.Context, id string) (*domain.ComplianceRecord, error) {
	row := s.read.QueryRowContext(ctx, `SELECT `+complianceColumns+` FROM compliance_records WHERE id = ?`, id)
	return scanComplianceRecord(row)
}

func (s *Store) ListComplianceRecords(ctx context.Context, identityID string) ([]domain.ComplianceRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+complianceColumns+` FROM compliance_records WHERE identity_id = ? ORDER BY requested_at, id`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query compliance records: %w", err)
	}
	defer rows.Close()

	var out []domain.ComplianceRecord
	for rows.Next() {
		r, err := scanComplianceRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) SummarizeCompliance(ctx context.Context, now time.Time) (*domain.ComplianceSummary, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT request_type, status, COUNT(*) FROM compliance_records GROUP BY request_type, status`)
	if err != nil {
		return nil, fmt.Errorf("summarize compliance: %w", err)
	}
	defer rows.Close()

	sum := &domain.ComplianceSummary{ByType: map[string]int{}, ByStatus: map[string]int{}}
	for rows.Next() {
		var (
			typ, status string
			n           int
		)
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return nil, fmt.Errorf("scan compliance summary: %w", err)
		}
		sum.Total += n
		sum.ByType[typ] += n
		sum.ByStatus[status] += n
		if st := domain.RequestStatus(status); st == domain.StatusPending || st == domain.StatusProcessing {
			sum.Open += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identities
		WHERE erased_at IS NULL AND consent_given = 0 AND retention_until IS NOT NULL AND retention_until > ?`,
		fmtTime(now),
	).Scan(&sum.ScheduledErasures)
	if err != nil {
		return nil, fmt.Errorf("count scheduled erasures: %w", err)
	}
	return sum, nil
}

func complianceArgs(r *domain.ComplianceRecord) ([]any, error) {
	resp := "{}"
	if len(r.ResponseData) > 0 {
		var err error
		if resp, err = encodeJSON(r.ResponseData); err != nil {
			return nil, fmt.Errorf("compliance response: %w", err)
		}
	}
	var consent any
	if r.ConsentGiven != nil {
		consent = boolInt(*r.ConsentGiven)
	}
	return []any{
		r.ID, r.IdentityID, string(r.RequestType), r.LegalBasis, encodeStrings(r.DataCategories),
		encodeStrings(r.ProcessingPurposes), encodeStrings(r.ThirdParties), consent, boolInt(r.ConsentWithdrawn),
		r.ConsentMechanism, string(r.Status), resp, r.ResponseFormat, r.Notes, fmtTime(r.RequestedAt),
		nullTime(r.ProcessedAt), fmtTime(r.UpdatedAt),
	}, nil
}

func scanComplianceRecord(row scanner) (*domain.ComplianceRecord, error) {
	var (
		r                       domain.ComplianceRecord
		reqType, status, resp   string
		cats, purposes, parties string
		consent                 sql.NullInt64
		withdrawn               int
		requested, updated      string
		processed               sql.NullString
	)
	err := row.Scan(&r.ID, &r.IdentityID, &reqType, &r.LegalBasis, &cats, &purposes, &parties, &consent,
		&withdrawn, &r.ConsentMechanism, &status, &resp, &r.ResponseFormat, &r.Notes, &requested,
		&processed, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan compliance record: %w", err)
	}
	r.RequestType = domain.RequestType(reqType)
	r.Status = domain.RequestStatus(status)
	r.ConsentWithdrawn = withdrawn == 1
	if consent.Valid {
		given := consent.Int64 == 1
		r.ConsentGiven = &given
	}
	if r.DataCategories, err = decodeStrings(cats); err != nil {
		return nil, err
	}
	if r.ProcessingPurposes, err = decodeStrings(purposes); err != nil {
		return nil, err
	}
	if r.ThirdParties, err = decodeStrings(parties); err != nil {
		return nil, err
	}
	if resp != "" && resp != "{}" {
		if err := json.Unmarshal([]byte(resp), &r.ResponseData); err != nil {
			return nil, fmt.Errorf("unmarshal compliance response: %w", err)
		}
	}
	if r.RequestedAt, err = parseTime(requested); err != nil {
		return nil, err
	}
	if r.ProcessedAt, err = parseNullTime(processed); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &r, nil
}
