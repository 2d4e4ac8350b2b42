package compliance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trustcore/internal/domain"
)

const recentLegalChanges = 10

// LegalChangeInput describes a new legal change entry.
type LegalChangeInput struct {
	ChangeType         string
	Title              string
	Description        string
	Jurisdiction       string
	Regulation         string
	ComplianceDeadline *time.Time
	ImpactAssessment   string
	CreatedBy          string
}

// Dashboard summarises compliance activity, optionally for one identity.
type Dashboard struct {
	Overview           *domain.ComplianceSummary  `json:"overview"`
	RecentLegalChanges []domain.LegalChangeRecord `json:"recent_legal_changes"`
	IdentityRequests   []domain.ComplianceRecord  `json:"identity_requests,omitempty"`
}

// LogLegalChange appends a legal change. Its version follows the latest
// record of the same change type and it links to that record.
func (e *Engine) LogLegalChange(ctx context.Context, in LegalChangeInput) (_ *domain.LegalChangeRecord, err error) {
	ctx, finish := e.span(ctx, "compliance.LogLegalChange", "")
	defer func() { finish(err) }()

	const op = "Engine.LogLegalChange"
	in.ChangeType = strings.TrimSpace(in.ChangeType)
	in.Title = strings.TrimSpace(in.Title)
	if in.ChangeType == "" || in.Title == "" {
		return nil, domain.NewSubSystemError(domain.SubSystemLegal, op, domain.ErrValidation, "change type and title are required")
	}

	now := e.now().UTC()
	r := &domain.LegalChangeRecord{
		ID:                   domain.NewID(now),
		ChangeType:           in.ChangeType,
		Title:                in.Title,
		Description:          in.Description,
		Jurisdiction:         in.Jurisdiction,
		Regulation:           in.Regulation,
		ComplianceDeadline:   in.ComplianceDeadline,
		ImplementationStatus: domain.ImplementationPending,
		ImpactAssessment:     in.ImpactAssessment,
		CreatedBy:            in.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err = e.legal.AppendLegalChange(ctx, r, func(prev *domain.LegalChangeRecord) string {
		if prev == nil {
			return "1.0"
		}
		return NextVersion(prev.Version)
	})
	if err != nil {
		e.recordLegal(ctx, r, "log_change", false, err.Error())
		return nil, domain.StorageError(domain.SubSystemLegal, op, err)
	}
	e.recordLegal(ctx, r, "log_change", true, "")
	return r, nil
}

// UpdateLegalChangeStatus moves a legal change through implementation.
// Completing it stamps the implementation date.
func (e *Engine) UpdateLegalChangeStatus(ctx context.Context, id string, status domain.ImplementationStatus) (*domain.LegalChangeRecord, error) {
	const op = "Engine.UpdateLegalChangeStatus"
	switch status {
	case domain.ImplementationPending, domain.ImplementationInProgress, domain.ImplementationCompleted:
	default:
		return nil, domain.NewSubSystemError(domain.SubSystemLegal, op, domain.ErrValidation,
			fmt.Sprintf("unknown implementation status %q", status))
	}
	now := e.now().UTC()
	r, err := e.legal.MutateLegalChange(ctx, id, func(r *domain.LegalChangeRecord) error {
		r.ImplementationStatus = status
		if status == domain.ImplementationCompleted {
			r.ImplementationDate = &now
		}
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.recordLegal(ctx, &domain.LegalChangeRecord{ID: id}, "update_status", false, err.Error())
		return nil, domain.StorageError(domain.SubSystemLegal, op, err)
	}
	e.recordLegal(ctx, r, "update_status", true, "")
	return r, nil
}

// MarkUsersNotified records that users were told about a legal change.
func (e *Engine) MarkUsersNotified(ctx context.Context, id, method string) (*domain.LegalChangeRecord, error) {
	const op = "Engine.MarkUsersNotified"
	if strings.TrimSpace(method) == "" {
		return nil, domain.NewSubSystemError(domain.SubSystemLegal, op, domain.ErrValidation, "notification method is required")
	}
	now := e.now().UTC()
	r, err := e.legal.MutateLegalChange(ctx, id, func(r *domain.LegalChangeRecord) error {
		r.UsersNotified = true
		r.NotificationDate = &now
		r.NotificationMethod = method
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.recordLegal(ctx, &domain.LegalChangeRecord{ID: id}, "notify_users", false, err.Error())
		return nil, domain.StorageError(domain.SubSystemLegal, op, err)
	}
	e.recordLegal(ctx, r, "notify_users", true, "")
	return r, nil
}

// LegalChanges lists the chain for one change type, or every change when
// changeType is empty, newest first.
func (e *Engine) LegalChanges(ctx context.Context, changeType string) ([]domain.LegalChangeRecord, error) {
	list, err := e.legal.ListLegalChanges(ctx, changeType)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemLegal, "Engine.LegalChanges", err)
	}
	return list, nil
}

// Dashboard reports request counts, scheduled erasures and recent legal
// changes. A non-empty identityID adds that identity's request history.
func (e *Engine) Dashboard(ctx context.Context, identityID string) (*Dashboard, error) {
	const op = "Engine.Dashboard"
	sum, err := e.records.SummarizeCompliance(ctx, e.now().UTC())
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemCompliance, op, err)
	}
	changes, err := e.legal.ListLegalChanges(ctx, "")
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemLegal, op, err)
	}
	if len(changes) > recentLegalChanges {
		changes = changes[:recentLegalChanges]
	}
	d := &Dashboard{Overview: sum, RecentLegalChanges: changes}
	if identityID != "" {
		records, err := e.records.ListComplianceRecords(ctx, identityID)
		if err != nil {
			return nil, domain.StorageError(domain.SubSystemCompliance, op, err)
		}
		d.IdentityRequests = records
	}
	return d, nil
}

// NextVersion increments the minor part of a "major.minor" version. An
// unparsable version restarts the chain at 1.1.
func NextVersion(prev string) string {
	major, minor, ok := strings.Cut(strings.TrimSpace(prev), ".")
	if !ok {
		return "1.1"
	}
	ma, err1 := strconv.Atoi(major)
	mi, err2 := strconv.Atoi(minor)
	if err := errors.Join(err1, err2); err != nil || ma < 0 || mi < 0 {
		return "1.1"
	}
	return fmt.Sprintf("%d.%d", ma, mi+1)
}

func (e *Engine) recordLegal(ctx context.Context, r *domain.LegalChangeRecord, action string, success bool, detail string) {
	e.audit.Record(ctx, domain.AuditEvent{
		Type:     domain.AuditLegalChange,
		Category: domain.AuditCategoryCompliance,
		Action:   action,
		Resource: r.ID,
		Success:  success,
		Metadata: map[string]any{
			"change_type": r.ChangeType,
			"version":     r.Version,
			"status":      string(r.ImplementationStatus),
		},
		ErrorMessage: detail,
	})
}
