// Package compliance runs data-subject workflows (consent, access,
// rectification, erasure, portability) and the legal change ledger.
package compliance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trustcore/internal/domain"
	"trustcore/internal/infra/tracer"
)

// AuditTrail is the slice of the audit ledger the engine needs: it records
// its own transitions and reads an identity's history for subject exports.
type AuditTrail interface {
	domain.AuditRecorder
	ExportIdentity(ctx context.Context, identityID string) ([]domain.AuditEvent, error)
}

// Credentials is the slice of the credential manager used by subject
// exports. Erasure revokes credentials through IdentityStore.EraseIdentity.
type Credentials interface {
	List(ctx context.Context, identityID string, includeInactive bool) ([]domain.Credential, error)
}

// Config holds retention horizons and the data controller block.
type Config struct {
	ConsentRetention time.Duration
	ErasureGrace     time.Duration
	Controller       domain.DataController
}

// DefaultConfig returns the production horizons: seven years after consent,
// thirty days of grace before a scheduled erasure.
func DefaultConfig() Config {
	return Config{
		ConsentRetention: 2555 * 24 * time.Hour,
		ErasureGrace:     30 * 24 * time.Hour,
	}
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Identities  domain.IdentityStore
	Records     domain.ComplianceStore
	Legal       domain.LegalChangeStore
	Credentials Credentials
	Audit       AuditTrail
	Sink        domain.ExportSink
}

// Engine processes compliance requests. Each request is tracked by a
// ComplianceRecord that ends in completed, rejected, scheduled or failed.
type Engine struct {
	identities  domain.IdentityStore
	records     domain.ComplianceStore
	legal       domain.LegalChangeStore
	credentials Credentials
	audit       AuditTrail
	sink        domain.ExportSink
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates an Engine. Zero horizons take their defaults.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.ConsentRetention <= 0 {
		cfg.ConsentRetention = def.ConsentRetention
	}
	if cfg.ErasureGrace <= 0 {
		cfg.ErasureGrace = def.ErasureGrace
	}
	return &Engine{
		identities:  deps.Identities,
		records:     deps.Records,
		legal:       deps.Legal,
		credentials: deps.Credentials,
		audit:       deps.Audit,
		sink:        deps.Sink,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ConsentRequest records a consent decision.
type ConsentRequest struct {
	IdentityID string
	Given      bool
	Mechanism  string
	Categories []string
	Purposes   []string
}

// RecordConsent stores a consent decision. Giving consent extends the
// identity's retention horizon; refusing it clears the consent flag.
func (e *Engine) RecordConsent(ctx context.Context, req ConsentRequest) (_ *domain.ComplianceRecord, err error) {
	ctx, finish := e.span(ctx, "compliance.RecordConsent", req.IdentityID)
	defer func() { finish(err) }()

	const op = "Engine.RecordConsent"
	if _, err := e.activeIdentity(ctx, op, req.IdentityID); err != nil {
		return nil, err
	}
	given := req.Given
	r, err := e.open(ctx, op, &domain.ComplianceRecord{
		IdentityID:         req.IdentityID,
		RequestType:        domain.RequestConsent,
		LegalBasis:         domain.LegalBasisConsent,
		DataCategories:     req.Categories,
		ProcessingPurposes: req.Purposes,
		ConsentGiven:       &given,
		ConsentWithdrawn:   !given,
		ConsentMechanism:   req.Mechanism,
	})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	ident, err := e.identities.MutateIdentity(ctx, req.IdentityID, func(i *domain.Identity) error {
		i.ConsentGiven = given
		if given {
			retain := now.Add(e.cfg.ConsentRetention)
			i.ConsentAt = &now
			i.RetentionUntil = &retain
		}
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.fail(ctx, r, err)
		return r, domain.StorageError(domain.SubSystemAccount, op, err)
	}

	r.ResponseData = map[string]any{"consent_given": given, "retention_until": ident.RetentionUntil}
	e.close(ctx, r, domain.StatusCompleted, nil)
	return r, nil
}

// WithdrawConsent clears consent and schedules deletion after the grace
// period. Nothing is erased immediately.
func (e *Engine) WithdrawConsent(ctx context.Context, identityID, reason string) (_ *domain.ComplianceRecord, err error) {
	ctx, finish := e.span(ctx, "compliance.WithdrawConsent", identityID)
	defer func() { finish(err) }()

	const op = "Engine.WithdrawConsent"
	if _, err := e.activeIdentity(ctx, op, identityID); err != nil {
		return nil, err
	}
	withdrawn := false
	r, err := e.open(ctx, op, &domain.ComplianceRecord{
		IdentityID:       identityID,
		RequestType:      domain.RequestConsentWithdrawal,
		LegalBasis:       domain.LegalBasisConsent,
		ConsentGiven:     &withdrawn,
		ConsentWithdrawn: true,
		Notes:            reason,
	})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	deadline := now.Add(e.cfg.ErasureGrace)
	_, err = e.identities.MutateIdentity(ctx, identityID, func(i *domain.Identity) error {
		i.ConsentGiven = false
		i.RetentionUntil = &deadline
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.fail(ctx, r, err)
		return r, domain.StorageError(domain.SubSystemAccount, op, err)
	}

	r.ResponseData = map[string]any{"data_deletion_scheduled": deadline}
	e.close(ctx, r, domain.StatusCompleted, nil)
	return r, nil
}

// open persists a new record in the processing state.
func (e *Engine) open(ctx context.Context, op string, r *domain.ComplianceRecord) (*domain.ComplianceRecord, error) {
	now := e.now().UTC()
	r.ID = domain.NewID(now)
	r.Status = domain.StatusProcessing
	r.RequestedAt = now
	r.UpdatedAt = now
	if r.LegalBasis == "" {
		r.LegalBasis = domain.LegalBasisDataSubjectRights
	}
	if err := e.records.CreateComplianceRecord(ctx, r); err != nil {
		e.audit.Record(ctx, e.event(r, false, err.Error()))
		return nil, domain.StorageError(domain.SubSystemCompliance, op, err)
	}
	e.audit.Record(ctx, e.event(r, true, ""))
	return r, nil
}

// close moves r to status, persists it and audits the transition. It runs
// detached from ctx so a cancelled caller cannot strand a record in
// processing.
func (e *Engine) close(ctx context.Context, r *domain.ComplianceRecord, status domain.RequestStatus, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()
	r.Status = status
	r.UpdatedAt = now
	if status.Terminal() || status == domain.StatusScheduled {
		r.ProcessedAt = &now
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
		if r.Notes != "" {
			r.Notes += " - "
		}
		r.Notes += "error: " + detail
	}
	if err := e.records.UpdateComplianceRecord(ctx, r); err != nil {
		e.logger.Error("failed to persist compliance record", "record_id", r.ID, "status", status, "error", err)
		if detail == "" {
			detail = err.Error()
		}
	}
	success := cause == nil && status != domain.StatusFailed
	e.audit.Record(ctx, e.event(r, success, detail))
}

func (e *Engine) fail(ctx context.Context, r *domain.ComplianceRecord, cause error) {
	e.logger.Warn("compliance request failed", "record_id", r.ID, "type", r.RequestType, "error", cause)
	e.close(ctx, r, domain.StatusFailed, cause)
}

func (e *Engine) event(r *domain.ComplianceRecord, success bool, detail string) domain.AuditEvent {
	return domain.AuditEvent{
		Type:       auditType(r.RequestType),
		Category:   domain.AuditCategoryGDPR,
		Action:     string(r.RequestType),
		IdentityID: r.IdentityID,
		Resource:   r.ID,
		Success:    success,
		Metadata: map[string]any{
			"record_id":   r.ID,
			"status":      string(r.Status),
			"legal_basis": r.LegalBasis,
		},
		ErrorMessage: detail,
	}
}

func auditType(t domain.RequestType) domain.AuditEventType {
	switch t {
	case domain.RequestAccess:
		return domain.AuditDataAccess
	case domain.RequestRectification:
		return domain.AuditRectification
	case domain.RequestErasure:
		return domain.AuditErasure
	case domain.RequestPortability:
		return domain.AuditPortability
	default:
		return domain.AuditConsent
	}
}

func (e *Engine) span(ctx context.Context, name, identityID string) (context.Context, func(error)) {
	ctx, span := tracer.StartSpan(ctx, name, trace.WithAttributes(tracer.StringAttr(tracer.AttrIdentityID, identityID)))
	return ctx, func(err error) { tracer.Finish(span, err) }
}

func (e *Engine) activeIdentity(ctx context.Context, op, identityID string) (*domain.Identity, error) {
	ident, err := e.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	if ident.IsErased() {
		return nil, domain.NewSubSystemError(domain.SubSystemAccount, op, domain.ErrNotFound, "identity erased")
	}
	return ident, nil
}

// conflictOrStorage keeps uniqueness violations distinguishable from other
// persistence failures.
func conflictOrStorage(op string, err error) error {
	if errors.Is(err, domain.ErrConflict) {
		return domain.NewSubSystemError(domain.SubSystemCompliance, op, domain.ErrConflict, "value already in use")
	}
	return domain.StorageError(domain.SubSystemCompliance, op, err)
}
