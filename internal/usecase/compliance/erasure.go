package compliance

import (
	"context"
	"fmt"

	"trustcore/internal/domain"
)

// ErasedIdentity reports one identity anonymized by a sweep.
type ErasedIdentity struct {
	IdentityID             string `json:"identity_id"`
	RecordID               string `json:"record_id"`
	CredentialsDeactivated int    `json:"credentials_deactivated"`
}

// ProcessErasure erases an identity. Immediate erasure deactivates every
// credential and anonymizes the identity in place; otherwise consent is
// cleared and the erasure is scheduled after the grace period. Erasing an
// already-erased identity succeeds without changing it.
func (e *Engine) ProcessErasure(ctx context.Context, identityID, reason string, immediate bool) (_ *domain.ComplianceRecord, err error) {
	ctx, finish := e.span(ctx, "compliance.ProcessErasure", identityID)
	defer func() { finish(err) }()

	const op = "Engine.ProcessErasure"
	ident, err := e.identities.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAccount, op, err)
	}
	r, err := e.open(ctx, op, &domain.ComplianceRecord{
		IdentityID:  identityID,
		RequestType: domain.RequestErasure,
		Notes:       reason,
	})
	if err != nil {
		return nil, err
	}

	if !immediate && !ident.IsErased() {
		now := e.now().UTC()
		deadline := now.Add(e.cfg.ErasureGrace)
		_, err := e.identities.MutateIdentity(ctx, identityID, func(i *domain.Identity) error {
			i.ConsentGiven = false
			i.RetentionUntil = &deadline
			i.UpdatedAt = now
			return nil
		})
		if err != nil {
			e.fail(ctx, r, err)
			return r, domain.StorageError(domain.SubSystemAccount, op, err)
		}
		r.ResponseData = map[string]any{"scheduled_date": deadline}
		e.close(ctx, r, domain.StatusScheduled, nil)
		return r, nil
	}

	deactivated, err := e.erase(ctx, identityID)
	if err != nil {
		e.fail(ctx, r, err)
		return r, domain.StorageError(domain.SubSystemCompliance, op, err)
	}
	r.ResponseData = map[string]any{
		"erasure_method":          "anonymization",
		"credentials_deactivated": deactivated,
		"already_erased":          ident.IsErased(),
	}
	e.close(ctx, r, domain.StatusCompleted, nil)
	return r, nil
}

// RunScheduledSweep erases every identity whose retention horizon has passed
// without consent. A failing identity is audited and skipped. Cancellation
// is honoured between identities.
func (e *Engine) RunScheduledSweep(ctx context.Context) (_ []ErasedIdentity, err error) {
	ctx, finish := e.span(ctx, "compliance.RunScheduledSweep", "")
	defer func() { finish(err) }()

	const op = "Engine.RunScheduledSweep"
	due, err := e.identities.ListErasureDue(ctx, e.now().UTC())
	if err != nil {
		e.audit.Record(ctx, domain.AuditEvent{
			Type: domain.AuditErasureSweep, Category: domain.AuditCategoryGDPR, Action: "sweep",
			Success: false, ErrorMessage: err.Error(),
		})
		return nil, domain.StorageError(domain.SubSystemCompliance, op, err)
	}

	var (
		erased []ErasedIdentity
		failed int
	)
	for _, ident := range due {
		if ctx.Err() != nil {
			break
		}
		itemCtx := context.WithoutCancel(ctx)
		r, err := e.open(itemCtx, op, &domain.ComplianceRecord{
			IdentityID:  ident.ID,
			RequestType: domain.RequestErasure,
			LegalBasis:  domain.LegalBasisLegalObligation,
			Notes:       "scheduled erasure",
		})
		if err != nil {
			failed++
			e.logger.Warn("scheduled erasure failed", "identity_id", ident.ID, "error", err)
			continue
		}
		n, err := e.erase(itemCtx, ident.ID)
		if err != nil {
			failed++
			e.fail(itemCtx, r, err)
			continue
		}
		r.ResponseData = map[string]any{"erasure_method": "anonymization", "credentials_deactivated": n}
		e.close(itemCtx, r, domain.StatusCompleted, nil)
		erased = append(erased, ErasedIdentity{IdentityID: ident.ID, RecordID: r.ID, CredentialsDeactivated: n})
	}

	e.audit.Record(context.WithoutCancel(ctx), domain.AuditEvent{
		Type:     domain.AuditErasureSweep,
		Category: domain.AuditCategoryGDPR,
		Action:   "sweep",
		Success:  failed == 0,
		Metadata: map[string]any{"due": len(due), "erased": len(erased), "failed": failed},
	})
	if len(erased) > 0 || failed > 0 {
		e.logger.Info("erasure sweep", "erased", len(erased), "failed", failed)
	}
	if err := ctx.Err(); err != nil {
		return erased, err
	}
	return erased, nil
}

// erase anonymizes the identity and deactivates its credentials in one store
// transaction, then audits the revocation.
func (e *Engine) erase(ctx context.Context, identityID string) (int, error) {
	_, ids, err := e.identities.EraseIdentity(ctx, identityID, domain.Anonymization{
		Username:     "deleted_user_" + identityID,
		Email:        "deleted_" + identityID + "@erased.invalid",
		RevokeReason: "erasure",
		At:           e.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("erase identity: %w", err)
	}
	e.audit.Record(ctx, domain.AuditEvent{
		Type: domain.AuditKeyRevoke, Category: domain.AuditCategoryAPI, Action: "deactivate_all",
		IdentityID: identityID, Success: true,
		Metadata: map[string]any{"reason": "erasure", "count": len(ids), "credential_ids": ids},
	})
	return len(ids), nil
}
