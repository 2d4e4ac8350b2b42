package compliance

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"trustcore/internal/domain"
)

// Data categories available to access and portability requests.
const (
	CategoryPersonalIdentifiers = "personal_identifiers"
	CategoryAuthentication      = "authentication_data"
	CategorySecurity            = "security_data"
	CategoryAudit               = "audit_data"
	CategoryTechnical           = "technical_data"
	CategoryUsage               = "usage_data"
	CategoryCompliance          = "compliance_data"
)

// AllCategories lists every category in export order.
var AllCategories = []string{
	CategoryPersonalIdentifiers,
	CategoryAuthentication,
	CategorySecurity,
	CategoryAudit,
	CategoryTechnical,
	CategoryUsage,
	CategoryCompliance,
}

var processingPurposes = map[string]string{
	"authentication":    "User authentication and access control",
	"security":          "Security monitoring and threat detection",
	"service_provision": "Providing and maintaining the service",
	"compliance":        "Legal and regulatory compliance",
}

var rightsNotice = map[string]string{
	"right_to_rectification":       "You can request corrections to your data",
	"right_to_erasure":             "You can request deletion of your data",
	"right_to_restrict_processing": "You can request restriction of processing",
	"right_to_object":              "You can object to processing based on legitimate interests",
}

// rectifiable lists the identity fields a rectification may change.
var rectifiable = []string{"email", "username"}

// SubjectData is the payload of an access or portability request. Only the
// requested categories are present.
type SubjectData struct {
	IdentityID         string                `json:"identity_id"`
	ExportedAt         time.Time             `json:"exported_at"`
	DataController     domain.DataController `json:"data_controller"`
	Categories         map[string]any        `json:"categories"`
	ProcessingPurposes map[string]string     `json:"processing_purposes"`
	LegalBasis         string                `json:"legal_basis"`
	RetentionUntil     *time.Time            `json:"retention_until,omitempty"`
	ExportType         string                `json:"export_type,omitempty"`
	Format             string                `json:"format,omitempty"`
	RightsNotice       map[string]string     `json:"rights_notice,omitempty"`
}

// ProcessAccess assembles the requested categories for the data subject.
// No categories means all of them; an unknown category is rejected before
// any record is created.
func (e *Engine) ProcessAccess(ctx context.Context, identityID string, categories []string) (_ *domain.ComplianceRecord, _ *SubjectData, err error) {
	ctx, finish := e.span(ctx, "compliance.ProcessAccess", identityID)
	defer func() { finish(err) }()

	const op = "Engine.ProcessAccess"
	cats, err := normalizeCategories(categories)
	if err != nil {
		return nil, nil, domain.NewSubSystemError(domain.SubSystemCompliance, op, domain.ErrValidation, err.Error())
	}
	ident, err := e.activeIdentity(ctx, op, identityID)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.open(ctx, op, &domain.ComplianceRecord{
		IdentityID:     identityID,
		RequestType:    domain.RequestAccess,
		DataCategories: cats,
	})
	if err != nil {
		return nil, nil, err
	}

	data, err := e.collect(ctx, ident, cats)
	if err != nil {
		e.fail(ctx, r, err)
		return r, nil, domain.StorageError(domain.SubSystemCompliance, op, err)
	}
	payload, err := toMap(data)
	if err != nil {
		e.fail(ctx, r, err)
		return r, nil, domain.WrapOp(op, err)
	}
	r.ResponseData = payload
	r.ResponseFormat = "json"
	e.close(ctx, r, domain.StatusCompleted, nil)
	return r, data, nil
}

// ProcessRectification applies updates to the rectifiable fields. Other
// fields are ignored; when none remain the record is rejected.
func (e *Engine) ProcessRectification(ctx context.Context, identityID string, updates map[string]string, justification string) (_ *domain.ComplianceRecord, err error) {
	ctx, finish := e.span(ctx, "compliance.ProcessRectification", identityID)
	defer func() { finish(err) }()

	const op = "Engine.ProcessRectification"
	if _, err := e.activeIdentity(ctx, op, identityID); err != nil {
		return nil, err
	}
	r, err := e.open(ctx, op, &domain.ComplianceRecord{
		IdentityID:  identityID,
		RequestType: domain.RequestRectification,
		Notes:       justification,
	})
	if err != nil {
		return nil, err
	}

	applied := make(map[string]string)
	for _, field := range rectifiable {
		if v, ok := updates[field]; ok {
			applied[field] = strings.TrimSpace(v)
		}
	}
	if len(applied) == 0 {
		r.Notes = strings.TrimPrefix(r.Notes+" - no rectifiable fields", " - ")
		e.close(ctx, r, domain.StatusRejected, nil)
		return r, nil
	}
	if err := validateRectification(applied); err != nil {
		r.Notes = strings.TrimPrefix(r.Notes+" - "+err.Error(), " - ")
		e.close(ctx, r, domain.StatusRejected, nil)
		return r, domain.NewSubSystemError(domain.SubSystemCompliance, op, domain.ErrValidation, err.Error())
	}

	original := make(map[string]string, len(applied))
	now := e.now().UTC()
	_, err = e.identities.MutateIdentity(ctx, identityID, func(i *domain.Identity) error {
		if v, ok := applied["username"]; ok {
			original["username"] = i.Username
			i.Username = v
		}
		if v, ok := applied["email"]; ok {
			original["email"] = i.Email
			i.Email = v
		}
		i.UpdatedAt = now
		return nil
	})
	if err != nil {
		e.fail(ctx, r, err)
		return r, conflictOrStorage(op, err)
	}

	fields := make([]string, 0, len(applied))
	for f := range applied {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	r.ResponseData = map[string]any{
		"updated_fields":  fields,
		"original_values": original,
		"new_values":      applied,
	}
	e.close(ctx, r, domain.StatusCompleted, nil)
	return r, nil
}

// ProcessPortability exports the full subject payload plus a rights notice
// as json or csv through the export sink and returns its location.
func (e *Engine) ProcessPortability(ctx context.Context, identityID, format string) (_ *domain.ComplianceRecord, _ string, err error) {
	ctx, finish := e.span(ctx, "compliance.ProcessPortability", identityID)
	defer func() { finish(err) }()

	const op = "Engine.ProcessPortability"
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		return nil, "", domain.NewSubSystemError(domain.SubSystemCompliance, op, domain.ErrValidation,
			fmt.Sprintf("unsupported format %q", format))
	}
	ident, err := e.activeIdentity(ctx, op, identityID)
	if err != nil {
		return nil, "", err
	}
	r, err := e.open(ctx, op, &domain.ComplianceRecord{
		IdentityID:     identityID,
		RequestType:    domain.RequestPortability,
		DataCategories: AllCategories,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, "", err
	}

	data, err := e.collect(ctx, ident, AllCategories)
	if err != nil {
		e.fail(ctx, r, err)
		return r, "", domain.StorageError(domain.SubSystemCompliance, op, err)
	}
	data.ExportType = "data_portability"
	data.Format = format
	data.RightsNotice = rightsNotice

	body, contentType, err := encodeExport(data, format)
	if err != nil {
		e.fail(ctx, r, err)
		return r, "", domain.WrapOp(op, err)
	}
	name := fmt.Sprintf("portability_%s_%s.%s", identityID, data.ExportedAt.Format("20060102T150405Z"), format)
	location, err := e.sink.Put(ctx, name, contentType, body)
	if err != nil {
		e.fail(ctx, r, err)
		return r, "", domain.NewSubSystemError(domain.SubSystemCompliance, op, domain.ErrUpstream, err.Error())
	}

	r.ResponseData = map[string]any{"location": location, "size_bytes": len(body), "format": format}
	e.close(ctx, r, domain.StatusCompleted, nil)
	return r, location, nil
}

// collect builds the subject payload for cats.
func (e *Engine) collect(ctx context.Context, ident *domain.Identity, cats []string) (*SubjectData, error) {
	now := e.now().UTC()
	basis := domain.LegalBasisLegitimateInterest
	if ident.ConsentGiven {
		basis = domain.LegalBasisConsent
	}
	data := &SubjectData{
		IdentityID:         ident.ID,
		ExportedAt:         now,
		DataController:     e.cfg.Controller,
		Categories:         make(map[string]any, len(cats)),
		ProcessingPurposes: processingPurposes,
		LegalBasis:         basis,
		RetentionUntil:     ident.RetentionUntil,
	}

	var (
		events []domain.AuditEvent
		creds  []domain.Credential
		err    error
	)
	if slices.Contains(cats, CategoryAudit) || slices.Contains(cats, CategoryTechnical) {
		if events, err = e.audit.ExportIdentity(ctx, ident.ID); err != nil {
			return nil, fmt.Errorf("export audit trail: %w", err)
		}
	}
	if slices.Contains(cats, CategorySecurity) || slices.Contains(cats, CategoryUsage) {
		if creds, err = e.credentials.List(ctx, ident.ID, true); err != nil {
			return nil, fmt.Errorf("list credentials: %w", err)
		}
	}

	for _, c := range cats {
		switch c {
		case CategoryPersonalIdentifiers:
			data.Categories[c] = map[string]any{
				"identity_id": ident.ID,
				"username":    ident.Username,
				"email":       ident.Email,
				"created_at":  ident.CreatedAt,
				"updated_at":  ident.UpdatedAt,
			}
		case CategoryAuthentication:
			data.Categories[c] = map[string]any{
				"two_factor_enabled":     ident.TwoFactorEnabled,
				"backup_codes_remaining": len(ident.BackupCodes),
				"last_login_at":          ident.LastLoginAt,
			}
		case CategorySecurity:
			data.Categories[c] = map[string]any{
				"failed_login_attempts": ident.FailedLoginAttempts,
				"account_locked":        ident.IsLocked(now),
				"locked_until":          ident.LockedUntil,
				"credential_count":      len(creds),
			}
		case CategoryAudit:
			data.Categories[c] = events
		case CategoryTechnical:
			data.Categories[c] = technicalData(events)
		case CategoryUsage:
			data.Categories[c] = usageData(creds)
		case CategoryCompliance:
			records, err := e.records.ListComplianceRecords(ctx, ident.ID)
			if err != nil {
				return nil, fmt.Errorf("list compliance records: %w", err)
			}
			history := make([]map[string]any, 0, len(records))
			for _, r := range records {
				history = append(history, map[string]any{
					"record_id":    r.ID,
					"request_type": r.RequestType,
					"status":       r.Status,
					"requested_at": r.RequestedAt,
					"processed_at": r.ProcessedAt,
				})
			}
			data.Categories[c] = history
		}
	}
	return data, nil
}

// technicalData lists the distinct origins and clients seen in the audit
// trail.
func technicalData(events []domain.AuditEvent) map[string]any {
	ips := map[string]struct{}{}
	agents := map[string]struct{}{}
	for _, ev := range events {
		if ev.IPAddress != "" {
			ips[ev.IPAddress] = struct{}{}
		}
		if ev.UserAgent != "" {
			agents[ev.UserAgent] = struct{}{}
		}
	}
	return map[string]any{
		"ip_addresses": sortedKeys(ips),
		"user_agents":  sortedKeys(agents),
	}
}

func usageData(creds []domain.Credential) []map[string]any {
	out := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		out = append(out, map[string]any{
			"credential_id": c.ID,
			"name":          c.Name,
			"prefix":        c.Prefix,
			"scopes":        c.Scopes,
			"usage_count":   c.UsageCount,
			"last_used_at":  c.LastUsedAt,
			"active":        c.Active,
		})
	}
	return out
}

func normalizeCategories(in []string) ([]string, error) {
	if len(in) == 0 {
		return AllCategories, nil
	}
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if !slices.Contains(AllCategories, c) {
			return nil, fmt.Errorf("unknown data category %q", c)
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func validateRectification(fields map[string]string) error {
	if v, ok := fields["username"]; ok && v == "" {
		return fmt.Errorf("username must not be empty")
	}
	if v, ok := fields["email"]; ok {
		at := strings.LastIndex(v, "@")
		if at < 1 || at == len(v)-1 || strings.ContainsAny(v, " \t\r\n") {
			return fmt.Errorf("malformed email")
		}
	}
	return nil
}

// encodeExport serializes the payload. CSV output is a Field,Value table of
// the flattened JSON document.
func encodeExport(data *SubjectData, format string) ([]byte, string, error) {
	if format == "json" {
		body, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode json export: %w", err)
		}
		return body, "application/json", nil
	}

	doc, err := toMap(data)
	if err != nil {
		return nil, "", err
	}
	flat := make(map[string]string)
	flatten("", doc, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"Field", "Value"})
	for _, k := range keys {
		_ = w.Write([]string{k, flat[k]})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", fmt.Errorf("encode csv export: %w", err)
	}
	return buf.Bytes(), "text/csv", nil
}

func flatten(prefix string, v any, out map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "_" + k
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			flatten(join(k), child, out)
		}
	case []any:
		for i, child := range t {
			flatten(join(fmt.Sprint(i)), child, out)
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
