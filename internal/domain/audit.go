package domain

import (
	"context"
	"time"
)

// AuditCategory groups audit events for retention and reporting.
type AuditCategory string

const (
	AuditCategoryAuth       AuditCategory = "auth"
	AuditCategorySecurity   AuditCategory = "security"
	AuditCategoryAPI        AuditCategory = "api"
	AuditCategoryGDPR       AuditCategory = "gdpr"
	AuditCategoryCompliance AuditCategory = "compliance"
	AuditCategoryFinancial  AuditCategory = "financial"
	AuditCategorySystem     AuditCategory = "system"
)

// ExtendedRetention reports whether events in this category are kept for the
// long regulatory window.
func (c AuditCategory) ExtendedRetention() bool {
	return c == AuditCategoryCompliance || c == AuditCategoryFinancial
}

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditLogin          AuditEventType = "login"
	AuditAccountLock    AuditEventType = "account_lock"
	AuditAccountUnlock  AuditEventType = "account_unlock"
	AuditRegistration   AuditEventType = "registration"
	AuditTwoFactor      AuditEventType = "two_factor"
	AuditEmailChallenge AuditEventType = "email_challenge"

	AuditKeyIssue       AuditEventType = "api_key_issue"
	AuditKeyVerify      AuditEventType = "api_key_verify"
	AuditKeyRotation    AuditEventType = "api_key_rotation"
	AuditKeyRevoke      AuditEventType = "api_key_revoke"
	AuditKeyBulkRotate  AuditEventType = "api_key_bulk_rotation"
	AuditRotationWorker AuditEventType = "rotation_worker"
	AuditAPIRequest     AuditEventType = "api_request"

	AuditConsent       AuditEventType = "consent"
	AuditDataAccess    AuditEventType = "data_access"
	AuditRectification AuditEventType = "data_rectification"
	AuditErasure       AuditEventType = "data_erasure"
	AuditPortability   AuditEventType = "data_portability"
	AuditErasureSweep  AuditEventType = "erasure_sweep"
	AuditLegalChange   AuditEventType = "legal_change"

	AuditReport          AuditEventType = "compliance_report"
	AuditRetentionSweep  AuditEventType = "retention_sweep"
	AuditEmergencyReplay AuditEventType = "emergency_replay"
)

// Severity values recognised by the security analysis of a report.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// AuditEvent is an immutable record of an attempted or completed action.
type AuditEvent struct {
	ID             string         `json:"id"`
	Type           AuditEventType `json:"type"`
	Category       AuditCategory  `json:"category"`
	Action         string         `json:"action"`
	IdentityID     string         `json:"identity_id,omitempty"`
	CredentialID   string         `json:"credential_id,omitempty"`
	Success        bool           `json:"success"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Resource       string         `json:"resource,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	RetentionUntil time.Time      `json:"retention_until"`
}

// Severity returns the severity recorded in the event metadata, if any.
func (e AuditEvent) Severity() string {
	if s, ok := e.Metadata["severity"].(string); ok {
		return s
	}
	return ""
}

// AuditFilter narrows an audit search. Zero values are ignored.
type AuditFilter struct {
	IdentityID   string
	CredentialID string
	Category     AuditCategory
	Type         AuditEventType
	Success      *bool
	IPAddress    string
	Start        time.Time
	End          time.Time
}

// AuditPage is one page of search results, newest first.
type AuditPage struct {
	Events  []AuditEvent `json:"events"`
	Total   int          `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// CountEntry is a single key/count pair in a ranked list.
type CountEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// SecurityAnalysis summarises security-relevant events in a report window.
type SecurityAnalysis struct {
	SecurityEvents int          `json:"security_events"`
	FailedLogins   int          `json:"failed_logins"`
	Incidents      []AuditEvent `json:"incidents"`
}

// ComplianceReport aggregates audit activity over a time window.
type ComplianceReport struct {
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Categories  []AuditCategory  `json:"categories,omitempty"`
	GeneratedAt time.Time        `json:"generated_at"`
	TotalEvents int              `json:"total_events"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	ByCategory  map[string]int   `json:"by_category"`
	ByType      map[string]int   `json:"by_type"`
	TopIdentity []CountEntry     `json:"top_identities"`
	Daily       map[string]int   `json:"daily"`
	Security    SecurityAnalysis `json:"security_analysis"`
}

// AuditRecorder is the write side of the audit ledger. Record never fails:
// implementations absorb storage errors and return the assigned event ID.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent) string
}

// AuditStore persists audit events.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, e *AuditEvent) error
	SearchAuditEvents(ctx context.Context, f AuditFilter, limit, offset int) ([]AuditEvent, int, error)
	AuditEventsBetween(ctx context.Context, start, end time.Time, categories []AuditCategory) ([]AuditEvent, error)
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
