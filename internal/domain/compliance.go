package domain

import (
	"context"
	"time"
)

// RequestType identifies a data-subject workflow.
type RequestType string

const (
	RequestConsent           RequestType = "consent"
	RequestConsentWithdrawal RequestType = "consent_withdrawal"
	RequestAccess            RequestType = "access"
	RequestRectification     RequestType = "rectification"
	RequestErasure           RequestType = "erasure"
	RequestPortability       RequestType = "portability"
)

// RequestStatus is the state of a compliance record.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusRejected   RequestStatus = "rejected"
	StatusFailed     RequestStatus = "failed"
	StatusScheduled  RequestStatus = "scheduled"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Legal bases recorded on compliance records.
const (
	LegalBasisConsent            = "consent"
	LegalBasisLegitimateInterest = "legitimate_interest"
	LegalBasisDataSubjectRights  = "data_subject_rights"
	LegalBasisLegalObligation    = "legal_obligation"
)

// ComplianceRecord tracks one invocation of a data-subject workflow.
type ComplianceRecord struct {
	ID                 string         `json:"id"`
	IdentityID         string         `json:"identity_id"`
	RequestType        RequestType    `json:"request_type"`
	LegalBasis         string         `json:"legal_basis"`
	DataCategories     []string       `json:"data_categories,omitempty"`
	ProcessingPurposes []string       `json:"processing_purposes,omitempty"`
	ThirdParties       []string       `json:"third_parties,omitempty"`
	ConsentGiven       *bool          `json:"consent_given,omitempty"`
	ConsentWithdrawn   bool           `json:"consent_withdrawn"`
	ConsentMechanism   string         `json:"consent_mechanism,omitempty"`
	Status             RequestStatus  `json:"status"`
	ResponseData       map[string]any `json:"response_data,omitempty"`
	ResponseFormat     string         `json:"response_format,omitempty"`
	Notes              string         `json:"notes,omitempty"`
	RequestedAt        time.Time      `json:"requested_at"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ImplementationStatus tracks a legal change through adoption.
type ImplementationStatus string

const (
	ImplementationPending    ImplementationStatus = "pending"
	ImplementationInProgress ImplementationStatus = "in_progress"
	ImplementationCompleted  ImplementationStatus = "completed"
)

// LegalChangeRecord is one entry of the per-change-type version chain.
type LegalChangeRecord struct {
	ID                   string               `json:"id"`
	ChangeType           string               `json:"change_type"`
	Title                string               `json:"title"`
	Description          string               `json:"description"`
	Jurisdiction         string               `json:"jurisdiction,omitempty"`
	Regulation           string               `json:"regulation,omitempty"`
	ComplianceDeadline   *time.Time           `json:"compliance_deadline,omitempty"`
	ImplementationStatus ImplementationStatus `json:"implementation_status"`
	ImplementationDate   *time.Time           `json:"implementation_date,omitempty"`
	ImpactAssessment     string               `json:"impact_assessment,omitempty"`
	UsersNotified        bool                 `json:"users_notified"`
	NotificationDate     *time.Time           `json:"notification_date,omitempty"`
	NotificationMethod   string               `json:"notification_method,omitempty"`
	CreatedBy            string               `json:"created_by,omitempty"`
	Version              string               `json:"version"`
	PreviousVersionID    string               `json:"previous_version_id,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// DataController identifies the organisation responsible for processing.
type DataController struct {
	Name       string `json:"name" yaml:"name"`
	Address    string `json:"address" yaml:"address"`
	Contact    string `json:"contact" yaml:"contact"`
	DPOContact string `json:"dpo_contact" yaml:"dpo_contact"`
}

// ComplianceSummary counts compliance records across every identity.
type ComplianceSummary struct {
	Total             int            `json:"total"`
	Open              int            `json:"open"`
	ByType            map[string]int `json:"by_type"`
	ByStatus          map[string]int `json:"by_status"`
	ScheduledErasures int            `json:"scheduled_erasures"`
}

// ComplianceStore persists compliance records.
type ComplianceStore interface {
	CreateComplianceRecord(ctx context.Context, r *ComplianceRecord) error
	UpdateComplianceRecord(ctx context.Context, r *ComplianceRecord) error
	GetComplianceRecord(ctx context.Context, id string) (*ComplianceRecord, error)
	ListComplianceRecords(ctx context.Context, identityID string) ([]ComplianceRecord, error)
	// SummarizeCompliance counts records by type and status, plus identities
	// whose erasure is scheduled after now.
	SummarizeCompliance(ctx context.Context, now time.Time) (*ComplianceSummary, error)
}

// LegalChangeStore persists the legal change ledger. AppendLegalChange reads
// the latest record of the same change type and calls next with it (nil when
// none exists) inside one transaction, so concurrent appends cannot produce
// the same version.
type LegalChangeStore interface {
	AppendLegalChange(ctx context.Context, r *LegalChangeRecord, next func(prev *LegalChangeRecord) string) error
	GetLegalChange(ctx context.Context, id string) (*LegalChangeRecord, error)
	ListLegalChanges(ctx context.Context, changeType string) ([]LegalChangeRecord, error)
	MutateLegalChange(ctx context.Context, id string, fn func(*LegalChangeRecord) error) (*LegalChangeRecord, error)
}
