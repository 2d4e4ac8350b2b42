package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError so ErrorCodeOf can resolve a
// subsystem-specific code; callers match with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrUnauthorized = fmt.Errorf("invalid credentials")
	ErrExpired      = fmt.Errorf("expired")
	ErrForbidden    = fmt.Errorf("forbidden")
	ErrConflict     = fmt.Errorf("conflict")
	ErrValidation   = fmt.Errorf("validation failed")
	ErrStorage      = fmt.Errorf("storage failure")
	ErrUpstream     = fmt.Errorf("upstream failure")
)

// Sentinel errors for the domain layer.
var (
	ErrAccountLocked = fmt.Errorf("account locked: %w", ErrUnauthorized)
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrEncryption    = fmt.Errorf("encryption operation failed")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrAuditWrite    = fmt.Errorf("audit log write failed")
	ErrMissingKey    = fmt.Errorf("master key not configured")
	ErrLimitReached  = fmt.Errorf("limit reached")
)

// Subsystem identifiers used for ErrorCode dispatch.
const (
	SubSystemAccount    = "account"
	SubSystemAudit      = "audit"
	SubSystemCredential = "credential"
	SubSystemTwoFactor  = "twofactor"
	SubSystemCompliance = "compliance"
	SubSystemLegal      = "legal"
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Credential.Verify")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail, never shown to end users
	SubSystem string // used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// StorageError tags a persistence failure. NotFound and Conflict pass through
// untouched so callers can still branch on them.
func StorageError(subsystem, op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewSubSystemError(subsystem, op, ErrNotFound, "")
	case errors.Is(err, ErrConflict):
		return NewSubSystemError(subsystem, op, ErrConflict, "")
	}
	return NewSubSystemError(subsystem, op, ErrStorage, err.Error())
}

// IsAuthFailure reports whether err should surface as a generic
// "invalid credentials" signal to end users.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrExpired) || errors.Is(err, ErrForbidden)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeExpired       ErrorCode = "EXPIRED"
	CodeForbidden     ErrorCode = "FORBIDDEN"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeValidation    ErrorCode = "VALIDATION_FAILED"
	CodeStorage       ErrorCode = "STORAGE_FAILURE"
	CodeUpstream      ErrorCode = "UPSTREAM_FAILURE"
	CodeAccountLocked ErrorCode = "ACCOUNT_LOCKED"
	CodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	CodeEncryption    ErrorCode = "ENCRYPTION"
	CodeDecryption    ErrorCode = "DECRYPTION"
	CodeAuditWrite    ErrorCode = "AUDIT_WRITE"
	CodeMissingKey    ErrorCode = "MISSING_KEY"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeIdentityNotFound   ErrorCode = "IDENTITY_NOT_FOUND"
	CodeIdentityDuplicate  ErrorCode = "IDENTITY_DUPLICATE"
	CodeCredentialNotFound ErrorCode = "CREDENTIAL_NOT_FOUND"
	CodeCredentialExpired  ErrorCode = "CREDENTIAL_EXPIRED"
	CodeCredentialInactive ErrorCode = "CREDENTIAL_INACTIVE"
	CodeScopeDenied        ErrorCode = "SCOPE_DENIED"
	CodeChallengeNotFound  ErrorCode = "CHALLENGE_NOT_FOUND"
	CodeChallengeExpired   ErrorCode = "CHALLENGE_EXPIRED"
	CodeMailerUnavailable  ErrorCode = "MAILER_UNAVAILABLE"
	CodeRecordNotFound     ErrorCode = "COMPLIANCE_RECORD_NOT_FOUND"
	CodeExportUnavailable  ErrorCode = "EXPORT_SINK_UNAVAILABLE"
	CodeLegalNotFound      ErrorCode = "LEGAL_CHANGE_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrUnauthorized:  CodeUnauthorized,
	ErrExpired:       CodeExpired,
	ErrForbidden:     CodeForbidden,
	ErrConflict:      CodeConflict,
	ErrValidation:    CodeValidation,
	ErrStorage:       CodeStorage,
	ErrUpstream:      CodeUpstream,
	ErrAccountLocked: CodeAccountLocked,
	ErrConfigLoad:    CodeConfigLoad,
	ErrEncryption:    CodeEncryption,
	ErrDecryption:    CodeDecryption,
	ErrAuditWrite:    CodeAuditWrite,
	ErrMissingKey:    CodeMissingKey,
	ErrLimitReached:  CodeLimitReached,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		SubSystemAccount:    CodeIdentityNotFound,
		SubSystemCredential: CodeCredentialNotFound,
		SubSystemTwoFactor:  CodeChallengeNotFound,
		SubSystemCompliance: CodeRecordNotFound,
		SubSystemLegal:      CodeLegalNotFound,
	},
	ErrConflict: {
		SubSystemAccount:    CodeIdentityDuplicate,
		SubSystemCredential: CodeCredentialInactive,
	},
	ErrExpired: {
		SubSystemCredential: CodeCredentialExpired,
		SubSystemTwoFactor:  CodeChallengeExpired,
	},
	ErrForbidden: {
		SubSystemCredential: CodeScopeDenied,
	},
	ErrUpstream: {
		SubSystemTwoFactor:  CodeMailerUnavailable,
		SubSystemCompliance: CodeExportUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// ErrAccountLocked wraps ErrUnauthorized, so check the more specific one first.
	if errors.Is(err, ErrAccountLocked) {
		return CodeAccountLocked
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
