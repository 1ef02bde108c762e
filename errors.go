package formsync

import (
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeStorage   ErrorType = "storage"
	ErrorTypeNotFound  ErrorType = "not_found"
	ErrorTypeTransform ErrorType = "transform"
	ErrorTypeRemote    ErrorType = "remote"
	ErrorTypeIntegrity ErrorType = "integrity"
	ErrorTypeAuth      ErrorType = "auth"
)

// Error codes
const (
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeTableNotFound      = "TABLE_NOT_FOUND"
	ErrCodeIdentifierNotFound = "IDENTIFIER_NOT_FOUND"
	ErrCodeTransformInvalid   = "TRANSFORM_INVALID"
	ErrCodeRemoteCallFailed   = "REMOTE_CALL_FAILED"
	ErrCodeIntegrityAnomaly   = "INTEGRITY_ANOMALY"
	ErrCodeTokenRefreshFailed = "TOKEN_REFRESH_FAILED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
)

// SyncError is the error type returned across package boundaries.
type SyncError struct {
	Type     ErrorType      `json:"type"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Table    string         `json:"table,omitempty"`
	RecordID string         `json:"recordId,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Cause    error          `json:"-"`
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("[%s:%s]", e.Type, e.Code)
	if e.Table != "" {
		msg += " table " + e.Table + ":"
	}
	if e.RecordID != "" {
		msg += " record " + e.RecordID + ":"
	}
	msg += " " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is matches any *SyncError carrying the same code, so the package sentinels work with errors.Is.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a single detail
func (e *SyncError) WithDetail(key string, value any) *SyncError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *SyncError) WithCause(cause error) *SyncError {
	e.Cause = cause
	return e
}

// WithRecord attaches the local record id
func (e *SyncError) WithRecord(id string) *SyncError {
	e.RecordID = id
	return e
}

// Sentinels for errors.Is. Never mutate these; the constructors return fresh values.
var (
	ErrStoreUnavailable   = &SyncError{Type: ErrorTypeStorage, Code: ErrCodeStoreUnavailable}
	ErrTableNotFound      = &SyncError{Type: ErrorTypeStorage, Code: ErrCodeTableNotFound}
	ErrIdentifierNotFound = &SyncError{Type: ErrorTypeNotFound, Code: ErrCodeIdentifierNotFound}
	ErrTransformInvalid   = &SyncError{Type: ErrorTypeTransform, Code: ErrCodeTransformInvalid}
	ErrRemoteCallFailed   = &SyncError{Type: ErrorTypeRemote, Code: ErrCodeRemoteCallFailed}
	ErrIntegrityAnomaly   = &SyncError{Type: ErrorTypeIntegrity, Code: ErrCodeIntegrityAnomaly}
	ErrTokenRefreshFailed = &SyncError{Type: ErrorTypeAuth, Code: ErrCodeTokenRefreshFailed}
	ErrCircuitOpen        = &SyncError{Type: ErrorTypeRemote, Code: ErrCodeCircuitOpen}
)

// NewStoreUnavailableError is returned when the store handle is missing or closed.
func NewStoreUnavailableError(message string) *SyncError {
	return &SyncError{
		Type:    ErrorTypeStorage,
		Code:    ErrCodeStoreUnavailable,
		Message: message,
	}
}

// NewTableNotFoundError indicates a schema/version mismatch.
func NewTableNotFoundError(table string) *SyncError {
	return &SyncError{
		Type:    ErrorTypeStorage,
		Code:    ErrCodeTableNotFound,
		Message: "table not found",
		Table:   table,
	}
}

// NewIdentifierNotFoundError is returned when a lease targets an id outside the local pool.
func NewIdentifierNotFoundError(id string, formType FormType) *SyncError {
	return &SyncError{
		Type:    ErrorTypeNotFound,
		Code:    ErrCodeIdentifierNotFound,
		Message: fmt.Sprintf("form identifier %s (%s) not in local pool", id, formType),
		Details: map[string]any{
			"id":        id,
			"form_type": string(formType),
		},
	}
}

// NewTransformInvalidError marks a record that could not be mapped to a server payload.
func NewTransformInvalidError(recordID, message string) *SyncError {
	return &SyncError{
		Type:     ErrorTypeTransform,
		Code:     ErrCodeTransformInvalid,
		Message:  message,
		RecordID: recordID,
	}
}

// NewRemoteCallFailedError wraps a network or server failure.
func NewRemoteCallFailedError(operation string, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeRemote,
		Code:    ErrCodeRemoteCallFailed,
		Message: operation + " failed",
		Cause:   cause,
		Details: map[string]any{
			"operation": operation,
		},
	}
}

// NewIntegrityAnomalyError marks a record with exactly one server id.
func NewIntegrityAnomalyError(recordID string) *SyncError {
	return &SyncError{
		Type:     ErrorTypeIntegrity,
		Code:     ErrCodeIntegrityAnomaly,
		Message:  "record has exactly one of serverDraftId/serverApplicationId",
		RecordID: recordID,
	}
}

// NewTokenRefreshFailedError aborts a sync pass.
func NewTokenRefreshFailedError(cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeAuth,
		Code:    ErrCodeTokenRefreshFailed,
		Message: "token refresh failed",
		Cause:   cause,
	}
}

// NewCircuitOpenError is returned when the remote breaker short-circuits a call.
func NewCircuitOpenError(operation string) *SyncError {
	return &SyncError{
		Type:    ErrorTypeRemote,
		Code:    ErrCodeCircuitOpen,
		Message: "circuit open, skipped " + operation,
	}
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
