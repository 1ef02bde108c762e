package formsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncErrorIsMatchesCode(t *testing.T) {
	err := NewIdentifierNotFoundError("H12-0001", FormType12Hour)
	wrapped := fmt.Errorf("lease: %w", err)

	assert.ErrorIs(t, wrapped, ErrIdentifierNotFound)
	assert.NotErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.Equal(t, "H12-0001", err.Details["id"])
	assert.Equal(t, "12Hour", err.Details["form_type"])
}

func TestSyncErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRemoteCallFailedError("create_draft", cause).WithRecord("rec-1")

	assert.Equal(t, "[remote:REMOTE_CALL_FAILED] record rec-1: create_draft failed: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	tableErr := NewTableNotFoundError("applications")
	assert.Equal(t, "[storage:TABLE_NOT_FOUND] table applications: table not found", tableErr.Error())
}

func TestSyncErrorBuilders(t *testing.T) {
	cause := errors.New("boom")
	err := NewTransformInvalidError("rec-2", "no form id").
		WithDetail("field", "formId").
		WithCause(cause)

	assert.Equal(t, "rec-2", err.RecordID)
	assert.Equal(t, "formId", err.Details["field"])
	assert.ErrorIs(t, err, ErrTransformInvalid)
	assert.ErrorIs(t, err, cause)
}

func TestErrorConstructorsCarryCodes(t *testing.T) {
	tests := []struct {
		err      *SyncError
		sentinel error
		code     string
	}{
		{NewStoreUnavailableError("closed"), ErrStoreUnavailable, ErrCodeStoreUnavailable},
		{NewIntegrityAnomalyError("r"), ErrIntegrityAnomaly, ErrCodeIntegrityAnomaly},
		{NewTokenRefreshFailedError(errors.New("401")), ErrTokenRefreshFailed, ErrCodeTokenRefreshFailed},
		{NewCircuitOpenError("create_submission"), ErrCircuitOpen, ErrCodeCircuitOpen},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, tt.err.Code)
		assert.ErrorIs(t, tt.err, tt.sentinel)
	}
	// circuit open and remote failures share a type but not a code
	assert.NotErrorIs(t, NewCircuitOpenError("x"), ErrRemoteCallFailed)
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Field: "store.driver", Message: "must be duckdb or sqlite"}
	assert.Equal(t, "config validation error for field 'store.driver': must be duckdb or sqlite", err.Error())
}
