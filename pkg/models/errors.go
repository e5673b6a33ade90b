package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, documented code attached to every rejected or
// failed operation. Partial success is never reported as success.
type ErrorCode string

const (
	CodeInvalidIdentifier       ErrorCode = "invalid_identifier"
	CodeStaleOwnership          ErrorCode = "stale_ownership"
	CodeDestinationIneligible   ErrorCode = "destination_ineligible"
	CodeTooManyPendingTransfers ErrorCode = "too_many_pending_transfers"
	CodeUnknownCoordinator      ErrorCode = "unknown_coordinator"
	CodeUnknownAgent            ErrorCode = "unknown_agent"
	CodeAgentIDConflict         ErrorCode = "agent_id_conflict"
	CodeCoordinatorNotEmpty     ErrorCode = "coordinator_not_empty"
	CodeTransferCanceled        ErrorCode = "transfer_canceled"
)

// RegistryError pairs a stable code with a human-readable reason.
type RegistryError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewRegistryError builds a coded error with a formatted reason string.
func NewRegistryError(code ErrorCode, format string, args ...interface{}) *RegistryError {
	return &RegistryError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code from err, or empty if err carries none.
func CodeOf(err error) ErrorCode {
	var re *RegistryError
	if errors.As(err, &re) {
		return re.Code
	}

	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
