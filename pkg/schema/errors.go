package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeCrypto        = "CRYPTO_ERROR"
	ErrCodeRefreshFailed = "REFRESH_FAILED"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeAudit         = "AUDIT_ERROR"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternal      = "INTERNAL_ERROR"
)

// VaultError is the structured error type for all credential vault operations.
// Messages never carry secret material; Cause may hold the low-level error for
// operators and is not serialized.
type VaultError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *VaultError) Error() string {
	if e.ProviderID != "" {
		return fmt.Sprintf("[%s] provider %s: %s", e.Code, e.ProviderID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VaultError.
func NewError(code, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// NewErrorf creates a new VaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *VaultError {
	return &VaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithProvider attaches a provider identifier to the error.
func (e *VaultError) WithProvider(providerID string) *VaultError {
	e.ProviderID = providerID
	return e
}

// WithCause attaches an underlying cause.
func (e *VaultError) WithCause(err error) *VaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VaultError) WithDetails(details map[string]any) *VaultError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the outermost VaultError in err's chain, or "".
func ErrorCode(err error) string {
	var vErr *VaultError
	if errors.As(err, &vErr) {
		return vErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsNotFound reports whether err means "no active credentials".
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// Issues returns the validation issues attached to a VALIDATION_ERROR.
func Issues(err error) []string {
	var vErr *VaultError
	if !errors.As(err, &vErr) || vErr.Code != ErrCodeValidation {
		return nil
	}
	issues, _ := vErr.Details["issues"].([]string)
	return issues
}
