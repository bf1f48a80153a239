package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Validation errors (request input)
const (
	ErrCodeInvalidBody      ErrorCode = "invalid_body"
	ErrCodeMissingField     ErrorCode = "missing_field"
	ErrCodeInvalidClass     ErrorCode = "invalid_class"
	ErrCodeInvalidEmail     ErrorCode = "invalid_email"
	ErrCodeInvalidKind      ErrorCode = "invalid_kind"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
)

// Resource/state errors
const (
	ErrCodeOrderNotFound   ErrorCode = "order_not_found"
	ErrCodeSessionNotFound ErrorCode = "session_not_found"
	ErrCodeSoldOut         ErrorCode = "sold_out"
)

// Auth errors
const (
	ErrCodeUnauthorized ErrorCode = "unauthorized"
)

// Backend errors
const (
	ErrCodeLedgerError   ErrorCode = "ledger_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeStoreError    ErrorCode = "store_error"
	ErrCodeProviderError ErrorCode = "provider_error"
	ErrCodeInternalError ErrorCode = "internal_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Transient backend failures are retryable; validation failures are not.
// The payment provider redelivers webhooks that received a retryable status.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeLedgerError,
		ErrCodeDatabaseError,
		ErrCodeStoreError,
		ErrCodeProviderError:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation errors
	case ErrCodeInvalidBody,
		ErrCodeMissingField,
		ErrCodeInvalidClass,
		ErrCodeInvalidEmail,
		ErrCodeInvalidKind,
		ErrCodeInvalidSignature:
		return 400

	case ErrCodeUnauthorized:
		return 401

	// 404 Not Found - clients poll on these
	case ErrCodeOrderNotFound,
		ErrCodeSessionNotFound:
		return 404

	// 409 Conflict - capacity exhausted
	case ErrCodeSoldOut:
		return 409

	// 502 Bad Gateway - external backends
	case ErrCodeLedgerError,
		ErrCodeStoreError,
		ErrCodeProviderError:
		return 502

	default:
		return 500
	}
}
