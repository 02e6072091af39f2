package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Registry errors
const (
	// ErrCodeRegistryUnavailable indicates the registry agent could not be reached.
	ErrCodeRegistryUnavailable ErrorCode = "REGISTRY_UNAVAILABLE"
	// ErrCodeRegistrationFailed indicates the registry answered a write with a non-success status.
	ErrCodeRegistrationFailed ErrorCode = "REGISTRATION_FAILED"
	// ErrCodeShuttingDown indicates the operation was refused because shutdown has begun.
	ErrCodeShuttingDown ErrorCode = "SHUTTING_DOWN"
)

// Discovery/call errors
const (
	// ErrCodeNoHealthyInstances indicates discovery produced nothing to call.
	ErrCodeNoHealthyInstances ErrorCode = "NO_HEALTHY_INSTANCES"
	// ErrCodeServiceCallFailed indicates every attempt of a service call failed.
	ErrCodeServiceCallFailed ErrorCode = "SERVICE_CALL_FAILED"
)

// Connection/Availability errors (retryable)
const (
	// ErrCodeServiceUnavailable indicates the service is temporarily unavailable.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// Resource and validation errors
const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
)

// Internal errors
const (
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeRegistryUnavailable: true,
	ErrCodeNoHealthyInstances:  true,
	ErrCodeServiceUnavailable:  true,
	ErrCodeTimeout:             true,
	ErrCodeRegistrationFailed:  false,
	ErrCodeServiceCallFailed:   false,
	ErrCodeShuttingDown:        false,
	ErrCodeInternal:            false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
