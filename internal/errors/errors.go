// Package errors defines the closed error taxonomy returned by every ledger
// component. Storage and transport failures are translated into one of these
// codes at the component boundary; callers never see driver or RPC types.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies one member of the taxonomy.
type Code string

const (
	CodeInsufficientFunds           Code = "INSUFFICIENT_FUNDS"
	CodeDuplicateOperation          Code = "DUPLICATE_OPERATION"
	CodeExternalSubmissionFailed    Code = "EXTERNAL_SUBMISSION_FAILED"
	CodeExternalConfirmationTimeout Code = "EXTERNAL_CONFIRMATION_TIMEOUT"
	CodeReconciliationConflict      Code = "RECONCILIATION_CONFLICT"
	CodeBudgetExceeded              Code = "BUDGET_EXCEEDED"

	// Boundary codes for requests that never reach the ledger core.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInternal        Code = "INTERNAL"
)

// Codes lists every member of the taxonomy.
func Codes() []Code {
	return []Code{
		CodeInsufficientFunds,
		CodeDuplicateOperation,
		CodeExternalSubmissionFailed,
		CodeExternalConfirmationTimeout,
		CodeReconciliationConflict,
		CodeBudgetExceeded,
		CodeInvalidArgument,
		CodeNotFound,
		CodeInternal,
	}
}

// HTTPStatus maps the code onto a response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case CodeDuplicateOperation:
		return http.StatusConflict
	case CodeExternalSubmissionFailed:
		return http.StatusBadGateway
	case CodeExternalConfirmationTimeout:
		return http.StatusGatewayTimeout
	case CodeReconciliationConflict:
		return http.StatusConflict
	case CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		panic(fmt.Sprintf("errors: unknown code %q", string(c)))
	}
}

// Retryable reports whether a caller may retry the same operation.
func (c Code) Retryable() bool {
	switch c {
	case CodeExternalSubmissionFailed, CodeInternal:
		return true
	case CodeInsufficientFunds, CodeDuplicateOperation, CodeExternalConfirmationTimeout,
		CodeReconciliationConflict, CodeBudgetExceeded, CodeInvalidArgument, CodeNotFound:
		return false
	default:
		panic(fmt.Sprintf("errors: unknown code %q", string(c)))
	}
}

// ServiceError is the only error type surfaced by the ledger core.
type ServiceError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Cause returns the underlying failure for logging. It is deliberately not
// exposed through Unwrap.
func (e *ServiceError) Cause() error { return e.cause }

// WithDetails returns a copy carrying an additional detail.
func (e *ServiceError) WithDetails(key string, value any) *ServiceError {
	clone := *e
	clone.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// Is matches on code so errors.Is(err, errors.InsufficientFunds(0, 0)) works.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, cause error, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// InsufficientFunds reports that available funds cannot cover a request.
func InsufficientFunds(available, requested uint64) *ServiceError {
	return newError(CodeInsufficientFunds, nil, "insufficient funds: available %d, requested %d", available, requested).
		WithDetails("available", available).
		WithDetails("requested", requested)
}

// DuplicateOperation reports an idempotency key reused with a different payload.
func DuplicateOperation(key string) *ServiceError {
	return newError(CodeDuplicateOperation, nil, "operation %s already exists with different parameters", key).
		WithDetails("key", key)
}

// ExternalSubmissionFailed wraps a failed submission to the external ledger.
func ExternalSubmissionFailed(reason string, cause error) *ServiceError {
	return newError(CodeExternalSubmissionFailed, cause, "external submission failed: %s", reason)
}

// ExternalConfirmationTimeout reports that no confirmation arrived in time.
func ExternalConfirmationTimeout(signature string) *ServiceError {
	return newError(CodeExternalConfirmationTimeout, nil, "no confirmation observed for %s", signature).
		WithDetails("signature", signature)
}

// ReconciliationConflict reports an external observation that references an
// internal record already in a terminal state.
func ReconciliationConflict(format string, args ...any) *ServiceError {
	return newError(CodeReconciliationConflict, nil, format, args...)
}

// BudgetExceeded reports that a sponsorship ceiling would be crossed.
func BudgetExceeded(ceiling string, limit, wouldBe uint64) *ServiceError {
	return newError(CodeBudgetExceeded, nil, "sponsor %s budget exceeded: limit %d, would reach %d", ceiling, limit, wouldBe).
		WithDetails("ceiling", ceiling).
		WithDetails("limit", limit).
		WithDetails("would_be", wouldBe)
}

// InvalidArgument rejects a malformed request.
func InvalidArgument(format string, args ...any) *ServiceError {
	return newError(CodeInvalidArgument, nil, format, args...)
}

// NotFound reports a missing record.
func NotFound(kind, id string) *ServiceError {
	return newError(CodeNotFound, nil, "%s %s not found", kind, id).
		WithDetails("kind", kind).
		WithDetails("id", id)
}

// Internal hides an unexpected failure behind the taxonomy.
func Internal(message string, cause error) *ServiceError {
	return newError(CodeInternal, cause, "%s", message)
}

// GetServiceError extracts the ServiceError from err, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

// Translate passes taxonomy errors through and wraps anything else as
// INTERNAL with the given context message.
func Translate(err error, message string) error {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}
	return Internal(message, err)
}
