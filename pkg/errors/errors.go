package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrGone           = errors.New("gone")
	ErrServiceUnavail = errors.New("service unavailable")
	ErrPaymentFailed  = errors.New("payment failed")

	// Checkout error taxonomy.
	ErrValidation  = errors.New("validation failed")
	ErrLedger      = errors.New("ledger operation rejected")
	ErrConsistency = errors.New("consistency violation")
)

// Ledger error codes.
const (
	CodeDiscountNotFound        = "DISCOUNT_NOT_FOUND"
	CodeDiscountIneligible      = "DISCOUNT_INELIGIBLE"
	CodeDiscountAlreadyApplied  = "DISCOUNT_ALREADY_APPLIED"
	CodeGiftCardInsufficientBal = "GIFT_CARD_INSUFFICIENT_BALANCE"
	CodeGiftCardInvalid         = "GIFT_CARD_INVALID"
)

// Payment error codes.
const (
	CodePaymentDeclined     = "PAYMENT_DECLINED"
	CodePaymentFraudHold    = "PAYMENT_FRAUD_HOLD"
	CodePaymentNetworkError = "PAYMENT_NETWORK_ERROR"
	CodePaymentUnavailable  = "PAYMENT_UNAVAILABLE"

	// CodePaymentConfirmationRequired is returned when a prior charge outcome
	// is unknown and the buyer must confirm before it is retried.
	CodePaymentConfirmationRequired = "PAYMENT_CONFIRMATION_REQUIRED"
)

// Validation and consistency error codes.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeConsistency = "CONSISTENCY_ERROR"
)

// AppError represents a structured application error with HTTP status mapping.
// Step and Fields attach the error to the checkout step or form fields it
// concerns so the view layer can render it inline.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Step    string            `json:"step,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	Status  int               `json:"-"`
	Err     error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithStep returns a copy of the error attached to the given checkout step.
func (e *AppError) WithStep(step string) *AppError {
	cpy := *e
	cpy.Step = step
	return &cpy
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// Conflict creates a 409 error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// Gone creates a 410 error.
func Gone(message string) *AppError {
	return &AppError{
		Code:    "GONE",
		Message: message,
		Status:  http.StatusGone,
		Err:     ErrGone,
	}
}

// ServiceUnavailable creates a 503 error.
func ServiceUnavailable(message string) *AppError {
	return &AppError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
		Status:  http.StatusServiceUnavailable,
		Err:     ErrServiceUnavail,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// PaymentFailed creates a 422 error for a payment charge failure.
func PaymentFailed(message string) *AppError {
	return Payment("PAYMENT_FAILED", message)
}

// Payment creates a 422 error carrying one of the payment failure codes.
func Payment(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrPaymentFailed,
	}
}

// Validation creates a 422 error for a checkout step whose fields failed validation.
func Validation(step string, fields map[string]string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("step %s is not complete", step),
		Step:    step,
		Fields:  fields,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrValidation,
	}
}

// Ledger creates a 422 error for a rejected discount or gift card operation.
func Ledger(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrLedger,
	}
}

// Consistency creates a 409 error for a request made against stale or invalid state.
func Consistency(message string) *AppError {
	return &AppError{
		Code:    CodeConsistency,
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConsistency,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict), errors.Is(err, ErrConsistency):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrPaymentFailed), errors.Is(err, ErrValidation), errors.Is(err, ErrLedger):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
