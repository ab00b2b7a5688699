package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidInput, ErrUnauthorized,
		ErrForbidden, ErrInternal, ErrConflict, ErrServiceUnavail,
		ErrPaymentFailed, ErrGone, ErrValidation, ErrLedger, ErrConsistency,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

func TestAppError_ErrorString(t *testing.T) {
	withInner := &AppError{Code: "INTERNAL_ERROR", Message: "commit failed", Err: fmt.Errorf("tx aborted")}
	assert.Equal(t, "INTERNAL_ERROR: commit failed: tx aborted", withInner.Error())

	bare := &AppError{Code: "NOT_FOUND", Message: "checkout not found"}
	assert.Equal(t, "NOT_FOUND: checkout not found", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestAppError_WithStep_DoesNotMutateOriginal(t *testing.T) {
	base := Payment(CodePaymentDeclined, "card declined")
	stepped := base.WithStep("review")

	assert.Equal(t, "review", stepped.Step)
	assert.Empty(t, base.Step)
	assert.True(t, errors.Is(stepped, ErrPaymentFailed))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		code     string
		status   int
		sentinel error
	}{
		{"not found", NotFound("checkout", "c-1"), "NOT_FOUND", http.StatusNotFound, ErrNotFound},
		{"already exists", AlreadyExists("order", "checkout_id", "c-1"), "ALREADY_EXISTS", http.StatusConflict, ErrAlreadyExists},
		{"invalid input", InvalidInput("bad"), "INVALID_INPUT", http.StatusBadRequest, ErrInvalidInput},
		{"unauthorized", Unauthorized("who"), "UNAUTHORIZED", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", Forbidden("nope"), "FORBIDDEN", http.StatusForbidden, ErrForbidden},
		{"conflict", Conflict("version mismatch"), "CONFLICT", http.StatusConflict, ErrConflict},
		{"gone", Gone("expired"), "GONE", http.StatusGone, ErrGone},
		{"unavailable", ServiceUnavailable("down"), "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, ErrServiceUnavail},
		{"payment failed", PaymentFailed("declined"), "PAYMENT_FAILED", http.StatusUnprocessableEntity, ErrPaymentFailed},
		{"payment code", Payment(CodePaymentFraudHold, "held"), CodePaymentFraudHold, http.StatusUnprocessableEntity, ErrPaymentFailed},
		{"confirmation required", Payment(CodePaymentConfirmationRequired, "confirm"), CodePaymentConfirmationRequired, http.StatusUnprocessableEntity, ErrPaymentFailed},
		{"ledger", Ledger(CodeDiscountNotFound, "unknown code"), CodeDiscountNotFound, http.StatusUnprocessableEntity, ErrLedger},
		{"consistency", Consistency("in flight"), CodeConsistency, http.StatusConflict, ErrConsistency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.True(t, errors.Is(tt.err, tt.sentinel))
		})
	}
}

func TestValidation_CarriesStepAndFields(t *testing.T) {
	err := Validation("address", map[string]string{"postal_code": "is required"})

	assert.Equal(t, CodeValidation, err.Code)
	assert.Equal(t, "address", err.Step)
	assert.Equal(t, "is required", err.Fields["postal_code"])
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestInternal_WrapsCause(t *testing.T) {
	err := Internal(fmt.Errorf("segfault"))
	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Contains(t, err.Error(), "segfault")
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("apply: %w", Ledger(CodeDiscountAlreadyApplied, "already applied"))
	assert.True(t, HasCode(err, CodeDiscountAlreadyApplied))
	assert.False(t, HasCode(err, CodeDiscountNotFound))
	assert.False(t, HasCode(fmt.Errorf("plain"), CodeDiscountNotFound))
}

func TestWrap(t *testing.T) {
	wrapped := Wrap(ErrNotFound, "get checkout")
	assert.Contains(t, wrapped.Error(), "get checkout")
	assert.True(t, errors.Is(wrapped, ErrNotFound))
}

func TestHTTPStatus_SentinelErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{ErrConsistency, http.StatusConflict},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrPaymentFailed, http.StatusUnprocessableEntity},
		{ErrValidation, http.StatusUnprocessableEntity},
		{ErrLedger, http.StatusUnprocessableEntity},
		{ErrGone, http.StatusGone},
		{ErrServiceUnavail, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(fmt.Errorf("outer: %w", tt.err)))
		})
	}
}

func TestHTTPStatus_AppErrorAndUnknown(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("checkout", "1")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("unknown")))
}
