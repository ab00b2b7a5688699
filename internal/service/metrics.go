package service

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_submissions_total",
			Help: "Checkout submissions by outcome.",
		},
		[]string{"outcome"},
	)

	chargeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_charge_attempts_total",
			Help: "Payment charge attempts by method and result.",
		},
		[]string{"method", "result"},
	)

	stepTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_step_transitions_total",
			Help: "Checkout step changes.",
		},
		[]string{"from", "to"},
	)

	sweptSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_swept_sessions_total",
			Help: "Sessions closed or recovered by the expiry sweeper.",
		},
		[]string{"action"},
	)
)

// ObserveTransition records a step change. It is meant to be passed to
// flow.WithTransitionObserver.
func ObserveTransition(from, to domain.Step) {
	stepTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// outcomeLabel turns an error code into a bounded metric label.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	for _, code := range []string{
		apperrors.CodePaymentDeclined,
		apperrors.CodePaymentFraudHold,
		apperrors.CodePaymentNetworkError,
		apperrors.CodePaymentUnavailable,
		apperrors.CodeGiftCardInvalid,
		apperrors.CodeGiftCardInsufficientBal,
		apperrors.CodeDiscountIneligible,
		apperrors.CodeValidation,
		apperrors.CodeConsistency,
	} {
		if apperrors.HasCode(err, code) {
			return strings.ToLower(code)
		}
	}
	return "error"
}
