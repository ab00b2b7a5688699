package gateway

import (
	"context"
	"errors"
)

// Gateway failure classes. Implementations wrap one of these so callers can
// tell a definite refusal from an unknown outcome.
var (
	ErrDeclined    = errors.New("charge declined")
	ErrFraudHold   = errors.New("charge held for fraud review")
	ErrNetwork     = errors.New("gateway unreachable or outcome unknown")
	ErrInvalidCard = errors.New("card details rejected")
	// ErrUnavailable means the request was never sent, so nothing was charged.
	ErrUnavailable = errors.New("gateway unavailable, charge not attempted")
)

// CardDetails are raw card credentials. They are only passed to Tokenize and
// never stored.
type CardDetails struct {
	Number     string
	HolderName string
	ExpMonth   int
	ExpYear    int
	CVC        string
}

// Token is the gateway's stand-in for card details.
type Token struct {
	Token    string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// ChargeInput holds the parameters for charging a tokenized card.
type ChargeInput struct {
	Amount         int64
	Currency       string
	Token          string
	IdempotencyKey string
	Reference      string
	Description    string
}

// ChargeResult holds the result of a successful charge.
type ChargeResult struct {
	ProviderPaymentID string
	Status            string
}

// RefundInput holds the parameters for refunding a charge.
type RefundInput struct {
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Reason            string
}

// Gateway defines the interface for card payment processors.
type Gateway interface {
	// Name returns the gateway name (e.g., "mock", "payment-service").
	Name() string

	// SupportsIdempotency reports whether repeated charges with the same
	// idempotency key are collapsed into one by the processor.
	SupportsIdempotency() bool

	// Tokenize exchanges card details for a reusable token.
	Tokenize(ctx context.Context, card *CardDetails) (*Token, error)

	// Charge processes a payment charge.
	Charge(ctx context.Context, input *ChargeInput) (*ChargeResult, error)

	// Refund reverses a previous charge.
	Refund(ctx context.Context, input *RefundInput) error
}
