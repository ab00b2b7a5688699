package httpgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/utafrali/checkoutflow/internal/payment/gateway"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/httpclient"
)

const serviceName = "payment"

// HTTPDoer is the interface for executing HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Gateway charges cards through the payment service.
type Gateway struct {
	client      HTTPDoer
	baseURL     string
	idempotency bool
	logger      *slog.Logger
}

// New creates a gateway for the payment service at baseURL. idempotency
// declares whether that deployment honors the Idempotency-Key header.
func New(client HTTPDoer, baseURL string, idempotency bool, logger *slog.Logger) *Gateway {
	return &Gateway{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		idempotency: idempotency,
		logger:      logger,
	}
}

// Name returns the gateway name.
func (g *Gateway) Name() string {
	return "payment-service"
}

// SupportsIdempotency reports whether idempotency keys are honored.
func (g *Gateway) SupportsIdempotency() bool {
	return g.idempotency
}

type tokenizeRequest struct {
	Number     string `json:"number"`
	HolderName string `json:"holder_name"`
	ExpMonth   int    `json:"exp_month"`
	ExpYear    int    `json:"exp_year"`
	CVC        string `json:"cvc"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

type chargeRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Token       string `json:"token"`
	Reference   string `json:"reference"`
	Description string `json:"description,omitempty"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type refundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// Tokenize exchanges card details for a token held by the payment service.
func (g *Gateway) Tokenize(ctx context.Context, card *gateway.CardDetails) (*gateway.Token, error) {
	req, err := httpclient.NewJSONRequest(ctx, http.MethodPost, g.baseURL+"/api/v1/payments/tokens", tokenizeRequest{
		Number:     gateway.Normalize(card.Number),
		HolderName: card.HolderName,
		ExpMonth:   card.ExpMonth,
		ExpYear:    card.ExpYear,
		CVC:        card.CVC,
	})
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: call payment service: %v", gateway.ErrNetwork, err)
	}

	var out tokenResponse
	if err := httpclient.DecodeData(resp, serviceName, &out); err != nil {
		if errors.Is(err, apperrors.ErrInvalidInput) || errors.Is(err, apperrors.ErrPaymentFailed) {
			return nil, &gateway.InvalidCardError{Fields: map[string]string{"card_number": "was rejected by the card issuer"}}
		}
		return nil, classify(err)
	}

	return &gateway.Token{
		Token:    out.Token,
		Brand:    out.Brand,
		Last4:    out.Last4,
		ExpMonth: out.ExpMonth,
		ExpYear:  out.ExpYear,
	}, nil
}

// Charge charges a tokenized card. The idempotency key is sent on every
// attempt so retries never settle twice.
func (g *Gateway) Charge(ctx context.Context, input *gateway.ChargeInput) (*gateway.ChargeResult, error) {
	req, err := httpclient.NewJSONRequest(ctx, http.MethodPost, g.baseURL+"/api/v1/payments/charges", chargeRequest{
		Amount:      input.Amount,
		Currency:    input.Currency,
		Token:       input.Token,
		Reference:   input.Reference,
		Description: input.Description,
	})
	if err != nil {
		return nil, err
	}
	if input.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", input.IdempotencyKey)
	}

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		if httpclient.IsRejected(err) {
			return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: call payment service: %v", gateway.ErrNetwork, err)
	}

	var out chargeResponse
	if err := httpclient.DecodeData(resp, serviceName, &out); err != nil {
		return nil, classify(err)
	}
	if out.Status != "" && out.Status != "succeeded" {
		return nil, fmt.Errorf("%w: payment status %s", gateway.ErrDeclined, out.Status)
	}

	g.logger.InfoContext(ctx, "card charged",
		slog.String("reference", input.Reference),
		slog.String("payment_id", out.ID),
		slog.Int64("amount", input.Amount),
	)

	return &gateway.ChargeResult{ProviderPaymentID: out.ID, Status: out.Status}, nil
}

// Refund reverses a charge.
func (g *Gateway) Refund(ctx context.Context, input *gateway.RefundInput) error {
	reason := input.Reason
	if reason == "" {
		reason = "checkout compensation"
	}
	req, err := httpclient.NewJSONRequest(ctx, http.MethodPost,
		g.baseURL+"/api/v1/payments/"+input.ProviderPaymentID+"/refund",
		refundRequest{Amount: input.Amount, Reason: reason})
	if err != nil {
		return err
	}

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: call payment service: %v", gateway.ErrNetwork, err)
	}
	if err := httpclient.DecodeData(resp, serviceName, nil); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps a payment service error onto the gateway failure classes.
// Definite 4xx refusals are declines; everything else leaves the outcome
// unknown.
func classify(err error) error {
	if apperrors.HasCode(err, apperrors.CodePaymentFraudHold) {
		return fmt.Errorf("%w: %v", gateway.ErrFraudHold, err)
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Status >= 400 && appErr.Status < 500 && appErr.Status != http.StatusConflict {
		return fmt.Errorf("%w: %v", gateway.ErrDeclined, err)
	}
	return fmt.Errorf("%w: %v", gateway.ErrNetwork, err)
}
