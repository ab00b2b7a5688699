package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/checkoutflow/internal/payment/gateway"
)

// Card numbers that force a charge outcome when no script is queued.
const (
	CardSuccess      = "4242424242424242"
	CardDeclined     = "4000000000000002"
	CardFraudHold    = "4100000000000019"
	CardNetworkError = "4000000000000119"
)

// Gateway is an in-process card gateway for development and tests. Outcomes
// come from the queued script first, then from the test card number.
type Gateway struct {
	mu         sync.Mutex
	idempotent bool
	latency    time.Duration
	script     []error
	calls      int
	byKey      map[string]*gateway.ChargeResult
	tokens     map[string]string
	refunds    []string
	now        func() time.Time
}

// Option configures the mock gateway.
type Option func(*Gateway)

// WithIdempotency sets whether repeated idempotency keys are collapsed.
func WithIdempotency(enabled bool) Option {
	return func(g *Gateway) { g.idempotent = enabled }
}

// WithLatency delays every charge by d.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) { g.latency = d }
}

// New creates a mock gateway. Idempotency keys are honored by default.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		idempotent: true,
		byKey:      make(map[string]*gateway.ChargeResult),
		tokens:     make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the gateway name.
func (g *Gateway) Name() string {
	return "mock"
}

// SupportsIdempotency reports whether idempotency keys are honored.
func (g *Gateway) SupportsIdempotency() bool {
	return g.idempotent
}

// Script queues outcomes for the next charges. A nil entry succeeds.
func (g *Gateway) Script(outcomes ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomes...)
}

// Calls returns how many charges reached the processor. Replays of a known
// idempotency key are not counted.
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Refunds returns the payment IDs refunded so far.
func (g *Gateway) Refunds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunds...)
}

// Tokenize validates the card and returns a token for it.
func (g *Gateway) Tokenize(_ context.Context, card *gateway.CardDetails) (*gateway.Token, error) {
	if fields := gateway.ValidateCard(card, g.now()); fields != nil {
		return nil, &gateway.InvalidCardError{Fields: fields}
	}
	number := gateway.Normalize(card.Number)
	tok := &gateway.Token{
		Token:    "tok_" + uuid.New().String(),
		Brand:    gateway.Brand(number),
		Last4:    number[len(number)-4:],
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
	}

	g.mu.Lock()
	g.tokens[tok.Token] = number
	g.mu.Unlock()
	return tok, nil
}

// Charge simulates a charge.
func (g *Gateway) Charge(ctx context.Context, input *gateway.ChargeInput) (*gateway.ChargeResult, error) {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", gateway.ErrNetwork, ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idempotent && input.IdempotencyKey != "" {
		if res, ok := g.byKey[input.IdempotencyKey]; ok {
			return res, nil
		}
	}
	g.calls++

	if err := g.nextOutcome(input.Token); err != nil {
		return nil, err
	}

	res := &gateway.ChargeResult{
		ProviderPaymentID: "mock_pay_" + uuid.New().String(),
		Status:            "succeeded",
	}
	if input.IdempotencyKey != "" {
		g.byKey[input.IdempotencyKey] = res
	}
	return res, nil
}

func (g *Gateway) nextOutcome(token string) error {
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		return err
	}
	switch g.tokens[token] {
	case CardDeclined:
		return fmt.Errorf("%w: insufficient funds", gateway.ErrDeclined)
	case CardFraudHold:
		return fmt.Errorf("%w: manual review required", gateway.ErrFraudHold)
	case CardNetworkError:
		return fmt.Errorf("%w: connection reset by peer", gateway.ErrNetwork)
	}
	return nil
}

// Refund simulates a refund that always succeeds.
func (g *Gateway) Refund(_ context.Context, input *gateway.RefundInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, input.ProviderPaymentID)
	return nil
}
