package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/checkoutflow/internal/domain"
	pkgkafka "github.com/utafrali/checkoutflow/pkg/kafka"
	"github.com/utafrali/checkoutflow/pkg/logger"
)

// Kafka topic constants for checkout domain events.
var (
	TopicCheckoutStarted   = pkgkafka.Topic("checkout", "started")
	TopicCheckoutCompleted = pkgkafka.Topic("checkout", "completed")
	TopicCheckoutFailed    = pkgkafka.Topic("checkout", "failed")
	TopicCheckoutAbandoned = pkgkafka.Topic("checkout", "abandoned")
	TopicCheckoutExpired   = pkgkafka.Topic("checkout", "expired")
)

// Aggregate type constant.
const AggregateTypeCheckout = "checkout"

// Source identifier for events originating from the checkout service.
const SourceCheckoutService = "checkout-service"

// CheckoutStartedData is the payload for a checkout.started event.
type CheckoutStartedData struct {
	ID       string            `json:"id"`
	UserID   string            `json:"user_id"`
	Items    []domain.LineItem `json:"items"`
	Subtotal int64             `json:"subtotal"`
	Currency string            `json:"currency"`
}

// CheckoutCompletedData is the payload for a checkout.completed event.
type CheckoutCompletedData struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	OrderID          string   `json:"order_id"`
	PaymentMethod    string   `json:"payment_method"`
	PaymentReference string   `json:"payment_reference"`
	DiscountCodes    []string `json:"discount_codes,omitempty"`
	GiftCardCredit   int64    `json:"gift_card_credit"`
	GrandTotal       int64    `json:"grand_total"`
	Currency         string   `json:"currency"`
}

// CheckoutFailedData is the payload for a checkout.failed event.
type CheckoutFailedData struct {
	ID                   string `json:"id"`
	UserID               string `json:"user_id"`
	Code                 string `json:"code"`
	Message              string `json:"message"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
}

// CheckoutClosedData is the payload for checkout.abandoned and
// checkout.expired events.
type CheckoutClosedData struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Step     string `json:"step"`
	Released int    `json:"released_gift_cards"`
}

// Publisher writes an event envelope to a topic. *pkgkafka.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes checkout domain events to Kafka.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer for the checkout service.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishCheckoutStarted publishes a checkout.started event.
func (p *Producer) PublishCheckoutStarted(ctx context.Context, session *domain.CheckoutSession) error {
	return p.publish(ctx, TopicCheckoutStarted, session, CheckoutStartedData{
		ID:       session.ID,
		UserID:   session.UserID,
		Items:    session.Items,
		Subtotal: session.Totals.Subtotal,
		Currency: session.Currency,
	})
}

// PublishCheckoutCompleted publishes a checkout.completed event for a placed order.
func (p *Producer) PublishCheckoutCompleted(ctx context.Context, session *domain.CheckoutSession, order *domain.Order) error {
	return p.publish(ctx, TopicCheckoutCompleted, session, CheckoutCompletedData{
		ID:               session.ID,
		UserID:           session.UserID,
		OrderID:          order.ID,
		PaymentMethod:    order.Payment.Method,
		PaymentReference: order.Payment.Reference,
		DiscountCodes:    order.DiscountCodes,
		GiftCardCredit:   order.Totals.GiftCardCredit,
		GrandTotal:       order.Totals.GrandTotal,
		Currency:         order.Currency,
	})
}

// PublishCheckoutFailed publishes a checkout.failed event.
func (p *Producer) PublishCheckoutFailed(ctx context.Context, session *domain.CheckoutSession) error {
	data := CheckoutFailedData{ID: session.ID, UserID: session.UserID}
	if f := session.Failure; f != nil {
		data.Code = f.Code
		data.Message = f.Message
		data.RequiresConfirmation = f.RequiresConfirmation
	}
	return p.publish(ctx, TopicCheckoutFailed, session, data)
}

// PublishCheckoutAbandoned publishes a checkout.abandoned event.
func (p *Producer) PublishCheckoutAbandoned(ctx context.Context, session *domain.CheckoutSession, released int) error {
	return p.publish(ctx, TopicCheckoutAbandoned, session, closedData(session, released))
}

// PublishCheckoutExpired publishes a checkout.expired event.
func (p *Producer) PublishCheckoutExpired(ctx context.Context, session *domain.CheckoutSession, released int) error {
	return p.publish(ctx, TopicCheckoutExpired, session, closedData(session, released))
}

func closedData(session *domain.CheckoutSession, released int) CheckoutClosedData {
	return CheckoutClosedData{
		ID:       session.ID,
		UserID:   session.UserID,
		Step:     string(session.CurrentStep),
		Released: released,
	}
}

func (p *Producer) publish(ctx context.Context, topic string, session *domain.CheckoutSession, data any) error {
	event, err := pkgkafka.NewEvent(topic, session.ID, AggregateTypeCheckout, SourceCheckoutService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published checkout event",
		slog.String("topic", topic),
		slog.String("checkout_id", session.ID),
		slog.String("user_id", session.UserID),
	)

	return nil
}
