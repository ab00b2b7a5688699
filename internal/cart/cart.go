package cart

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/utafrali/checkoutflow/internal/domain"
	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/httpclient"
)

const serviceName = "cart"

// Cart is the shopper's cart as seen by checkout.
type Cart struct {
	ID       string
	UserID   string
	Currency string
	Items    []domain.LineItem
}

// Provider loads the cart a checkout is started from.
type Provider interface {
	GetCart(ctx context.Context, userID string) (*Cart, error)
}

// HTTPDoer is the interface for executing HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPProvider reads carts from the cart service.
type HTTPProvider struct {
	client  HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// NewHTTPProvider creates a cart provider for the cart service at baseURL.
func NewHTTPProvider(client HTTPDoer, baseURL string, logger *slog.Logger) *HTTPProvider {
	return &HTTPProvider{client: client, baseURL: strings.TrimRight(baseURL, "/"), logger: logger}
}

type cartResponse struct {
	ID       string             `json:"id"`
	UserID   string             `json:"user_id"`
	Currency string             `json:"currency"`
	Items    []cartItemResponse `json:"items"`
}

type cartItemResponse struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
	TaxExempt bool   `json:"tax_exempt,omitempty"`
}

// GetCart fetches the user's cart.
func (p *HTTPProvider) GetCart(ctx context.Context, userID string) (*Cart, error) {
	req, err := httpclient.NewJSONRequest(ctx, http.MethodGet, p.baseURL+"/api/v1/cart", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", userID)

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call cart service: %w", err)
	}

	var out cartResponse
	if err := httpclient.DecodeData(resp, serviceName, &out); err != nil {
		return nil, err
	}

	items := make([]domain.LineItem, 0, len(out.Items))
	for _, item := range out.Items {
		if item.Quantity <= 0 {
			continue
		}
		items = append(items, domain.LineItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			UnitPrice: item.Price,
			Quantity:  item.Quantity,
			Taxable:   !item.TaxExempt,
		})
	}

	p.logger.DebugContext(ctx, "cart loaded",
		slog.String("cart_id", out.ID),
		slog.Int("items", len(items)),
	)

	return &Cart{ID: out.ID, UserID: out.UserID, Currency: out.Currency, Items: items}, nil
}

// CircuitOpenFallback reports the cart service as unavailable while its
// circuit breaker is open, so shoppers get a 503 instead of an internal error.
func CircuitOpenFallback(_ context.Context, _ error) (*http.Response, error) {
	return nil, apperrors.ServiceUnavailable("cart service is temporarily unavailable")
}
