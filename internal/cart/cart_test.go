package cart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/checkoutflow/pkg/errors"
	"github.com/utafrali/checkoutflow/pkg/httpclient"
)

func newProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := httpclient.New(httpclient.Config{Timeout: 2 * time.Second})
	return NewHTTPProvider(client, srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetCart(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cart", r.URL.Path)
		assert.Equal(t, "user-1", r.Header.Get("X-User-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"data":{"id":"cart-1","user_id":"user-1","currency":"USD","items":[
			{"product_id":"p1","variant_id":"v1","name":"Mug","sku":"MUG","price":1250,"quantity":2},
			{"product_id":"p2","variant_id":"v2","name":"Gift wrap","sku":"WRAP","price":300,"quantity":1,"tax_exempt":true},
			{"product_id":"p3","variant_id":"v3","name":"Ghost","sku":"GHOST","price":100,"quantity":0}
		]}}`)
	})

	c, err := p.GetCart(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "USD", c.Currency)
	require.Len(t, c.Items, 2)
	assert.Equal(t, int64(1250), c.Items[0].UnitPrice)
	assert.True(t, c.Items[0].Taxable)
	assert.False(t, c.Items[1].Taxable)
}

func TestGetCart_NotFound(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"cart not found"}}`)
	})

	_, err := p.GetCart(context.Background(), "user-1")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGetCart_CircuitOpenFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cb := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.Config{Timeout: 2 * time.Second}),
		httpclient.CircuitBreakerConfig{Name: "cart-test", MaxRequests: 1, Timeout: time.Minute, FailureRatio: 0.5, MinRequests: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	).WithFallback(CircuitOpenFallback)
	p := NewHTTPProvider(cb, srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := p.GetCart(context.Background(), "user-1")
	require.Error(t, err)

	_, err = p.GetCart(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrServiceUnavail))
	assert.Equal(t, int32(1), calls.Load())
}
