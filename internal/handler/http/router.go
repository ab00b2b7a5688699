package http

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/checkoutflow/internal/service"
	"github.com/utafrali/checkoutflow/pkg/health"
	pkglogger "github.com/utafrali/checkoutflow/pkg/logger"
	"github.com/utafrali/checkoutflow/pkg/middleware"
)

// RouterConfig carries the HTTP-layer settings that are not part of the
// checkout service itself.
type RouterConfig struct {
	ServiceName string
	CORS        middleware.CORSConfig
	// RateLimit throttles the checkout API per shopper. A zero RPS
	// disables it.
	RateLimit middleware.RateLimitConfig
}

// NewRouter creates a chi router with all checkout service routes registered.
func NewRouter(
	checkoutService *service.CheckoutService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Checkout API endpoints
	checkoutHandler := NewCheckoutHandler(checkoutService, logger)

	r.Route("/api/v1/checkout", func(r chi.Router) {
		if cfg.RateLimit.RPS > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimit, logger))
		}
		r.Use(ContentTypeJSON)
		checkoutHandler.Routes(r)
	})

	return r
}

// Routes registers the checkout endpoints on r.
func (h *CheckoutHandler) Routes(r chi.Router) {
	r.Post("/", h.StartCheckout)

	r.Route("/{id}", func(r chi.Router) {
		r.Use(checkoutContext)

		r.Get("/", h.GetCheckout)
		r.Put("/shipping-address", h.SetShippingAddress)
		r.Put("/billing-address", h.SetBillingAddress)
		r.Get("/shipping-methods", h.ListShippingMethods)
		r.Put("/shipping-method", h.SelectShippingMethod)
		r.Post("/discounts", h.ApplyDiscountCode)
		r.Delete("/discounts/{code}", h.RemoveDiscountCode)
		r.Post("/gift-cards", h.RedeemGiftCard)
		r.Delete("/gift-cards/{cardID}", h.ReleaseGiftCard)
		r.Put("/payment-method", h.SetPaymentMethod)
		r.Post("/next", h.NextStep)
		r.Post("/back", h.PreviousStep)
		r.Put("/step", h.GoToStep)
		r.Post("/submit", h.Submit)
		r.Post("/abandon", h.Abandon)
		r.Get("/order", h.GetOrder)
	})
}

// checkoutContext tags the request context and its logger with the checkout
// ID from the path.
func checkoutContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx := pkglogger.WithCheckoutID(r.Context(), id)
		ctx = pkglogger.NewContext(ctx, pkglogger.FromContext(ctx).With(slog.String("checkout_id", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContentTypeJSON rejects request bodies that are not declared as JSON.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			ct := r.Header.Get("Content-Type")
			if r.ContentLength != 0 && ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeInvalidInput(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
