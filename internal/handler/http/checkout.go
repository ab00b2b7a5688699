package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/internal/payment/gateway"
	"github.com/utafrali/checkoutflow/internal/service"
	"github.com/utafrali/checkoutflow/pkg/httputil"
	"github.com/utafrali/checkoutflow/pkg/validator"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// CheckoutHandler handles HTTP requests for checkout endpoints.
type CheckoutHandler struct {
	service *service.CheckoutService
	logger  *slog.Logger
}

// NewCheckoutHandler creates a new checkout HTTP handler.
func NewCheckoutHandler(svc *service.CheckoutService, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// AddressRequest is an address as entered by the shopper. Field rules beyond
// length limits are applied by the checkout service so that failures attach
// to the step being edited.
type AddressRequest struct {
	FullName   string `json:"full_name" validate:"max=100"`
	Line1      string `json:"line1" validate:"max=200"`
	Line2      string `json:"line2" validate:"max=200"`
	City       string `json:"city" validate:"max=100"`
	Region     string `json:"region" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"max=20"`
	Country    string `json:"country" validate:"max=2"`
	Phone      string `json:"phone" validate:"max=32"`
}

func (a AddressRequest) toDomain() domain.Address {
	return domain.Address{
		FullName:   a.FullName,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

// SetBillingAddressRequest is the JSON request body for setting the billing address.
type SetBillingAddressRequest struct {
	SameAsShipping bool            `json:"same_as_shipping"`
	Address        *AddressRequest `json:"address"`
}

// SelectShippingMethodRequest is the JSON request body for choosing a shipping option.
type SelectShippingMethodRequest struct {
	MethodID string `json:"method_id" validate:"required"`
}

// ApplyDiscountRequest is the JSON request body for applying a discount code.
type ApplyDiscountRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// RedeemGiftCardRequest is the JSON request body for redeeming a gift card.
type RedeemGiftCardRequest struct {
	CardID string `json:"card_id" validate:"required,max=64"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

// CardRequest carries raw card details. They are tokenized by the gateway and
// never stored.
type CardRequest struct {
	Number     string `json:"number" validate:"required,min=12,max=19"`
	HolderName string `json:"holder_name" validate:"max=100"`
	ExpMonth   int    `json:"exp_month" validate:"gte=1,lte=12"`
	ExpYear    int    `json:"exp_year" validate:"gt=0"`
	CVC        string `json:"cvc" validate:"required,min=3,max=4"`
}

// SetPaymentMethodRequest is the JSON request body for setting the payment method.
type SetPaymentMethodRequest struct {
	Kind string       `json:"kind" validate:"required,oneof=card gift_card_only"`
	Card *CardRequest `json:"card" validate:"required_if=Kind card"`
}

// GoToStepRequest is the JSON request body for jumping to a step.
type GoToStepRequest struct {
	Step string `json:"step" validate:"required"`
}

// SubmitRequest is the optional JSON request body for submitting a checkout.
type SubmitRequest struct {
	Confirm bool `json:"confirm"`
}

// --- Response DTOs ---

// SessionResponse is the session as rendered by the view, together with the
// summary figures derived from it.
type SessionResponse struct {
	*domain.CheckoutSession
	ItemCount          int    `json:"item_count"`
	AmountDueByCard    int64  `json:"amount_due_by_card"`
	PaymentDescription string `json:"payment_description,omitempty"`
}

func (h *CheckoutHandler) sessionResponse(session *domain.CheckoutSession) SessionResponse {
	return SessionResponse{
		CheckoutSession:    session,
		ItemCount:          session.ItemCount(),
		AmountDueByCard:    session.AmountDueByCard(),
		PaymentDescription: h.service.DescribePayment(session),
	}
}

// --- Handlers ---

// StartCheckout handles POST /api/v1/checkout
// @Summary Start a checkout session
// @Description Creates a checkout session from the shopper's cart. Requires X-User-ID header.
// @Tags checkout
// @Produce json
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 401 {object} httputil.Response
// @Failure 500 {object} httputil.Response
// @Router /api/v1/checkout/ [post]
func (h *CheckoutHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	session, err := h.service.StartCheckout(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, h.sessionResponse(session))
}

// GetCheckout handles GET /api/v1/checkout/{id}
// @Summary Get checkout session
// @Description Returns a checkout session by ID. Only the session owner (X-User-ID) may access it.
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 410 {object} httputil.Response
// @Router /api/v1/checkout/{id} [get]
func (h *CheckoutHandler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	session, err := h.service.GetCheckout(r.Context(), id, userID)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// SetShippingAddress handles PUT /api/v1/checkout/{id}/shipping-address
// @Summary Set shipping address
// @Description Sets the shipping address and re-quotes the shipping options offered for it.
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body AddressRequest true "Shipping address"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/shipping-address [put]
func (h *CheckoutHandler) SetShippingAddress(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req AddressRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	session, err := h.service.SetShippingAddress(r.Context(), id, userID, req.toDomain())
	h.writeSession(w, r, http.StatusOK, session, err)
}

// SetBillingAddress handles PUT /api/v1/checkout/{id}/billing-address
// @Summary Set billing address
// @Description Sets the billing address, or marks it as the same as the shipping address.
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body SetBillingAddressRequest true "Billing address"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/billing-address [put]
func (h *CheckoutHandler) SetBillingAddress(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req SetBillingAddressRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	in := service.BillingInput{SameAsShipping: req.SameAsShipping}
	if req.Address != nil {
		addr := req.Address.toDomain()
		in.Address = &addr
	}

	session, err := h.service.SetBillingAddress(r.Context(), id, userID, in)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// ListShippingMethods handles GET /api/v1/checkout/{id}/shipping-methods
// @Summary List shipping methods
// @Description Returns the shipping options offered for the session's shipping address.
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {array} domain.ShippingMethod
// @Failure 404 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/shipping-methods [get]
func (h *CheckoutHandler) ListShippingMethods(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	methods, err := h.service.ListShippingMethods(r.Context(), id, userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, methods)
}

// SelectShippingMethod handles PUT /api/v1/checkout/{id}/shipping-method
// @Summary Select shipping method
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body SelectShippingMethodRequest true "Shipping method"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Router /api/v1/checkout/{id}/shipping-method [put]
func (h *CheckoutHandler) SelectShippingMethod(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req SelectShippingMethodRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	session, err := h.service.SelectShippingMethod(r.Context(), id, userID, req.MethodID)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// ApplyDiscountCode handles POST /api/v1/checkout/{id}/discounts
// @Summary Apply a discount code
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body ApplyDiscountRequest true "Discount code"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/discounts [post]
func (h *CheckoutHandler) ApplyDiscountCode(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req ApplyDiscountRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	session, err := h.service.ApplyDiscountCode(r.Context(), id, userID, req.Code)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// RemoveDiscountCode handles DELETE /api/v1/checkout/{id}/discounts/{code}
// @Summary Remove a discount code
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param code path string true "Discount code"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} httputil.Response
// @Router /api/v1/checkout/{id}/discounts/{code} [delete]
func (h *CheckoutHandler) RemoveDiscountCode(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	session, err := h.service.RemoveDiscountCode(r.Context(), id, userID, chi.URLParam(r, "code"))
	h.writeSession(w, r, http.StatusOK, session, err)
}

// RedeemGiftCard handles POST /api/v1/checkout/{id}/gift-cards
// @Summary Redeem a gift card
// @Description Places a hold on part of a gift card's balance. Redeeming the same card again replaces the hold.
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body RedeemGiftCardRequest true "Gift card redemption"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/gift-cards [post]
func (h *CheckoutHandler) RedeemGiftCard(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req RedeemGiftCardRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	session, err := h.service.RedeemGiftCard(r.Context(), id, userID, req.CardID, req.Amount)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// ReleaseGiftCard handles DELETE /api/v1/checkout/{id}/gift-cards/{cardID}
// @Summary Release a gift card
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param cardID path string true "Gift card code"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} httputil.Response
// @Router /api/v1/checkout/{id}/gift-cards/{cardID} [delete]
func (h *CheckoutHandler) ReleaseGiftCard(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	session, err := h.service.ReleaseGiftCard(r.Context(), id, userID, chi.URLParam(r, "cardID"))
	h.writeSession(w, r, http.StatusOK, session, err)
}

// SetPaymentMethod handles PUT /api/v1/checkout/{id}/payment-method
// @Summary Set payment method
// @Description Selects the payment variant. Card details are tokenized and never stored.
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body SetPaymentMethodRequest true "Payment method"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/payment-method [put]
func (h *CheckoutHandler) SetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req SetPaymentMethodRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	in := service.PaymentInput{Kind: req.Kind}
	if req.Card != nil {
		in.Card = &gateway.CardDetails{
			Number:     req.Card.Number,
			HolderName: req.Card.HolderName,
			ExpMonth:   req.Card.ExpMonth,
			ExpYear:    req.Card.ExpYear,
			CVC:        req.Card.CVC,
		}
	}

	session, err := h.service.SetPaymentMethod(r.Context(), id, userID, in)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// NextStep handles POST /api/v1/checkout/{id}/next
// @Summary Advance to the next step
// @Description Advances only when the current step is valid; otherwise the step's errors are returned.
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/next [post]
func (h *CheckoutHandler) NextStep(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	session, err := h.service.NextStep(r.Context(), id, userID)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// PreviousStep handles POST /api/v1/checkout/{id}/back
// @Summary Go back one step
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} httputil.Response
// @Router /api/v1/checkout/{id}/back [post]
func (h *CheckoutHandler) PreviousStep(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	session, err := h.service.PreviousStep(r.Context(), id, userID)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// GoToStep handles PUT /api/v1/checkout/{id}/step
// @Summary Jump to a step
// @Description Moves back to any earlier step, or forward when every step in between is valid.
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body GoToStepRequest true "Target step"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/step [put]
func (h *CheckoutHandler) GoToStep(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req GoToStepRequest
	if !decodeRequest(w, r, &req, false) {
		return
	}

	session, err := h.service.GoToStep(r.Context(), id, userID, req.Step)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// Submit handles POST /api/v1/checkout/{id}/submit
// @Summary Submit the checkout
// @Description Charges the selected payment method and places the order. On failure the session returns to review with the failure attached.
// @Tags checkout
// @Accept json
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Param request body SubmitRequest false "Submission options"
// @Success 201 {object} domain.Order
// @Failure 402 {object} httputil.Response
// @Failure 404 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Failure 422 {object} httputil.Response
// @Router /api/v1/checkout/{id}/submit [post]
func (h *CheckoutHandler) Submit(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	var req SubmitRequest
	if !decodeRequest(w, r, &req, true) {
		return
	}

	order, err := h.service.Submit(r.Context(), id, userID, service.SubmitInput{Confirm: req.Confirm})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, order)
}

// Abandon handles POST /api/v1/checkout/{id}/abandon
// @Summary Abandon the checkout
// @Description Releases gift card holds. A submission in flight is not interrupted; it is reconciled when the charge settles.
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} httputil.Response
// @Failure 409 {object} httputil.Response
// @Router /api/v1/checkout/{id}/abandon [post]
func (h *CheckoutHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	session, err := h.service.Abandon(r.Context(), id, userID)
	h.writeSession(w, r, http.StatusOK, session, err)
}

// GetOrder handles GET /api/v1/checkout/{id}/order
// @Summary Get the order placed from a checkout
// @Tags checkout
// @Produce json
// @Param id path string true "Checkout session UUID"
// @Param X-User-ID header string true "Authenticated user ID"
// @Success 200 {object} domain.Order
// @Failure 404 {object} httputil.Response
// @Router /api/v1/checkout/{id}/order [get]
func (h *CheckoutHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, userID, ok := sessionParams(w, r)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), id, userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, order)
}

// --- Helpers ---

func (h *CheckoutHandler) writeSession(w http.ResponseWriter, r *http.Request, status int, session *domain.CheckoutSession, err error) {
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, status, h.sessionResponse(session))
}

// getUserID extracts the authenticated user ID from the X-User-ID header.
// The gateway sets it after validating the session token.
func getUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := getUserID(r)
	if userID == "" {
		writeInvalidInput(w, http.StatusBadRequest, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

// sessionParams reads the checkout ID path parameter and the caller's user ID.
func sessionParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return "", "", false
	}
	id, ok := httputil.ParseUUID(w, chi.URLParam(r, "id"))
	if !ok {
		return "", "", false
	}
	return id.String(), userID, true
}

// decodeRequest decodes and validates a JSON body. When optional is set an
// empty body leaves dst at its zero value.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeInvalidInput(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return false
		}
	}

	if err := validator.Validate(dst); err != nil {
		httputil.WriteValidationError(w, err)
		return false
	}
	return true
}

func writeInvalidInput(w http.ResponseWriter, status int, message string) {
	httputil.WriteJSON(w, status, httputil.Response{
		Error: &httputil.ErrorResponse{Code: "INVALID_INPUT", Message: message},
	})
}
