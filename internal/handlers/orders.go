package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/orders-api/internal/domain"
	"github.com/stitchfield/orders-api/internal/platform/auth"
	"github.com/stitchfield/orders-api/internal/platform/httpx"
	"github.com/stitchfield/orders-api/internal/services"
)

const (
	maxCreateOrderBodySize = 64 * 1024
	maxCancelOrderBodySize = 4 * 1024
)

type createOrderRequest struct {
	CustomerEmail      string              `json:"customer_email"`
	CustomerPhone      string              `json:"customer_phone"`
	Items              []orderItemPayload  `json:"items"`
	Amounts            orderAmountsPayload `json:"amounts"`
	ShippingAddress    addressPayload      `json:"shipping_address"`
	PaymentMethodLabel string              `json:"payment_method_label"`
	ShippingMethod     string              `json:"shipping_method"`
}

type createOrderResponse struct {
	Order         orderPayload `json:"order"`
	TrackingToken string       `json:"tracking_token"`
}

type cancelOrderRequest struct {
	Reason       string `json:"reason"`
	RefundMethod string `json:"refund_method"`

	// Guest callers prove ownership with the credentials issued at checkout.
	TrackingToken string `json:"tracking_token"`
	Email         string `json:"email"`
}

type eligibilityResponse struct {
	CanCancel bool   `json:"can_cancel"`
	Reason    string `json:"reason,omitempty"`
	Deadline  string `json:"deadline,omitempty"`
}

// OrderHandlers exposes the order placement, history, and cancellation endpoints.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Optional())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/eligibility", h.eligibility)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if err := h.decodeBody(ctx, w, r, maxCreateOrderBodySize, &req); err != nil {
		return
	}

	input := services.CreateOrderInput{
		CustomerEmail:      strings.TrimSpace(req.CustomerEmail),
		CustomerPhone:      strings.TrimSpace(req.CustomerPhone),
		Items:              buildNewOrderItems(req.Items),
		Amounts:            buildOrderAmounts(req.Amounts),
		ShippingAddress:    buildAddress(req.ShippingAddress),
		PaymentMethodLabel: strings.TrimSpace(req.PaymentMethodLabel),
		ShippingMethod:     domain.ShippingMethod(strings.TrimSpace(req.ShippingMethod)),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		input.AccountUID = identity.UID
		if input.CustomerEmail == "" {
			input.CustomerEmail = identity.Email
		}
	}

	order, err := h.orders.Create(ctx, input)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createOrderResponse{
		Order:         buildOrderPayload(order),
		TrackingToken: order.TrackingToken,
	})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orders, err := h.orders.ListByEmail(ctx, identity.Email)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, ok := h.ownedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) eligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	authenticated := false
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		order, err := h.orders.GetByID(ctx, orderID)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if !identity.Matches(order.CustomerEmail) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
		authenticated = true
	} else {
		query := r.URL.Query()
		order, err := h.orders.GetByToken(ctx, query.Get("token"), query.Get("email"))
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if order.ID != orderID {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
	}

	eligibility, err := h.orders.Eligibility(ctx, orderID, authenticated)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, eligibilityResponse{
		CanCancel: eligibility.Eligible,
		Reason:    eligibility.Reason,
		Deadline:  formatTime(eligibility.Deadline),
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if err := h.decodeBody(ctx, w, r, maxCancelOrderBodySize, &req); err != nil {
		return
	}

	authenticated := false
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		order, err := h.orders.GetByID(ctx, orderID)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if !identity.Matches(order.CustomerEmail) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
		authenticated = true
	} else {
		order, err := h.orders.GetByToken(ctx, req.TrackingToken, req.Email)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if order.ID != orderID {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
	}

	cancelled, err := h.orders.Cancel(ctx, services.CancelOrderInput{
		OrderID:       orderID,
		Reason:        strings.TrimSpace(req.Reason),
		RefundMethod:  domain.RefundMethod(strings.TrimSpace(req.RefundMethod)),
		Authenticated: authenticated,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

// ownedOrder loads the order and verifies it belongs to the identity. Orders
// owned by someone else are indistinguishable from missing ones.
func (h *OrderHandlers) ownedOrder(ctx context.Context, w http.ResponseWriter, r *http.Request, identity *auth.Identity) (domain.Order, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return domain.Order{}, false
	}

	order, err := h.orders.GetByID(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return domain.Order{}, false
	}
	if !identity.Matches(order.CustomerEmail) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return domain.Order{}, false
	}
	return order, true
}

func (h *OrderHandlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	err := decodeJSONBody(r, limit, dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
	return err
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func buildNewOrderItems(items []orderItemPayload) []services.NewOrderItem {
	result := make([]services.NewOrderItem, 0, len(items))
	for _, item := range items {
		result = append(result, services.NewOrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Variant:   item.Variant,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		})
	}
	return result
}

func buildOrderAmounts(amounts orderAmountsPayload) domain.OrderAmounts {
	return domain.OrderAmounts{
		Subtotal: amounts.Subtotal,
		Shipping: amounts.Shipping,
		Tax:      amounts.Tax,
		Discount: amounts.Discount,
		Total:    amounts.Total,
	}
}

func buildAddress(payload addressPayload) domain.Address {
	addr := domain.Address{
		Recipient:  strings.TrimSpace(payload.Recipient),
		Line1:      strings.TrimSpace(payload.Line1),
		City:       strings.TrimSpace(payload.City),
		PostalCode: strings.TrimSpace(payload.PostalCode),
		Country:    strings.TrimSpace(payload.Country),
	}
	if line2 := strings.TrimSpace(payload.Line2); line2 != "" {
		addr.Line2 = &line2
	}
	if state := strings.TrimSpace(payload.State); state != "" {
		addr.State = &state
	}
	if phone := strings.TrimSpace(payload.Phone); phone != "" {
		addr.Phone = &phone
	}
	return addr
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrIdentifierExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "could not allocate an order number", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
