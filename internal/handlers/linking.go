package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/orders-api/internal/platform/auth"
	"github.com/stitchfield/orders-api/internal/platform/httpx"
	"github.com/stitchfield/orders-api/internal/services"
)

const maxLinkBodySize = 16 * 1024

type linkOrdersRequest struct {
	OrderIDs []string `json:"order_ids"`
}

type matchCandidatePayload struct {
	Order        orderSummaryPayload `json:"order"`
	MatchedField string              `json:"matched_field"`
}

type matchOrdersResponse struct {
	Candidates []matchCandidatePayload `json:"candidates"`
}

type linkOrdersResponse struct {
	Linked         []orderSummaryPayload `json:"linked"`
	AlreadyLinked  []string              `json:"already_linked,omitempty"`
	CreditedAmount int64                 `json:"credited_amount"`
}

// LinkingHandlers exposes the account linking endpoints for signed-in customers.
type LinkingHandlers struct {
	authn   *auth.Authenticator
	linking services.LinkingService
}

// NewLinkingHandlers constructs a new LinkingHandlers instance.
func NewLinkingHandlers(authn *auth.Authenticator, linking services.LinkingService) *LinkingHandlers {
	return &LinkingHandlers{
		authn:   authn,
		linking: linking,
	}
}

// Routes registers the linking endpoints directly on the API group.
func (h *LinkingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	register := func(path string, handler http.HandlerFunc) {
		if h.authn != nil {
			r.With(h.authn.Require()).Post(path, handler)
			return
		}
		r.Post(path, handler)
	}
	register("/orders:match", h.matchOrders)
	register("/orders:link", h.linkOrders)
}

func (h *LinkingHandlers) matchOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.linking == nil {
		httpx.WriteError(ctx, w, httpx.NewError("linking_service_unavailable", "linking service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	candidates, err := h.linking.FindMatches(ctx, identity.Email, identity.Phone)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := matchOrdersResponse{Candidates: make([]matchCandidatePayload, 0, len(candidates))}
	for _, candidate := range candidates {
		payload.Candidates = append(payload.Candidates, matchCandidatePayload{
			Order:        buildOrderSummary(candidate.Order),
			MatchedField: candidate.MatchedField,
		})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *LinkingHandlers) linkOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.linking == nil {
		httpx.WriteError(ctx, w, httpx.NewError("linking_service_unavailable", "linking service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req linkOrdersRequest
	if err := decodeJSONBody(r, maxLinkBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	orderIDs := make([]string, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		if id = strings.TrimSpace(id); id != "" {
			orderIDs = append(orderIDs, id)
		}
	}

	result, err := h.linking.Link(ctx, orderIDs, identity.Email, identity.Phone)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := linkOrdersResponse{
		Linked:         make([]orderSummaryPayload, 0, len(result.Linked)),
		AlreadyLinked:  result.AlreadyLinked,
		CreditedAmount: result.CreditedAmount,
	}
	for _, order := range result.Linked {
		payload.Linked = append(payload.Linked, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}
