package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/orders-api/internal/platform/httpx"
	"github.com/stitchfield/orders-api/internal/services"
)

type tickResponse struct {
	Scanned  int `json:"scanned"`
	Advanced int `json:"advanced"`
	Failed   int `json:"failed"`
}

// InternalHandlers exposes operational endpoints behind the internal guard.
type InternalHandlers struct {
	progression services.ProgressionService
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(progression services.ProgressionService) *InternalHandlers {
	return &InternalHandlers{progression: progression}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/progression:tick", h.tick)
}

func (h *InternalHandlers) tick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.progression == nil {
		httpx.WriteError(ctx, w, httpx.NewError("progression_unavailable", "progression service unavailable", http.StatusServiceUnavailable))
		return
	}

	summary, err := h.progression.Tick(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("progression_failed", "progression sweep failed", http.StatusInternalServerError))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, tickResponse{
		Scanned:  summary.Scanned,
		Advanced: summary.Advanced,
		Failed:   summary.Failed,
	})
}
