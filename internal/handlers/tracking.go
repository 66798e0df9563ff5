package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/orders-api/internal/platform/httpx"
	"github.com/stitchfield/orders-api/internal/services"
)

const (
	maxTrackBodySize    = 4 * 1024
	defaultLookupLimit  = 20
	defaultLookupWindow = time.Minute
)

type trackOrderRequest struct {
	TrackingToken string `json:"tracking_token"`
	Email         string `json:"email"`
}

// TrackingHandlers serves the guest tracking lookup. Lookups are rate limited
// per client address to slow down credential guessing.
type TrackingHandlers struct {
	orders  services.OrderService
	limiter *lookupLimiter
}

// NewTrackingHandlers constructs a new TrackingHandlers instance.
func NewTrackingHandlers(orders services.OrderService) *TrackingHandlers {
	return &TrackingHandlers{
		orders:  orders,
		limiter: newLookupLimiter(defaultLookupLimit, defaultLookupWindow, time.Now),
	}
}

// Routes registers the tracking endpoints directly on the API group.
func (h *TrackingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders:track", h.trackOrder)
}

func (h *TrackingHandlers) trackOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientAddr(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many tracking lookups, slow down", http.StatusTooManyRequests))
		return
	}

	var req trackOrderRequest
	if err := decodeJSONBody(r, maxTrackBodySize, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.TrackingToken) == "" || strings.TrimSpace(req.Email) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tracking_token and email are required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByToken(ctx, req.TrackingToken, req.Email)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lookupLimiter is a fixed-window counter keyed by client address.
type lookupLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]lookupWindow
}

type lookupWindow struct {
	count int
	reset time.Time
}

func newLookupLimiter(limit int, window time.Duration, clock func() time.Time) *lookupLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &lookupLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]lookupWindow),
	}
}

func (l *lookupLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || now.After(entry.reset) {
		l.store[key] = lookupWindow{count: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true
	}
	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.store[key] = entry
	return true
}

func (l *lookupLimiter) pruneLocked(now time.Time) {
	for key, entry := range l.store {
		if now.After(entry.reset) {
			delete(l.store, key)
		}
	}
}
