// Package memory provides in-memory repository implementations used by tests
// and local development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stitchfield/orders-api/internal/domain"
)

// Error implements repositories.RepositoryError for the in-memory stores.
type Error struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *Error) Error() string { return e.msg }

// IsNotFound reports whether the error represents a missing record.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports whether the error represents a duplicate or version conflict.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable always reports false for the in-memory store.
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

func notFoundError(msg string) *Error { return &Error{msg: msg, notFound: true} }
func conflictError(msg string) *Error { return &Error{msg: msg, conflict: true} }

// OrderRepository keeps orders in a mutex-guarded map with a secondary token
// index. Mutations follow the same optimistic version discipline as the
// durable store.
type OrderRepository struct {
	mu      sync.RWMutex
	orders  map[string]domain.Order
	byToken map[string]string
}

// NewOrderRepository constructs an empty in-memory order repository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:  make(map[string]domain.Order),
		byToken: make(map[string]string),
	}
}

// Insert stores a new order, rejecting duplicate IDs and tracking tokens.
func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return conflictError(fmt.Sprintf("orders: id %s already exists", order.ID))
	}
	if _, exists := r.byToken[order.TrackingToken]; exists {
		return conflictError("orders: tracking token already exists")
	}

	stored := order.Clone()
	stored.Version = 1
	r.orders[order.ID] = stored
	r.byToken[order.TrackingToken] = order.ID
	return nil
}

// Update persists the order when the caller's version matches the stored one.
func (r *OrderRepository) Update(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.orders[order.ID]
	if !exists {
		return notFoundError(fmt.Sprintf("orders: id %s not found", order.ID))
	}
	if current.Version != order.Version {
		return conflictError(fmt.Sprintf("orders: version mismatch for %s: held %d, stored %d", order.ID, order.Version, current.Version))
	}

	stored := order.Clone()
	stored.Version = current.Version + 1
	r.orders[order.ID] = stored
	return nil
}

// FindByID returns the stored order or a not-found error.
func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, exists := r.orders[orderID]
	if !exists {
		return domain.Order{}, notFoundError(fmt.Sprintf("orders: id %s not found", orderID))
	}
	return order.Clone(), nil
}

// FindByTokenAndEmail requires both credentials to match the same order.
// Wrong token and wrong email are deliberately indistinguishable.
func (r *OrderRepository) FindByTokenAndEmail(_ context.Context, token, email string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orderID, exists := r.byToken[token]
	if !exists {
		return domain.Order{}, notFoundError("orders: no order for credentials")
	}
	order, exists := r.orders[orderID]
	if !exists || !strings.EqualFold(order.CustomerEmail, email) {
		return domain.Order{}, notFoundError("orders: no order for credentials")
	}
	return order.Clone(), nil
}

// ListByEmail returns the customer's orders, newest first.
func (r *OrderRepository) ListByEmail(_ context.Context, email string) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]domain.Order, 0)
	for _, order := range r.orders {
		if strings.EqualFold(order.CustomerEmail, email) {
			matches = append(matches, order.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches, nil
}

// ListActive returns all orders in a non-terminal state.
func (r *OrderRepository) ListActive(_ context.Context) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]domain.Order, 0)
	for _, order := range r.orders {
		if !domain.IsTerminal(order.Status.State) {
			active = append(active, order.Clone())
		}
	}
	return active, nil
}

// ListUnlinkedByContact returns unlinked orders matching the email or phone.
func (r *OrderRepository) ListUnlinkedByContact(_ context.Context, email, phone string) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]domain.Order, 0)
	for _, order := range r.orders {
		if order.LinkedToAccount {
			continue
		}
		emailMatch := email != "" && strings.EqualFold(order.CustomerEmail, email)
		phoneMatch := phone != "" && order.CustomerPhone == phone
		if emailMatch || phoneMatch {
			matches = append(matches, order.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches, nil
}

// CounterRepository is a process-local sequence source.
type CounterRepository struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewCounterRepository constructs an empty in-memory counter repository.
func NewCounterRepository() *CounterRepository {
	return &CounterRepository{counters: make(map[string]int64)}
}

// Next increments and returns the named counter.
func (r *CounterRepository) Next(_ context.Context, counterID string, step int64) (int64, error) {
	if step <= 0 {
		step = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[counterID] += step
	return r.counters[counterID], nil
}
