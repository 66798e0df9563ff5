package services

import (
	"context"
	"time"

	"github.com/stitchfield/orders-api/internal/domain"
)

// Order event types published to the order events topic.
const (
	OrderEventCreated       = "order.created"
	OrderEventStatusChanged = "order.status.changed"
	OrderEventCancelled     = "order.cancelled"
	OrderEventLinked        = "order.linked"
)

// OrderEventMessage is the JSON payload published for order lifecycle events.
type OrderEventMessage struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"orderId"`
	State      string    `json:"state,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// NewOrderItem is one line item supplied at order creation.
type NewOrderItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	Variant   map[string]string
	ImageURL  string
}

// CreateOrderInput carries everything needed to record a completed checkout.
type CreateOrderInput struct {
	CustomerEmail      string
	CustomerPhone      string
	Items              []NewOrderItem
	Amounts            domain.OrderAmounts
	ShippingAddress    domain.Address
	PaymentMethodLabel string
	ShippingMethod     domain.ShippingMethod

	// AccountUID is set when the purchase was made while signed in; the
	// order is then linked from birth and never expires.
	AccountUID string
}

// CancelOrderInput describes a cancellation request.
type CancelOrderInput struct {
	OrderID      string
	Reason       string
	RefundMethod domain.RefundMethod

	// Authenticated is true when the caller proved account ownership. Guest
	// callers prove ownership through the tracking token lookup instead and
	// are restricted to refunds to the original payment method.
	Authenticated bool
}

// CancelEligibility reports whether an order can currently be cancelled and,
// when it cannot, a customer-facing reason.
type CancelEligibility struct {
	Eligible bool
	Reason   string
	Deadline time.Time
}

// OrderService coordinates order creation, lookup, and cancellation.
type OrderService interface {
	Create(ctx context.Context, input CreateOrderInput) (domain.Order, error)

	// GetByToken authenticates a guest through tracking token plus email.
	GetByToken(ctx context.Context, token, email string) (domain.Order, error)

	GetByID(ctx context.Context, orderID string) (domain.Order, error)

	// ListByEmail returns the order history for an authenticated customer.
	ListByEmail(ctx context.Context, email string) ([]domain.Order, error)

	// Eligibility evaluates the cancellation rules without mutating anything.
	Eligibility(ctx context.Context, orderID string, authenticated bool) (CancelEligibility, error)

	Cancel(ctx context.Context, input CancelOrderInput) (domain.Order, error)
}

// TickSummary reports the outcome of one progression sweep.
type TickSummary struct {
	Scanned  int
	Advanced int
	Failed   int
}

// ProgressionService advances active orders along the lifecycle once their
// per-shipping-method dwell time has elapsed.
type ProgressionService interface {
	Tick(ctx context.Context) (TickSummary, error)
}

// MatchCandidate is one guest order proposed for account linking.
type MatchCandidate struct {
	Order        domain.Order
	MatchedField string
}

// LinkResult reports the outcome of a linking request.
type LinkResult struct {
	Linked         []domain.Order
	AlreadyLinked  []string
	CreditedAmount int64
}

// LinkingService discovers guest orders belonging to a new account and
// attaches them to it.
type LinkingService interface {
	// FindMatches is read-only; it never mutates the candidate orders.
	FindMatches(ctx context.Context, email, phone string) ([]MatchCandidate, error)

	// Link attaches the given guest orders to the account. Linking an
	// already linked order is a no-op, not an error.
	Link(ctx context.Context, orderIDs []string, email, phone string) (LinkResult, error)
}
