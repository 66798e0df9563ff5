package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/stitchfield/orders-api/internal/domain"
	"github.com/stitchfield/orders-api/internal/payments"
	"github.com/stitchfield/orders-api/internal/platform/config"
	"github.com/stitchfield/orders-api/internal/repositories"
)

const (
	orderCounterID = "orders"

	// maxIdentifierAttempts bounds the insert retry loop when an order ID or
	// tracking token collides with an existing record.
	maxIdentifierAttempts = 5

	// cancelConflictRetries bounds reload-and-retry cycles when a concurrent
	// writer bumps the order version during cancellation.
	cancelConflictRetries = 3

	trackingTokenBytes = 32
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the operation is not allowed in the order's current state.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnauthorized indicates the caller lacks the rights for the requested operation.
	ErrOrderUnauthorized = errors.New("order: unauthorized")
	// ErrIdentifierExhausted indicates repeated identifier collisions on insert.
	ErrIdentifierExhausted = errors.New("order: identifier generation exhausted")
)

// OrderPolicy carries the lifecycle policy knobs sourced from configuration.
type OrderPolicy struct {
	CancelWindow   time.Duration
	GuestRetention time.Duration
	Thresholds     map[domain.ShippingMethod]config.StageThresholds
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Counters repositories.CounterRepository
	Settler  payments.RefundSettler
	Events   OrderEventPublisher
	Policy   OrderPolicy

	Clock             func() time.Time
	NewTrackingNumber func() string
	NewTrackingToken  func() (string, error)
	Logger            *zap.Logger
}

type orderService struct {
	orders   repositories.OrderRepository
	counters repositories.CounterRepository
	settler  payments.RefundSettler
	events   OrderEventPublisher
	policy   OrderPolicy

	clock       func() time.Time
	newTracking func() string
	newToken    func() (string, error)
	logger      *zap.Logger
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Policy.CancelWindow <= 0 {
		return nil, errors.New("order service: cancel window must be positive")
	}
	if deps.Policy.GuestRetention <= 0 {
		return nil, errors.New("order service: guest retention must be positive")
	}

	settler := deps.Settler
	if settler == nil {
		settler = payments.NopSettler{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	newTracking := deps.NewTrackingNumber
	if newTracking == nil {
		newTracking = func() string {
			return ulid.Make().String()
		}
	}

	newToken := deps.NewTrackingToken
	if newToken == nil {
		newToken = generateTrackingToken
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &orderService{
		orders:   deps.Orders,
		counters: deps.Counters,
		settler:  settler,
		events:   deps.Events,
		policy:   deps.Policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		newTracking: newTracking,
		newToken:    newToken,
		logger:      logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, input CreateOrderInput) (domain.Order, error) {
	if err := validateCreateInput(input); err != nil {
		return domain.Order{}, err
	}

	now := s.clock()
	items := make([]domain.OrderItem, len(input.Items))
	for i, item := range input.Items {
		items[i] = domain.OrderItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Variant:   item.Variant,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		}
	}

	linked := strings.TrimSpace(input.AccountUID) != ""

	var inserted domain.Order
	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		orderID, err := s.generateOrderID(ctx, now)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		token, err := s.newToken()
		if err != nil {
			return domain.Order{}, fmt.Errorf("order: generate tracking token: %w", err)
		}

		order := domain.Order{
			ID:                 orderID,
			TrackingToken:      token,
			CustomerEmail:      strings.TrimSpace(input.CustomerEmail),
			CustomerPhone:      strings.TrimSpace(input.CustomerPhone),
			Items:              domain.CloneItems(items),
			Amounts:            input.Amounts,
			ShippingAddress:    input.ShippingAddress,
			PaymentMethodLabel: strings.TrimSpace(input.PaymentMethodLabel),
			ShippingMethod:     input.ShippingMethod,
			Status: domain.OrderStatus{
				State:     domain.StatePending,
				UpdatedAt: now,
				Details:   "Order received.",
			},
			TrackingEvents: []domain.TrackingEvent{{
				Timestamp: now,
				Label:     "Order placed",
				Location:  "Online store",
				Details:   "We received your order and will start preparing it shortly.",
			}},
			TrackingNumber:       s.newTracking(),
			CancellationDeadline: now.Add(s.policy.CancelWindow),
			LinkedToAccount:      linked,
			CreatedAt:            now,
		}
		if !linked {
			order.ExpiresAt = now.Add(s.policy.GuestRetention)
		}
		if estimate, ok := s.estimatedDelivery(order.ShippingMethod, now); ok {
			order.Status.EstimatedDeliveryAt = &estimate
		}

		err = s.orders.Insert(ctx, order)
		if err == nil {
			order.Version = 1
			inserted = order
			break
		}
		if isConflict(err) {
			s.logger.Warn("order: identifier collision on insert",
				zap.String("order_id", orderID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if inserted.ID == "" {
		return domain.Order{}, fmt.Errorf("%w: gave up after %d attempts", ErrIdentifierExhausted, maxIdentifierAttempts)
	}

	s.publishEvent(ctx, OrderEventMessage{
		Type:       OrderEventCreated,
		OrderID:    inserted.ID,
		State:      string(inserted.Status.State),
		OccurredAt: now,
	})
	return inserted, nil
}

func (s *orderService) GetByToken(ctx context.Context, token, email string) (domain.Order, error) {
	token = strings.TrimSpace(token)
	email = strings.TrimSpace(email)
	if token == "" || email == "" {
		return domain.Order{}, fmt.Errorf("%w: no order for credentials", ErrOrderNotFound)
	}

	order, err := s.orders.FindByTokenAndEmail(ctx, token, email)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	// An expired guest order is indistinguishable from an unknown one.
	if order.Expired(s.clock()) {
		return domain.Order{}, fmt.Errorf("%w: no order for credentials", ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListByEmail(ctx context.Context, email string) ([]domain.Order, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrOrderInvalidInput)
	}
	orders, err := s.orders.ListByEmail(ctx, email)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) Eligibility(ctx context.Context, orderID string, authenticated bool) (CancelEligibility, error) {
	order, err := s.GetByID(ctx, orderID)
	if err != nil {
		return CancelEligibility{}, err
	}
	return s.evaluateEligibility(order, authenticated), nil
}

func (s *orderService) evaluateEligibility(order domain.Order, authenticated bool) CancelEligibility {
	result := CancelEligibility{Deadline: order.CancellationDeadline}
	now := s.clock()

	switch order.Status.State {
	case domain.StateCancelled:
		result.Reason = "order is already cancelled"
		return result
	case domain.StateDelivered, domain.StateReturned:
		result.Reason = fmt.Sprintf("order was already %s", order.Status.State)
		return result
	}
	if now.After(order.CancellationDeadline) {
		result.Reason = "the cancellation window has closed"
		return result
	}
	if !authenticated && order.Status.State != domain.StatePending {
		result.Reason = "guest cancellations are only possible while the order is pending"
		return result
	}

	result.Eligible = true
	return result
}

func (s *orderService) Cancel(ctx context.Context, input CancelOrderInput) (domain.Order, error) {
	orderID := strings.TrimSpace(input.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return domain.Order{}, fmt.Errorf("%w: a cancellation reason is required", ErrOrderInvalidInput)
	}
	method := input.RefundMethod
	if method == "" {
		method = domain.RefundOriginal
	}
	if !domain.ValidRefundMethod(method) {
		return domain.Order{}, fmt.Errorf("%w: unknown refund method %q", ErrOrderInvalidInput, input.RefundMethod)
	}
	if !input.Authenticated && method != domain.RefundOriginal {
		return domain.Order{}, fmt.Errorf("%w: refund method %q requires an account", ErrOrderUnauthorized, method)
	}

	var cancelled domain.Order
	var replacement *domain.Order
	var lastErr error
	for attempt := 0; attempt < cancelConflictRetries; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}

		eligibility := s.evaluateEligibility(order, input.Authenticated)
		if !eligibility.Eligible {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderInvalidState, eligibility.Reason)
		}

		now := s.clock()
		if err := domain.Apply(&order, domain.CancelEvent(reason), now); err != nil {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidState, err)
		}

		// The replacement order survives conflict retries. Inserting it again
		// on a losing attempt would leave an orphaned pending order behind.
		if method == domain.RefundExchange && replacement == nil {
			created, err := s.createExchangeOrder(ctx, order, now)
			if err != nil {
				return domain.Order{}, err
			}
			replacement = &created
		}
		s.recordRefund(&order, method, replacement)

		if err := s.orders.Update(ctx, order); err != nil {
			if isConflict(err) {
				lastErr = err
				continue
			}
			return domain.Order{}, s.mapRepositoryError(err)
		}
		order.Version++
		cancelled = order
		break
	}
	if cancelled.ID == "" {
		return domain.Order{}, s.mapRepositoryError(lastErr)
	}

	if method == domain.RefundOriginal && cancelled.Amounts.Total > 0 {
		s.settleAsync(cancelled, reason)
	}

	s.publishEvent(ctx, OrderEventMessage{
		Type:       OrderEventCancelled,
		OrderID:    cancelled.ID,
		State:      string(cancelled.Status.State),
		OccurredAt: cancelled.Status.UpdatedAt,
	})
	return cancelled, nil
}

// recordRefund attaches the refund outcome for the chosen method to a freshly
// read copy of the order. It must stay free of storage side effects so the
// cancellation retry loop can call it again after a version conflict; the
// exchange replacement is created by the caller, exactly once.
func (s *orderService) recordRefund(order *domain.Order, method domain.RefundMethod, replacement *domain.Order) {
	total := order.Amounts.Total

	switch method {
	case domain.RefundOriginal:
		state := domain.RefundCompleted
		if total > 0 {
			state = domain.RefundProcessing
		}
		order.Status.Refund = &domain.Refund{
			Method: domain.RefundOriginal,
			State:  state,
			Amount: total,
		}
	case domain.RefundCredit:
		order.Status.Refund = &domain.Refund{
			Method: domain.RefundCredit,
			State:  domain.RefundCompleted,
			Amount: total,
		}
		order.AccountCredit += total
	case domain.RefundExchange:
		order.Status.Refund = &domain.Refund{
			Method: domain.RefundExchange,
			State:  domain.RefundCompleted,
			Amount: total,
		}
		exchangeID := replacement.ID
		order.Status.ExchangeOrderID = &exchangeID
	}
}

// createExchangeOrder files a zero-charge replacement order carrying the same
// items and destination, linked to the same account.
func (s *orderService) createExchangeOrder(ctx context.Context, original domain.Order, now time.Time) (domain.Order, error) {
	for attempt := 0; attempt < maxIdentifierAttempts; attempt++ {
		orderID, err := s.generateOrderID(ctx, now)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		token, err := s.newToken()
		if err != nil {
			return domain.Order{}, fmt.Errorf("order: generate tracking token: %w", err)
		}

		replacement := domain.Order{
			ID:                 orderID,
			TrackingToken:      token,
			CustomerEmail:      original.CustomerEmail,
			CustomerPhone:      original.CustomerPhone,
			Items:              domain.CloneItems(original.Items),
			Amounts:            domain.OrderAmounts{},
			ShippingAddress:    original.ShippingAddress,
			PaymentMethodLabel: "Exchange credit",
			ShippingMethod:     original.ShippingMethod,
			Status: domain.OrderStatus{
				State:     domain.StatePending,
				UpdatedAt: now,
				Details:   fmt.Sprintf("Replacement for order %s.", original.ID),
			},
			TrackingEvents: []domain.TrackingEvent{{
				Timestamp: now,
				Label:     "Order placed",
				Location:  "Online store",
				Details:   fmt.Sprintf("Replacement order created for %s.", original.ID),
			}},
			TrackingNumber:       s.newTracking(),
			CancellationDeadline: now.Add(s.policy.CancelWindow),
			LinkedToAccount:      original.LinkedToAccount,
			CreatedAt:            now,
		}
		if !replacement.LinkedToAccount {
			replacement.ExpiresAt = now.Add(s.policy.GuestRetention)
		}
		if estimate, ok := s.estimatedDelivery(replacement.ShippingMethod, now); ok {
			replacement.Status.EstimatedDeliveryAt = &estimate
		}

		err = s.orders.Insert(ctx, replacement)
		if err == nil {
			replacement.Version = 1
			s.publishEvent(ctx, OrderEventMessage{
				Type:       OrderEventCreated,
				OrderID:    replacement.ID,
				State:      string(replacement.Status.State),
				OccurredAt: now,
			})
			return replacement, nil
		}
		if isConflict(err) {
			continue
		}
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return domain.Order{}, fmt.Errorf("%w: gave up after %d attempts", ErrIdentifierExhausted, maxIdentifierAttempts)
}

// settleAsync files the PSP refund without blocking the cancellation
// response. Settlement failures are logged for the reconciliation job.
func (s *orderService) settleAsync(order domain.Order, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := s.settler.SettleRefund(ctx, payments.RefundRequest{
			OrderID:        order.ID,
			Amount:         order.Amounts.Total,
			Reason:         reason,
			IdempotencyKey: "refund-" + order.ID,
		})
		if err != nil {
			s.logger.Error("order: refund settlement failed",
				zap.String("order_id", order.ID),
				zap.Int64("amount", order.Amounts.Total),
				zap.Error(err),
			)
		}
	}()
}

func (s *orderService) estimatedDelivery(method domain.ShippingMethod, from time.Time) (time.Time, bool) {
	thresholds, ok := s.policy.Thresholds[method]
	if !ok {
		return time.Time{}, false
	}
	return from.Add(thresholds.Processing + thresholds.Shipping + thresholds.Delivery), true
}

func (s *orderService) generateOrderID(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SF-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger.Warn("order: event publish failed",
			zap.String("type", message.Type),
			zap.String("order_id", message.OrderID),
			zap.Error(err),
		)
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapRepositoryError(err)
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func validateCreateInput(input CreateOrderInput) error {
	email := strings.TrimSpace(input.CustomerEmail)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: a valid customer email is required", ErrOrderInvalidInput)
	}
	if len(input.Items) == 0 {
		return fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	for i, item := range input.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d is missing a product id", ErrOrderInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d unit price cannot be negative", ErrOrderInvalidInput, i)
		}
	}
	if !domain.ValidShippingMethod(input.ShippingMethod) {
		return fmt.Errorf("%w: unknown shipping method %q", ErrOrderInvalidInput, input.ShippingMethod)
	}
	if !input.Amounts.Balanced() {
		return fmt.Errorf("%w: amounts do not add up to the total", ErrOrderInvalidInput)
	}
	if input.Amounts.Total < 0 {
		return fmt.Errorf("%w: total cannot be negative", ErrOrderInvalidInput)
	}

	addr := input.ShippingAddress
	if strings.TrimSpace(addr.Recipient) == "" ||
		strings.TrimSpace(addr.Line1) == "" ||
		strings.TrimSpace(addr.City) == "" ||
		strings.TrimSpace(addr.PostalCode) == "" ||
		strings.TrimSpace(addr.Country) == "" {
		return fmt.Errorf("%w: shipping address is incomplete", ErrOrderInvalidInput)
	}
	return nil
}

func generateTrackingToken() (string, error) {
	buf := make([]byte, trackingTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
