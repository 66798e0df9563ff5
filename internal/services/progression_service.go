package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stitchfield/orders-api/internal/domain"
	"github.com/stitchfield/orders-api/internal/repositories"
)

// ProgressionServiceDeps bundles collaborators for the progression worker.
type ProgressionServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Policy OrderPolicy
	Clock  func() time.Time
	Logger *zap.Logger
}

type progressionService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	policy OrderPolicy
	clock  func() time.Time
	logger *zap.Logger
}

// NewProgressionService wires dependencies into a concrete ProgressionService.
func NewProgressionService(deps ProgressionServiceDeps) (ProgressionService, error) {
	if deps.Orders == nil {
		return nil, errors.New("progression service: order repository is required")
	}
	if len(deps.Policy.Thresholds) == 0 {
		return nil, errors.New("progression service: thresholds are required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &progressionService{
		orders: deps.Orders,
		events: deps.Events,
		policy: deps.Policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Tick sweeps all active orders and advances those whose dwell time in the
// current state has elapsed. Each order moves at most one state per tick.
func (s *progressionService) Tick(ctx context.Context) (TickSummary, error) {
	orders, err := s.orders.ListActive(ctx)
	if err != nil {
		return TickSummary{}, mapRepositoryError(err)
	}

	summary := TickSummary{Scanned: len(orders)}
	for _, order := range orders {
		advanced, err := s.advance(ctx, order)
		if err != nil {
			summary.Failed++
			s.logger.Error("progression: advance failed",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		if advanced {
			summary.Advanced++
		}
	}

	s.logger.Info("progression: tick completed",
		zap.Int("scanned", summary.Scanned),
		zap.Int("advanced", summary.Advanced),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *progressionService) advance(ctx context.Context, order domain.Order) (bool, error) {
	if !s.due(order) {
		return false, nil
	}

	if ok, err := s.apply(ctx, order); err == nil || !isConflict(err) {
		return ok, err
	}

	// A concurrent writer (cancellation, linking) bumped the version. Reload
	// once and re-evaluate; if the order is no longer due or active, skip it.
	reloaded, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return false, mapRepositoryError(err)
	}
	if domain.IsTerminal(reloaded.Status.State) || !s.due(reloaded) {
		return false, nil
	}
	return s.apply(ctx, reloaded)
}

func (s *progressionService) apply(ctx context.Context, order domain.Order) (bool, error) {
	event, ok := domain.ForwardEvent(order.Status.State)
	if !ok {
		return false, nil
	}

	now := s.clock()
	if err := domain.Apply(&order, event, now); err != nil {
		return false, err
	}
	if order.Status.State == domain.StateShipped {
		if thresholds, ok := s.policy.Thresholds[order.ShippingMethod]; ok {
			estimate := now.Add(thresholds.Delivery)
			order.Status.EstimatedDeliveryAt = &estimate
		}
	}

	if err := s.orders.Update(ctx, order); err != nil {
		if isConflict(err) {
			return false, err
		}
		return false, mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEventMessage{
		Type:       OrderEventStatusChanged,
		OrderID:    order.ID,
		State:      string(order.Status.State),
		OccurredAt: now,
	})
	return true, nil
}

// due reports whether the order has dwelled in its current state longer than
// the configured threshold for its shipping method.
func (s *progressionService) due(order domain.Order) bool {
	thresholds, ok := s.policy.Thresholds[order.ShippingMethod]
	if !ok {
		return false
	}
	threshold, ok := thresholds.ForState(order.Status.State)
	if !ok {
		return false
	}
	return s.clock().Sub(order.Status.UpdatedAt) >= threshold
}

func (s *progressionService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger.Warn("progression: event publish failed",
			zap.String("type", message.Type),
			zap.String("order_id", message.OrderID),
			zap.Error(err),
		)
	}
}
