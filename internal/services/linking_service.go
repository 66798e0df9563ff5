package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stitchfield/orders-api/internal/domain"
	"github.com/stitchfield/orders-api/internal/repositories"
)

// LinkingServiceDeps bundles collaborators for the account linking service.
type LinkingServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger *zap.Logger
}

type linkingService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	clock  func() time.Time
	logger *zap.Logger
}

// NewLinkingService wires dependencies into a concrete LinkingService.
func NewLinkingService(deps LinkingServiceDeps) (LinkingService, error) {
	if deps.Orders == nil {
		return nil, errors.New("linking service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &linkingService{
		orders: deps.Orders,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// FindMatches proposes unlinked guest orders whose contact details match the
// new account. Expired orders are excluded; nothing is mutated.
func (s *linkingService) FindMatches(ctx context.Context, email, phone string) ([]MatchCandidate, error) {
	email = strings.TrimSpace(email)
	phone = strings.TrimSpace(phone)
	if email == "" && phone == "" {
		return nil, fmt.Errorf("%w: an email or phone number is required", ErrOrderInvalidInput)
	}

	orders, err := s.orders.ListUnlinkedByContact(ctx, email, phone)
	if err != nil {
		return nil, mapRepositoryError(err)
	}

	now := s.clock()
	candidates := make([]MatchCandidate, 0, len(orders))
	for _, order := range orders {
		if order.Expired(now) {
			continue
		}
		candidates = append(candidates, MatchCandidate{
			Order:        order,
			MatchedField: matchedField(order, email, phone),
		})
	}
	return candidates, nil
}

// Link attaches the given guest orders to the account. The order must match
// the account's contact details; already linked orders are skipped.
func (s *linkingService) Link(ctx context.Context, orderIDs []string, email, phone string) (LinkResult, error) {
	email = strings.TrimSpace(email)
	phone = strings.TrimSpace(phone)
	if email == "" && phone == "" {
		return LinkResult{}, fmt.Errorf("%w: an email or phone number is required", ErrOrderInvalidInput)
	}
	if len(orderIDs) == 0 {
		return LinkResult{}, fmt.Errorf("%w: at least one order id is required", ErrOrderInvalidInput)
	}

	var result LinkResult
	now := s.clock()
	for _, orderID := range orderIDs {
		orderID = strings.TrimSpace(orderID)
		if orderID == "" {
			continue
		}

		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return LinkResult{}, mapRepositoryError(err)
		}

		if order.LinkedToAccount {
			result.AlreadyLinked = append(result.AlreadyLinked, order.ID)
			continue
		}
		if matchedField(order, email, phone) == "" {
			return LinkResult{}, fmt.Errorf("%w: order %s does not belong to this account", ErrOrderUnauthorized, order.ID)
		}
		if order.Expired(now) {
			return LinkResult{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
		}

		order.LinkedToAccount = true
		order.ExpiresAt = time.Time{}
		if err := s.orders.Update(ctx, order); err != nil {
			return LinkResult{}, mapRepositoryError(err)
		}
		order.Version++

		result.Linked = append(result.Linked, order)
		result.CreditedAmount += order.AccountCredit

		s.publishEvent(ctx, OrderEventMessage{
			Type:       OrderEventLinked,
			OrderID:    order.ID,
			State:      string(order.Status.State),
			OccurredAt: now,
		})
	}
	return result, nil
}

func matchedField(order domain.Order, email, phone string) string {
	if email != "" && strings.EqualFold(order.CustomerEmail, email) {
		return "email"
	}
	if phone != "" && order.CustomerPhone == phone {
		return "phone"
	}
	return ""
}

func (s *linkingService) publishEvent(ctx context.Context, message OrderEventMessage) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger.Warn("linking: event publish failed",
			zap.String("type", message.Type),
			zap.String("order_id", message.OrderID),
			zap.Error(err),
		)
	}
}
