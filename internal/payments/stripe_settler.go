package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeSettlerConfig configures the StripeSettler.
type StripeSettlerConfig struct {
	APIKey  string
	Logger  *zap.Logger
	Refunds stripeRefundAPI
}

// StripeSettler implements RefundSettler against the Stripe Refunds API.
type StripeSettler struct {
	refunds stripeRefundAPI
	logger  *zap.Logger
}

// NewStripeSettler constructs a Stripe-backed refund settler.
func NewStripeSettler(cfg StripeSettlerConfig) (*StripeSettler, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Refunds == nil {
		return nil, errors.New("stripe: api key is required")
	}

	refunds := cfg.Refunds
	if refunds == nil {
		sc := client.New(apiKey, nil)
		refunds = sc.Refunds
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StripeSettler{refunds: refunds, logger: logger}, nil
}

// SettleRefund files the refund with Stripe. The order ID doubles as the
// payment reference recorded at checkout time.
func (s *StripeSettler) SettleRefund(ctx context.Context, req RefundRequest) error {
	if s == nil || s.refunds == nil {
		return errors.New("stripe: settler not initialised")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return errors.New("stripe: order id is required")
	}
	if req.Amount <= 0 {
		return fmt.Errorf("stripe: refund amount must be positive, got %d", req.Amount)
	}

	params := &stripe.RefundParams{
		Amount: stripe.Int64(req.Amount),
		Metadata: map[string]string{
			"orderId": req.OrderID,
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.Metadata["reason"] = reason
	}
	params.Reason = stripe.String(string(stripe.RefundReasonRequestedByCustomer))

	refund, err := s.refunds.New(params)
	if err != nil {
		return fmt.Errorf("stripe: file refund for order %s: %w", req.OrderID, err)
	}

	s.logger.Info("payments: refund filed",
		zap.String("order_id", req.OrderID),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", req.Amount),
	)
	return nil
}
