package payments

import (
	"context"
)

// RefundRequest describes a settlement back to the original payment instrument.
type RefundRequest struct {
	OrderID        string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// RefundSettler files a refund with the payment service provider. Settlement
// is asynchronous: a nil error means the refund was accepted for processing,
// not that funds have moved.
type RefundSettler interface {
	SettleRefund(ctx context.Context, req RefundRequest) error
}

// NopSettler accepts every refund without contacting a provider. Used when no
// PSP credentials are configured, typically in local development.
type NopSettler struct{}

// SettleRefund implements RefundSettler.
func (NopSettler) SettleRefund(context.Context, RefundRequest) error { return nil }
