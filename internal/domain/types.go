package domain

import (
	"time"
)

// ShippingMethod enumerates the delivery options offered at checkout.
type ShippingMethod string

const (
	// ShippingStandard is the default parcel service.
	ShippingStandard ShippingMethod = "standard"
	// ShippingExpress is the expedited courier service.
	ShippingExpress ShippingMethod = "express"
	// ShippingFree is the slower promotional free-shipping tier.
	ShippingFree ShippingMethod = "free"
)

// ValidShippingMethod reports whether the value is one of the supported methods.
func ValidShippingMethod(m ShippingMethod) bool {
	switch m {
	case ShippingStandard, ShippingExpress, ShippingFree:
		return true
	}
	return false
}

// RefundMethod enumerates how a cancellation is compensated.
type RefundMethod string

const (
	// RefundOriginal settles back to the original payment instrument via the PSP.
	RefundOriginal RefundMethod = "original"
	// RefundCredit settles as store credit on the customer account.
	RefundCredit RefundMethod = "credit"
	// RefundExchange settles by creating a linked replacement order.
	RefundExchange RefundMethod = "exchange"
)

// ValidRefundMethod reports whether the value is one of the supported refund methods.
func ValidRefundMethod(m RefundMethod) bool {
	switch m {
	case RefundOriginal, RefundCredit, RefundExchange:
		return true
	}
	return false
}

// RefundState describes settlement progress for a refund.
type RefundState string

const (
	// RefundProcessing indicates the refund was filed and awaits PSP settlement.
	RefundProcessing RefundState = "processing"
	// RefundCompleted indicates the refund has been settled.
	RefundCompleted RefundState = "completed"
)

// Refund captures the compensation recorded when an order is cancelled or returned.
type Refund struct {
	Method RefundMethod
	State  RefundState
	Amount int64
}

// OrderItem is a line item snapshot taken at checkout time. UnitPrice is never
// recomputed from the catalog after creation.
type OrderItem struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	Variant   map[string]string
	ImageURL  string
}

// OrderAmounts holds rolled-up monetary fields in the smallest currency unit.
// Total must equal Subtotal + Shipping + Tax - Discount.
type OrderAmounts struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Discount int64
	Total    int64
}

// Balanced reports whether the amounts satisfy the total identity.
func (a OrderAmounts) Balanced() bool {
	return a.Total == a.Subtotal+a.Shipping+a.Tax-a.Discount
}

// Address represents the validated postal address attached to an order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// TrackingEvent is one append-only entry on the order timeline.
type TrackingEvent struct {
	Timestamp time.Time
	Label     string
	Location  string
	Details   string
}

// OrderStatus bundles the mutable lifecycle state of an order.
type OrderStatus struct {
	State               OrderState
	UpdatedAt           time.Time
	Details             string
	EstimatedDeliveryAt *time.Time
	Refund              *Refund
	ExchangeOrderID     *string
}

// Order is the root entity for one completed checkout. ID and TrackingToken
// are assigned once at creation and never change; Status.State only changes
// through Apply.
type Order struct {
	ID                   string
	TrackingToken        string
	CustomerEmail        string
	CustomerPhone        string
	Items                []OrderItem
	Amounts              OrderAmounts
	ShippingAddress      Address
	PaymentMethodLabel   string
	ShippingMethod       ShippingMethod
	Status               OrderStatus
	TrackingEvents       []TrackingEvent
	TrackingNumber       string
	CancellationDeadline time.Time
	LinkedToAccount      bool
	AccountCredit        int64
	CreatedAt            time.Time
	ExpiresAt            time.Time

	// Version is the optimistic-concurrency token supplied back on Update.
	Version int64
}

// Expired reports whether an unlinked guest order has passed its retention
// window. Linked orders never expire.
func (o Order) Expired(now time.Time) bool {
	if o.LinkedToAccount || o.ExpiresAt.IsZero() {
		return false
	}
	return now.After(o.ExpiresAt)
}

// CloneItems returns a deep copy of the line items.
func CloneItems(items []OrderItem) []OrderItem {
	if items == nil {
		return nil
	}
	cloned := make([]OrderItem, len(items))
	for i, item := range items {
		cloned[i] = item
		if item.Variant != nil {
			variant := make(map[string]string, len(item.Variant))
			for k, v := range item.Variant {
				variant[k] = v
			}
			cloned[i].Variant = variant
		}
	}
	return cloned
}

// CloneEvents returns a copy of the tracking timeline.
func CloneEvents(events []TrackingEvent) []TrackingEvent {
	if events == nil {
		return nil
	}
	cloned := make([]TrackingEvent, len(events))
	copy(cloned, events)
	return cloned
}

// Clone returns a deep copy of the order, suitable for handing across
// repository boundaries without sharing mutable slices.
func (o Order) Clone() Order {
	cloned := o
	cloned.Items = CloneItems(o.Items)
	cloned.TrackingEvents = CloneEvents(o.TrackingEvents)
	if o.Status.Refund != nil {
		refund := *o.Status.Refund
		cloned.Status.Refund = &refund
	}
	if o.Status.ExchangeOrderID != nil {
		ref := *o.Status.ExchangeOrderID
		cloned.Status.ExchangeOrderID = &ref
	}
	if o.Status.EstimatedDeliveryAt != nil {
		ts := *o.Status.EstimatedDeliveryAt
		cloned.Status.EstimatedDeliveryAt = &ts
	}
	if o.ShippingAddress.Line2 != nil {
		line2 := *o.ShippingAddress.Line2
		cloned.ShippingAddress.Line2 = &line2
	}
	if o.ShippingAddress.State != nil {
		state := *o.ShippingAddress.State
		cloned.ShippingAddress.State = &state
	}
	if o.ShippingAddress.Phone != nil {
		phone := *o.ShippingAddress.Phone
		cloned.ShippingAddress.Phone = &phone
	}
	return cloned
}
