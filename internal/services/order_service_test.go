package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stitchfield/orders-api/internal/domain"
	"github.com/stitchfield/orders-api/internal/payments"
	"github.com/stitchfield/orders-api/internal/platform/config"
	"github.com/stitchfield/orders-api/internal/repositories/memory"
)

var testThresholds = map[domain.ShippingMethod]config.StageThresholds{
	domain.ShippingStandard: {Processing: 4 * time.Hour, Shipping: 48 * time.Hour, Delivery: 120 * time.Hour},
	domain.ShippingExpress:  {Processing: 2 * time.Hour, Shipping: 24 * time.Hour, Delivery: 48 * time.Hour},
	domain.ShippingFree:     {Processing: 8 * time.Hour, Shipping: 72 * time.Hour, Delivery: 168 * time.Hour},
}

func testPolicy() OrderPolicy {
	return OrderPolicy{
		CancelWindow:   72 * time.Hour,
		GuestRetention: 90 * 24 * time.Hour,
		Thresholds:     testThresholds,
	}
}

type capturingPublisher struct {
	mu       sync.Mutex
	messages []OrderEventMessage
}

func (p *capturingPublisher) PublishOrderEvent(_ context.Context, message OrderEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *capturingPublisher) byType(eventType string) []OrderEventMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderEventMessage
	for _, m := range p.messages {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

type recordingSettler struct {
	mu       sync.Mutex
	requests []payments.RefundRequest
	done     chan struct{}
}

func newRecordingSettler() *recordingSettler {
	return &recordingSettler{done: make(chan struct{}, 8)}
}

func (s *recordingSettler) SettleRefund(_ context.Context, req payments.RefundRequest) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

type orderServiceFixture struct {
	service   OrderService
	orders    *memory.OrderRepository
	counters  *memory.CounterRepository
	publisher *capturingPublisher
	settler   *recordingSettler
	now       time.Time
}

func newOrderServiceFixture(t *testing.T) *orderServiceFixture {
	t.Helper()
	fixture := &orderServiceFixture{
		orders:    memory.NewOrderRepository(),
		counters:  memory.NewCounterRepository(),
		publisher: &capturingPublisher{},
		settler:   newRecordingSettler(),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	service, err := NewOrderService(OrderServiceDeps{
		Orders:   fixture.orders,
		Counters: fixture.counters,
		Settler:  fixture.settler,
		Events:   fixture.publisher,
		Policy:   testPolicy(),
		Clock:    func() time.Time { return fixture.now },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fixture.service = service
	return fixture
}

func validCreateInput() CreateOrderInput {
	return CreateOrderInput{
		CustomerEmail: "jo@example.com",
		CustomerPhone: "+15550100",
		Items: []NewOrderItem{
			{ProductID: "sku-101", Name: "Wool sweater", UnitPrice: 4500, Quantity: 1},
			{ProductID: "sku-240", Name: "Canvas tote", UnitPrice: 1800, Quantity: 2},
		},
		Amounts: domain.OrderAmounts{
			Subtotal: 8100,
			Shipping: 500,
			Tax:      688,
			Discount: 0,
			Total:    9288,
		},
		ShippingAddress: domain.Address{
			Recipient:  "Jo Doe",
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "62704",
			Country:    "US",
		},
		PaymentMethodLabel: "Visa ending 4242",
		ShippingMethod:     domain.ShippingStandard,
	}
}

func TestCreateOrder(t *testing.T) {
	fixture := newOrderServiceFixture(t)

	order, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if order.ID != "SF-2026-000001" {
		t.Fatalf("order id = %q", order.ID)
	}
	if order.TrackingToken == "" || order.TrackingNumber == "" {
		t.Fatal("expected tracking token and number to be assigned")
	}
	if order.Status.State != domain.StatePending {
		t.Fatalf("initial state = %q", order.Status.State)
	}
	if len(order.TrackingEvents) != 1 || order.TrackingEvents[0].Label != "Order placed" {
		t.Fatalf("unexpected timeline: %+v", order.TrackingEvents)
	}
	if want := fixture.now.Add(72 * time.Hour); !order.CancellationDeadline.Equal(want) {
		t.Fatalf("cancellation deadline = %s, want %s", order.CancellationDeadline, want)
	}
	if want := fixture.now.Add(90 * 24 * time.Hour); !order.ExpiresAt.Equal(want) {
		t.Fatalf("expires at = %s, want %s", order.ExpiresAt, want)
	}
	if order.Status.EstimatedDeliveryAt == nil {
		t.Fatal("expected estimated delivery")
	}
	if want := fixture.now.Add(172 * time.Hour); !order.Status.EstimatedDeliveryAt.Equal(want) {
		t.Fatalf("estimated delivery = %s, want %s", order.Status.EstimatedDeliveryAt, want)
	}
	if order.LinkedToAccount {
		t.Fatal("guest order must not be linked")
	}
	if len(fixture.publisher.byType(OrderEventCreated)) != 1 {
		t.Fatal("expected order.created event")
	}

	second, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second.ID != "SF-2026-000002" {
		t.Fatalf("second order id = %q", second.ID)
	}
	if second.TrackingToken == order.TrackingToken {
		t.Fatal("tracking tokens must be unique")
	}
}

func TestCreateOrderLinkedAccountNeverExpires(t *testing.T) {
	fixture := newOrderServiceFixture(t)

	input := validCreateInput()
	input.AccountUID = "cust-1"
	order, err := fixture.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !order.LinkedToAccount {
		t.Fatal("expected linked order")
	}
	if !order.ExpiresAt.IsZero() {
		t.Fatalf("linked order must not expire, got %s", order.ExpiresAt)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	fixture := newOrderServiceFixture(t)

	cases := map[string]func(*CreateOrderInput){
		"missing email":       func(in *CreateOrderInput) { in.CustomerEmail = "" },
		"no items":            func(in *CreateOrderInput) { in.Items = nil },
		"zero quantity":       func(in *CreateOrderInput) { in.Items[0].Quantity = 0 },
		"negative unit price": func(in *CreateOrderInput) { in.Items[0].UnitPrice = -1 },
		"bad shipping method": func(in *CreateOrderInput) { in.ShippingMethod = "overnight" },
		"unbalanced amounts":  func(in *CreateOrderInput) { in.Amounts.Total += 10 },
		"missing recipient":   func(in *CreateOrderInput) { in.ShippingAddress.Recipient = "" },
		"missing country":     func(in *CreateOrderInput) { in.ShippingAddress.Country = "" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			input := validCreateInput()
			mutate(&input)
			_, err := fixture.service.Create(context.Background(), input)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

func TestGetByToken(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, err := fixture.service.GetByToken(context.Background(), created.TrackingToken, "JO@example.com")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("found %q, want %q", found.ID, created.ID)
	}

	// Wrong token and wrong email must be indistinguishable.
	_, errToken := fixture.service.GetByToken(context.Background(), "bogus", "jo@example.com")
	_, errEmail := fixture.service.GetByToken(context.Background(), created.TrackingToken, "other@example.com")
	if !errors.Is(errToken, ErrOrderNotFound) || !errors.Is(errEmail, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v / %v", errToken, errEmail)
	}
	if errToken.Error() != errEmail.Error() {
		t.Fatalf("lookup failures must not be distinguishable: %q vs %q", errToken, errEmail)
	}
}

func TestGetByTokenExpiredGuestOrder(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fixture.now = fixture.now.Add(91 * 24 * time.Hour)
	_, err = fixture.service.GetByToken(context.Background(), created.TrackingToken, created.CustomerEmail)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for expired order, got %v", err)
	}
}

func TestEligibility(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	eligibility, err := fixture.service.Eligibility(context.Background(), created.ID, false)
	if err != nil {
		t.Fatalf("Eligibility: %v", err)
	}
	if !eligibility.Eligible {
		t.Fatalf("pending order should be cancellable: %+v", eligibility)
	}

	// Advance the order to processing; guests can no longer cancel but
	// authenticated customers still can.
	stored, _ := fixture.orders.FindByID(context.Background(), created.ID)
	if err := domain.Apply(&stored, domain.TransitionEvent{Target: domain.StateProcessing, Label: "Order processing"}, fixture.now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := fixture.orders.Update(context.Background(), stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	guest, err := fixture.service.Eligibility(context.Background(), created.ID, false)
	if err != nil {
		t.Fatalf("Eligibility: %v", err)
	}
	if guest.Eligible {
		t.Fatal("guest must not cancel a processing order")
	}

	authed, err := fixture.service.Eligibility(context.Background(), created.ID, true)
	if err != nil {
		t.Fatalf("Eligibility: %v", err)
	}
	if !authed.Eligible {
		t.Fatalf("account holder should cancel a processing order: %+v", authed)
	}

	// Past the deadline nobody can cancel.
	fixture.now = fixture.now.Add(73 * time.Hour)
	late, err := fixture.service.Eligibility(context.Background(), created.ID, true)
	if err != nil {
		t.Fatalf("Eligibility: %v", err)
	}
	if late.Eligible {
		t.Fatal("cancellation window must close after the deadline")
	}
}

func TestCancelOriginalRefund(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := fixture.service.Cancel(context.Background(), CancelOrderInput{
		OrderID:      created.ID,
		Reason:       "found a better price",
		RefundMethod: domain.RefundOriginal,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if cancelled.Status.State != domain.StateCancelled {
		t.Fatalf("state = %q", cancelled.Status.State)
	}
	refund := cancelled.Status.Refund
	if refund == nil || refund.Method != domain.RefundOriginal || refund.State != domain.RefundProcessing {
		t.Fatalf("unexpected refund: %+v", refund)
	}
	if refund.Amount != created.Amounts.Total {
		t.Fatalf("refund amount = %d, want %d", refund.Amount, created.Amounts.Total)
	}
	if got := len(cancelled.TrackingEvents); got != 2 {
		t.Fatalf("timeline length = %d, want 2", got)
	}
	if cancelled.TrackingEvents[1].Label != "Cancelled" {
		t.Fatalf("timeline label = %q", cancelled.TrackingEvents[1].Label)
	}

	select {
	case <-fixture.settler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected async refund settlement")
	}
	fixture.settler.mu.Lock()
	defer fixture.settler.mu.Unlock()
	if len(fixture.settler.requests) != 1 || fixture.settler.requests[0].Amount != created.Amounts.Total {
		t.Fatalf("unexpected settlement requests: %+v", fixture.settler.requests)
	}

	if len(fixture.publisher.byType(OrderEventCancelled)) != 1 {
		t.Fatal("expected order.cancelled event")
	}
}

func TestCancelCreditRefund(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := fixture.service.Cancel(context.Background(), CancelOrderInput{
		OrderID:       created.ID,
		Reason:        "ordered twice",
		RefundMethod:  domain.RefundCredit,
		Authenticated: true,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	refund := cancelled.Status.Refund
	if refund == nil || refund.Method != domain.RefundCredit || refund.State != domain.RefundCompleted {
		t.Fatalf("unexpected refund: %+v", refund)
	}
	if cancelled.AccountCredit != created.Amounts.Total {
		t.Fatalf("account credit = %d, want %d", cancelled.AccountCredit, created.Amounts.Total)
	}

	// Credit settles internally; the PSP must not be called.
	select {
	case <-fixture.settler.done:
		t.Fatal("credit refund must not reach the PSP")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelExchangeRefund(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	input := validCreateInput()
	input.AccountUID = "cust-1"
	created, err := fixture.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := fixture.service.Cancel(context.Background(), CancelOrderInput{
		OrderID:       created.ID,
		Reason:        "wrong size",
		RefundMethod:  domain.RefundExchange,
		Authenticated: true,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if cancelled.Status.ExchangeOrderID == nil {
		t.Fatal("expected exchange order reference")
	}
	replacement, err := fixture.orders.FindByID(context.Background(), *cancelled.Status.ExchangeOrderID)
	if err != nil {
		t.Fatalf("FindByID replacement: %v", err)
	}
	if replacement.Status.State != domain.StatePending {
		t.Fatalf("replacement state = %q", replacement.Status.State)
	}
	if replacement.Amounts.Total != 0 {
		t.Fatalf("replacement must be zero-charge, got total %d", replacement.Amounts.Total)
	}
	if len(replacement.Items) != len(created.Items) {
		t.Fatalf("replacement items = %d, want %d", len(replacement.Items), len(created.Items))
	}
	if !replacement.LinkedToAccount {
		t.Fatal("replacement for a linked order must stay linked")
	}
}

func TestCancelExchangeRetryKeepsOneReplacement(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	input := validCreateInput()
	input.AccountUID = "cust-1"
	created, err := fixture.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	stored, err := fixture.orders.FindByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}

	// A hidden writer invalidates the first cancellation update, forcing the
	// workflow through its conflict retry.
	conflicting := &conflictOnFirstUpdate{OrderRepository: fixture.orders, stale: stored}
	service, err := NewOrderService(OrderServiceDeps{
		Orders:   conflicting,
		Counters: fixture.counters,
		Settler:  fixture.settler,
		Events:   fixture.publisher,
		Policy:   testPolicy(),
		Clock:    func() time.Time { return fixture.now },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	cancelled, err := service.Cancel(context.Background(), CancelOrderInput{
		OrderID:       created.ID,
		Reason:        "wrong size",
		RefundMethod:  domain.RefundExchange,
		Authenticated: true,
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status.ExchangeOrderID == nil {
		t.Fatal("expected exchange order reference")
	}

	// The losing first attempt must not leave an orphaned replacement behind.
	orders, err := fixture.orders.ListByEmail(context.Background(), created.CustomerEmail)
	if err != nil {
		t.Fatalf("ListByEmail: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected the original plus one replacement, got %d orders", len(orders))
	}
	for _, order := range orders {
		if order.ID == created.ID {
			continue
		}
		if order.ID != *cancelled.Status.ExchangeOrderID {
			t.Fatalf("unreferenced replacement %s, exchange reference is %s", order.ID, *cancelled.Status.ExchangeOrderID)
		}
	}
	if created := fixture.publisher.byType(OrderEventCreated); len(created) != 2 {
		t.Fatalf("expected created events for the original and one replacement, got %d", len(created))
	}
}

func TestCancelZeroTotalOriginalRefundCompletesImmediately(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	input := validCreateInput()
	input.Amounts = domain.OrderAmounts{}
	created, err := fixture.service.Create(context.Background(), input)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := fixture.service.Cancel(context.Background(), CancelOrderInput{
		OrderID: created.ID,
		Reason:  "ordered by mistake",
	})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	refund := cancelled.Status.Refund
	if refund == nil || refund.Method != domain.RefundOriginal {
		t.Fatalf("refund = %+v", refund)
	}
	if refund.State != domain.RefundCompleted || refund.Amount != 0 {
		t.Fatalf("zero-total refund = %+v, want completed with amount 0", refund)
	}

	fixture.settler.mu.Lock()
	defer fixture.settler.mu.Unlock()
	if len(fixture.settler.requests) != 0 {
		t.Fatalf("no settlement expected for a zero total, got %+v", fixture.settler.requests)
	}
}

func TestCancelGuestRestrictedToOriginalRefund(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, method := range []domain.RefundMethod{domain.RefundCredit, domain.RefundExchange} {
		_, err := fixture.service.Cancel(context.Background(), CancelOrderInput{
			OrderID:      created.ID,
			Reason:       "no longer needed",
			RefundMethod: method,
		})
		if !errors.Is(err, ErrOrderUnauthorized) {
			t.Fatalf("method %q: expected ErrOrderUnauthorized, got %v", method, err)
		}
	}
}

func TestCancelRejectsEmptyReason(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = fixture.service.Cancel(context.Background(), CancelOrderInput{OrderID: created.ID, Reason: "   "})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestCancelAlreadyCancelled(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	created, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := fixture.service.Cancel(context.Background(), CancelOrderInput{OrderID: created.ID, Reason: "first"}); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	_, err = fixture.service.Cancel(context.Background(), CancelOrderInput{OrderID: created.ID, Reason: "second"})
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}

func TestListByEmail(t *testing.T) {
	fixture := newOrderServiceFixture(t)
	first, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fixture.now = fixture.now.Add(time.Hour)
	second, err := fixture.service.Create(context.Background(), validCreateInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	orders, err := fixture.service.ListByEmail(context.Background(), "jo@example.com")
	if err != nil {
		t.Fatalf("ListByEmail: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].ID != second.ID || orders[1].ID != first.ID {
		t.Fatalf("expected newest first, got %q then %q", orders[0].ID, orders[1].ID)
	}
}
