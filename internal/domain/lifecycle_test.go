package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransitionForwardEdges(t *testing.T) {
	allowed := []struct {
		from OrderState
		to   OrderState
	}{
		{StatePending, StateProcessing},
		{StateProcessing, StateShipped},
		{StateShipped, StateDelivered},
		{StatePending, StateCancelled},
		{StateProcessing, StateCancelled},
		{StateShipped, StateCancelled},
		{StateDelivered, StateReturned},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s to %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from OrderState
		to   OrderState
	}{
		{StatePending, StateShipped},
		{StatePending, StateDelivered},
		{StateProcessing, StateDelivered},
		{StateDelivered, StateCancelled},
		{StateCancelled, StateProcessing},
		{StateCancelled, StatePending},
		{StateReturned, StatePending},
		{StateShipped, StateProcessing},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s to %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestApplyAppendsSingleTrackingEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	order := &Order{Status: OrderStatus{State: StatePending, UpdatedAt: now.Add(-time.Hour)}}

	event, ok := ForwardEvent(order.Status.State)
	if !ok {
		t.Fatalf("expected forward event from pending")
	}
	if err := Apply(order, event, now); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if order.Status.State != StateProcessing {
		t.Fatalf("expected processing, got %s", order.Status.State)
	}
	if !order.Status.UpdatedAt.Equal(now) {
		t.Fatalf("expected updatedAt refresh, got %s", order.Status.UpdatedAt)
	}
	if len(order.TrackingEvents) != 1 {
		t.Fatalf("expected one tracking event, got %d", len(order.TrackingEvents))
	}
	if order.TrackingEvents[0].Label != "Order processing" {
		t.Fatalf("unexpected label %q", order.TrackingEvents[0].Label)
	}
}

func TestApplySameStateIsNoop(t *testing.T) {
	now := time.Now().UTC()
	order := &Order{Status: OrderStatus{State: StateProcessing, UpdatedAt: now.Add(-time.Minute)}}

	err := Apply(order, TransitionEvent{Target: StateProcessing, Label: "dup"}, now)
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if len(order.TrackingEvents) != 0 {
		t.Fatalf("no-op must not append events, got %d", len(order.TrackingEvents))
	}
	if order.Status.UpdatedAt.Equal(now) {
		t.Fatal("no-op must not refresh updatedAt")
	}
}

func TestApplyRejectsSkips(t *testing.T) {
	order := &Order{Status: OrderStatus{State: StatePending}}
	err := Apply(order, TransitionEvent{Target: StateShipped}, time.Now().UTC())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if order.Status.State != StatePending {
		t.Fatalf("state must be unchanged on rejection, got %s", order.Status.State)
	}
	if len(order.TrackingEvents) != 0 {
		t.Fatal("rejected transition must not append events")
	}
}

func TestNextForwardTerminalStates(t *testing.T) {
	for _, state := range []OrderState{StateDelivered, StateCancelled, StateReturned} {
		if _, ok := NextForward(state); ok {
			t.Errorf("terminal state %s must not have a forward edge", state)
		}
		if !IsTerminal(state) {
			t.Errorf("expected %s to be terminal", state)
		}
	}
}

func TestAmountsBalanced(t *testing.T) {
	ok := OrderAmounts{Subtotal: 5000, Shipping: 500, Tax: 450, Discount: 200, Total: 5750}
	if !ok.Balanced() {
		t.Fatal("expected balanced amounts")
	}
	bad := OrderAmounts{Subtotal: 5000, Shipping: 500, Tax: 450, Discount: 0, Total: 5000}
	if bad.Balanced() {
		t.Fatal("expected unbalanced amounts")
	}
}
