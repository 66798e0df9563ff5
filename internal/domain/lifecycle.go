package domain

import (
	"errors"
	"fmt"
	"time"
)

// OrderState enumerates valid lifecycle states for orders.
type OrderState string

const (
	// StatePending indicates the order was placed and awaits fulfilment intake.
	StatePending OrderState = "pending"
	// StateProcessing indicates the order is being picked and packed.
	StateProcessing OrderState = "processing"
	// StateShipped indicates the order was handed to the carrier.
	StateShipped OrderState = "shipped"
	// StateDelivered indicates the carrier confirmed delivery. Terminal.
	StateDelivered OrderState = "delivered"
	// StateCancelled indicates the order was cancelled before delivery. Terminal.
	StateCancelled OrderState = "cancelled"
	// StateReturned indicates a post-delivery return was accepted. Terminal;
	// only reachable through the external returns workflow.
	StateReturned OrderState = "returned"
)

// ErrInvalidTransition is returned when a transition is not on the lifecycle graph.
var ErrInvalidTransition = errors.New("order: invalid status transition")

var stateTransitions = map[OrderState][]OrderState{
	StatePending:    {StateProcessing, StateCancelled},
	StateProcessing: {StateShipped, StateCancelled},
	StateShipped:    {StateDelivered, StateCancelled},
	StateDelivered:  {StateReturned},
}

var forwardEdge = map[OrderState]OrderState{
	StatePending:    StateProcessing,
	StateProcessing: StateShipped,
	StateShipped:    StateDelivered,
}

// IsTerminal reports whether the state admits no further automatic progression.
func IsTerminal(state OrderState) bool {
	switch state {
	case StateDelivered, StateCancelled, StateReturned:
		return true
	}
	return false
}

// CanTransition reports whether target is reachable from current in one step.
// A transition to the current state is always permitted (and is a no-op).
func CanTransition(current, target OrderState) bool {
	if current == target {
		return true
	}
	for _, next := range stateTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// NextForward returns the single next forward edge from the state, if any.
func NextForward(state OrderState) (OrderState, bool) {
	next, ok := forwardEdge[state]
	return next, ok
}

// TransitionEvent describes a lifecycle transition together with the tracking
// timeline entry it produces.
type TransitionEvent struct {
	Target   OrderState
	Label    string
	Location string
	Details  string
}

// Apply is the sole mutator of Status.State. On success it moves the order to
// the event's target state, refreshes Status.UpdatedAt, and appends exactly
// one tracking event. Re-applying the current state is a no-op success that
// records nothing.
func Apply(order *Order, event TransitionEvent, now time.Time) error {
	current := order.Status.State

	if current == event.Target {
		return nil
	}
	if !CanTransition(current, event.Target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, event.Target)
	}

	order.Status.State = event.Target
	order.Status.UpdatedAt = now
	if event.Details != "" {
		order.Status.Details = event.Details
	}
	order.TrackingEvents = append(order.TrackingEvents, TrackingEvent{
		Timestamp: now,
		Label:     event.Label,
		Location:  event.Location,
		Details:   event.Details,
	})
	return nil
}

// ForwardEvent builds the standard timeline entry for an automatic forward
// transition out of the given state.
func ForwardEvent(current OrderState) (TransitionEvent, bool) {
	next, ok := NextForward(current)
	if !ok {
		return TransitionEvent{}, false
	}
	switch next {
	case StateProcessing:
		return TransitionEvent{
			Target:   StateProcessing,
			Label:    "Order processing",
			Location: "Fulfilment center",
			Details:  "Your order is being prepared for shipment.",
		}, true
	case StateShipped:
		return TransitionEvent{
			Target:   StateShipped,
			Label:    "Shipped",
			Location: "Carrier facility",
			Details:  "Your order has been handed to the carrier.",
		}, true
	case StateDelivered:
		return TransitionEvent{
			Target:   StateDelivered,
			Label:    "Delivered",
			Location: "Destination",
			Details:  "Your order was delivered.",
		}, true
	}
	return TransitionEvent{}, false
}

// CancelEvent builds the timeline entry for a cancellation with the customer
// supplied reason.
func CancelEvent(reason string) TransitionEvent {
	return TransitionEvent{
		Target:   StateCancelled,
		Label:    "Cancelled",
		Location: "Customer service",
		Details:  reason,
	}
}
