package models

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of a TrackedOrder.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusFailed    OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusFailed
}

var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending: {StatusOpen, StatusFailed},
	StatusOpen:    {StatusFilled, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TrackedOrder is the engine's view of one order occupying a grid slot.
type TrackedOrder struct {
	LocalID         string        `json:"local_id"`
	ExchangeOrderID string        `json:"exchange_order_id,omitempty"`
	Side            Side          `json:"side"`
	Price           float64       `json:"price"`
	Quantity        float64       `json:"quantity"`
	Slot            int           `json:"slot"`
	Status          OrderStatus   `json:"status"`
	History         []OrderStatus `json:"history"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewTrackedOrder creates a Pending order for an intent.
func NewTrackedOrder(localID string, intent OrderIntent, now time.Time) *TrackedOrder {
	return &TrackedOrder{
		LocalID:   localID,
		Side:      intent.Side,
		Price:     intent.Price,
		Quantity:  intent.Quantity,
		Slot:      intent.Slot,
		Status:    StatusPending,
		History:   []OrderStatus{StatusPending},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the order to a new status, refusing illegal steps.
func (o *TrackedOrder) Transition(to OrderStatus, now time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.LocalID, o.Status, to)
	}
	o.Status = to
	o.History = append(o.History, to)
	o.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o *TrackedOrder) Clone() TrackedOrder {
	c := *o
	c.History = append([]OrderStatus(nil), o.History...)
	return c
}
