// Package message holds the wire contracts of the dispatch relay.
package message

import (
	"github.com/google/uuid"
)

// Topics.
const (
	TopicOrderCreated     = "order.created"
	TopicDispatchTracking = "dispatch.tracking"
	TopicOrderDispatched  = "order.dispatched"
)

// ConsumerGroup is the group the relay consumes order.created under.
const ConsumerGroup = "dispatch.order.created.consumer"

// Event names carried in Message.Name.
const (
	NameOrderCreated      = "OrderCreated"
	NameDispatchPreparing = "DispatchPreparing"
	NameOrderDispatched   = "OrderDispatched"
)

// NotesPrefix prefixes the item in OrderDispatched.Notes.
const NotesPrefix = "Dispatched: "

// OrderCreated is the inbound order event.
type OrderCreated struct {
	OrderID uuid.UUID `json:"orderId"`
	Item    string    `json:"item"`
}

// DispatchPreparing tells tracking that an order is about to be dispatched.
type DispatchPreparing struct {
	OrderID uuid.UUID `json:"orderId"`
}

// OrderDispatched is the terminal event of a successful dispatch.
type OrderDispatched struct {
	OrderID     uuid.UUID `json:"orderId"`
	ProcessByID uuid.UUID `json:"processById"`
	Notes       string    `json:"notes"`
}

// NewOrderDispatched builds the dispatched event for an order handled by processID.
func NewOrderDispatched(order OrderCreated, processID uuid.UUID) OrderDispatched {
	return OrderDispatched{
		OrderID:     order.OrderID,
		ProcessByID: processID,
		Notes:       NotesPrefix + order.Item,
	}
}
