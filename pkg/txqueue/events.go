package txqueue

import (
	"math/big"
	"time"
)

// EventType identifies a state transition or delay notification.
type EventType string

// Event types published on the bus.
const (
	EventQueued    EventType = "queued"
	EventSent      EventType = "sent"
	EventRetrying  EventType = "retrying"
	EventMined     EventType = "mined"
	EventErrored   EventType = "errored"
	EventCancelled EventType = "cancelled"
	EventDelayed   EventType = "delayed"
)

// DelayReasonMaxFeeTooLow is emitted when a sent transaction can't be mined
// because the chain's base fee exceeds its max fee per gas.
const DelayReasonMaxFeeTooLow = "max_fee_per_gas_too_low"

// DelayInfo describes why a sent transaction is delayed.
type DelayInfo struct {
	Reason                string    `json:"reason"`
	RequestedMaxFeePerGas *big.Int  `json:"requestedMaxFeePerGas"`
	CurrentMaxFeePerGas   *big.Int  `json:"currentMaxFeePerGas"`
	Timestamp             time.Time `json:"timestamp"`
}

// Event is one observable transition of a queued transaction. Events for a
// given queue id are published in transition order.
type Event struct {
	Type      EventType
	Tx        Tx
	Delay     *DelayInfo
	Timestamp time.Time
}

// Bus is the internal typed event channel published by the store on every
// state transition and consumed independently by each notification path.
type Bus interface {
	Publish(Event)

	// Subscribe registers a new consumer. The returned cancel function drops
	// the subscription and closes the channel.
	Subscribe() (<-chan Event, func())
}
