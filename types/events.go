package types

// EventMethod is the RPC method carrying broadcast events to every peer.
const EventMethod = "event"

// EventType discriminates transfer events.
type EventType string

// Transfer event types published by the coordinator.
const (
	EventTypeProgress EventType = "circuit_progress"
	EventTypeError    EventType = "circuit_error"
	EventTypeFinished EventType = "circuit_finished"
)

// IsTerminal returns true if the event ends a circuit transfer.
func (e EventType) IsTerminal() bool {
	return e == EventTypeFinished
}

// Broadcast is the payload of an EventMethod message: a named event with
// free-form arguments.
type Broadcast struct {
	Name string `json:"name" msgpack:"name"`
	Args any    `json:"args,omitempty" msgpack:"args,omitempty"`
}
