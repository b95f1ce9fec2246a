// Package adapter defines the boundary for publishing transfer events to
// downstream systems.
//
// The service owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"errors"

	"github.com/pithecene-io/circuitd/types"
)

// TransferEvent is the payload published for circuit progress, faults
// and completion.
type TransferEvent struct {
	EventType types.EventType     `json:"event_type" msgpack:"event_type"`
	Circuit   string              `json:"circuit" msgpack:"circuit"`
	File      types.FileKind      `json:"file,omitempty" msgpack:"file,omitempty"`
	Progress  int                 `json:"progress" msgpack:"progress"`
	Error     string              `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp string              `json:"timestamp" msgpack:"timestamp"` // RFC 3339
	State     types.TransferState `json:"state" msgpack:"state"`
}

// Adapter publishes transfer events to a downstream system.
type Adapter interface {
	// Publish sends an event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *TransferEvent) error

	// Close releases adapter resources.
	Close() error
}

// Multi fans an event out to every adapter. All adapters are attempted;
// failures are joined.
type Multi []Adapter

// Publish sends event to each adapter in order.
func (m Multi) Publish(ctx context.Context, event *TransferEvent) error {
	var errs []error
	for _, a := range m {
		if err := a.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every adapter.
func (m Multi) Close() error {
	var errs []error
	for _, a := range m {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to the Adapter interface. Close is a no-op.
type Func func(ctx context.Context, event *TransferEvent) error

// Publish calls f.
func (f Func) Publish(ctx context.Context, event *TransferEvent) error { return f(ctx, event) }

// Close does nothing.
func (Func) Close() error { return nil }

var (
	_ Adapter = Multi(nil)
	_ Adapter = Func(nil)
)
