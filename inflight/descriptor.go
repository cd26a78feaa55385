package inflight

import (
	"fmt"

	"github.com/TheSmallBoat/inflight/wire"
)

// Descriptor identifies one request and carries the continuations of the
// caller waiting for it. It must not be modified once handed to a Tracker.
type Descriptor struct {
	APIKey        int16
	APIVersion    int16
	APIName       string
	CorrelationID int32

	Request    wire.Encoder // request body, nil for an empty body
	NoResponse bool         // the broker does not answer this request

	SettleSuccess func(Result)
	SettleFailure func(error)
}

func (d *Descriptor) validate() error {
	if d == nil {
		return fmt.Errorf("%w: descriptor is nil", ErrInvalidDescriptor)
	}
	if d.SettleSuccess == nil || d.SettleFailure == nil {
		return fmt.Errorf("%w: request %d is missing a continuation", ErrInvalidDescriptor, d.CorrelationID)
	}
	return nil
}

// Response is what the connection read for a request.
type Response struct {
	Size    int
	Payload []byte
}

// Result is passed to Descriptor.SettleSuccess.
type Result struct {
	CorrelationID int32
	Descriptor    *Descriptor
	Size          int
	Payload       []byte
}
