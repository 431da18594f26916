package inbound

import (
	"context"
	"errors"
)

// ErrUnknownMessage is returned when settling a message the source did not produce
var ErrUnknownMessage = errors.New("message does not belong to this source")

// Message is one inbound job message awaiting settlement
type Message struct {
	// ID identifies the delivery for logging
	ID   string
	Body []byte
	// Redelivered is true when the broker has delivered the message before
	Redelivered bool

	handle any
}

// Source is the inbound channel jobs arrive on. Poll returns (nil, nil) when no
// message is available. Each polled message must be settled exactly once.
type Source interface {
	Poll(ctx context.Context) (*Message, error)
	// Ack removes the message from the channel
	Ack(ctx context.Context, msg *Message) error
	// Requeue makes the message available for redelivery
	Requeue(ctx context.Context, msg *Message) error
	// Reject drops the message, dead-lettering it where the channel supports that
	Reject(ctx context.Context, msg *Message) error
	Close() error
}
