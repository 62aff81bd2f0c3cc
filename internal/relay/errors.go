package relay

import "errors"

var (
	// ErrDestinationNotFound is reported to the sender with a send-error
	// message; it does not close the sender.
	ErrDestinationNotFound = errors.New("relay: destination not found")
	ErrQueueFull           = errors.New("relay: send queue full")
	ErrQueueClosed         = errors.New("relay: send queue closed")
)
