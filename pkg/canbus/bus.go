package canbus

import "errors"

var (
	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("canbus: closed")
	// ErrTxQueueFull is delivered when the transmit queue cannot take another frame.
	ErrTxQueueFull = errors.New("canbus: transmit queue full")
)

// SendResult reports the outcome of an asynchronous send.
type SendResult struct {
	Frame Frame
	Err   error
}

// Handler is invoked on the receive path for every matching frame. It must not
// block and must not unsubscribe itself.
type Handler func(Frame)

// Bus is the driver surface used by protocol code: asynchronous transmission
// with completion results and filtered subscriptions.
type Bus interface {
	SendAsync(frame Frame, done chan<- SendResult)
	Subscribe(filter Filter, handler Handler) (unsubscribe func())
}
