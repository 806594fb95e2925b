package canbus

import (
	"time"

	"go.einride.tech/can"
)

const (
	maxStdID = 0x7FF
	maxDLC   = 8
)

// Frame is a classical CAN frame stamped with the time it was received.
// Outgoing frames leave Timestamp zero.
type Frame struct {
	can.Frame
	Timestamp time.Time
}

// NewFrame builds a data frame for id. Identifiers above 0x7FF are sent as
// 29-bit extended frames. Data longer than 8 bytes is truncated.
func NewFrame(id uint32, data []byte) Frame {
	var f Frame
	f.ID = id
	f.IsExtended = id > maxStdID
	if len(data) > maxDLC {
		data = data[:maxDLC]
	}
	f.Length = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

// Bytes returns the valid payload bytes of the frame.
func (f Frame) Bytes() []byte {
	n := int(f.Length)
	if n > maxDLC {
		n = maxDLC
	}
	return f.Data[:n]
}

// Len returns the data length.
func (f Frame) Len() int {
	return int(f.Length)
}
