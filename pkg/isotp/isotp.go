// Package isotp implements the length prefixed segmentation used by
// diagnostic responses on CAN: single, first, consecutive and flow control
// segments identified by the high nibble of the first data byte.
package isotp

import (
	"errors"
	"fmt"
)

type Type uint8

const (
	Single      Type = 0x0
	First       Type = 0x1
	Consecutive Type = 0x2
	FlowControl Type = 0x3
)

func (t Type) String() string {
	switch t {
	case Single:
		return "single"
	case First:
		return "first"
	case Consecutive:
		return "consecutive"
	case FlowControl:
		return "flow control"
	}
	return fmt.Sprintf("unknown(%X)", uint8(t))
}

const (
	MaxSingle      = 7
	MaxFirstChunk  = 6
	MaxConsecutive = 7
	MaxLength      = 0xFFF
)

var (
	ErrMalformed   = errors.New("isotp: malformed segment")
	ErrUnknownType = errors.New("isotp: unknown segment type")
)

// PCI is a decoded protocol control header and the payload bytes carried in
// the same frame.
type PCI struct {
	Type Type
	// Length is the payload length for single segments and the total length
	// announced by a first segment.
	Length int
	// Seq is the consecutive segment sequence number.
	Seq uint8
	// FlowStatus, BlockSize and STmin are only set for flow control.
	FlowStatus uint8
	BlockSize  uint8
	STmin      uint8
	Data       []byte
}

// Parse decodes the control byte(s) of a frame payload.
func Parse(data []byte) (PCI, error) {
	if len(data) == 0 {
		return PCI{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	t := Type(data[0] >> 4)
	switch t {
	case Single:
		n := int(data[0] & 0x0F)
		if n > MaxSingle || n > len(data)-1 {
			return PCI{}, fmt.Errorf("%w: single length %d in %d byte frame", ErrMalformed, n, len(data))
		}
		return PCI{Type: t, Length: n, Data: data[1 : 1+n]}, nil
	case First:
		if len(data) < 2 {
			return PCI{}, fmt.Errorf("%w: short first segment", ErrMalformed)
		}
		n := int(data[0]&0x0F)<<8 | int(data[1])
		if n <= MaxSingle {
			return PCI{}, fmt.Errorf("%w: first segment length %d", ErrMalformed, n)
		}
		chunk := data[2:]
		if len(chunk) > MaxFirstChunk {
			chunk = chunk[:MaxFirstChunk]
		}
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		return PCI{Type: t, Length: n, Data: chunk}, nil
	case Consecutive:
		chunk := data[1:]
		if len(chunk) > MaxConsecutive {
			chunk = chunk[:MaxConsecutive]
		}
		return PCI{Type: t, Seq: data[0] & 0x0F, Data: chunk}, nil
	case FlowControl:
		if len(data) < 3 {
			return PCI{}, fmt.Errorf("%w: short flow control", ErrMalformed)
		}
		return PCI{Type: t, FlowStatus: data[0] & 0x0F, BlockSize: data[1], STmin: data[2]}, nil
	}
	return PCI{}, fmt.Errorf("%w: control byte %02X", ErrUnknownType, data[0])
}

// FlowControlFrame returns a clear-to-send flow control payload padded to 8
// bytes.
func FlowControlFrame(blockSize, stMin uint8) []byte {
	return []byte{byte(FlowControl) << 4, blockSize, stMin, 0, 0, 0, 0, 0}
}

// Segment splits payload into frame payloads: one single segment when it fits,
// otherwise a first segment followed by consecutive segments with sequence
// numbers starting at 1.
func Segment(payload []byte) ([][]byte, error) {
	n := len(payload)
	if n > MaxLength {
		return nil, fmt.Errorf("isotp: payload of %d bytes exceeds %d", n, MaxLength)
	}
	if n <= MaxSingle {
		out := make([]byte, 1+n)
		out[0] = byte(n)
		copy(out[1:], payload)
		return [][]byte{out}, nil
	}
	frames := make([][]byte, 0, 1+(n-MaxFirstChunk+MaxConsecutive-1)/MaxConsecutive)
	first := make([]byte, 2+MaxFirstChunk)
	first[0] = byte(First)<<4 | byte(n>>8)
	first[1] = byte(n)
	copy(first[2:], payload[:MaxFirstChunk])
	frames = append(frames, first)

	seq := uint8(1)
	for pos := MaxFirstChunk; pos < n; pos += MaxConsecutive {
		end := pos + MaxConsecutive
		if end > n {
			end = n
		}
		cf := make([]byte, 1+end-pos)
		cf[0] = byte(Consecutive)<<4 | seq
		copy(cf[1:], payload[pos:end])
		frames = append(frames, cf)
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}

// ResponseID returns the conventional response identifier for a request id:
// +8 for 11-bit ids and swapped target/source bytes for 29-bit normal fixed
// addressing (0x18DAttss).
func ResponseID(req uint32) uint32 {
	if req <= 0x7FF {
		return req + 8
	}
	return req&0xFFFF0000 | (req&0xFF)<<8 | (req>>8)&0xFF
}
