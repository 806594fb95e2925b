// Package uds encodes diagnostic read requests and decodes negative responses.
package uds

import "fmt"

const (
	ReadDataByIdentifier = 0x22
	NegativeResponse     = 0x7F
	positiveOffset       = 0x40
)

// Request returns the request payload for pid: the service byte followed by
// the big endian PID.
func Request(service byte, pid uint16) []byte {
	return []byte{service, byte(pid >> 8), byte(pid)}
}

// IsPositive reports whether payload is a positive response to service.
func IsPositive(service byte, payload []byte) bool {
	return len(payload) > 0 && payload[0] == service+positiveOffset
}

// NegativeResponseError is a 7F response from the ECU.
type NegativeResponseError struct {
	Service byte
	Code    byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("service %02X rejected: %v", e.Service, TranslateNRC(e.Code))
}

// Unwrap returns the translated code so errors.Is works against the Err
// variables.
func (e *NegativeResponseError) Unwrap() error {
	return TranslateNRC(e.Code)
}

// Pending reports whether the ECU asked for more time.
func (e *NegativeResponseError) Pending() bool {
	return e.Code == REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING
}

// ParseNegative returns the negative response carried in payload, or nil if
// payload is not one.
func ParseNegative(payload []byte) *NegativeResponseError {
	if len(payload) < 3 || payload[0] != NegativeResponse {
		return nil
	}
	return &NegativeResponseError{Service: payload[1], Code: payload[2]}
}
