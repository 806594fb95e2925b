package uds

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest(t *testing.T) {
	assert.Equal(t, []byte{0x22, 0x00, 0x00}, Request(ReadDataByIdentifier, 0))
	assert.Equal(t, []byte{0x22, 0xF1, 0x90}, Request(ReadDataByIdentifier, 0xF190))
	assert.Equal(t, []byte{0x21, 0x01, 0x02}, Request(0x21, 0x0102))
}

func TestIsPositive(t *testing.T) {
	assert.True(t, IsPositive(0x22, []byte{0x62, 0xF1, 0x90, 0x01}))
	assert.False(t, IsPositive(0x22, []byte{0x7F, 0x22, 0x31}))
	assert.False(t, IsPositive(0x22, nil))
}

func TestParseNegative(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    *NegativeResponseError
		target  error
	}{
		{name: "out of range", payload: []byte{0x7F, 0x22, 0x31}, want: &NegativeResponseError{0x22, 0x31}, target: ErrRequestOutOfRange},
		{name: "pending", payload: []byte{0x7F, 0x22, 0x78}, want: &NegativeResponseError{0x22, 0x78}, target: ErrResponsePending},
		{name: "positive", payload: []byte{0x62, 0x00, 0x01, 0xAA}},
		{name: "short", payload: []byte{0x7F, 0x22}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNegative(tt.payload)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
			assert.True(t, errors.Is(got, tt.target))
			assert.Equal(t, tt.want.Code == REQUEST_CORRECTLY_RECEIVED_RESPONSE_PENDING, got.Pending())
		})
	}
}

func TestTranslateNRC(t *testing.T) {
	assert.NoError(t, TranslateNRC(0x00))
	assert.Equal(t, ErrServiceNotSupported, TranslateNRC(0x11))
	assert.EqualError(t, TranslateNRC(0x31), "Request out of range (0x31)")
	assert.EqualError(t, TranslateNRC(0xEE), "unknown negative response code 0xEE")
}
