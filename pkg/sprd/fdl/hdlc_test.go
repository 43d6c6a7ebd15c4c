package fdl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Type: CmdConnect, Payload: []byte{0x7E, 0x7D, 0x01, 0x02}}
	wire := Encode(f)
	got, consumed, ok := Decode(wire)
	require.True(t, ok)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestDecodeDetectsCorruptCRC(t *testing.T) {
	f := Frame{Type: CmdStartData, Payload: []byte{0x01, 0x02, 0x03}}
	wire := Encode(f)
	wire[len(wire)-2] ^= 0xFF // corrupt a stuffed byte before the closing delimiter
	_, _, ok := Decode(wire)
	assert.False(t, ok)
}

func TestCRC16CCITTKnownValue(t *testing.T) {
	// CRC-16/XMODEM (poly 0x1021, init 0) of "123456789" is the well-known test vector 0x31C3.
	assert.Equal(t, uint16(0x31C3), crc16CCITT([]byte("123456789")))
}
