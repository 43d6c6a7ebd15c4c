package brom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport plays the complement of whatever was last sent for
// handshake tests, or replays a scripted byte stream otherwise.
type fakeTransport struct {
	echoComplement bool
	script         [][]byte
	sent           [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) Send(ctx context.Context, buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}

func (f *fakeTransport) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if f.echoComplement {
		last := f.sent[len(f.sent)-1]
		buf[0] = ^last[0]
		return 1, nil
	}
	if len(f.script) == 0 {
		return 0, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	n := copy(buf, next)
	return n, nil
}

func TestHandshakeSucceedsOnComplementEcho(t *testing.T) {
	ft := &fakeTransport{echoComplement: true}
	c := NewClient(ft)
	require.NoError(t, c.Handshake(context.Background()))
	assert.False(t, c.InPreloader)
}

func TestHandshakeFlagsPreloaderOnMismatch(t *testing.T) {
	ft := &fakeTransport{script: [][]byte{{0x00}, {0x00}, {0x00}, {0x00}}}
	c := NewClient(ft)
	err := c.Handshake(context.Background())
	require.Error(t, err)
	assert.True(t, c.InPreloader)
}

func TestChecksumXOR16Deterministic(t *testing.T) {
	a := checksumXOR16([]byte{0x01, 0x02, 0x03, 0x04})
	b := checksumXOR16([]byte{0x01, 0x02, 0x03, 0x04})
	assert.Equal(t, a, b)
}

func TestProbeReadsHWCode(t *testing.T) {
	ft := &fakeTransport{script: [][]byte{
		{0x00, 0x00, 0x07, 0x66}, // status=0, HW_CODE=0x0766
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, // status=0, target_config=0
		{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, // status=0, hw/subcode/sw ver
		append([]byte{0x00, 0x00}, make([]byte, 16)...), // status=0, meID
		append([]byte{0x00, 0x00}, make([]byte, 32)...), // status=0, socID
	}}
	c := NewClient(ft)
	info, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0766), info.HWCode)
	assert.False(t, info.TargetConfig.SBC)
}
