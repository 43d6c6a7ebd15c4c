package fastboot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport that replays a scripted
// sequence of responses and records every sent command/sub-block, used
// to drive the DATA-phase state machine without real hardware.
type fakeTransport struct {
	responses [][]byte
	sent      [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) Send(ctx context.Context, buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}

func (f *fakeTransport) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if len(f.responses) == 0 {
		return 0, assertNoMoreResponses{}
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	n := copy(buf, next)
	return n, nil
}

type assertNoMoreResponses struct{}

func (assertNoMoreResponses) Error() string { return "no more scripted responses" }

func TestGetVarAllParsesLines(t *testing.T) {
	ft := &fakeTransport{responses: [][]byte{
		[]byte("INFOversion-bootloader: 1.0"),
		[]byte("INFO(bootloader) max-download-size: 0x20000000"),
		[]byte("OKAY"),
	}}
	e := NewEngine(ft)

	vars, err := e.GetVarAll(context.Background())
	require.NoError(t, err)

	v, ok := vars.Get("VERSION-BOOTLOADER")
	require.True(t, ok)
	assert.Equal(t, "1.0", v)

	assert.Equal(t, uint64(0x20000000), MaxDownloadSize(vars))
}

func TestDataPhaseInvariant(t *testing.T) {
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i)
	}
	ft := &fakeTransport{responses: [][]byte{
		[]byte("DATA0000000a"),
		[]byte("OKAY"),
		[]byte("OKAY"),
	}}
	e := NewEngine(ft)

	var samples []Progress
	err := e.Flash(context.Background(), "boot", payload, func(p Progress) { samples = append(samples, p) })
	require.NoError(t, err)

	// First send is the download:%08x command, second is the 10-byte
	// sub-block, and the flash: command follows.
	require.Len(t, ft.sent, 3)
	assert.Equal(t, "download:0000000a", string(ft.sent[0]))
	assert.Equal(t, payload, ft.sent[1])
	assert.Equal(t, "flash:boot", string(ft.sent[2]))
}

func TestFailResponsePropagates(t *testing.T) {
	ft := &fakeTransport{responses: [][]byte{
		[]byte("FAILnot enough space"),
	}}
	e := NewEngine(ft)

	_, err := e.GetVar(context.Background(), "partition-type:boot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough space")
}
