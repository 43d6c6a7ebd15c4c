package fdl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport replays pre-encoded HDLC frames and records raw sends.
type fakeTransport struct {
	inbox [][]byte
	sent  [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) Send(ctx context.Context, buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}

func (f *fakeTransport) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if len(f.inbox) == 0 {
		return 0, nil
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	n := copy(buf, next)
	return n, nil
}

func ackFrame() []byte { return Encode(Frame{Type: RespAck}) }

func TestUploadStageSendsFullSequence(t *testing.T) {
	ft := &fakeTransport{inbox: [][]byte{ackFrame(), ackFrame(), ackFrame(), ackFrame()}}
	c := NewClient(ft)

	data := make([]byte, midstChunkSize+10)
	require.NoError(t, c.UploadStage(context.Background(), 0x40000000, data))

	// START_DATA, one full MIDST_DATA chunk, one partial MIDST_DATA
	// chunk, END_DATA, and EXEC_DATA (no reply expected for the last).
	require.Len(t, ft.sent, 5)
}

func TestUploadStageFailsOnNack(t *testing.T) {
	ft := &fakeTransport{inbox: [][]byte{Encode(Frame{Type: RespNack})}}
	c := NewClient(ft)
	err := c.UploadStage(context.Background(), 0x40000000, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestThreeBadFramesKillsSession(t *testing.T) {
	corrupt := []byte{0x7E, 0xFF, 0xFF, 0xFF, 0xFF, 0x7E}
	ft := &fakeTransport{inbox: [][]byte{corrupt, corrupt, corrupt}}
	c := NewClient(ft)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session is dead")
}
