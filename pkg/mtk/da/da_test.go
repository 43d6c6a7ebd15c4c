package da

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport replays scripted frames already terminated with the
// \x00\x00 delimiter, and records raw sent bytes.
type fakeTransport struct {
	frames [][]byte
	acks   [][]byte
	sent   [][]byte
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }

func (f *fakeTransport) Send(ctx context.Context, buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return len(buf), nil
}

func (f *fakeTransport) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	if len(buf) == 4 && len(f.acks) > 0 {
		n := copy(buf, f.acks[0])
		f.acks = f.acks[1:]
		return n, nil
	}
	if len(f.frames) == 0 {
		return 0, nil
	}
	next := f.frames[0]
	f.frames = f.frames[1:]
	n := copy(buf, next)
	return n, nil
}

func TestWaitReadySucceeds(t *testing.T) {
	ft := &fakeTransport{frames: [][]byte{
		[]byte(`<da_response><status>READY</status><message></message></da_response>` + "\x00\x00"),
	}}
	c := NewClient(ft)
	require.NoError(t, c.WaitReady(context.Background()))
	assert.Equal(t, StateDA1Ready, c.State)
}

func TestGetPartitionTableParsesRows(t *testing.T) {
	msg := `<partitions><partition><name>boot</name><start_sector>2048</start_sector><sector_count>4096</sector_count><attributes>0</attributes></partition></partitions>`
	ft := &fakeTransport{frames: [][]byte{
		[]byte(`<da_response><status>OK</status><message>` + msg + `</message></da_response>` + "\x00\x00"),
	}}
	c := NewClient(ft)
	entries, err := c.GetPartitionTable(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boot", entries[0].Name)
	assert.Equal(t, uint64(4096), entries[0].SectorCount)
	assert.Equal(t, uint64(4096*4096), entries[0].Size(4096))
}

func TestCommandFailurePropagatesMessage(t *testing.T) {
	ft := &fakeTransport{frames: [][]byte{
		[]byte(`<da_response><status>FAIL</status><message>bad partition</message></da_response>` + "\x00\x00"),
	}}
	c := NewClient(ft)
	err := c.FormatPartition(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad partition")
}

func TestWritePartitionStreamsDataFrames(t *testing.T) {
	ft := &fakeTransport{
		frames: [][]byte{
			[]byte(`<da_response><status>OK</status><message></message></da_response>` + "\x00\x00"),
		},
		acks: [][]byte{{0, 0, 0, 1}},
	}
	c := NewClient(ft)
	c.PacketLen = 8
	err := c.WritePartition(context.Background(), "boot", make([]byte, 8))
	require.NoError(t, err)
	// sent[0] is the XML command, sent[1] is the single data frame
	// (4-byte sequence header + 8-byte payload).
	require.Len(t, ft.sent, 2)
	assert.Equal(t, 12, len(ft.sent[1]))
}
