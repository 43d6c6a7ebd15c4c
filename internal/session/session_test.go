package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashkit/internal/transport"
)

type noopTransport struct{}

func (noopTransport) Connect(ctx context.Context) error { return nil }
func (noopTransport) Disconnect() error                 { return nil }
func (noopTransport) Send(ctx context.Context, buf []byte) (int, error) {
	return len(buf), nil
}
func (noopTransport) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	return 0, nil
}

func TestTwoConsecutiveTimeoutsDisconnect(t *testing.T) {
	s := New(noopTransport{}, FamilyFastboot, transport.Identity{})
	require.NoError(t, s.RecordTimeout("fastboot"))
	err := s.RecordTimeout("fastboot")
	require.Error(t, err)
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	s := New(noopTransport{}, FamilyFastboot, transport.Identity{})
	require.NoError(t, s.RecordTimeout("fastboot"))
	s.RecordSuccess()
	require.NoError(t, s.RecordTimeout("fastboot"))
}

func TestNextSeqMonotonic(t *testing.T) {
	s := New(noopTransport{}, FamilyMTK, transport.Identity{})
	assert.Equal(t, uint32(1), s.NextSeq())
	assert.Equal(t, uint32(2), s.NextSeq())
}

func TestCancelHandleStopsContext(t *testing.T) {
	s := New(noopTransport{}, FamilyOTA, transport.Identity{})
	cctx, cancel := s.WithCancelCheck(context.Background())
	defer cancel()
	s.Cancel.Cancel()
	select {
	case <-cctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled after Cancel()")
	}
}
