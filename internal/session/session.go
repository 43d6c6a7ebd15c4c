// Package session ties a transport and protocol engine together into
// one stateful flashing session: the device variable map, frame
// sequencing, retry accounting, and cooperative cancellation (spec §3
// "Session", §4.8). Negotiated protocol parameters (max download size,
// block size, packet length) are not stored here; each engine keeps its
// own.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flashkit/internal/errs"
	"flashkit/internal/transport"
)

// cancelPollInterval bounds how quickly WithCancelCheck notices a
// cooperative cancellation request.
const cancelPollInterval = 100 * time.Millisecond

// Family identifies which protocol engine a session is driving.
type Family int

const (
	FamilyFastboot Family = iota
	FamilyMTK
	FamilySPRD
	FamilyOTA
)

func (f Family) String() string {
	switch f {
	case FamilyFastboot:
		return "fastboot"
	case FamilyMTK:
		return "mtk"
	case FamilySPRD:
		return "sprd"
	case FamilyOTA:
		return "ota"
	default:
		return "unknown"
	}
}

// PartitionDescriptor names one addressable partition on the device,
// independent of which protocol family is flashing it.
type PartitionDescriptor struct {
	Name        string // <=64 ASCII bytes
	Size        uint64
	Logical     bool
	SlotSuffix  string // "", "_a", or "_b"
	Hash        []byte // optional, present when the source declares one
}

// maxTimeoutRetries is the consecutive-timeout count at which a session
// disconnects: the second timeout in a row is fatal (spec §4.8 "two
// consecutive timeouts disconnect").
const maxTimeoutRetries = 2

// CancelHandle is a cooperative cancellation flag protocol engines poll
// between sub-steps of a long-running transfer; it is not a hard abort
// of in-flight I/O (spec §3 "CancelHandle").
type CancelHandle struct {
	flag atomic.Bool
}

func (c *CancelHandle) Cancel()          { c.flag.Store(true) }
func (c *CancelHandle) Cancelled() bool   { return c.flag.Load() }
func (c *CancelHandle) Check(component string) error {
	if c.flag.Load() {
		return errs.Cancelled(component)
	}
	return nil
}

// Session holds the mutable state shared by a protocol engine and its
// caller across one device's flashing lifetime.
type Session struct {
	mu sync.Mutex

	T      transport.Transport
	Family Family
	ID     transport.Identity

	Vars map[string]string

	seq           uint32
	timeoutStreak int

	Cancel *CancelHandle
}

func New(t transport.Transport, family Family, id transport.Identity) *Session {
	return &Session{
		T:      t,
		Family: family,
		ID:     id,
		Vars:   make(map[string]string),
		Cancel: &CancelHandle{},
	}
}

// NextSeq returns the next monotonic frame sequence number for
// protocols (MTK DA) that stamp one into every data frame.
func (s *Session) NextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// RecordTimeout tracks one timeout against the two-strikes budget,
// returning a session-fatal error once the streak is exhausted.
func (s *Session) RecordTimeout(component string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutStreak++
	if s.timeoutStreak >= maxTimeoutRetries {
		return errs.New(component, errs.KindTransport, "two consecutive timeouts: disconnecting session")
	}
	return nil
}

// RecordSuccess resets the timeout streak after a successful exchange.
func (s *Session) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutStreak = 0
}

// SetVar records a device variable (getvar output, DA hw-info field,
// FDL chip-type string, ...) under a case-insensitive key.
func (s *Session) SetVar(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Vars[strings.ToLower(key)] = value
}

func (s *Session) GetVar(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Vars[strings.ToLower(key)]
	return v, ok
}

// Close disconnects the underlying transport, tolerating a transport
// that is already gone.
func (s *Session) Close() error {
	return s.T.Disconnect()
}

// WithCancelCheck wraps ctx so protocol engines that accept a context
// also observe the session's cooperative cancellation flag, by racing
// a background watcher against ctx.Done().
func (s *Session) WithCancelCheck(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(cancelPollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case <-ticker.C:
				if s.Cancel.Cancelled() {
					cancel()
					return
				}
			}
		}
	}()
	return cctx, cancel
}
