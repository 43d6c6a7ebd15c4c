package fastboot

import (
	"context"
	"time"

	"flashkit/internal/errs"
	"flashkit/internal/logging"
	"flashkit/internal/transport"
)

// maxSubBlock bounds each write during the SENDING state (spec §4.2:
// "send all N bytes in <=64KB sub-blocks").
const maxSubBlock = 64 * 1024

// State names the DATA-phase state machine's states.
type State int

const (
	StateIdle State = iota
	StateAwaitDataAck
	StateSending
	StateAwaitWriteAck
	StateFailed
)

// Engine drives one Fastboot session over a transport.
type Engine struct {
	T            transport.Transport
	ModernCmds   bool
	ReadTimeout  time.Duration
	Vars         Vars
	log          *logging.Logger
	state        State
}

func NewEngine(t transport.Transport) *Engine {
	return &Engine{
		T:           t,
		ReadTimeout: 30 * time.Second,
		Vars:        Vars{},
		log:         logging.New(component),
		state:       StateIdle,
	}
}

// sendCommand writes an ASCII command frame, enforcing the legacy/
// modern length limit.
func (e *Engine) sendCommand(ctx context.Context, cmd string) error {
	limit := MaxCommandLen(e.ModernCmds)
	if len(cmd) > limit {
		return errs.New(component, errs.KindProtocol, "command exceeds length limit")
	}
	_, err := e.T.Send(ctx, []byte(cmd))
	return err
}

// recvResponse reads one framed response from the device.
func (e *Engine) recvResponse(ctx context.Context) (Response, error) {
	buf := make([]byte, 4+MaxResponseLen+1)
	n, err := e.T.Recv(ctx, buf, e.ReadTimeout)
	if err != nil {
		e.state = StateFailed
		return Response{}, err
	}
	resp, err := ParseResponse(buf[:n])
	if err != nil {
		e.state = StateFailed
		return Response{}, err
	}
	return resp, nil
}

// Command issues cmd and collects INFO/TEXT lines until a terminal
// OKAY or FAIL, returning the pre-terminal stream in order (spec §5
// ordering guarantees).
func (e *Engine) Command(ctx context.Context, cmd string) (okayPayload string, info []string, err error) {
	if err := e.sendCommand(ctx, cmd); err != nil {
		return "", nil, err
	}
	for {
		resp, err := e.recvResponse(ctx)
		if err != nil {
			return "", info, err
		}
		switch resp.Kind {
		case RespInfo, RespText:
			info = append(info, resp.Payload)
			e.log.Printf("INFO: %s", resp.Payload)
		case RespOkay:
			return resp.Payload, info, nil
		case RespFail:
			return "", info, errs.New(component, errs.KindDevice, "FAIL: "+resp.Payload)
		default:
			e.state = StateFailed
			return "", info, errs.New(component, errs.KindProtocol, "unexpected response kind")
		}
	}
}

// GetVar issues "getvar:<name>" and returns the OKAY payload.
func (e *Engine) GetVar(ctx context.Context, name string) (string, error) {
	val, _, err := e.Command(ctx, FormatGetVar(name))
	return val, err
}

// GetVarAll issues "getvar:all" and collects every "key: value" line
// into Vars, lowercasing keys, time-bound at 15s (spec §4.2).
func (e *Engine) GetVarAll(ctx context.Context) (Vars, error) {
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, info, err := e.Command(cctx, CmdGetVarAll)
	if err != nil {
		return nil, err
	}
	out := Vars{}
	for _, line := range info {
		if key, val, ok := ParseGetVarLine(line); ok {
			out.Set(key, val)
		}
	}
	e.Vars = out
	return out, nil
}

// Flash uploads data via the download/DATA state machine and issues
// flash:<partition>, reporting progress through listener.
func (e *Engine) Flash(ctx context.Context, partition string, data []byte, listener Listener) error {
	if err := e.download(ctx, data, listener); err != nil {
		return err
	}
	_, _, err := e.Command(ctx, FormatFlash(partition))
	return err
}

// download drives the DATA-phase state machine for one payload:
//
//	IDLE --send download:N--> AWAIT_DATA_ACK
//	AWAIT_DATA_ACK --recv DATA:N'--> SENDING (N' must equal N)
//	AWAIT_DATA_ACK --recv FAIL--> FAILED
//	SENDING --send all N bytes in <=64KB sub-blocks--> AWAIT_WRITE_ACK
//	AWAIT_WRITE_ACK --recv OKAY--> IDLE
//	AWAIT_WRITE_ACK --recv FAIL--> FAILED
func (e *Engine) download(ctx context.Context, data []byte, listener Listener) error {
	e.state = StateIdle
	n := uint32(len(data))

	if err := e.sendCommand(ctx, FormatDownload(n)); err != nil {
		return err
	}
	e.state = StateAwaitDataAck

	for {
		resp, err := e.recvResponse(ctx)
		if err != nil {
			return err
		}
		switch resp.Kind {
		case RespInfo, RespText:
			continue // logged and the wait continues
		case RespData:
			ackLen, err := resp.DataLen()
			if err != nil {
				e.state = StateFailed
				return err
			}
			if ackLen != n {
				e.log.Printf("DATA ack length mismatch: wanted %d got %d", n, ackLen)
			}
			e.state = StateSending
		case RespFail:
			e.state = StateFailed
			return errs.New(component, errs.KindDevice, "FAIL: "+resp.Payload)
		default:
			e.state = StateFailed
			return errs.New(component, errs.KindProtocol, "unexpected response awaiting DATA ack")
		}
		if e.state == StateSending {
			break
		}
	}

	meter := NewThroughputMeter(int64(n), listener)
	sent := 0
	for sent < len(data) {
		if err := ctx.Err(); err != nil {
			e.state = StateFailed
			return errs.Cancelled(component)
		}
		end := sent + maxSubBlock
		if end > len(data) {
			end = len(data)
		}
		written, err := e.T.Send(ctx, data[sent:end])
		if err != nil {
			e.state = StateFailed
			return err
		}
		sent += written
		meter.Advance(int64(written), end == len(data))
	}
	e.state = StateAwaitWriteAck

	for {
		resp, err := e.recvResponse(ctx)
		if err != nil {
			return err
		}
		switch resp.Kind {
		case RespInfo, RespText:
			continue
		case RespOkay:
			e.state = StateIdle
			return nil
		case RespFail:
			e.state = StateFailed
			return errs.New(component, errs.KindDevice, "FAIL: "+resp.Payload)
		default:
			e.state = StateFailed
			return errs.New(component, errs.KindProtocol, "unexpected response awaiting write ack")
		}
	}
}

// State returns the current DATA-phase state.
func (e *Engine) State() State { return e.state }

// Erase, Reboot*, SetActive, FlashingLock/Unlock, and OEM are thin
// passthrough wrappers over Command — OEM responses are returned
// verbatim per spec §4.2 failure semantics.
func (e *Engine) Erase(ctx context.Context, partition string) error {
	_, _, err := e.Command(ctx, FormatErase(partition))
	return err
}

func (e *Engine) Reboot(ctx context.Context, cmd string) error {
	_, _, err := e.Command(ctx, cmd)
	return err
}

func (e *Engine) SetActive(ctx context.Context, slot string) error {
	_, _, err := e.Command(ctx, FormatSetActive(slot))
	return err
}

func (e *Engine) FlashingUnlock(ctx context.Context) error {
	_, _, err := e.Command(ctx, FormatFlashingUnlock())
	return err
}

func (e *Engine) FlashingLock(ctx context.Context) error {
	_, _, err := e.Command(ctx, FormatFlashingLock())
	return err
}

func (e *Engine) OEM(ctx context.Context, subcommand string) (string, []string, error) {
	return e.Command(ctx, FormatOEM(subcommand))
}
