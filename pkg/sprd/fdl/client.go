package fdl

import (
	"context"
	"time"

	"flashkit/internal/errs"
	"flashkit/internal/logging"
	"flashkit/internal/transport"
)

const component = "sprd.fdl"

// maxConsecutiveFramingErrors is the point at which a run of bad HDLC
// frames is treated as a dead session rather than transient noise
// (spec §4.6 "failure semantics").
const maxConsecutiveFramingErrors = 3

// Client drives the HDLC/BSL protocol over a transport, uploading and
// talking to FDL1 then FDL2 in turn (spec §4.6).
type Client struct {
	T           transport.Transport
	ReadTimeout time.Duration
	log         *logging.Logger
	badFrames   int
}

func NewClient(t transport.Transport) *Client {
	return &Client{T: t, ReadTimeout: 10 * time.Second, log: logging.New(component)}
}

// exchange sends a framed command and returns the next framed reply,
// tracking consecutive HDLC decode failures.
func (c *Client) exchange(ctx context.Context, typ uint16, payload []byte) (Frame, error) {
	wire := Encode(Frame{Type: typ, Payload: payload})
	if _, err := c.T.Send(ctx, wire); err != nil {
		return Frame{}, errs.Wrap(component, errs.KindTransport, "send hdlc frame", err)
	}
	return c.recvFrame(ctx)
}

func (c *Client) recvFrame(ctx context.Context) (Frame, error) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := c.T.Recv(ctx, tmp, c.ReadTimeout)
		if err != nil {
			return Frame{}, errs.Wrap(component, errs.KindTransport, "recv hdlc frame", err)
		}
		buf = append(buf, tmp[:n]...)
		frame, consumed, ok := Decode(buf)
		if consumed == 0 {
			continue
		}
		buf = buf[consumed:]
		if !ok {
			c.badFrames++
			if c.badFrames >= maxConsecutiveFramingErrors {
				return Frame{}, errs.New(component, errs.KindProtocol, "too many consecutive HDLC framing errors: session is dead")
			}
			continue
		}
		c.badFrames = 0
		return frame, nil
	}
}

func (c *Client) expectAck(ctx context.Context, typ uint16, payload []byte) error {
	reply, err := c.exchange(ctx, typ, payload)
	if err != nil {
		return err
	}
	if reply.Type != RespAck {
		return errs.New(component, errs.KindDevice, "BSL command rejected (NACK)")
	}
	return nil
}

// Connect performs BSL_CMD_CONNECT, the first step any stage upload
// requires after the device's diag port enumerates.
func (c *Client) Connect(ctx context.Context) error {
	return c.expectAck(ctx, CmdConnect, nil)
}

// UploadStage runs the START_DATA/MIDST_DATA/END_DATA/EXEC_DATA
// sequence for one FDL image at loadAddr. EXEC_DATA has no reply — the
// stage either starts executing or the channel goes silent and the
// caller must rehandshake (spec §4.6 "two-stage FDL upload sequence").
func (c *Client) UploadStage(ctx context.Context, loadAddr uint32, data []byte) error {
	startPayload := encodeStartData(loadAddr, uint32(len(data)))
	if err := c.expectAck(ctx, CmdStartData, startPayload); err != nil {
		return errs.Wrap(component, errs.KindProtocol, "START_DATA", err)
	}

	for off := 0; off < len(data); off += midstChunkSize {
		end := off + midstChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := c.expectAck(ctx, CmdMidstData, data[off:end]); err != nil {
			return errs.Wrap(component, errs.KindProtocol, "MIDST_DATA", err)
		}
	}

	if err := c.expectAck(ctx, CmdEndData, nil); err != nil {
		return errs.Wrap(component, errs.KindProtocol, "END_DATA", err)
	}

	// EXEC_DATA intentionally has no reply: the stage takes over the
	// channel or the device is gone, either way nothing more to read.
	wire := Encode(Frame{Type: CmdExecData})
	if _, err := c.T.Send(ctx, wire); err != nil {
		return errs.Wrap(component, errs.KindTransport, "send EXEC_DATA", err)
	}
	return nil
}

func encodeStartData(loadAddr, length uint32) []byte {
	buf := make([]byte, 8)
	putU32BE(buf[0:4], loadAddr)
	putU32BE(buf[4:8], length)
	return buf
}

func putU32BE(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// ReadChipType issues READ_CHIP_TYPE and returns the raw device string.
func (c *Client) ReadChipType(ctx context.Context) (string, error) {
	reply, err := c.exchange(ctx, CmdReadChipType, nil)
	if err != nil {
		return "", err
	}
	if reply.Type != RespAck {
		return "", errs.New(component, errs.KindDevice, "READ_CHIP_TYPE rejected")
	}
	return string(reply.Payload), nil
}

func (c *Client) EraseFlash(ctx context.Context, partition string) error {
	return c.expectAck(ctx, CmdEraseFlash, []byte(partition))
}

func (c *Client) ReadPartition(ctx context.Context, partition string) ([]byte, error) {
	reply, err := c.exchange(ctx, CmdReadPartition, []byte(partition))
	if err != nil {
		return nil, err
	}
	if reply.Type != RespAck {
		return nil, errs.New(component, errs.KindDevice, "READ_PARTITION rejected")
	}
	return reply.Payload, nil
}

func (c *Client) PowerOff(ctx context.Context) error {
	return c.expectAck(ctx, CmdPowerOff, nil)
}

func (c *Client) NormalReset(ctx context.Context) error {
	return c.expectAck(ctx, CmdNormalReset, nil)
}

func (c *Client) ReadNV(ctx context.Context, id uint32) ([]byte, error) {
	payload := make([]byte, 4)
	putU32BE(payload, id)
	reply, err := c.exchange(ctx, CmdReadNV, payload)
	if err != nil {
		return nil, err
	}
	if reply.Type != RespAck {
		return nil, errs.New(component, errs.KindDevice, "READ_NV rejected")
	}
	return reply.Payload, nil
}

func (c *Client) WriteNV(ctx context.Context, id uint32, data []byte) error {
	payload := make([]byte, 4+len(data))
	putU32BE(payload[0:4], id)
	copy(payload[4:], data)
	return c.expectAck(ctx, CmdWriteNV, payload)
}

func (c *Client) Repartition(ctx context.Context, table []byte) error {
	return c.expectAck(ctx, CmdRepartition, table)
}
