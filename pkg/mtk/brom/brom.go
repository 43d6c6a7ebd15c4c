// Package brom implements the MediaTek BROM client: the handshake,
// chip-info probe, memory read/write primitives, and DA1 upload/jump
// that runs before the Download Agent takes over the channel
// (spec §4.4).
package brom

import (
	"context"
	"encoding/binary"
	"time"

	"flashkit/internal/errs"
	"flashkit/internal/logging"
	"flashkit/internal/transport"
)

const component = "mtk.brom"

// BROM command bytes (spec §4.4/§6).
const (
	cmdGetHWCode    = 0xFD
	cmdGetTargetCfg = 0xD8
	cmdGetHWInfo    = 0xFC
	cmdGetMeID      = 0xE1
	cmdGetSocID     = 0xE7
	cmdSendDA       = 0xD7
	cmdJumpDA       = 0xD5
	cmdSendCert     = 0xE0
	cmdWrite32      = 0xD2
	cmdRead32       = 0xD1
)

var handshakePattern = [4]byte{0xA0, 0x0A, 0x50, 0x05}

// TargetConfig decodes the SBC/SLA/DAA lockdown bits probed at
// handshake (spec §3 "Target Configuration").
type TargetConfig struct {
	SBC bool
	SLA bool
	DAA bool
}

func decodeTargetConfig(raw uint32) TargetConfig {
	return TargetConfig{
		SBC: raw&0x1 != 0,
		SLA: raw&0x2 != 0,
		DAA: raw&0x4 != 0,
	}
}

// Info captures the chip-info probe results.
type Info struct {
	HWCode       uint16
	TargetConfig TargetConfig
	HWVer        uint16
	HWSubcode    uint16
	SWVer        uint16
	MeID         [16]byte
	SocID        [32]byte
}

// Client drives the BROM protocol over a transport.
type Client struct {
	T           transport.Transport
	ReadTimeout time.Duration
	log         *logging.Logger
	InPreloader bool
}

func NewClient(t transport.Transport) *Client {
	return &Client{T: t, ReadTimeout: 10 * time.Second, log: logging.New(component)}
}

// Handshake sends 0xA0 0x0A 0x50 0x05 one byte at a time, requiring
// each echoed byte to be the bitwise complement of the byte sent. If
// echoing fails the device may still be addressable in Preloader mode,
// which is flagged rather than treated as fatal (spec §4.4).
func (c *Client) Handshake(ctx context.Context) error {
	echo := make([]byte, 1)
	for _, b := range handshakePattern {
		if _, err := c.T.Send(ctx, []byte{b}); err != nil {
			return errs.Wrap(component, errs.KindTransport, "handshake send", err)
		}
		n, err := c.T.Recv(ctx, echo, c.ReadTimeout)
		if err != nil || n != 1 {
			c.InPreloader = true
			return errs.Wrap(component, errs.KindProtocol, "handshake echo missing; device may be in Preloader mode", err)
		}
		if echo[0] != ^b {
			c.InPreloader = true
			return errs.New(component, errs.KindProtocol, "handshake echo not bitwise complement; device may be in Preloader mode")
		}
	}
	return nil
}

// framedCmd sends a single-byte command and reads a { status u16 BE,
// payload } frame of payloadLen bytes, failing on non-zero status.
func (c *Client) framedCmd(ctx context.Context, cmd byte, payloadLen int) ([]byte, error) {
	if _, err := c.T.Send(ctx, []byte{cmd}); err != nil {
		return nil, errs.Wrap(component, errs.KindTransport, "send command", err)
	}
	buf := make([]byte, 2+payloadLen)
	if _, err := recvFull(ctx, c.T, buf, c.ReadTimeout); err != nil {
		return nil, err
	}
	status := binary.BigEndian.Uint16(buf[0:2])
	if status != 0 {
		return nil, errs.New(component, errs.KindDevice, "non-zero status from device")
	}
	return buf[2:], nil
}

func recvFull(ctx context.Context, t transport.Transport, buf []byte, timeout time.Duration) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := t.Recv(ctx, buf[got:], timeout)
		if err != nil {
			return got, err
		}
		if n == 0 {
			return got, errs.Wrap(component, errs.KindTransport, "unexpected end of stream", transport.ErrEndOfStream)
		}
		got += n
	}
	return got, nil
}

// Probe reads HW_CODE, TARGET_CONFIG, HW_VER/HW_SUBCODE/SW_VER, ME_ID,
// and SOC_ID in sequence (spec §4.4 info probe).
func (c *Client) Probe(ctx context.Context) (Info, error) {
	var info Info

	hw, err := c.framedCmd(ctx, cmdGetHWCode, 2)
	if err != nil {
		return info, err
	}
	info.HWCode = binary.BigEndian.Uint16(hw)

	cfg, err := c.framedCmd(ctx, cmdGetTargetCfg, 4)
	if err != nil {
		return info, err
	}
	info.TargetConfig = decodeTargetConfig(binary.BigEndian.Uint32(cfg))

	hwinfo, err := c.framedCmd(ctx, cmdGetHWInfo, 6)
	if err != nil {
		return info, err
	}
	info.HWVer = binary.BigEndian.Uint16(hwinfo[0:2])
	info.HWSubcode = binary.BigEndian.Uint16(hwinfo[2:4])
	info.SWVer = binary.BigEndian.Uint16(hwinfo[4:6])

	meID, err := c.framedCmd(ctx, cmdGetMeID, 16)
	if err != nil {
		return info, err
	}
	copy(info.MeID[:], meID)

	socID, err := c.framedCmd(ctx, cmdGetSocID, 32)
	if err != nil {
		return info, err
	}
	copy(info.SocID[:], socID)

	return info, nil
}

// checksumXOR16 computes MediaTek's XOR-16 checksum over the full
// transmitted payload — the device checksums everything sent, even
// when the declared signature length is smaller than the tail data
// (spec §4.4 step 1).
func checksumXOR16(data []byte) uint16 {
	var sum uint16
	for i := 0; i+1 < len(data); i += 2 {
		sum ^= binary.BigEndian.Uint16(data[i : i+2])
	}
	if len(data)%2 == 1 {
		sum ^= uint16(data[len(data)-1]) << 8
	}
	return sum
}

// SendDA uploads da to addr, declaring sigLen as the expected signature
// tail length but transmitting the entire image regardless — the
// device checksums the full transmitted payload (spec §4.4 step 1).
func (c *Client) SendDA(ctx context.Context, addr uint32, sigLen uint32, da []byte) error {
	hdr := make([]byte, 1+4+4+4)
	hdr[0] = cmdSendDA
	binary.BigEndian.PutUint32(hdr[1:5], addr)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(da)))
	binary.BigEndian.PutUint32(hdr[9:13], sigLen)

	if _, err := c.T.Send(ctx, hdr); err != nil {
		return errs.Wrap(component, errs.KindTransport, "send SEND_DA header", err)
	}

	sent := 0
	for sent < len(da) {
		n, err := c.T.Send(ctx, da[sent:])
		if err != nil {
			return errs.Wrap(component, errs.KindTransport, "send DA payload", err)
		}
		sent += n
	}

	statusBuf := make([]byte, 2)
	if _, err := recvFull(ctx, c.T, statusBuf, c.ReadTimeout); err != nil {
		return err
	}
	if binary.BigEndian.Uint16(statusBuf) != 0 {
		return errs.New(component, errs.KindDevice, "SEND_DA rejected by device")
	}

	checksumBuf := make([]byte, 2)
	if _, err := recvFull(ctx, c.T, checksumBuf, c.ReadTimeout); err != nil {
		return err
	}
	want := checksumXOR16(da)
	got := binary.BigEndian.Uint16(checksumBuf)
	if got != want {
		return errs.New(component, errs.KindProtocol, "DA checksum mismatch: session is dead")
	}
	return nil
}

// JumpDA issues JUMP_DA(addr). The USB endpoint disappears immediately
// after; callers must use transport.Reconnector to rebind (spec §4.4
// step 3-4).
func (c *Client) JumpDA(ctx context.Context, addr uint32) error {
	cmd := make([]byte, 5)
	cmd[0] = cmdJumpDA
	binary.BigEndian.PutUint32(cmd[1:5], addr)
	if _, err := c.T.Send(ctx, cmd); err != nil {
		return errs.Wrap(component, errs.KindTransport, "send JUMP_DA", err)
	}
	statusBuf := make([]byte, 2)
	if _, err := recvFull(ctx, c.T, statusBuf, c.ReadTimeout); err != nil {
		// Device may already be re-enumerating; a timeout here is
		// expected on some chips and is not itself fatal — the caller
		// observes re-enumeration success or failure separately.
		return nil
	}
	if binary.BigEndian.Uint16(statusBuf) != 0 {
		return errs.New(component, errs.KindDevice, "JUMP_DA rejected by device")
	}
	return nil
}

// Write32 writes a 32-bit value to a BROM-addressable memory location.
func (c *Client) Write32(ctx context.Context, addr, value uint32) error {
	cmd := make([]byte, 1+4+4)
	cmd[0] = cmdWrite32
	binary.BigEndian.PutUint32(cmd[1:5], addr)
	binary.BigEndian.PutUint32(cmd[5:9], value)
	if _, err := c.T.Send(ctx, cmd); err != nil {
		return errs.Wrap(component, errs.KindTransport, "send WRITE32", err)
	}
	statusBuf := make([]byte, 2)
	if _, err := recvFull(ctx, c.T, statusBuf, c.ReadTimeout); err != nil {
		return err
	}
	if binary.BigEndian.Uint16(statusBuf) != 0 {
		return errs.New(component, errs.KindDevice, "WRITE32 rejected by device")
	}
	return nil
}

// Read32 reads a 32-bit value from a BROM-addressable memory location.
func (c *Client) Read32(ctx context.Context, addr uint32) (uint32, error) {
	cmd := make([]byte, 1+4)
	cmd[0] = cmdRead32
	binary.BigEndian.PutUint32(cmd[1:5], addr)
	if _, err := c.T.Send(ctx, cmd); err != nil {
		return 0, errs.Wrap(component, errs.KindTransport, "send READ32", err)
	}
	buf := make([]byte, 2+4)
	if _, err := recvFull(ctx, c.T, buf, c.ReadTimeout); err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint16(buf[0:2]) != 0 {
		return 0, errs.New(component, errs.KindDevice, "READ32 rejected by device")
	}
	return binary.BigEndian.Uint32(buf[2:6]), nil
}

// SendCert delivers an opaque exploit/certificate payload to addr via
// the SEND_CERT vehicle used on SBC-locked devices. Response parsing
// beyond "device accepted the frame" is deliberately not defined here:
// what the device does afterward (re-enumerate, report zero
// target-config) is chip-specific and left to the caller's recipe
// (spec §4.4 exploit injection, §9).
func (c *Client) SendCert(ctx context.Context, addr uint32, payload []byte) error {
	hdr := make([]byte, 1+4+4)
	hdr[0] = cmdSendCert
	binary.BigEndian.PutUint32(hdr[1:5], addr)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	if _, err := c.T.Send(ctx, hdr); err != nil {
		return errs.Wrap(component, errs.KindTransport, "send SEND_CERT header", err)
	}
	sent := 0
	for sent < len(payload) {
		n, err := c.T.Send(ctx, payload[sent:])
		if err != nil {
			return errs.Wrap(component, errs.KindTransport, "send exploit payload", err)
		}
		sent += n
	}
	return nil
}
