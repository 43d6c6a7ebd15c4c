// Package da implements the MediaTek Download-Agent XML client that
// takes over the channel after BROM jumps to DA1: sync, DA2 upload,
// the line-oriented XML command set, partition table reads, and
// partition I/O framing (spec §4.5).
package da

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"time"

	"flashkit/internal/errs"
	"flashkit/internal/logging"
	"flashkit/internal/transport"
)

const component = "mtk.da"

// frameTerminator delimits XML fragments on the wire (spec §6: "UTF-8
// XML fragments delimited by \x00\x00 terminators").
var frameTerminator = []byte{0x00, 0x00}

// State is the DA/XML client's session state machine (spec §4.5).
type State int

const (
	StateDisconnected State = iota
	StateHandshakeOK
	StateDA1Uploaded
	StateDA1Ready
	StateDA2Uploaded
	StateOperational
	StateFailed
)

// Entry is one partition-table row (spec §4.5 "Partition table format").
type Entry struct {
	Name         string
	StartSector  uint64
	SectorCount  uint64
	Attributes   uint64
}

// Size returns the partition's byte size given the device's reported
// block size (4096 on eMMC default, 512 on some older NAND).
func (e Entry) Size(blockSize uint64) uint64 { return e.SectorCount * blockSize }

// xmlReq/xmlResp are the generic envelopes every DA XML command uses.
type xmlReq struct {
	XMLName xml.Name `xml:"da_cmd"`
	Command string   `xml:"command"`
	Arg     string   `xml:"arg,omitempty"`
}

type xmlResp struct {
	XMLName xml.Name `xml:"da_response"`
	Status  string   `xml:"status"`
	Message string   `xml:"message"`
}

// Client drives the XML/data-frame protocol over the transport DA1
// left behind after BROM's JUMP_DA (spec §4.5).
type Client struct {
	T           transport.Transport
	BlockSize   uint64
	PacketLen   int
	State       State
	seq         uint32
	log         *logging.Logger
}

func NewClient(t transport.Transport) *Client {
	return &Client{
		T:         t,
		BlockSize: 4096,
		PacketLen: 64 * 1024,
		State:     StateDisconnected,
		log:       logging.New(component),
	}
}

// nextSeq returns the next monotonic frame sequence number (spec §6:
// "Frame sequence numbers are monotonic per session").
func (c *Client) nextSeq() uint32 {
	c.seq++
	return c.seq
}

// WaitReady awaits the READY sync from DA1 after JUMP_DA, timeout 30s
// (spec §4.5 sync phase).
func (c *Client) WaitReady(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	frame, err := c.recvFrame(cctx)
	if err != nil {
		c.State = StateFailed
		return errs.Wrap(component, errs.KindTransport, "awaiting DA1 READY sync", err)
	}
	var resp xmlResp
	if err := xml.Unmarshal(frame, &resp); err != nil || resp.Status != "READY" {
		c.State = StateFailed
		return errs.New(component, errs.KindProtocol, "DA1 did not send READY sync")
	}
	c.State = StateDA1Ready
	return nil
}

// sendXML wraps v in an XML fragment and appends the two-NUL-byte
// frame terminator.
func (c *Client) sendXML(ctx context.Context, v any) error {
	body, err := xml.Marshal(v)
	if err != nil {
		return errs.Wrap(component, errs.KindProtocol, "marshal xml command", err)
	}
	frame := append(body, frameTerminator...)
	if _, err := c.T.Send(ctx, frame); err != nil {
		return errs.Wrap(component, errs.KindTransport, "send xml frame", err)
	}
	return nil
}

// recvFrame reads until the \x00\x00 terminator and returns the
// fragment preceding it.
func (c *Client) recvFrame(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := c.T.Recv(ctx, tmp, 30*time.Second)
		if err != nil {
			return nil, err
		}
		buf.Write(tmp[:n])
		if idx := bytes.Index(buf.Bytes(), frameTerminator); idx >= 0 {
			return buf.Bytes()[:idx], nil
		}
	}
}

// command issues a named XML command with an optional argument and
// returns the decoded response, failing on a non-OK status.
func (c *Client) command(ctx context.Context, name, arg string) (xmlResp, error) {
	if err := c.sendXML(ctx, xmlReq{Command: name, Arg: arg}); err != nil {
		return xmlResp{}, err
	}
	frame, err := c.recvFrame(ctx)
	if err != nil {
		return xmlResp{}, errs.Wrap(component, errs.KindTransport, "recv xml response", err)
	}
	var resp xmlResp
	if err := xml.Unmarshal(frame, &resp); err != nil {
		return xmlResp{}, errs.Wrap(component, errs.KindProtocol, "unmarshal xml response", err)
	}
	if resp.Status != "OK" {
		return resp, errs.New(component, errs.KindDevice, "BSL_REP_OPERATION_FAILED: "+resp.Message)
	}
	return resp, nil
}

// BootTo uploads da2 via the "boot_to" XML command, then waits for the
// new stage to take over (spec §4.5 "optionally upload DA2").
func (c *Client) BootTo(ctx context.Context, addr uint32, da2 []byte) error {
	if _, err := c.command(ctx, "boot_to", fmt.Sprintf("0x%08x", addr)); err != nil {
		return err
	}
	if err := c.sendDataFrames(ctx, da2); err != nil {
		return err
	}
	c.State = StateDA2Uploaded
	if _, err := c.command(ctx, "get_hw_info", ""); err != nil {
		c.State = StateFailed
		return err
	}
	c.State = StateOperational
	return nil
}

// sendDataFrames streams data in PacketLen packets, each followed by a
// device ACK packet (spec §4.5 "Data-transfer framing").
func (c *Client) sendDataFrames(ctx context.Context, data []byte) error {
	packetLen := c.PacketLen
	if packetLen <= 0 {
		packetLen = 64 * 1024
	}
	for off := 0; off < len(data); off += packetLen {
		end := off + packetLen
		if end > len(data) {
			end = len(data)
		}
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, c.nextSeq())
		if _, err := c.T.Send(ctx, append(hdr, data[off:end]...)); err != nil {
			return errs.Wrap(component, errs.KindTransport, "send data frame", err)
		}
		ack := make([]byte, 4)
		if _, err := c.T.Recv(ctx, ack, 60*time.Second); err != nil {
			return errs.Wrap(component, errs.KindTransport, "await data frame ack", err)
		}
	}
	return nil
}

// GetPartitionTable issues get_partition_table and parses the returned
// rows (spec §4.5 "Partition table format").
func (c *Client) GetPartitionTable(ctx context.Context) ([]Entry, error) {
	resp, err := c.command(ctx, "get_partition_table", "")
	if err != nil {
		return nil, err
	}
	return parsePartitionTable(resp.Message)
}

func parsePartitionTable(raw string) ([]Entry, error) {
	type wireEntry struct {
		Name        string `xml:"name"`
		StartSector uint64 `xml:"start_sector"`
		SectorCount uint64 `xml:"sector_count"`
		Attributes  uint64 `xml:"attributes"`
	}
	type wireTable struct {
		XMLName xml.Name    `xml:"partitions"`
		Entries []wireEntry `xml:"partition"`
	}
	var wt wireTable
	if err := xml.Unmarshal([]byte(raw), &wt); err != nil {
		return nil, errs.Wrap(component, errs.KindFormat, "parse partition table", err)
	}
	out := make([]Entry, 0, len(wt.Entries))
	for _, e := range wt.Entries {
		if len(e.Name) > 36 {
			return nil, errs.New(component, errs.KindFormat, "partition name exceeds 36 ASCII bytes")
		}
		out = append(out, Entry{Name: e.Name, StartSector: e.StartSector, SectorCount: e.SectorCount, Attributes: e.Attributes})
	}
	return out, nil
}

// ReadPartition reads length bytes at offset from name, streaming back
// in PacketLen packets (spec §4.5).
func (c *Client) ReadPartition(ctx context.Context, name string, offset, length uint64) ([]byte, error) {
	arg := fmt.Sprintf("%s:%d:%d", name, offset, length)
	if _, err := c.command(ctx, "read_partition", arg); err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	packetLen := c.PacketLen
	for uint64(len(out)) < length {
		buf := make([]byte, packetLen)
		n, err := c.T.Recv(ctx, buf, 60*time.Second)
		if err != nil {
			return nil, errs.Wrap(component, errs.KindTransport, "read partition data", err)
		}
		out = append(out, buf[:n]...)
	}
	return out[:length], nil
}

// WritePartition sends a WRITE header then streams data (spec §4.5).
func (c *Client) WritePartition(ctx context.Context, name string, data []byte) error {
	arg := fmt.Sprintf("%s:%d", name, len(data))
	if _, err := c.command(ctx, "write_partition", arg); err != nil {
		return err
	}
	return c.sendDataFrames(ctx, data)
}

func (c *Client) FormatPartition(ctx context.Context, name string) error {
	_, err := c.command(ctx, "format_partition", name)
	return err
}

func (c *Client) Reboot(ctx context.Context) error {
	_, err := c.command(ctx, "reboot", "")
	c.State = StateDisconnected
	return err
}

func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.command(ctx, "shutdown", "")
	c.State = StateDisconnected
	return err
}

// SetChecksumLevel negotiates optional CRC32 on the data-transfer
// framing (spec §4.5).
func (c *Client) SetChecksumLevel(ctx context.Context, enabled bool) error {
	arg := "0"
	if enabled {
		arg = "1"
	}
	_, err := c.command(ctx, "set_checksum_level", arg)
	return err
}

func (c *Client) SendSignFile(ctx context.Context, data []byte) error {
	if _, err := c.command(ctx, "send_sign_file", fmt.Sprintf("%d", len(data))); err != nil {
		return err
	}
	return c.sendDataFrames(ctx, data)
}

func (c *Client) ReadAuthData(ctx context.Context) ([]byte, error) {
	resp, err := c.command(ctx, "read_auth_data", "")
	if err != nil {
		return nil, err
	}
	return []byte(resp.Message), nil
}

func (c *Client) WriteSigData(ctx context.Context, data []byte) error {
	if _, err := c.command(ctx, "write_sig_data", fmt.Sprintf("%d", len(data))); err != nil {
		return err
	}
	return c.sendDataFrames(ctx, data)
}

func (c *Client) CheckDASLAStatus(ctx context.Context) (bool, error) {
	resp, err := c.command(ctx, "check_da_sla_status", "")
	if err != nil {
		return false, err
	}
	return resp.Message == "unlocked", nil
}
