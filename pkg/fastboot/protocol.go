// Package fastboot implements the Android bootloader USB command
// protocol: ASCII command framing, the 4-byte response-prefix wire
// format, the DATA-phase transfer state machine, Android Sparse image
// splitting for oversized flashes, and progress/throughput accounting
// (spec §4.2).
package fastboot

import (
	"fmt"

	"flashkit/internal/errs"
)

const component = "fastboot"

// Legacy and modern command length limits (spec §4.2/§6).
const (
	LegacyMaxCommandLen = 64
	ModernMaxCommandLen = 4096
	MaxResponseLen      = 256
)

// RespKind is the 4-ASCII-byte response prefix.
type RespKind string

const (
	RespOkay RespKind = "OKAY"
	RespFail RespKind = "FAIL"
	RespData RespKind = "DATA"
	RespInfo RespKind = "INFO"
	RespText RespKind = "TEXT"
)

// Response is one parsed fastboot wire response.
type Response struct {
	Kind    RespKind
	Payload string // message text, or 8 hex digits for DATA
}

// ParseResponse decodes one raw response packet. A response whose
// payload after the 4-byte prefix is longer than MaxResponseLen is a
// protocol error (spec §8 boundary behavior: truncate and treat as
// protocol error).
func ParseResponse(raw []byte) (Response, error) {
	if len(raw) < 4 {
		return Response{}, errs.New(component, errs.KindProtocol, "response shorter than 4-byte prefix")
	}
	if len(raw) > 4+MaxResponseLen {
		return Response{}, errs.New(component, errs.KindProtocol, "response exceeds 256-byte payload limit")
	}
	prefix := RespKind(raw[0:4])
	payload := string(raw[4:])

	switch prefix {
	case RespOkay, RespFail, RespData, RespInfo, RespText:
		return Response{Kind: prefix, Payload: payload}, nil
	default:
		return Response{}, errs.New(component, errs.KindProtocol, fmt.Sprintf("unknown response prefix %q", string(raw[0:4])))
	}
}

// DataLen parses the 8-lowercase-hex-digit length carried by a DATA
// response.
func (r Response) DataLen() (uint32, error) {
	if r.Kind != RespData {
		return 0, errs.New(component, errs.KindProtocol, "not a DATA response")
	}
	var n uint32
	if _, err := fmt.Sscanf(r.Payload, "%08x", &n); err != nil {
		return 0, errs.Wrap(component, errs.KindProtocol, "malformed DATA length", err)
	}
	return n, nil
}

// FormatDownload builds the "download:%08x" command for length n.
func FormatDownload(n uint32) string {
	return fmt.Sprintf("download:%08x", n)
}

// FormatFlash builds the plain "flash:<partition>" command — spec §9
// mandates the plain form for every chunk (not "flash:partition:i/N"),
// matching upstream fastboot's later revision; this spec does not make
// the chunked-index form a session option because it was already
// decided upstream.
func FormatFlash(partition string) string {
	return "flash:" + partition
}

func FormatErase(partition string) string       { return "erase:" + partition }
func FormatGetVar(name string) string           { return "getvar:" + name }
func FormatSetActive(slot string) string        { return "set_active:" + slot }
func FormatOEM(subcommand string) string        { return "oem " + subcommand }
func FormatFlashingLock() string   { return "flashing lock" }
func FormatFlashingUnlock() string { return "flashing unlock" }

const (
	CmdReboot           = "reboot"
	CmdRebootBootloader = "reboot-bootloader"
	CmdRebootFastboot   = "reboot-fastboot"
	CmdRebootRecovery   = "reboot-recovery"
	CmdGetVarAll        = "getvar:all"
)

// MaxCommandLen returns the command length limit for a session,
// depending on whether the device advertised the modern 4096-byte form.
func MaxCommandLen(modern bool) int {
	if modern {
		return ModernMaxCommandLen
	}
	return LegacyMaxCommandLen
}
