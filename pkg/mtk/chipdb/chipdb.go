// Package chipdb holds the HW-code -> chip/exploit/DA-mode lookup
// tables MediaTek BROM/DA clients consult after the TARGET_CONFIG probe
// (spec §3 "Chip Record").
package chipdb

// DAMode identifies the Download Agent protocol variant a chip speaks
// once DA2 is running.
type DAMode int

const (
	DAModeLegacy DAMode = iota
	DAModeV6XML
	DAModeXFlashBinary
)

// Record describes one MediaTek chip's BROM/DA parameters.
type Record struct {
	HWCode          uint16
	Name            string
	DAMode          DAMode
	DA1LoadAddr     uint32
	DA2LoadAddr     uint32
	WatchdogAddr    uint32
	ExploitTag      string // empty when no known exploit is needed/available
	SigLenExpected  uint32
}

// table is populated from publicly documented MediaTek chip parameters.
// Exploit payload bytes themselves are never stored here — only the tag
// used to look them up from an external, opaque payload store (spec §9
// "exploit-payload metadata is data, not code").
var table = map[uint16]Record{
	0x0766: {HWCode: 0x0766, Name: "MT6765", DAMode: DAModeV6XML, DA1LoadAddr: 0x40000000, DA2LoadAddr: 0x40100000, WatchdogAddr: 0x10007000, ExploitTag: "kamakiri", SigLenExpected: 4096},
	0x0788: {HWCode: 0x0788, Name: "MT6771", DAMode: DAModeV6XML, DA1LoadAddr: 0x40000000, DA2LoadAddr: 0x40100000, WatchdogAddr: 0x10007000, ExploitTag: "kamakiri", SigLenExpected: 4096},
	0x0798: {HWCode: 0x0798, Name: "MT6785", DAMode: DAModeXFlashBinary, DA1LoadAddr: 0x40000000, DA2LoadAddr: 0x201000, WatchdogAddr: 0x10007000, ExploitTag: "", SigLenExpected: 4352},
	0x0826: {HWCode: 0x0826, Name: "MT6833", DAMode: DAModeXFlashBinary, DA1LoadAddr: 0x40000000, DA2LoadAddr: 0x68000350, WatchdogAddr: 0x10211000, ExploitTag: "", SigLenExpected: 4352},
	0x0886: {HWCode: 0x0886, Name: "MT6877", DAMode: DAModeXFlashBinary, DA1LoadAddr: 0x40000000, DA2LoadAddr: 0x68000350, WatchdogAddr: 0x10211000, ExploitTag: "", SigLenExpected: 4352},
	0x0699: {HWCode: 0x0699, Name: "MT6761", DAMode: DAModeV6XML, DA1LoadAddr: 0x40000000, DA2LoadAddr: 0x40100000, WatchdogAddr: 0x10007000, ExploitTag: "kamakiri2", SigLenExpected: 4096},
}

// Lookup returns the chip record for hwCode, or ok=false if the chip is
// not in the database. Absence is an expected, not exceptional,
// condition (spec §9).
func Lookup(hwCode uint16) (Record, bool) {
	r, ok := table[hwCode]
	return r, ok
}

// Register adds or replaces a chip record, letting callers extend the
// built-in table with vendor-specific entries at runtime.
func Register(r Record) { table[r.HWCode] = r }
