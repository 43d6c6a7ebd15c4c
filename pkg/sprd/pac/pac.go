// Package pac parses Spreadtrum .pac firmware packages: the fixed
// header, the file table, and the embedded FDL/partition XML config
// (spec §4.6 "PAC parser").
package pac

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/xml"
	"io"
	"unicode/utf16"

	"flashkit/internal/errs"
)

const component = "sprd.pac"

const (
	headerSize    = 2124
	fileEntrySize = 2580
)

// Header is the fixed 2124-byte .pac header.
type Header struct {
	Product      string
	Firmware     string
	Version      string
	FileCount    uint32
	FileTableOff uint32
	TotalSize    uint32
	CRC          uint16
}

// FileEntry is one 2580-byte file-table row.
type FileEntry struct {
	Name               string
	Offset             uint32
	CompressedSize     uint32
	UncompressedSize   uint32
	LoadAddr           uint32
	Partition          string
	Type               uint32
}

// Package is a parsed .pac archive: header, file table, and the raw
// backing bytes needed to materialize any file's content on demand.
type Package struct {
	Header Header
	Files  []FileEntry
	raw    []byte
}

func utf16leToString(b []byte) string {
	if len(b)%2 == 1 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	// Truncate at the first NUL code unit — names are NUL-padded.
	for i, c := range u16 {
		if c == 0 {
			u16 = u16[:i]
			break
		}
	}
	return string(utf16.Decode(u16))
}

// Parse reads a .pac image's header and file table from raw.
func Parse(raw []byte) (*Package, error) {
	if len(raw) < headerSize {
		return nil, errs.New(component, errs.KindFormat, "pac file shorter than fixed header")
	}
	h := raw[:headerSize]

	hdr := Header{
		Product:      utf16leToString(h[0:512]),
		Firmware:     utf16leToString(h[512:1024]),
		Version:      utf16leToString(h[1024:1536]),
		FileCount:    binary.LittleEndian.Uint32(h[1536:1540]),
		FileTableOff: binary.LittleEndian.Uint32(h[1540:1544]),
		TotalSize:    binary.LittleEndian.Uint32(h[1544:1548]),
		CRC:          binary.LittleEndian.Uint16(h[1548:1550]),
	}

	if uint64(hdr.FileTableOff)+uint64(hdr.FileCount)*fileEntrySize > uint64(len(raw)) {
		return nil, errs.New(component, errs.KindFormat, "file table extends past end of pac")
	}

	files := make([]FileEntry, 0, hdr.FileCount)
	for i := uint32(0); i < hdr.FileCount; i++ {
		off := hdr.FileTableOff + i*fileEntrySize
		e := raw[off : off+fileEntrySize]
		files = append(files, FileEntry{
			Name:             utf16leToString(e[0:512]),
			Offset:           binary.LittleEndian.Uint32(e[512:516]),
			CompressedSize:   binary.LittleEndian.Uint32(e[516:520]),
			UncompressedSize: binary.LittleEndian.Uint32(e[520:524]),
			LoadAddr:         binary.LittleEndian.Uint32(e[524:528]),
			Partition:        utf16leToString(e[528:1040]),
			Type:             binary.LittleEndian.Uint32(e[1040:1044]),
		})
	}

	return &Package{Header: hdr, Files: files, raw: raw}, nil
}

// FileData returns f's content, transparently gunzipping GZIP-wrapped
// entries (spec §4.6 "GZIP-wrapped file support").
func (p *Package) FileData(f FileEntry) ([]byte, error) {
	if uint64(f.Offset)+uint64(f.CompressedSize) > uint64(len(p.raw)) {
		return nil, errs.New(component, errs.KindFormat, "file entry extends past end of pac")
	}
	section := p.raw[f.Offset : f.Offset+f.CompressedSize]
	if len(section) >= 2 && section[0] == 0x1F && section[1] == 0x8B {
		zr, err := gzip.NewReader(bytes.NewReader(section))
		if err != nil {
			return nil, errs.Wrap(component, errs.KindFormat, "open gzip file entry", err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, errs.Wrap(component, errs.KindFormat, "decompress gzip file entry", err)
		}
		return data, nil
	}
	return section, nil
}

// FindByPartition returns the first entry targeting the named
// partition, if any.
func (p *Package) FindByPartition(name string) (FileEntry, bool) {
	for _, f := range p.Files {
		if f.Partition == name {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Config is the embedded XML describing FDL1/FDL2 locations and
// per-partition flash policy.
type Config struct {
	XMLName xml.Name     `xml:"Config"`
	FDL1    ConfigFile   `xml:"FDL1"`
	FDL2    ConfigFile   `xml:"FDL2"`
	Files   []ConfigFile `xml:"File"`
}

type ConfigFile struct {
	ID       string `xml:"ID,attr"`
	FileName string `xml:"FileName"`
	BaseAddr string `xml:"BaseAddr"`
	Block    string `xml:"Block"`
}

// ParseConfig decodes the embedded XML config entry's content, usually
// looked up via FindByPartition or a fixed well-known name.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := xml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(component, errs.KindFormat, "parse pac xml config", err)
	}
	return &cfg, nil
}
