// Package ota implements the remote OTA payload.bin extractor: walking
// a ZIP/ZIP64 central directory over HTTP range requests to locate
// payload.bin without downloading the whole archive, parsing its CrAU
// manifest, and dispatching install operations (spec §4.7).
package ota

import (
	"context"
	"encoding/binary"
	"strings"

	"flashkit/internal/errs"
	"flashkit/internal/transport"
)

const component = "ota"

const (
	sigEOCD        = 0x06054B50
	sigZIP64Locator = 0x07064B50
	sigZIP64EOCD   = 0x06064B50
	sigCentralDir  = 0x02014B50
	sigLocalHeader = 0x04034B50

	zip64ExtraTag = 0x0001

	// maxEOCDSearch is the largest trailer window scanned for the
	// end-of-central-directory record (22-byte record + up to 64KB
	// comment, spec §4.7 "scan last 64KB for EOCD").
	maxEOCDSearch = 64*1024 + 22
)

// ZipEntry describes one central-directory record relevant to locating
// payload.bin's raw (stored, uncompressed) bytes within the archive.
type ZipEntry struct {
	Name             string
	CompressedSize   uint64
	UncompressedSize uint64
	LocalHeaderOff   uint64
	Method           uint16
}

// FindEntry scans a remote ZIP's central directory via range requests
// and returns the entry named name (which carries its sizes) plus its
// data offset within the archive. It downloads only the trailer, the
// ZIP64 records when present, the central directory and the local file
// header, never the entry data.
func FindEntry(ctx context.Context, r *transport.HttpRange, name string) (ZipEntry, uint64, error) {
	totalSigned, err := r.ContentLength(ctx)
	if err != nil {
		return ZipEntry{}, 0, errs.Wrap(component, errs.KindTransport, "probe archive length", err)
	}
	total := uint64(totalSigned)

	window := uint64(maxEOCDSearch)
	if window > total {
		window = total
	}
	tail, err := r.FetchRange(ctx, int64(total-window), int64(window))
	if err != nil {
		return ZipEntry{}, 0, errs.Wrap(component, errs.KindTransport, "fetch eocd search window", err)
	}

	eocdOff := findEOCD(tail)
	if eocdOff < 0 {
		return ZipEntry{}, 0, errs.New(component, errs.KindFormat, "end of central directory record not found")
	}

	cdOffset, cdSize, entryCount, err := parseEOCD(tail, eocdOff, total-window)
	if err != nil {
		return ZipEntry{}, 0, err
	}

	// ZIP64: the 32-bit EOCD fields saturate at 0xFFFFFFFF and real
	// values live in the ZIP64 end-of-central-directory record, found
	// via a locator record directly preceding the classic EOCD.
	if cdOffset == 0xFFFFFFFF || cdSize == 0xFFFFFFFF || entryCount == 0xFFFF {
		cdOffset, cdSize, entryCount, err = resolveZip64(ctx, r, tail, eocdOff, total-window)
		if err != nil {
			return ZipEntry{}, 0, err
		}
	}

	cdBuf, err := r.FetchRange(ctx, int64(cdOffset), int64(cdSize))
	if err != nil {
		return ZipEntry{}, 0, errs.Wrap(component, errs.KindTransport, "fetch central directory", err)
	}

	entry, ok := scanCentralDirectory(cdBuf, entryCount, name)
	if !ok {
		return ZipEntry{}, 0, errs.New(component, errs.KindFormat, "entry not found in archive: "+name)
	}
	if entry.Method != 0 {
		return ZipEntry{}, 0, errs.New(component, errs.KindUnsupported, name+" must be stored, not deflated")
	}

	dataOff, err := localFileDataOffset(ctx, r, entry)
	if err != nil {
		return ZipEntry{}, 0, err
	}
	return entry, dataOff, nil
}

func findEOCD(tail []byte) int {
	for i := len(tail) - 22; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) == sigEOCD {
			return i
		}
	}
	return -1
}

func parseEOCD(tail []byte, eocdOff int, windowBase uint64) (cdOffset, cdSize uint64, entryCount uint32, err error) {
	if eocdOff+22 > len(tail) {
		return 0, 0, 0, errs.New(component, errs.KindFormat, "truncated eocd record")
	}
	rec := tail[eocdOff:]
	entryCount = uint32(binary.LittleEndian.Uint16(rec[10:12]))
	cdSize = uint64(binary.LittleEndian.Uint32(rec[12:16]))
	cdOffset = uint64(binary.LittleEndian.Uint32(rec[16:20]))
	return cdOffset, cdSize, entryCount, nil
}

// resolveZip64 locates and parses the ZIP64 locator + EOCD pair that
// precede the classic EOCD when any 32-bit field has saturated.
func resolveZip64(ctx context.Context, r *transport.HttpRange, tail []byte, eocdOff int, windowBase uint64) (cdOffset, cdSize uint64, entryCount uint32, err error) {
	locatorOff := eocdOff - 20
	if locatorOff < 0 || binary.LittleEndian.Uint32(tail[locatorOff:]) != sigZIP64Locator {
		return 0, 0, 0, errs.New(component, errs.KindFormat, "zip64 locator not found adjacent to eocd")
	}
	zip64EOCDOff := binary.LittleEndian.Uint64(tail[locatorOff+8:])

	buf, err := r.FetchRange(ctx, int64(zip64EOCDOff), 56)
	if err != nil {
		return 0, 0, 0, errs.Wrap(component, errs.KindTransport, "fetch zip64 eocd", err)
	}
	if binary.LittleEndian.Uint32(buf) != sigZIP64EOCD {
		return 0, 0, 0, errs.New(component, errs.KindFormat, "zip64 eocd signature mismatch")
	}
	entryCount64 := binary.LittleEndian.Uint64(buf[32:40])
	cdSize = binary.LittleEndian.Uint64(buf[40:48])
	cdOffset = binary.LittleEndian.Uint64(buf[48:56])
	return cdOffset, cdSize, uint32(entryCount64), nil
}

func scanCentralDirectory(buf []byte, entryCount uint32, want string) (ZipEntry, bool) {
	off := 0
	for i := uint32(0); i < entryCount && off+46 <= len(buf); i++ {
		if binary.LittleEndian.Uint32(buf[off:]) != sigCentralDir {
			return ZipEntry{}, false
		}
		method := binary.LittleEndian.Uint16(buf[off+10:])
		compSize := uint64(binary.LittleEndian.Uint32(buf[off+20:]))
		uncompSize := uint64(binary.LittleEndian.Uint32(buf[off+24:]))
		nameLen := int(binary.LittleEndian.Uint16(buf[off+28:]))
		extraLen := int(binary.LittleEndian.Uint16(buf[off+30:]))
		commentLen := int(binary.LittleEndian.Uint16(buf[off+32:]))
		localOff := uint64(binary.LittleEndian.Uint32(buf[off+42:]))

		nameStart := off + 46
		name := string(buf[nameStart : nameStart+nameLen])
		extra := buf[nameStart+nameLen : nameStart+nameLen+extraLen]

		compSize, uncompSize, localOff = applyZip64Extra(extra, compSize, uncompSize, localOff)

		if strings.EqualFold(name, want) {
			return ZipEntry{Name: name, CompressedSize: compSize, UncompressedSize: uncompSize, LocalHeaderOff: localOff, Method: method}, true
		}
		off = nameStart + nameLen + extraLen + commentLen
	}
	return ZipEntry{}, false
}

// applyZip64Extra overrides any 32-bit-saturated field with its ZIP64
// extra-field (tag 0x0001) counterpart, in the fixed order the spec
// mandates: uncompressed size, compressed size, local header offset.
func applyZip64Extra(extra []byte, compSize, uncompSize, localOff uint64) (uint64, uint64, uint64) {
	for i := 0; i+4 <= len(extra); {
		tag := binary.LittleEndian.Uint16(extra[i:])
		size := int(binary.LittleEndian.Uint16(extra[i+2:]))
		if i+4+size > len(extra) {
			break
		}
		body := extra[i+4 : i+4+size]
		if tag == zip64ExtraTag {
			bi := 0
			if uncompSize == 0xFFFFFFFF && bi+8 <= len(body) {
				uncompSize = binary.LittleEndian.Uint64(body[bi:])
				bi += 8
			}
			if compSize == 0xFFFFFFFF && bi+8 <= len(body) {
				compSize = binary.LittleEndian.Uint64(body[bi:])
				bi += 8
			}
			if localOff == 0xFFFFFFFF && bi+8 <= len(body) {
				localOff = binary.LittleEndian.Uint64(body[bi:])
				bi += 8
			}
		}
		i += 4 + size
	}
	return compSize, uncompSize, localOff
}

// localFileDataOffset fetches entry's local file header and returns
// the absolute archive offset its data begins at.
func localFileDataOffset(ctx context.Context, r *transport.HttpRange, entry ZipEntry) (uint64, error) {
	// 30 fixed bytes plus generous slack for name+extra fields.
	buf, err := r.FetchRange(ctx, int64(entry.LocalHeaderOff), 30+4096)
	if err != nil {
		return 0, errs.Wrap(component, errs.KindTransport, "fetch local file header", err)
	}
	if len(buf) < 30 || binary.LittleEndian.Uint32(buf) != sigLocalHeader {
		return 0, errs.New(component, errs.KindFormat, "local file header signature mismatch")
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(buf[28:30]))
	return entry.LocalHeaderOff + 30 + uint64(nameLen) + uint64(extraLen), nil
}
