// Package sparse implements the Android Sparse image format: header and
// chunk parsing, sparse-to-raw streaming expansion, and splitting a
// sparse stream into device-size-limited sub-images for Fastboot
// transfer (spec §3/§4.3).
package sparse

import (
	"encoding/binary"
	"fmt"
	"io"

	"flashkit/internal/errs"
)

const component = "sparse"

// Magic is the Android Sparse header magic, little-endian 0xED26FF3A.
const Magic = 0xED26FF3A

const (
	headerSize      = 28
	chunkHeaderSize = 12
	fillDataSize    = 4
)

// ChunkType identifies one of the four Sparse chunk variants.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "RAW"
	case ChunkFill:
		return "FILL"
	case ChunkDontCare:
		return "DONT_CARE"
	case ChunkCRC32:
		return "CRC32"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(t))
	}
}

// Header is the 28-byte Sparse file header.
type Header struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHdrSize     uint16
	ChunkHdrSize    uint16
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

// Chunk is one decoded Sparse chunk. Data holds the RAW payload or the
// 4-byte FILL pattern, or a CRC32 chunk's checksum payload when it has
// one; it is nil for DONT_CARE chunks and payload-less CRC32 chunks.
type Chunk struct {
	Type        ChunkType
	ChunkBlocks uint32
	TotalSize   uint32 // on-disk size including the 12-byte chunk header
	Data        []byte
}

// Image is a fully parsed Sparse image.
type Image struct {
	Header Header
	Chunks []Chunk
}

// Parse reads a complete Sparse image from r, validating every
// invariant from spec §4.3: magic, major version 1, chunk-block sum,
// and per-type payload-length checks.
func Parse(r io.Reader) (*Image, error) {
	var raw [headerSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, errs.Wrap(component, errs.KindFormat, "read header", err)
	}

	h := Header{
		Magic:         binary.LittleEndian.Uint32(raw[0:4]),
		MajorVersion:  binary.LittleEndian.Uint16(raw[4:6]),
		MinorVersion:  binary.LittleEndian.Uint16(raw[6:8]),
		FileHdrSize:   binary.LittleEndian.Uint16(raw[8:10]),
		ChunkHdrSize:  binary.LittleEndian.Uint16(raw[10:12]),
		BlockSize:     binary.LittleEndian.Uint32(raw[12:16]),
		TotalBlocks:   binary.LittleEndian.Uint32(raw[16:20]),
		TotalChunks:   binary.LittleEndian.Uint32(raw[20:24]),
		ImageChecksum: binary.LittleEndian.Uint32(raw[24:28]),
	}

	if h.Magic != Magic {
		return nil, errs.New(component, errs.KindFormat, fmt.Sprintf("bad magic 0x%08x", h.Magic))
	}
	if h.MajorVersion != 1 {
		return nil, errs.New(component, errs.KindFormat, fmt.Sprintf("unsupported major version %d", h.MajorVersion))
	}

	img := &Image{Header: h}
	var blockSum uint64

	for i := uint32(0); i < h.TotalChunks; i++ {
		var chdr [chunkHeaderSize]byte
		if _, err := io.ReadFull(r, chdr[:]); err != nil {
			return nil, errs.Wrap(component, errs.KindFormat, "read chunk header", err)
		}
		c := Chunk{
			Type:        ChunkType(binary.LittleEndian.Uint16(chdr[0:2])),
			ChunkBlocks: binary.LittleEndian.Uint32(chdr[4:8]),
			TotalSize:   binary.LittleEndian.Uint32(chdr[8:12]),
		}
		if c.ChunkBlocks == 0 {
			return nil, errs.New(component, errs.KindFormat, "chunk with zero chunk_blocks")
		}

		payloadLen := int64(c.TotalSize) - chunkHeaderSize
		if payloadLen < 0 {
			return nil, errs.New(component, errs.KindFormat, "chunk total_size smaller than header")
		}

		switch c.Type {
		case ChunkRaw:
			want := int64(c.ChunkBlocks) * int64(h.BlockSize)
			if payloadLen != want {
				return nil, errs.New(component, errs.KindFormat,
					fmt.Sprintf("RAW chunk payload %d != chunk_blocks*block_size %d", payloadLen, want))
			}
			c.Data = make([]byte, payloadLen)
			if _, err := io.ReadFull(r, c.Data); err != nil {
				return nil, errs.Wrap(component, errs.KindFormat, "read RAW payload", err)
			}
		case ChunkFill:
			if payloadLen != fillDataSize {
				return nil, errs.New(component, errs.KindFormat,
					fmt.Sprintf("FILL chunk payload %d != 4", payloadLen))
			}
			c.Data = make([]byte, fillDataSize)
			if _, err := io.ReadFull(r, c.Data); err != nil {
				return nil, errs.Wrap(component, errs.KindFormat, "read FILL pattern", err)
			}
		case ChunkDontCare:
			if payloadLen != 0 {
				return nil, errs.New(component, errs.KindFormat, "DONT_CARE chunk has payload")
			}
		case ChunkCRC32:
			if payloadLen != 0 {
				c.Data = make([]byte, payloadLen)
				if _, err := io.ReadFull(r, c.Data); err != nil {
					return nil, errs.Wrap(component, errs.KindFormat, "read CRC32 payload", err)
				}
			}
		default:
			// Unknown chunk type: skip its payload but do not fail —
			// only the four documented variants are meaningful.
			if payloadLen > 0 {
				if _, err := io.CopyN(io.Discard, r, payloadLen); err != nil {
					return nil, errs.Wrap(component, errs.KindFormat, "skip unknown chunk", err)
				}
			}
		}

		blockSum += uint64(c.ChunkBlocks)
		img.Chunks = append(img.Chunks, c)
	}

	if blockSum != uint64(h.TotalBlocks) {
		return nil, errs.New(component, errs.KindFormat,
			fmt.Sprintf("chunk block sum %d != total_blocks %d", blockSum, h.TotalBlocks))
	}

	return img, nil
}

// RawSize returns the fully expanded (non-sparse) image size in bytes.
func (img *Image) RawSize() int64 {
	return int64(img.Header.TotalBlocks) * int64(img.Header.BlockSize)
}

// encodeHeader writes h in the 28-byte on-disk layout.
func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.MajorVersion)
	binary.LittleEndian.PutUint16(buf[6:8], h.MinorVersion)
	binary.LittleEndian.PutUint16(buf[8:10], h.FileHdrSize)
	binary.LittleEndian.PutUint16(buf[10:12], h.ChunkHdrSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], h.TotalChunks)
	binary.LittleEndian.PutUint32(buf[24:28], h.ImageChecksum)
	return buf
}

func encodeChunkHeader(c Chunk) []byte {
	buf := make([]byte, chunkHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(c.Type))
	binary.LittleEndian.PutUint16(buf[2:4], 0) // reserved
	binary.LittleEndian.PutUint32(buf[4:8], c.ChunkBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], c.TotalSize)
	return buf
}

// Encode serializes img back into its on-disk Sparse representation.
func Encode(w io.Writer, img *Image) error {
	if _, err := w.Write(encodeHeader(img.Header)); err != nil {
		return errs.Wrap(component, errs.KindTransport, "write header", err)
	}
	for _, c := range img.Chunks {
		if _, err := w.Write(encodeChunkHeader(c)); err != nil {
			return errs.Wrap(component, errs.KindTransport, "write chunk header", err)
		}
		if len(c.Data) > 0 {
			if _, err := w.Write(c.Data); err != nil {
				return errs.Wrap(component, errs.KindTransport, "write chunk data", err)
			}
		}
	}
	return nil
}
