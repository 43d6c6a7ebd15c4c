package sparse

import (
	"bytes"
	"io"

	"flashkit/internal/errs"
)

// blockRange records, for a chunk index, the first block it covers in
// the raw expansion; the chunk spans [startBlock, startBlock+ChunkBlocks).
type blockRange struct {
	chunkIdx   int
	startBlock uint64
}

// Reader provides random-access reads over the raw (fully expanded)
// form of a Sparse image without materializing the whole image,
// resolving each requested byte range to its containing chunk(s).
type Reader struct {
	img    *Image
	ranges []blockRange
	size   int64
}

// NewReader builds a random-access raw reader over img.
func NewReader(img *Image) *Reader {
	r := &Reader{img: img, size: img.RawSize()}
	var block uint64
	for i, c := range img.Chunks {
		r.ranges = append(r.ranges, blockRange{chunkIdx: i, startBlock: block})
		block += uint64(c.ChunkBlocks)
	}
	return r
}

// Size returns the raw expansion length in bytes.
func (r *Reader) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt over the raw expansion, materializing
// only the bytes requested (copy for RAW, repeat-fill for FILL, zero
// for DONT_CARE/CRC32).
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}
	blockSize := int64(r.img.Header.BlockSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= r.size {
			break
		}
		idx := r.chunkForByte(pos)
		c := r.img.Chunks[idx.chunkIdx]
		chunkStart := int64(idx.startBlock) * blockSize
		chunkLen := int64(c.ChunkBlocks) * blockSize
		inChunk := pos - chunkStart
		avail := chunkLen - inChunk
		want := int64(len(p) - n)
		if want > avail {
			want = avail
		}

		switch c.Type {
		case ChunkRaw:
			copy(p[n:n+int(want)], c.Data[inChunk:inChunk+want])
		case ChunkFill:
			fillRepeat(p[n:n+int(want)], c.Data, inChunk)
		case ChunkDontCare, ChunkCRC32:
			for i := range p[n : n+int(want)] {
				p[n+i] = 0
			}
		}
		n += int(want)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fillRepeat writes the 4-byte FILL pattern into dst, starting at the
// phase implied by byteOffset within the chunk.
func fillRepeat(dst []byte, pattern []byte, byteOffset int64) {
	phase := int(byteOffset % int64(len(pattern)))
	for i := range dst {
		dst[i] = pattern[(phase+i)%len(pattern)]
	}
}

// chunkForByte binary-searches r.ranges for the chunk containing pos.
func (r *Reader) chunkForByte(pos int64) blockRange {
	blockSize := int64(r.img.Header.BlockSize)
	block := uint64(pos / blockSize)
	lo, hi := 0, len(r.ranges)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if r.ranges[mid].startBlock <= block {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return r.ranges[lo]
}

// ToRaw materializes the complete raw expansion into w, streaming
// chunk-by-chunk rather than buffering the whole image.
func ToRaw(w io.Writer, img *Image) error {
	blockSize := int64(img.Header.BlockSize)
	for _, c := range img.Chunks {
		n := int64(c.ChunkBlocks) * blockSize
		switch c.Type {
		case ChunkRaw:
			if _, err := w.Write(c.Data); err != nil {
				return errs.Wrap(component, errs.KindTransport, "write raw chunk", err)
			}
		case ChunkFill:
			if err := writeRepeated(w, c.Data, n); err != nil {
				return err
			}
		case ChunkDontCare, ChunkCRC32:
			if err := writeZeros(w, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeRepeated(w io.Writer, pattern []byte, total int64) error {
	const bufBlocks = 4096
	buf := bytes.Repeat(pattern, bufBlocks)
	for total > 0 {
		chunk := int64(len(buf))
		if chunk > total {
			chunk = total
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return errs.Wrap(component, errs.KindTransport, "write fill chunk", err)
		}
		total -= chunk
	}
	return nil
}

func writeZeros(w io.Writer, total int64) error {
	const bufSize = 1 << 20
	buf := make([]byte, bufSize)
	for total > 0 {
		chunk := int64(len(buf))
		if chunk > total {
			chunk = total
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return errs.Wrap(component, errs.KindTransport, "write zero chunk", err)
		}
		total -= chunk
	}
	return nil
}
