package sparse

import "flashkit/internal/errs"

// Split partitions img into a sequence of standalone Sparse images,
// each no larger than maxBytes on the wire, splitting any chunk that
// would overflow maxBytes at a block boundary (spec §4.3 split-for-
// transfer). Each returned image carries its own recomputed header.
func Split(img *Image, maxBytes int64) ([]*Image, error) {
	if maxBytes < headerSize+chunkHeaderSize {
		return nil, errs.New(component, errs.KindUnsupported, "maxBytes too small for even one chunk")
	}

	var out []*Image
	cur := &Image{Header: img.Header}
	curSize := int64(headerSize)

	flush := func() {
		if len(cur.Chunks) == 0 {
			return
		}
		finalizeSubImage(cur, img.Header)
		out = append(out, cur)
		cur = &Image{Header: img.Header}
		curSize = headerSize
	}

	blockSize := int64(img.Header.BlockSize)

	for _, c := range img.Chunks {
		remaining := c
		for remaining.ChunkBlocks > 0 {
			entrySize := int64(chunkHeaderSize) + payloadSizeOf(remaining)

			if curSize+entrySize <= maxBytes {
				cur.Chunks = append(cur.Chunks, remaining)
				curSize += entrySize
				remaining.ChunkBlocks = 0
				continue
			}

			// Doesn't fit whole: only a RAW chunk shrinks on the wire
			// when split, and only if at least one block fits in what is
			// left; otherwise start a new sub-image. If nothing is in the
			// current sub-image yet, maxBytes is pathologically small.
			avail := maxBytes - curSize - chunkHeaderSize
			if remaining.Type != ChunkRaw || avail < blockSize {
				if len(cur.Chunks) == 0 {
					return nil, errs.New(component, errs.KindUnsupported, "maxBytes too small for minimum chunk")
				}
				flush()
				continue
			}

			piece, rest, err := splitChunkAt(remaining, avail, blockSize)
			if err != nil {
				return nil, err
			}
			cur.Chunks = append(cur.Chunks, piece)
			curSize += int64(chunkHeaderSize) + payloadSizeOf(piece)
			remaining = rest
		}
	}
	flush()

	return out, nil
}

// payloadSizeOf returns the on-disk payload length (excluding the
// 12-byte chunk header) for c given its type and ChunkBlocks.
func payloadSizeOf(c Chunk) int64 {
	switch c.Type {
	case ChunkRaw:
		return int64(len(c.Data))
	case ChunkFill:
		return fillDataSize
	default:
		return 0
	}
}

// splitChunkAt splits c at a block boundary so the first piece's
// payload fits within budget bytes, returning (piece, remainder).
func splitChunkAt(c Chunk, budget int64, blockSize int64) (Chunk, Chunk, error) {
	switch c.Type {
	case ChunkRaw:
		maxBlocks := budget / blockSize
		if maxBlocks <= 0 {
			maxBlocks = 1 // always make forward progress; Split only passes a budget of at least one block
		}
		if maxBlocks > int64(c.ChunkBlocks) {
			maxBlocks = int64(c.ChunkBlocks)
		}
		pieceBytes := maxBlocks * blockSize
		piece := Chunk{
			Type:        ChunkRaw,
			ChunkBlocks: uint32(maxBlocks),
			TotalSize:   uint32(chunkHeaderSize + pieceBytes),
			Data:        c.Data[:pieceBytes],
		}
		rest := Chunk{
			Type:        ChunkRaw,
			ChunkBlocks: c.ChunkBlocks - uint32(maxBlocks),
			TotalSize:   uint32(chunkHeaderSize) + uint32(int64(c.ChunkBlocks-uint32(maxBlocks))*blockSize),
			Data:        c.Data[pieceBytes:],
		}
		return piece, rest, nil
	case ChunkFill, ChunkDontCare, ChunkCRC32:
		// FILL/DONT_CARE duplicate with adjusted chunk_blocks — the
		// 4-byte pattern (or absent payload) is identical in both
		// halves, so any block split is valid; take half to make
		// forward progress without needing the byte budget at all.
		half := c.ChunkBlocks / 2
		if half == 0 {
			half = 1
		}
		piece := c
		piece.ChunkBlocks = half
		rest := c
		rest.ChunkBlocks = c.ChunkBlocks - half
		return piece, rest, nil
	default:
		return Chunk{}, Chunk{}, errs.New(component, errs.KindUnsupported, "cannot split unknown chunk type")
	}
}

// finalizeSubImage recomputes total_blocks/total_chunks for a split-off
// sub-image and stamps the header fields that must match the source.
func finalizeSubImage(img *Image, src Header) {
	var blocks uint64
	for _, c := range img.Chunks {
		blocks += uint64(c.ChunkBlocks)
	}
	img.Header = Header{
		Magic:        Magic,
		MajorVersion: 1,
		MinorVersion: src.MinorVersion,
		FileHdrSize:  headerSize,
		ChunkHdrSize: chunkHeaderSize,
		BlockSize:    src.BlockSize,
		TotalBlocks:  uint32(blocks),
		TotalChunks:  uint32(len(img.Chunks)),
	}
}
