package sparse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildImage assembles a minimal in-memory Sparse image for tests:
// one RAW(2 blocks), one FILL(1000 blocks, pattern 0xDEADBEEF), one
// DONT_CARE(3 blocks) — the exact scenario from spec §8 scenario 5.
func buildImage(blockSize uint32) *Image {
	raw := bytes.Repeat([]byte{0x11, 0x22, 0x33, 0x44}, int(blockSize)/2)
	fill := []byte{0xEF, 0xBE, 0xAD, 0xDE} // little-endian 0xDEADBEEF

	chunks := []Chunk{
		{Type: ChunkRaw, ChunkBlocks: 2, TotalSize: chunkHeaderSize + uint32(2)*blockSize, Data: bytes.Repeat(raw, 2)[:2*int(blockSize)]},
		{Type: ChunkFill, ChunkBlocks: 1000, TotalSize: chunkHeaderSize + fillDataSize, Data: fill},
		{Type: ChunkDontCare, ChunkBlocks: 3, TotalSize: chunkHeaderSize},
	}
	return &Image{
		Header: Header{
			Magic: Magic, MajorVersion: 1, FileHdrSize: headerSize, ChunkHdrSize: chunkHeaderSize,
			BlockSize: blockSize, TotalBlocks: 2 + 1000 + 3, TotalChunks: uint32(len(chunks)),
		},
		Chunks: chunks,
	}
}

func TestParseRoundTrip(t *testing.T) {
	img := buildImage(4096)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, img))

	got, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, img.Header.TotalBlocks, got.Header.TotalBlocks)
	assert.Equal(t, img.Header.TotalChunks, got.Header.TotalChunks)
	assert.Len(t, got.Chunks, 3)
}

func TestToRawExpansion(t *testing.T) {
	img := buildImage(4096)
	var raw bytes.Buffer
	require.NoError(t, ToRaw(&raw, img))

	data := raw.Bytes()
	assert.Equal(t, int((2+1000+3)*4096), len(data))

	// [0, 8192) is the RAW payload.
	assert.Equal(t, img.Chunks[0].Data, data[:8192])

	// [8192, 8192+4096000) is 0xDEADBEEF repeated.
	fillRegion := data[8192 : 8192+1000*4096]
	for i := 0; i < len(fillRegion); i += 4 {
		assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, fillRegion[i:i+4])
	}

	// trailing 12288 bytes are zero.
	tail := data[8192+1000*4096:]
	assert.Len(t, tail, 12288)
	for _, b := range tail {
		assert.Equal(t, byte(0), b)
	}
}

func TestReaderRandomAccess(t *testing.T) {
	img := buildImage(4096)
	r := NewReader(img)
	assert.Equal(t, int64((2+1000+3)*4096), r.Size())

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 8192+2048)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0xEF, 0xBE, 0xAD, 0xDE}, buf)
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerSize)
	_, err := Parse(bytes.NewReader(buf))
	assert.Error(t, err)
}

func TestParseRejectsZeroBlockChunk(t *testing.T) {
	img := buildImage(4096)
	img.Chunks[0].ChunkBlocks = 0
	var enc bytes.Buffer
	require.NoError(t, Encode(&enc, img))

	_, err := Parse(&enc)
	assert.Error(t, err)
}

func TestSplitInvariant(t *testing.T) {
	img := buildImage(4096)

	var want bytes.Buffer
	require.NoError(t, ToRaw(&want, img))

	subs, err := Split(img, 8192) // deliberately small to force splitting the 2-block RAW chunk
	require.NoError(t, err)
	require.Greater(t, len(subs), 1)

	var got bytes.Buffer
	for _, sub := range subs {
		require.NoError(t, ToRaw(&got, sub))
	}
	assert.Equal(t, want.Bytes(), got.Bytes())
}

func TestSplitRejectsTooSmallBudget(t *testing.T) {
	img := buildImage(4096)
	_, err := Split(img, 4)
	assert.Error(t, err)
}
