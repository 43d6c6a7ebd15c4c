package ota

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"google.golang.org/protobuf/encoding/protowire"

	"flashkit/internal/progress"
	"flashkit/internal/transport"
)

// rangeServer serves data, honoring Range headers the same way a real
// OTA/CDN endpoint would, and counts how many requests it handles.
func rangeServer(t *testing.T, data []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var reqCount atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqCount.Add(1)
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(data)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil || end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
	return srv, &reqCount
}

func TestFetchOperationDataSplitsLargeOperations(t *testing.T) {
	data := make([]byte, 3*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv, reqCount := rangeServer(t, data)
	defer srv.Close()

	e := NewExtractor(srv.URL, "test-agent")
	e.MaxConnections = 4
	e.MinChunkSize = 512 * 1024

	op := Operation{Type: OpReplace, DataOffset: 0, DataLength: uint64(len(data))}
	got, err := e.fetchOperationData(context.Background(), 0, op)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Greater(t, reqCount.Load(), int32(1), "a >2MiB operation should fan out across more than one range request")
}

func TestFetchOperationDataStaysSingleRangeBelowThreshold(t *testing.T) {
	data := make([]byte, 1024)
	srv, reqCount := rangeServer(t, data)
	defer srv.Close()

	e := NewExtractor(srv.URL, "test-agent")
	op := Operation{Type: OpReplace, DataOffset: 0, DataLength: uint64(len(data))}
	got, err := e.fetchOperationData(context.Background(), 0, op)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), reqCount.Load())
}

func TestFetchOperationDataDisabledMultiThreadStaysSingleRange(t *testing.T) {
	data := make([]byte, 3*1024*1024)
	srv, reqCount := rangeServer(t, data)
	defer srv.Close()

	e := NewExtractor(srv.URL, "test-agent")
	e.EnableMultiThread = false
	op := Operation{Type: OpReplace, DataOffset: 0, DataLength: uint64(len(data))}
	got, err := e.fetchOperationData(context.Background(), 0, op)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), reqCount.Load())
}

func TestApplyOperationClampsWriteToDestinationExtent(t *testing.T) {
	const blockSize = 16
	data := []byte("this payload is far longer than the single destination block allows")
	srv, _ := rangeServer(t, data)
	defer srv.Close()

	e := NewExtractor(srv.URL, "test-agent")

	out, err := os.CreateTemp("", "flashkit-extract-test-*.img")
	require.NoError(t, err)
	defer os.Remove(out.Name())
	defer out.Close()
	require.NoError(t, out.Truncate(int64(blockSize * 2)))

	op := Operation{
		Type:       OpReplace,
		DataOffset: 0,
		DataLength: uint64(len(data)),
		DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
	}

	n, err := e.applyOperation(context.Background(), 0, op, blockSize, out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n, "reported bytes reflect the source fetch, not the clamped write")

	written := make([]byte, blockSize*2)
	_, err = out.ReadAt(written, 0)
	require.True(t, err == nil || err == io.EOF)
	assert.Equal(t, data[:blockSize], written[:blockSize])
	assert.Equal(t, make([]byte, blockSize), written[blockSize:], "write must not overrun into the next extent")
}

func TestFindEntryCaseInsensitiveMatch(t *testing.T) {
	content := []byte("fake CrAU payload bytes")
	archive := buildZip(t, "Payload.BIN", content)

	srv, _ := rangeServer(t, archive)
	defer srv.Close()

	r := transport.NewHttpRange(srv.URL, "test-agent")
	entry, _, err := FindEntry(context.Background(), r, "payload.bin")
	require.NoError(t, err)
	assert.Equal(t, "Payload.BIN", entry.Name)
}

// buildPayload assembles a minimal v2 CrAU payload: header + manifest +
// operation data, with no metadata signature.
func buildPayload(manifest, opData []byte) []byte {
	hdr := make([]byte, 24)
	copy(hdr[0:4], payloadMagic)
	binary.BigEndian.PutUint64(hdr[4:12], 2)
	binary.BigEndian.PutUint64(hdr[12:20], uint64(len(manifest)))
	binary.BigEndian.PutUint32(hdr[20:24], 0)

	buf := append(hdr, manifest...)
	buf = append(buf, opData...)
	return buf
}

func TestStreamFlashPartitionFlashesAndCleansUpTempFile(t *testing.T) {
	opData := []byte("0123456789abcdef")
	const blockSize = 16

	var extent []byte
	extent = appendTag(extent, fieldExtentStartBlock, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 0)
	extent = appendTag(extent, fieldExtentNumBlocks, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 1)

	var op []byte
	op = appendTag(op, fieldOpType, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(OpReplace))
	op = appendTag(op, fieldOpDataOffset, protowire.VarintType)
	op = protowire.AppendVarint(op, 0)
	op = appendTag(op, fieldOpDataLength, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(len(opData)))
	op = appendTag(op, fieldOpDstExtents, protowire.BytesType)
	op = protowire.AppendBytes(op, extent)

	var info []byte
	info = appendTag(info, fieldInfoSize, protowire.VarintType)
	info = protowire.AppendVarint(info, blockSize)

	var part []byte
	part = appendTag(part, fieldPartitionName, protowire.BytesType)
	part = protowire.AppendBytes(part, []byte("boot_a"))
	part = appendTag(part, fieldNewPartitionInfo, protowire.BytesType)
	part = protowire.AppendBytes(part, info)
	part = appendTag(part, fieldOperations, protowire.BytesType)
	part = protowire.AppendBytes(part, op)

	var manifest []byte
	manifest = appendTag(manifest, fieldBlockSize, protowire.VarintType)
	manifest = protowire.AppendVarint(manifest, blockSize)
	manifest = appendTag(manifest, fieldPartitions, protowire.BytesType)
	manifest = protowire.AppendBytes(manifest, part)

	payload := buildPayload(manifest, opData)
	archive := buildZip(t, "payload.bin", payload)

	srv, _ := rangeServer(t, archive)
	defer srv.Close()

	r := transport.NewHttpRange(srv.URL, "test-agent")
	_, dataOff, err := FindEntry(context.Background(), r, "payload.bin")
	require.NoError(t, err)

	hdrBuf, err := r.FetchRange(context.Background(), int64(dataOff), 24)
	require.NoError(t, err)
	hdr, err := ParseHeader(hdrBuf)
	require.NoError(t, err)
	manifestBuf, err := r.FetchRange(context.Background(), int64(dataOff)+hdr.HeaderLen(), int64(hdr.ManifestLen))
	require.NoError(t, err)
	m, err := ParseManifest(manifestBuf)
	require.NoError(t, err)
	require.Len(t, m.Partitions, 1)

	e := NewExtractor(srv.URL, "test-agent")

	var gotPath string
	var flashed []byte
	var progressUpdates []progress.Progress
	flash := func(_ context.Context, path string) error {
		gotPath = path
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		flashed = b
		return nil
	}

	err = e.StreamFlashPartition(context.Background(), m.Partitions[0], m.BlockSize, flash, func(p progress.Progress) {
		progressUpdates = append(progressUpdates, p)
	})
	require.NoError(t, err)

	assert.Equal(t, opData, flashed)
	_, statErr := os.Stat(gotPath)
	assert.True(t, os.IsNotExist(statErr), "temp file must be removed once StreamFlashPartition returns")

	require.NotEmpty(t, progressUpdates)
	last := progressUpdates[len(progressUpdates)-1]
	assert.Equal(t, int64(100), last.BytesSent)
	assert.Equal(t, int64(100), last.TotalBytes)

	var sawHalfway bool
	for _, p := range progressUpdates {
		if p.BytesSent == 50 {
			sawHalfway = true
		}
	}
	assert.True(t, sawHalfway, "stream-flash must report the download/flash midpoint at 50%")
}

func TestStreamFlashPartitionPropagatesFlashError(t *testing.T) {
	opData := []byte("abc")
	part := Partition{
		Name:             "boot_a",
		NewPartitionSize: 16,
		Operations: []Operation{{
			Type:       OpReplace,
			DataOffset: 0,
			DataLength: uint64(len(opData)),
			DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
		}},
	}

	payload := buildPayload(minimalManifest(t), opData)
	archive := buildZip(t, "payload.bin", payload)
	srv, _ := rangeServer(t, archive)
	defer srv.Close()

	e := NewExtractor(srv.URL, "test-agent")

	flashErr := fmt.Errorf("device rejected image")
	var removedPath string
	err := e.StreamFlashPartition(context.Background(), part, 16, func(_ context.Context, path string) error {
		removedPath = path
		return flashErr
	}, nil)

	require.Error(t, err)
	assert.ErrorContains(t, err, "device rejected image")
	_, statErr := os.Stat(removedPath)
	assert.True(t, os.IsNotExist(statErr), "temp file must be removed even when flash fails")
}

// minimalManifest builds a manifest with one REPLACE operation against
// partition boot_a, matching the fixed layout TestStreamFlashPartition
// PropagatesFlashError's part value describes.
func minimalManifest(t *testing.T) []byte {
	t.Helper()

	var extent []byte
	extent = appendTag(extent, fieldExtentStartBlock, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 0)
	extent = appendTag(extent, fieldExtentNumBlocks, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 1)

	var op []byte
	op = appendTag(op, fieldOpType, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(OpReplace))
	op = appendTag(op, fieldOpDataOffset, protowire.VarintType)
	op = protowire.AppendVarint(op, 0)
	op = appendTag(op, fieldOpDataLength, protowire.VarintType)
	op = protowire.AppendVarint(op, 3)
	op = appendTag(op, fieldOpDstExtents, protowire.BytesType)
	op = protowire.AppendBytes(op, extent)

	var info []byte
	info = appendTag(info, fieldInfoSize, protowire.VarintType)
	info = protowire.AppendVarint(info, 16)

	var part []byte
	part = appendTag(part, fieldPartitionName, protowire.BytesType)
	part = protowire.AppendBytes(part, []byte("boot_a"))
	part = appendTag(part, fieldNewPartitionInfo, protowire.BytesType)
	part = protowire.AppendBytes(part, info)
	part = appendTag(part, fieldOperations, protowire.BytesType)
	part = protowire.AppendBytes(part, op)

	var manifest []byte
	manifest = appendTag(manifest, fieldBlockSize, protowire.VarintType)
	manifest = protowire.AppendVarint(manifest, 16)
	manifest = appendTag(manifest, fieldPartitions, protowire.BytesType)
	manifest = protowire.AppendBytes(manifest, part)
	return manifest
}
