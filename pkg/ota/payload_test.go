package ota

import (
	"encoding/binary"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeaderV2(t *testing.T) {
	buf := make([]byte, 24)
	copy(buf[0:4], payloadMagic)
	binary.BigEndian.PutUint64(buf[4:12], 2)
	binary.BigEndian.PutUint64(buf[12:20], 1234)
	binary.BigEndian.PutUint32(buf[20:24], 256)

	h, err := ParseHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Version)
	assert.Equal(t, uint64(1234), h.ManifestLen)
	assert.Equal(t, uint32(256), h.MetadataSigLen)
	assert.Equal(t, int64(24), h.HeaderLen())
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 24)
	copy(buf[0:4], "XXXX")
	_, err := ParseHeader(buf)
	assert.Error(t, err)
}

// appendTag, together with protowire's append helpers, builds a minimal
// hand-rolled protobuf message for manifest parsing tests, mirroring
// the field numbers ParseManifest understands.
func appendTag(buf []byte, num protowire.Number, typ protowire.Type) []byte {
	return protowire.AppendTag(buf, num, typ)
}

func TestParseManifestExtractsPartitionAndOperations(t *testing.T) {
	var extent []byte
	extent = appendTag(extent, fieldExtentStartBlock, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 10)
	extent = appendTag(extent, fieldExtentNumBlocks, protowire.VarintType)
	extent = protowire.AppendVarint(extent, 2)

	var op []byte
	op = appendTag(op, fieldOpType, protowire.VarintType)
	op = protowire.AppendVarint(op, uint64(OpReplace))
	op = appendTag(op, fieldOpDataOffset, protowire.VarintType)
	op = protowire.AppendVarint(op, 0)
	op = appendTag(op, fieldOpDataLength, protowire.VarintType)
	op = protowire.AppendVarint(op, 8192)
	op = appendTag(op, fieldOpDstExtents, protowire.BytesType)
	op = protowire.AppendBytes(op, extent)

	var info []byte
	info = appendTag(info, fieldInfoSize, protowire.VarintType)
	info = protowire.AppendVarint(info, 8192)

	var part []byte
	part = appendTag(part, fieldPartitionName, protowire.BytesType)
	part = protowire.AppendBytes(part, []byte("boot"))
	part = appendTag(part, fieldNewPartitionInfo, protowire.BytesType)
	part = protowire.AppendBytes(part, info)
	part = appendTag(part, fieldOperations, protowire.BytesType)
	part = protowire.AppendBytes(part, op)

	var manifest []byte
	manifest = appendTag(manifest, fieldBlockSize, protowire.VarintType)
	manifest = protowire.AppendVarint(manifest, 4096)
	manifest = appendTag(manifest, fieldPartitions, protowire.BytesType)
	manifest = protowire.AppendBytes(manifest, part)

	m, err := ParseManifest(manifest)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), m.BlockSize)
	require.Len(t, m.Partitions, 1)

	p := m.Partitions[0]
	assert.Equal(t, "boot", p.Name)
	assert.Equal(t, uint64(8192), p.NewPartitionSize)
	require.Len(t, p.Operations, 1)
	assert.Equal(t, OpReplace, p.Operations[0].Type)
	assert.Equal(t, uint64(8192), p.Operations[0].DataLength)
	require.Len(t, p.Operations[0].DstExtents, 1)
	assert.Equal(t, uint64(10), p.Operations[0].DstExtents[0].StartBlock)
}
