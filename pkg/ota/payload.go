package ota

import (
	"bytes"
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"

	"flashkit/internal/errs"
)

var payloadMagic = []byte("CrAU")

// Header is the fixed CrAU header preceding the manifest (spec §4.7
// "CrAU header parse").
type Header struct {
	Version        uint64
	ManifestLen    uint64
	MetadataSigLen uint32 // v2 only; zero on v1
}

// HeaderLen returns the on-disk header length: 24 bytes for v2
// (includes the 4-byte metadata signature length), 20 for v1.
func (h Header) HeaderLen() int64 {
	if h.Version >= 2 {
		return 24
	}
	return 20
}

// ParseHeader reads and validates the fixed CrAU header from the
// payload's first bytes.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < 20 || !bytes.Equal(buf[0:4], payloadMagic) {
		return Header{}, errs.New(component, errs.KindFormat, "payload.bin magic mismatch")
	}
	version := binary.BigEndian.Uint64(buf[4:12])
	manifestLen := binary.BigEndian.Uint64(buf[12:20])
	if manifestLen == 0 {
		return Header{}, errs.New(component, errs.KindFormat, "manifest length is zero")
	}
	h := Header{Version: version, ManifestLen: manifestLen}
	if version >= 2 {
		if len(buf) < 24 {
			return Header{}, errs.New(component, errs.KindFormat, "truncated v2 header")
		}
		h.MetadataSigLen = binary.BigEndian.Uint32(buf[20:24])
	}
	return h, nil
}

// Extent is one {start_block, num_blocks} destination range.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// OperationType mirrors InstallOperation.Type from update_metadata.proto.
type OperationType uint32

const (
	OpReplace   OperationType = 0
	OpReplaceBZ OperationType = 1
	OpZero      OperationType = 6
	OpReplaceXZ OperationType = 8
)

// Operation is one install operation against a partition.
type Operation struct {
	Type       OperationType
	DataOffset uint64
	DataLength uint64
	DstExtents []Extent
}

// Partition is one manifest partition entry: its block-size-relative
// layout plus the ordered operations that reconstruct it.
type Partition struct {
	Name             string
	NewPartitionSize uint64
	NewPartitionHash []byte
	Operations       []Operation
}

// Manifest is the subset of DeltaArchiveManifest this extractor needs:
// block size and the partition/operation list (spec §4.7 "protobuf
// manifest field scan").
type Manifest struct {
	BlockSize  uint32
	Partitions []Partition
}

// Manifest field numbers (update_metadata.proto DeltaArchiveManifest).
const (
	fieldBlockSize  = 3
	fieldPartitions = 13
)

// PartitionUpdate field numbers.
const (
	fieldPartitionName     = 1
	fieldNewPartitionInfo  = 7
	fieldOperations        = 8
)

// PartitionInfo field numbers.
const (
	fieldInfoSize = 1
	fieldInfoHash = 2
)

// InstallOperation field numbers.
const (
	fieldOpType       = 1
	fieldOpDataOffset = 2
	fieldOpDataLength = 3
	fieldOpDstExtents = 6
)

// Extent field numbers.
const (
	fieldExtentStartBlock = 1
	fieldExtentNumBlocks  = 2
)

// ParseManifest manually scans the manifest's wire-format field tags
// rather than unmarshaling into generated structs, since only a small,
// stable subset of DeltaArchiveManifest is needed (spec §4.7).
func ParseManifest(buf []byte) (Manifest, error) {
	var m Manifest
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return m, errs.New(component, errs.KindFormat, "malformed manifest tag")
		}
		buf = buf[n:]

		switch {
		case num == fieldBlockSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return m, errs.New(component, errs.KindFormat, "malformed block_size field")
			}
			m.BlockSize = uint32(v)
			buf = buf[n:]
		case num == fieldPartitions && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return m, errs.New(component, errs.KindFormat, "malformed partitions field")
			}
			p, err := parsePartition(v)
			if err != nil {
				return m, err
			}
			m.Partitions = append(m.Partitions, p)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return m, errs.New(component, errs.KindFormat, "malformed manifest field")
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func parsePartition(buf []byte) (Partition, error) {
	var p Partition
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return p, errs.New(component, errs.KindFormat, "malformed partition tag")
		}
		buf = buf[n:]

		switch {
		case num == fieldPartitionName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errs.New(component, errs.KindFormat, "malformed partition_name field")
			}
			p.Name = string(v)
			buf = buf[n:]
		case num == fieldNewPartitionInfo && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errs.New(component, errs.KindFormat, "malformed new_partition_info field")
			}
			size, hash, err := parsePartitionInfo(v)
			if err != nil {
				return p, err
			}
			p.NewPartitionSize = size
			p.NewPartitionHash = hash
			buf = buf[n:]
		case num == fieldOperations && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errs.New(component, errs.KindFormat, "malformed operations field")
			}
			op, err := parseOperation(v)
			if err != nil {
				return p, err
			}
			p.Operations = append(p.Operations, op)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return p, errs.New(component, errs.KindFormat, "malformed partition field")
			}
			buf = buf[n:]
		}
	}
	return p, nil
}

func parsePartitionInfo(buf []byte) (size uint64, hash []byte, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return 0, nil, errs.New(component, errs.KindFormat, "malformed partition_info tag")
		}
		buf = buf[n:]
		switch {
		case num == fieldInfoSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, nil, errs.New(component, errs.KindFormat, "malformed partition_info size")
			}
			size = v
			buf = buf[n:]
		case num == fieldInfoHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return 0, nil, errs.New(component, errs.KindFormat, "malformed partition_info hash")
			}
			hash = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return 0, nil, errs.New(component, errs.KindFormat, "malformed partition_info field")
			}
			buf = buf[n:]
		}
	}
	return size, hash, nil
}

func parseOperation(buf []byte) (Operation, error) {
	var op Operation
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return op, errs.New(component, errs.KindFormat, "malformed operation tag")
		}
		buf = buf[n:]
		switch {
		case num == fieldOpType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errs.New(component, errs.KindFormat, "malformed operation type")
			}
			op.Type = OperationType(v)
			buf = buf[n:]
		case num == fieldOpDataOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errs.New(component, errs.KindFormat, "malformed data_offset")
			}
			op.DataOffset = v
			buf = buf[n:]
		case num == fieldOpDataLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errs.New(component, errs.KindFormat, "malformed data_length")
			}
			op.DataLength = v
			buf = buf[n:]
		case num == fieldOpDstExtents && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return op, errs.New(component, errs.KindFormat, "malformed dst_extents")
			}
			ext, err := parseExtent(v)
			if err != nil {
				return op, err
			}
			op.DstExtents = append(op.DstExtents, ext)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return op, errs.New(component, errs.KindFormat, "malformed operation field")
			}
			buf = buf[n:]
		}
	}
	return op, nil
}

func parseExtent(buf []byte) (Extent, error) {
	var e Extent
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return e, errs.New(component, errs.KindFormat, "malformed extent tag")
		}
		buf = buf[n:]
		switch {
		case num == fieldExtentStartBlock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, errs.New(component, errs.KindFormat, "malformed start_block")
			}
			e.StartBlock = v
			buf = buf[n:]
		case num == fieldExtentNumBlocks && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return e, errs.New(component, errs.KindFormat, "malformed num_blocks")
			}
			e.NumBlocks = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return e, errs.New(component, errs.KindFormat, "malformed extent field")
			}
			buf = buf[n:]
		}
	}
	return e, nil
}
