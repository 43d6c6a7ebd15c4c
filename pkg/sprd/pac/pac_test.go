package pac

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utf16leBytes(s string, size int) []byte {
	buf := make([]byte, size)
	units := utf16.Encode([]rune(s))
	for i, u := range units {
		if i*2+2 > size {
			break
		}
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

// buildPac assembles a minimal single-file .pac fixture for round-trip
// testing: fixed header, one file-table entry, and one gzip-compressed
// file body appended after the table.
func buildPac(t *testing.T) []byte {
	t.Helper()

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte("fdl1-payload-bytes"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	body := gz.Bytes()

	fileTableOff := uint32(headerSize)
	bodyOff := fileTableOff + fileEntrySize

	entry := make([]byte, fileEntrySize)
	copy(entry[0:512], utf16leBytes("fdl1.bin", 512))
	binary.LittleEndian.PutUint32(entry[512:516], bodyOff)
	binary.LittleEndian.PutUint32(entry[516:520], uint32(len(body)))
	binary.LittleEndian.PutUint32(entry[520:524], 18)
	binary.LittleEndian.PutUint32(entry[524:528], 0x40000000)
	copy(entry[528:1040], utf16leBytes("fdl1", 512))
	binary.LittleEndian.PutUint32(entry[1040:1044], 1)

	hdr := make([]byte, headerSize)
	copy(hdr[0:512], utf16leBytes("TestProduct", 512))
	copy(hdr[512:1024], utf16leBytes("TestFirmware", 512))
	copy(hdr[1024:1536], utf16leBytes("1.0", 512))
	binary.LittleEndian.PutUint32(hdr[1536:1540], 1)
	binary.LittleEndian.PutUint32(hdr[1540:1544], fileTableOff)
	binary.LittleEndian.PutUint32(hdr[1544:1548], uint32(bodyOff)+uint32(len(body)))

	raw := append(append(hdr, entry...), body...)
	return raw
}

func TestParseHeaderAndFileTable(t *testing.T) {
	raw := buildPac(t)
	pkg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "TestProduct", pkg.Header.Product)
	require.Len(t, pkg.Files, 1)
	assert.Equal(t, "fdl1.bin", pkg.Files[0].Name)
	assert.Equal(t, "fdl1", pkg.Files[0].Partition)
}

func TestFileDataUngzips(t *testing.T) {
	raw := buildPac(t)
	pkg, err := Parse(raw)
	require.NoError(t, err)

	f, ok := pkg.FindByPartition("fdl1")
	require.True(t, ok)

	data, err := pkg.FileData(f)
	require.NoError(t, err)
	assert.Equal(t, "fdl1-payload-bytes", string(data))
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	assert.Error(t, err)
}
