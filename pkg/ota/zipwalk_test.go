package ota

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashkit/internal/transport"
)

// buildZip assembles a minimal single-entry, stored (uncompressed) ZIP
// archive containing one entry called name, for exercising FindEntry
// without a real archive.
func buildZip(t *testing.T, name string, content []byte) []byte {
	t.Helper()

	localHdr := make([]byte, 30)
	binary.LittleEndian.PutUint32(localHdr[0:4], sigLocalHeader)
	binary.LittleEndian.PutUint16(localHdr[8:10], 0) // method: stored
	binary.LittleEndian.PutUint32(localHdr[18:22], uint32(len(content)))
	binary.LittleEndian.PutUint32(localHdr[22:26], uint32(len(content)))
	binary.LittleEndian.PutUint16(localHdr[26:28], uint16(len(name)))

	localOff := 0
	buf := append(localHdr, []byte(name)...)
	buf = append(buf, content...)

	cdStart := len(buf)
	cd := make([]byte, 46)
	binary.LittleEndian.PutUint32(cd[0:4], sigCentralDir)
	binary.LittleEndian.PutUint16(cd[10:12], 0)
	binary.LittleEndian.PutUint32(cd[20:24], uint32(len(content)))
	binary.LittleEndian.PutUint32(cd[24:28], uint32(len(content)))
	binary.LittleEndian.PutUint16(cd[28:30], uint16(len(name)))
	binary.LittleEndian.PutUint32(cd[42:46], uint32(localOff))
	buf = append(buf, cd...)
	buf = append(buf, []byte(name)...)
	cdSize := len(buf) - cdStart

	eocd := make([]byte, 22)
	binary.LittleEndian.PutUint32(eocd[0:4], sigEOCD)
	binary.LittleEndian.PutUint16(eocd[10:12], 1)
	binary.LittleEndian.PutUint32(eocd[12:16], uint32(cdSize))
	binary.LittleEndian.PutUint32(eocd[16:20], uint32(cdStart))
	buf = append(buf, eocd...)

	return buf
}

func TestFindEntryLocatesStoredPayload(t *testing.T) {
	content := []byte("fake CrAU payload bytes")
	archive := buildZip(t, "payload.bin", content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(archive)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil || end >= len(archive) {
			end = len(archive) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(archive)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(archive[start : end+1])
	}))
	defer srv.Close()

	r := transport.NewHttpRange(srv.URL, "test-agent")
	entry, dataOff, err := FindEntry(context.Background(), r, "payload.bin")
	require.NoError(t, err)
	assert.Equal(t, "payload.bin", entry.Name)
	assert.Equal(t, uint64(len(content)), entry.UncompressedSize)

	got, err := r.FetchRange(context.Background(), int64(dataOff), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
