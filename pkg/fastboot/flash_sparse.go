package fastboot

import (
	"bytes"
	"context"

	"flashkit/internal/errs"
	"flashkit/pkg/sparse"
)

// FlashImage flashes data to partition, resparsing into multiple
// download/flash pairs when data exceeds maxDownloadSize. Non-sparse
// images that exceed the limit fail with UnsupportedFeatureError unless
// allowRawSplit is set (spec §4.2 "resparse unsupported" policy).
func (e *Engine) FlashImage(ctx context.Context, partition string, data []byte, maxDownloadSize uint64, allowRawSplit bool, listener Listener) error {
	if uint64(len(data)) <= maxDownloadSize {
		return e.Flash(ctx, partition, data, listener)
	}

	img, err := sparse.Parse(bytes.NewReader(data))
	if err != nil {
		if !allowRawSplit {
			return errs.New(component, errs.KindUnsupported, "resparse unsupported: image is not a valid Sparse file and raw-splitting is not enabled")
		}
		return e.flashRawSplit(ctx, partition, data, maxDownloadSize, listener)
	}

	subs, err := sparse.Split(img, int64(maxDownloadSize))
	if err != nil {
		return err
	}

	encoded := make([][]byte, len(subs))
	var totalBytes int64
	for i, sub := range subs {
		var buf bytes.Buffer
		if err := sparse.Encode(&buf, sub); err != nil {
			return err
		}
		encoded[i] = buf.Bytes()
		totalBytes += int64(len(encoded[i]))
	}

	var totalSent int64
	for _, piece := range encoded {
		sentSoFar := totalSent
		wrapped := func(p Progress) {
			if listener != nil {
				listener(Progress{
					BytesSent:   sentSoFar + p.BytesSent,
					TotalBytes:  totalBytes,
					BytesPerSec: p.BytesPerSec,
				})
			}
		}
		if err := e.Flash(ctx, partition, piece, wrapped); err != nil {
			return err
		}
		totalSent += int64(len(piece))
	}
	return nil
}

// flashRawSplit flashes a plain (non-sparse) image in maxDownloadSize
// pieces when the caller opted into raw-splitting. Device-side
// reassembly for raw splits is out of scope for this engine: each
// piece targets the same partition and device firmware is assumed to
// append, matching the few vendors that support this policy.
func (e *Engine) flashRawSplit(ctx context.Context, partition string, data []byte, maxDownloadSize uint64, listener Listener) error {
	total := int64(len(data))
	var sent int64
	chunk := int64(maxDownloadSize)
	for off := int64(0); off < total; off += chunk {
		end := off + chunk
		if end > total {
			end = total
		}
		base := sent
		wrapped := func(p Progress) {
			if listener != nil {
				listener(Progress{BytesSent: base + p.BytesSent, TotalBytes: total, BytesPerSec: p.BytesPerSec})
			}
		}
		if err := e.Flash(ctx, partition, data[off:end], wrapped); err != nil {
			return err
		}
		sent += end - off
	}
	return nil
}
