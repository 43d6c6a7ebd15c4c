package fastboot

import "time"

// Progress is one progress sample: cumulative bytes sent, the total
// expected, and the instantaneous throughput over the current sliding
// window (spec §4.2 progress accounting).
type Progress struct {
	BytesSent  int64
	TotalBytes int64
	BytesPerSec float64
}

// Listener receives synchronous progress callbacks. Implementations
// must not block (spec §5 shared-resource policy).
type Listener func(Progress)

// minWindow is the minimum sliding-window duration before throughput is
// considered stable; below it the initial rolling average is reported.
const minWindow = 200 * time.Millisecond

// reportEvery is the byte interval at which progress is reported during
// a long transfer, in addition to the forced report at its end.
const reportEvery = 256 * 1024

// ThroughputMeter accumulates sent-byte samples and computes a
// sliding-window throughput, emitting to a Listener at most every
// reportEvery bytes and once more when a forced report is requested.
type ThroughputMeter struct {
	total     int64
	listener  Listener
	windowAt  time.Time
	windowBytes int64
	lastReport int64
	startAt   time.Time
	startBytes int64
}

func NewThroughputMeter(total int64, listener Listener) *ThroughputMeter {
	now := time.Now()
	return &ThroughputMeter{total: total, listener: listener, windowAt: now, startAt: now}
}

// Advance records n more bytes sent and reports progress if a report
// boundary was crossed (256 KiB since the last report) or forceReport
// is set (Engine.download sets it on the last sub-block of each
// download, so every download ends with a report).
func (m *ThroughputMeter) Advance(sent int64, forceReport bool) {
	m.windowBytes += sent
	m.startBytes += sent

	if !forceReport && m.startBytes-m.lastReport < reportEvery {
		return
	}
	m.lastReport = m.startBytes

	now := time.Now()
	elapsed := now.Sub(m.windowAt)
	var bps float64
	if elapsed >= minWindow {
		bps = float64(m.windowBytes) / elapsed.Seconds()
		m.windowAt = now
		m.windowBytes = 0
	} else {
		// Below the sliding window: report the rolling average since
		// the start of the transfer instead of a noisy instantaneous
		// rate (spec §4.2).
		total := now.Sub(m.startAt).Seconds()
		if total > 0 {
			bps = float64(m.startBytes) / total
		}
	}

	if m.listener != nil {
		m.listener(Progress{BytesSent: m.startBytes, TotalBytes: m.total, BytesPerSec: bps})
	}
}
