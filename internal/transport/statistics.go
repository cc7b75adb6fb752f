package transport

import "sync/atomic"

// Statistics is a snapshot copy of the engine's monotonically non-decreasing
// counters (spec.md §3).
type Statistics struct {
	InBytes          uint64
	InFrames         uint64
	InOutOfBandBytes uint64
	OutBytes         uint64
	OutFrames        uint64
	OutTransfers     uint64
	OutIncomplete    uint64
}

// counters holds the live atomic fields backing Statistics.
type counters struct {
	inBytes          atomic.Uint64
	inFrames         atomic.Uint64
	inOutOfBandBytes atomic.Uint64
	outBytes         atomic.Uint64
	outFrames        atomic.Uint64
	outTransfers     atomic.Uint64
	outIncomplete    atomic.Uint64
}

func (c *counters) snapshot() Statistics {
	return Statistics{
		InBytes:          c.inBytes.Load(),
		InFrames:         c.inFrames.Load(),
		InOutOfBandBytes: c.inOutOfBandBytes.Load(),
		OutBytes:         c.outBytes.Load(),
		OutFrames:        c.outFrames.Load(),
		OutTransfers:     c.outTransfers.Load(),
		OutIncomplete:    c.outIncomplete.Load(),
	}
}
