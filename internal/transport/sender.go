package transport

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/uavcan-serial/internal/endpoint"
	"github.com/kstaniek/uavcan-serial/internal/metrics"
	"github.com/kstaniek/uavcan-serial/internal/wire"
)

// scratchFactor is the worst-case byte-stuffed expansion heuristic: every
// payload byte can double (escape-doubled) plus the fixed header/trailer/
// delimiter overhead, so 3x payload length comfortably avoids a realloc on
// the common case.
const scratchFactor = 3

// maxWriteTimeout is the write timeout used for a send with no explicit
// deadline: long enough not to matter in practice, short enough that a
// wedged link still eventually surfaces a timeout instead of hanging forever.
const maxWriteTimeout = 30 * time.Second

// sendTransfer is the engine's single write path (spec.md §4.4): for each
// frame in order it acquires the cooperative write-lock, encodes into the
// shared scratch buffer, and submits the write, releasing the lock before
// moving to the next frame — per spec.md §5, the lock is released between
// frames of a transfer so a higher-priority frame can interleave rather than
// being held hostage behind one large transfer. It aborts the remainder if
// the deadline passes partway through.
func (e *Engine) sendTransfer(ctx context.Context, frames []wire.Frame, deadline time.Time) (time.Time, bool, error) {
	if e.closed.Load() {
		return time.Time{}, false, ErrClosed
	}
	if len(frames) == 0 {
		return time.Time{}, false, nil
	}

	var first time.Time
	for i, f := range frames {
		budget := maxWriteTimeout
		if !deadline.IsZero() {
			budget = time.Until(deadline)
			if budget <= 0 {
				e.onOutgoingIncomplete()
				return time.Time{}, false, nil
			}
		}
		select {
		case <-ctx.Done():
			e.onOutgoingIncomplete()
			return time.Time{}, false, nil
		default:
		}

		n, err := e.sendFrame(f, budget)
		if err != nil {
			return time.Time{}, false, err
		}
		if n < 0 {
			e.onOutgoingIncomplete()
			return time.Time{}, false, nil
		}

		e.stats.outBytes.Add(uint64(n))
		e.stats.outFrames.Add(1)
		metrics.AddOutBytes(n)
		metrics.IncOutFrames()
		if i == 0 {
			first = time.Now()
		}
	}

	e.stats.outTransfers.Add(1)
	metrics.IncOutTransfers()
	return first, true, nil
}

// sendFrame encodes and writes a single frame while holding the write lock
// only for the duration of that one frame, setting the endpoint's write
// timeout to the remaining deadline budget beforehand (spec.md §4.4). It
// returns the byte count written and a nil error on success, or n == -1
// (no error) for a transient short write/timeout that the caller reports as
// an incomplete transfer — per spec.md §4.4/§7, a write timeout or short
// write is never raised to the caller, only a closed or otherwise fatal
// endpoint error is.
func (e *Engine) sendFrame(f wire.Frame, budget time.Duration) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return 0, ErrClosed
	}

	need := len(f.Payload)*scratchFactor + wire.HeaderSize + 8
	if cap(e.scratch) < need {
		e.scratch = make([]byte, 0, need)
	}
	buf, err := wire.AppendFramed(e.scratch[:0], f)
	if err != nil {
		return 0, err
	}

	e.endpoint.SetWriteTimeout(budget)
	n, err := e.pool.submit(e.endpoint, buf)
	if err != nil {
		if e.closed.Load() {
			return 0, ErrClosed
		}
		if errors.Is(err, endpoint.ErrWriteTimeout) {
			return -1, nil
		}
		metrics.IncError(metrics.ErrWrite)
		return 0, err
	}
	if n < len(buf) {
		return -1, nil
	}
	return n, nil
}

func (e *Engine) onOutgoingIncomplete() {
	e.stats.outIncomplete.Add(1)
	metrics.IncOutIncomplete()
}
