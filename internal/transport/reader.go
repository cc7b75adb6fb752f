package transport

import (
	"time"

	"github.com/kstaniek/uavcan-serial/internal/metrics"
	"github.com/kstaniek/uavcan-serial/internal/session"
	"github.com/kstaniek/uavcan-serial/internal/streamparser"
	"github.com/kstaniek/uavcan-serial/internal/wire"
)

// readLoop is goroutine R of spec.md §5: the sole caller of endpoint.Read.
// It owns no locks; every effect it has on shared state is posted as a
// closure to the scheduler, so routing and counters are only ever touched
// from goroutine S.
func (e *Engine) readLoop() {
	defer close(e.readerDone)
	for {
		chunk, err := e.endpoint.Read(readChunkSize)
		if err != nil {
			e.onReadFatal(err)
			return
		}
		if len(chunk) == 0 {
			// Read timeout: no bytes, no error. Loop so the goroutine can
			// notice Close between reads.
			if e.closed.Load() {
				return
			}
			continue
		}
		now := time.Now()
		// Copy out of the endpoint's scratch buffer before handing off:
		// the next Read call is free to reuse it.
		owned := append([]byte(nil), chunk...)
		n := len(owned)
		e.parser.Feed(owned, now, func(item streamparser.Item) {
			e.handleParsedItem(item)
		})
		e.postOrDrop(func() {
			e.stats.inBytes.Add(uint64(n))
			metrics.AddInBytes(n)
		})
	}
}

// handleParsedItem runs on goroutine R (it's the streamparser's sink
// callback, invoked synchronously from Feed) but only ever posts closures
// onward to goroutine S — it never touches the registry or counters
// directly. Frame.Payload and Item.OOB alias the parser's own scratch
// buffers (parser.go's p.inside/p.oob), which Feed reuses and truncates as
// soon as this callback returns, so both must be copied here before the
// closure captures them for later, asynchronous use on S (the Sink doc
// comment in parser.go).
func (e *Engine) handleParsedItem(item streamparser.Item) {
	switch {
	case item.Frame != nil:
		f := *item.Frame
		f.Payload = append([]byte(nil), f.Payload...)
		e.postOrDrop(func() { e.routeFrame(f) })
	case item.OOB != nil:
		oob := append([]byte(nil), item.OOB...)
		e.postOrDrop(func() {
			e.stats.inOutOfBandBytes.Add(uint64(len(oob)))
			metrics.AddInOutOfBandBytes(len(oob))
			e.oob(oob, item.Timestamp)
		})
	}
}

// routeFrame runs on goroutine S. A frame is accepted iff its destination is
// either the engine's own local node id or absent (broadcast) — anything
// addressed to a different node id is silently dropped, uncounted, per
// spec.md §4.4's routing rule. An accepted frame is then looked up by every
// interested input session (exact-source plus the anonymous wildcard) and
// delivered to each, counting the frame once regardless of how many sessions
// matched or whether any did (in_frames tracks accepted decodes reaching the
// router, not successful deliveries).
func (e *Engine) routeFrame(f wire.Frame) {
	if !e.accepts(f.Destination) {
		return
	}
	e.stats.inFrames.Add(1)
	metrics.IncInFrames()
	for _, s := range e.registry.Lookup(f.DataSpecifier, f.Source) {
		s.Deliver(session.ReceivedFrame{Frame: f, Timestamp: f.Timestamp})
	}
}

// accepts reports whether a frame addressed to dest should be accepted by
// this engine: dest must be absent (broadcast) or equal to the local node id.
func (e *Engine) accepts(dest *wire.NodeID) bool {
	if dest == nil {
		return true
	}
	return e.local != nil && *dest == *e.local
}

// postOrDrop posts fn to the scheduler, silently discarding it if the
// scheduler has already been closed out from under the reader (shutdown
// race, not an error worth logging).
func (e *Engine) postOrDrop(fn func()) {
	if err := e.sched.Post(fn); err != nil {
		e.logger.Debug("post_after_close", "error", err)
	}
}

// onReadFatal marks the engine closed and tears down the endpoint after a
// non-timeout read error (spec.md §7: reader errors are fatal to the whole
// engine, not just the in-flight read).
func (e *Engine) onReadFatal(err error) {
	e.logger.Error("reader_fatal", "error", err)
	metrics.IncError(metrics.ErrReaderFatal)
	e.doClose()
}
