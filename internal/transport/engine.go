// Package transport implements the UAVCAN/Serial transport engine of
// spec.md §4.4: the duplex coordinator that owns the byte-stream endpoint,
// runs the background reader, serializes writes, multiplexes concurrent
// transfers onto the link, and routes received frames to per-session input
// queues. Grounded on the teacher's internal/server/server.go (construction
// options, open→closed lifecycle, atomic counters) and
// internal/serial/txwriter.go (write-path plumbing).
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/kstaniek/uavcan-serial/internal/crc32c"
	"github.com/kstaniek/uavcan-serial/internal/endpoint"
	"github.com/kstaniek/uavcan-serial/internal/logging"
	"github.com/kstaniek/uavcan-serial/internal/scheduler"
	"github.com/kstaniek/uavcan-serial/internal/session"
	"github.com/kstaniek/uavcan-serial/internal/streamparser"
	"github.com/kstaniek/uavcan-serial/internal/wire"
)

// Protocol-wide constants exposed per spec.md §6. TransferID arithmetic is
// modulo 2**64 implicitly, by virtue of wrapping uint64 math — there is no
// separate constant to hold that value.
const (
	MaxNodes = 4096

	MinMTU = 1024
	MaxMTU = 1 << 30

	MinServiceTransferMultiplier = 1
	MaxServiceTransferMultiplier = 5

	// readTimeout is installed on the endpoint so the reader goroutine can
	// periodically observe the shutdown flag (spec.md §4.4).
	readTimeout = time.Second

	defaultQueueDepth = 64
	defaultWorkers    = 4
	readChunkSize     = 4096
	// frameOverhead is slack added to the parser's frame limit beyond
	// header+payload+trailer. The parser counts unescaped bytes between
	// delimiters, so neither delimiters nor escape doubling count against it.
	frameOverhead = 2
)

// OOBObserver receives out-of-band byte spans as they're accepted (spec.md
// §4.4). The default observer logs, attempting a UTF-8 decode for
// legibility and falling back to raw bytes.
type OOBObserver func(data []byte, timestamp time.Time)

// Config configures engine construction.
type Config struct {
	LocalNodeID               *wire.NodeID // nil = anonymous operation
	MTU                       int          // [MinMTU, MaxMTU]
	ServiceTransferMultiplier int          // [1, 5]
	Scheduler                 *scheduler.Scheduler
	Logger                    *slog.Logger
	OOBObserver               OOBObserver
	QueueDepth                int // per-session input queue depth; 0 = default
	Workers                   int // write worker-pool size; 0 = default
}

// Engine is the transport engine. It owns endpoint exclusively: Close on the
// engine closes the endpoint too.
type Engine struct {
	endpoint endpoint.Endpoint
	local    *wire.NodeID
	mtu      int
	svcMul   int
	sched    *scheduler.Scheduler
	registry *session.Registry
	parser   *streamparser.Parser
	pool     *writerPool
	logger   *slog.Logger
	oob      OOBObserver
	queueLen int

	// writeMu guards scratch and the endpoint's write side for one frame at
	// a time. It is a plain sync.Mutex: waiters are not ordered by frame
	// priority.
	writeMu sync.Mutex
	scratch []byte

	stats counters

	closeOnce  sync.Once
	closed     atomic.Bool
	readerDone chan struct{}
}

// New constructs an Engine around an already-open endpoint and spawns its
// background reader. The endpoint must already be open; opening it is the
// caller's concern (spec.md §1).
func New(ep endpoint.Endpoint, cfg Config) (*Engine, error) {
	if ep == nil || !ep.IsOpen() {
		return nil, fmt.Errorf("transport: %w: endpoint not open", ErrMediaConfig)
	}
	if cfg.MTU < MinMTU || cfg.MTU > MaxMTU {
		return nil, fmt.Errorf("transport: %w: mtu %d out of [%d, %d]", ErrConfig, cfg.MTU, MinMTU, MaxMTU)
	}
	if cfg.ServiceTransferMultiplier < MinServiceTransferMultiplier || cfg.ServiceTransferMultiplier > MaxServiceTransferMultiplier {
		return nil, fmt.Errorf("transport: %w: service transfer multiplier %d out of [%d, %d]", ErrConfig, cfg.ServiceTransferMultiplier, MinServiceTransferMultiplier, MaxServiceTransferMultiplier)
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("transport: %w: scheduler handle required", ErrConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	oob := cfg.OOBObserver
	if oob == nil {
		oob = defaultOOBObserver(logger)
	}
	queueLen := cfg.QueueDepth
	if queueLen <= 0 {
		queueLen = defaultQueueDepth
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	ep.SetReadTimeout(readTimeout)

	e := &Engine{
		endpoint:   ep,
		local:      cfg.LocalNodeID,
		mtu:        cfg.MTU,
		svcMul:     cfg.ServiceTransferMultiplier,
		sched:      cfg.Scheduler,
		registry:   session.New(),
		parser:     streamparser.New(cfg.MTU + wire.HeaderSize + crc32c.Size + frameOverhead),
		pool:       newWriterPool(workers),
		logger:     logger,
		oob:        oob,
		queueLen:   queueLen,
		scratch:    make([]byte, 0, cfg.MTU),
		readerDone: make(chan struct{}),
	}
	go e.readLoop()
	return e, nil
}

// LocalNodeID returns the engine's configured node id, or nil if it is
// operating anonymously.
func (e *Engine) LocalNodeID() *wire.NodeID { return e.local }

// MTU returns the configured maximum transfer payload size in bytes.
func (e *Engine) MTU() int { return e.mtu }

// GetInputSession idempotently returns the input session for (spec, peer).
func (e *Engine) GetInputSession(spec wire.DataSpecifier, peer *wire.NodeID) *session.InputSession {
	return e.registry.GetInputSession(spec, peer, e.queueLen)
}

// GetOutputSession idempotently returns the output session for (spec, peer),
// wired to the engine's send path. When spec is a Service specifier and the
// configured multiplier N > 1, sends are duplicated N times on the wire,
// preserving the first-transmission timestamp (spec.md §4.4, §9).
func (e *Engine) GetOutputSession(spec wire.DataSpecifier, peer *wire.NodeID) *session.OutputSession {
	send := e.sendTransfer
	if spec.Kind == wire.KindService && e.svcMul > 1 {
		send = e.duplicatingSend(e.svcMul)
	}
	return e.registry.GetOutputSession(spec, peer, send)
}

// SampleStatistics returns a snapshot copy of the engine's counters.
func (e *Engine) SampleStatistics() Statistics { return e.stats.snapshot() }

// Close shuts the engine down: it marks the engine closed, closes every
// session, stops the scheduler and writer pool, and closes the endpoint.
// Idempotent, and safe to call concurrently with a reader-goroutine fatal
// shutdown (see doClose).
func (e *Engine) Close() error {
	err := e.doClose()
	<-e.readerDone
	return err
}

// doClose runs the actual teardown exactly once, whether triggered by a
// caller's Close or by the reader goroutine observing a fatal read error.
// It must not block on readerDone: onReadFatal calls it from goroutine R
// itself, before readLoop's deferred close(e.readerDone) runs.
func (e *Engine) doClose() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		// Drain the scheduler first: it's the only goroutine that mutates
		// the registry, so once it has stopped, CloseAll below can't race
		// a concurrent routeFrame delivery.
		e.sched.Close()
		e.registry.CloseAll()
		e.pool.close()
		err = e.endpoint.Close()
	})
	return err
}

// duplicatingSend wraps base so that every call transmits the same frame
// sequence n times, retaining the first pass's timestamp (spec.md §9).
func (e *Engine) duplicatingSend(n int) session.SendTransferFunc {
	return func(ctx context.Context, frames []wire.Frame, deadline time.Time) (time.Time, bool, error) {
		var first time.Time
		var ok bool
		for i := 0; i < n; i++ {
			ts, success, err := e.sendTransfer(ctx, frames, deadline)
			if err != nil {
				return time.Time{}, false, err
			}
			if success && !ok {
				first, ok = ts, true
			}
		}
		return first, ok, nil
	}
}

func defaultOOBObserver(logger *slog.Logger) OOBObserver {
	return func(data []byte, timestamp time.Time) {
		if isValidUTF8(data) {
			logger.Debug("oob_bytes", "text", string(data), "len", len(data), "timestamp", timestamp)
			return
		}
		logger.Debug("oob_bytes", "raw", fmt.Sprintf("% x", data), "len", len(data), "timestamp", timestamp)
	}
}

func isValidUTF8(p []byte) bool { return utf8.Valid(p) }
