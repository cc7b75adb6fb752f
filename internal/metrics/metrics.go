// Package metrics exposes the transport's statistics (spec.md §3) as
// Prometheus counters, plus a cheap local-mirror snapshot for logging
// without scraping. Adapted from the teacher's internal/metrics/metrics.go:
// same promauto-counter-plus-atomic-mirror shape, retargeted from
// CAN/TCP/hub counters to the transport's in_*/out_* statistics.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/uavcan-serial/internal/logging"
)

var (
	InBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_in_bytes_total",
		Help: "Total bytes read from the link.",
	})
	InFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_in_frames_total",
		Help: "Total frames successfully decoded from the link.",
	})
	InOutOfBandBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_in_oob_bytes_total",
		Help: "Total bytes surfaced as out-of-band (non-frame) spans.",
	})
	OutBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_out_bytes_total",
		Help: "Total bytes written to the link.",
	})
	OutFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_out_frames_total",
		Help: "Total frames successfully written to the link.",
	})
	OutTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_out_transfers_total",
		Help: "Total outgoing transfers completed successfully.",
	})
	OutIncomplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uavcan_serial_out_incomplete_total",
		Help: "Total outgoing transfers aborted by a write timeout or short write.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uavcan_serial_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "uavcan_serial_build_info",
		Help: "Build metadata, value is always 1.",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// InitBuildInfo records the running binary's version metadata as a
// Prometheus gauge labeled with the values themselves, the usual
// build-info-gauge pattern.
func InitBuildInfo(version, commit, date string) {
	buildInfo.WithLabelValues(version, commit, date).Set(1)
}

const (
	ErrReaderFatal = "reader_fatal"
	ErrWrite       = "write"
	ErrMediaConfig = "media_config"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap periodic logging without scraping.
var (
	localInBytes       uint64
	localInFrames      uint64
	localInOOBBytes    uint64
	localOutBytes      uint64
	localOutFrames     uint64
	localOutTransfers  uint64
	localOutIncomplete uint64
	localErrors        uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	InBytes          uint64
	InFrames         uint64
	InOutOfBandBytes uint64
	OutBytes         uint64
	OutFrames        uint64
	OutTransfers     uint64
	OutIncomplete    uint64
	Errors           uint64
}

// Snap returns the current local-mirror snapshot.
func Snap() Snapshot {
	return Snapshot{
		InBytes:          atomic.LoadUint64(&localInBytes),
		InFrames:         atomic.LoadUint64(&localInFrames),
		InOutOfBandBytes: atomic.LoadUint64(&localInOOBBytes),
		OutBytes:         atomic.LoadUint64(&localOutBytes),
		OutFrames:        atomic.LoadUint64(&localOutFrames),
		OutTransfers:     atomic.LoadUint64(&localOutTransfers),
		OutIncomplete:    atomic.LoadUint64(&localOutIncomplete),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func AddInBytes(n int) {
	InBytes.Add(float64(n))
	atomic.AddUint64(&localInBytes, uint64(n))
}

func IncInFrames() {
	InFrames.Inc()
	atomic.AddUint64(&localInFrames, 1)
}

func AddInOutOfBandBytes(n int) {
	InOutOfBandBytes.Add(float64(n))
	atomic.AddUint64(&localInOOBBytes, uint64(n))
}

func AddOutBytes(n int) {
	OutBytes.Add(float64(n))
	atomic.AddUint64(&localOutBytes, uint64(n))
}

func IncOutFrames() {
	OutFrames.Inc()
	atomic.AddUint64(&localOutFrames, 1)
}

func IncOutTransfers() {
	OutTransfers.Inc()
	atomic.AddUint64(&localOutTransfers, 1)
}

func IncOutIncomplete() {
	OutIncomplete.Inc()
	atomic.AddUint64(&localOutIncomplete, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
