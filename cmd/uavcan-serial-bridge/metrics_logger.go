package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/uavcan-serial/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"in_bytes", snap.InBytes,
					"in_frames", snap.InFrames,
					"in_oob_bytes", snap.InOutOfBandBytes,
					"out_bytes", snap.OutBytes,
					"out_frames", snap.OutFrames,
					"out_transfers", snap.OutTransfers,
					"out_incomplete", snap.OutIncomplete,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
