package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/uavcan-serial/internal/metrics"
	"github.com/kstaniek/uavcan-serial/internal/wire"
)

// Helper implementations moved to dedicated files: version.go, config.go, logger.go, engine_init.go, metrics_logger.go, mdns.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("uavcan-serial-bridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	eng, err := initEngine(cfg, l)
	if err != nil {
		l.Error("engine_init_error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	spec, err := wire.NewMessageDataSpecifier(uint16(cfg.subjectID))
	if err != nil {
		l.Error("demo_subject_error", "error", err)
	} else {
		in := eng.GetInputSession(spec, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logReceivedTransfers(ctx, l, in)
		}()
	}

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		if cfg.metricsAddr == "" {
			l.Warn("mdns_skipped", "reason", "no metrics-addr to advertise")
			return
		}
		_, portStr, splitErr := net.SplitHostPort(cfg.metricsAddr)
		if splitErr != nil {
			lastColon := strings.LastIndex(cfg.metricsAddr, ":")
			if lastColon >= 0 {
				portStr = cfg.metricsAddr[lastColon+1:]
			}
		}
		port, _ := strconv.Atoi(portStr)
		cleanupMDNS, mdnsErr := startMDNS(ctx, cfg, port)
		if mdnsErr != nil {
			l.Warn("mdns_start_failed", "error", mdnsErr)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if err := eng.Close(); err != nil {
		l.Warn("engine_close_error", "error", err)
	}
	wg.Wait()
}
