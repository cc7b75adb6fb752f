package main

import (
	"log/slog"

	"github.com/kstaniek/uavcan-serial/internal/endpoint"
	"github.com/kstaniek/uavcan-serial/internal/scheduler"
	"github.com/kstaniek/uavcan-serial/internal/transport"
	"github.com/kstaniek/uavcan-serial/internal/wire"
)

const schedulerQueueDepth = 256

// localNodeID converts the configured node id into the optional NodeID the
// engine expects, or nil for anonymous operation.
func (c *appConfig) localNodeID() *wire.NodeID {
	if c.nodeID < 0 {
		return nil
	}
	n := wire.NodeID(c.nodeID)
	return &n
}

// initEngine opens the serial endpoint and constructs the transport engine
// around it. The scheduler it creates is owned by the engine and stopped by
// Engine.Close.
func initEngine(cfg *appConfig, l *slog.Logger) (*transport.Engine, error) {
	ep, err := endpoint.Open(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedulerQueueDepth)
	eng, err := transport.New(ep, transport.Config{
		LocalNodeID:               cfg.localNodeID(),
		MTU:                       cfg.mtu,
		ServiceTransferMultiplier: cfg.serviceMultiply,
		Scheduler:                 sched,
		Logger:                    l,
	})
	if err != nil {
		sched.Close()
		_ = ep.Close()
		return nil, err
	}
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("engine_config", "serial", cfg.serialDev, "baud", cfg.baud, "mtu", cfg.mtu,
		"service_transfer_multiplier", cfg.serviceMultiply, "node_id", cfg.nodeID)
	return eng, nil
}
