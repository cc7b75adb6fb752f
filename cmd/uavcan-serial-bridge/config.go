package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/uavcan-serial/internal/transport"
	"github.com/kstaniek/uavcan-serial/internal/wire"
)

type appConfig struct {
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	mtu             int
	serviceMultiply int
	nodeID          int // -1 = anonymous
	subjectID       int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", time.Second, "Serial read timeout")
	mtu := flag.Int("mtu", 1024, "Maximum transfer payload size in bytes")
	serviceMultiply := flag.Int("service-transfer-multiplier", 1, "Duplicate outgoing service transfers this many times (1-5)")
	nodeID := flag.Int("node-id", -1, "Local node id (0-4095); -1 for anonymous operation")
	subjectID := flag.Int("demo-subject-id", 0, "Message subject id the demo logs incoming transfers for")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default uavcan-serial-bridge-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.mtu = *mtu
	cfg.serviceMultiply = *serviceMultiply
	cfg.nodeID = *nodeID
	cfg.subjectID = *subjectID
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.mtu < transport.MinMTU || c.mtu > transport.MaxMTU {
		return fmt.Errorf("mtu must be in [%d, %d] (got %d)", transport.MinMTU, transport.MaxMTU, c.mtu)
	}
	if c.serviceMultiply < transport.MinServiceTransferMultiplier || c.serviceMultiply > transport.MaxServiceTransferMultiplier {
		return fmt.Errorf("service-transfer-multiplier must be in [%d, %d] (got %d)", transport.MinServiceTransferMultiplier, transport.MaxServiceTransferMultiplier, c.serviceMultiply)
	}
	if c.nodeID != -1 && (c.nodeID < 0 || c.nodeID > int(wire.MaxNodeID)) {
		return fmt.Errorf("node-id must be -1 or in [0, %d] (got %d)", wire.MaxNodeID, c.nodeID)
	}
	if c.subjectID < 0 || c.subjectID > 0x1FFF {
		return fmt.Errorf("demo-subject-id must be in [0, %d] (got %d)", 0x1FFF, c.subjectID)
	}
	return nil
}

// applyEnvOverrides maps UAVCAN_SERIAL_* environment variables to config
// fields unless a corresponding flag was explicitly set. Boolean & numeric
// parsing is lax: empty values ignored. Duration accepts Go time.ParseDuration
// format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	setInt := func(flagName, env string, dst *int, allowNeg bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(env)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
			return
		}
		if !allowNeg && n < 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: must be >= 0", env)
			}
			return
		}
		*dst = n
	}
	setDuration := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(env)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
			return
		}
		*dst = d
	}

	if _, ok := set["serial"]; !ok {
		if v, ok := get("UAVCAN_SERIAL_DEVICE"); ok && v != "" {
			c.serialDev = v
		}
	}
	setInt("baud", "UAVCAN_SERIAL_BAUD", &c.baud, false)
	setDuration("serial-read-timeout", "UAVCAN_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	setInt("mtu", "UAVCAN_SERIAL_MTU", &c.mtu, false)
	setInt("service-transfer-multiplier", "UAVCAN_SERIAL_SERVICE_MULTIPLIER", &c.serviceMultiply, false)
	setInt("node-id", "UAVCAN_SERIAL_NODE_ID", &c.nodeID, true)
	setInt("demo-subject-id", "UAVCAN_SERIAL_DEMO_SUBJECT_ID", &c.subjectID, false)
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("UAVCAN_SERIAL_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("UAVCAN_SERIAL_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("UAVCAN_SERIAL_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	setDuration("log-metrics-interval", "UAVCAN_SERIAL_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("UAVCAN_SERIAL_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("UAVCAN_SERIAL_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
