package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	busBuffer       int
	busPolicy       string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	serialEnable    bool
	serialDev       string
	serialBaud      int
	serialReadTO    time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":20000", "TCP listen address for the bus segment")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	busBuf := flag.Int("bus-buffer", 256, "Per-peer bus outbound buffer (segments)")
	busPolicy := flag.String("bus-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log a metrics snapshot")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the listening segment")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default busd-<hostname>)")
	serialEnable := flag.Bool("serial-enable", false, "Bridge a serial port onto the bus as an additional peer")
	serialDev := flag.String("serial-dev", "/dev/ttyUSB0", "Serial device path (when --serial-enable)")
	serialBaud := flag.Int("serial-baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 200*time.Millisecond, "Serial read poll timeout")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.busBuffer = *busBuf
	cfg.busPolicy = *busPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.serialEnable = *serialEnable
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.serialReadTO = *serialReadTO

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

// validate performs semantic validation only; it never touches a socket or device.
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
	switch c.busPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid bus-policy: %s", c.busPolicy)
	}
	if c.busBuffer <= 0 {
		return fmt.Errorf("bus-buffer must be > 0 (got %d)", c.busBuffer)
	}
	if c.serialEnable {
		if c.serialBaud <= 0 {
			return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	}
	return nil
}

// applyEnvOverrides maps BUSD_* environment variables onto cfg, for any
// flag not explicitly set on the command line (flag always wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("BUSD_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("BUSD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("BUSD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("BUSD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["bus-buffer"]; !ok {
		if v, ok := get("BUSD_BUS_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.busBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BUSD_BUS_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["bus-policy"]; !ok {
		if v, ok := get("BUSD_BUS_POLICY"); ok && v != "" {
			c.busPolicy = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("BUSD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BUSD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("BUSD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("BUSD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["serial-enable"]; !ok {
		if v, ok := get("BUSD_SERIAL_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.serialEnable = true
			case "0", "false", "no", "off":
				c.serialEnable = false
			}
		}
	}
	if _, ok := set["serial-dev"]; !ok {
		if v, ok := get("BUSD_SERIAL_DEV"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["serial-baud"]; !ok {
		if v, ok := get("BUSD_SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BUSD_SERIAL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("BUSD_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BUSD_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	return firstErr
}
