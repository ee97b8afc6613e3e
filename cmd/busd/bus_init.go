package main

import (
	"log/slog"

	"github.com/kstaniek/go-busd/internal/bus"
)

func initBus(cfg *appConfig, l *slog.Logger) *bus.Bus {
	b := bus.New()
	b.BufSize = cfg.busBuffer
	switch cfg.busPolicy {
	case "drop":
		b.Policy = bus.PolicyDrop
	case "kick":
		b.Policy = bus.PolicyKick
	default:
		l.Warn("unknown_bus_policy", "policy", cfg.busPolicy, "used", "drop")
		b.Policy = bus.PolicyDrop
	}
	policyStr := map[bus.BackpressurePolicy]string{bus.PolicyDrop: "drop", bus.PolicyKick: "kick"}[b.Policy]
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("bus_config", "policy", policyStr, "buffer", b.BufSize)
	return b
}
