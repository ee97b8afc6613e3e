package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-busd/internal/bus"
	"github.com/kstaniek/go-busd/internal/metrics"
)

// startMetricsLogger periodically logs a human-readable metrics snapshot,
// for deployments without a Prometheus scraper.
func startMetricsLogger(ctx context.Context, interval time.Duration, b *bus.Bus, l *slog.Logger, wg *sync.WaitGroup) {
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
				l.Info("metrics_snapshot",
					"bus_peers", b.Count(),
					"local_errors", metrics.LocalErrorCount(),
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
