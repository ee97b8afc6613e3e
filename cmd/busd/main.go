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

	"github.com/kstaniek/go-busd/internal/async"
	"github.com/kstaniek/go-busd/internal/metrics"
	"github.com/kstaniek/go-busd/internal/segment"
	"github.com/kstaniek/go-busd/internal/serialsvc"
)

// startAndWait launches w's event-loop goroutine and blocks until it has
// finished the §4.C setup handshake, returning the worker's Context. This
// is the mu/cond dance Worker.Start documents as the caller's obligation.
func startAndWait(w *async.Worker) *async.Context {
	var mu sync.Mutex
	cond := sync.NewCond(&mu)
	mu.Lock()
	w.Start(&mu, cond)
	for w.Context() == nil {
		cond.Wait()
	}
	ctx := w.Context()
	for !ctx.Ready() {
		cond.Wait()
	}
	mu.Unlock()
	return ctx
}

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("busd %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	b := initBus(cfg, l)

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(bgCtx, cfg.logMetricsEvery, b, l, &wg)

	handler := segment.New(b)
	tcpSvc := async.NewTCPService(cfg.listenAddr, handler, async.WithTCPLogger(l))
	tcpWorker := async.NewWorker(func() async.Service { return tcpSvc }, async.WithWorkerLogger(l))
	tcpCtx := startAndWait(tcpWorker)
	if tcpCtx.Stopped() {
		l.Error("tcp_worker_setup_failed")
		os.Exit(1)
	}

	var serialWorker *async.Worker
	if cfg.serialEnable {
		svc := serialsvc.New(cfg.serialDev, cfg.serialBaud, b,
			serialsvc.WithLogger(l), serialsvc.WithReadTimeout(cfg.serialReadTO))
		serialWorker = async.NewWorker(func() async.Service { return svc }, async.WithWorkerLogger(l))
		serialCtx := startAndWait(serialWorker)
		if serialCtx.Stopped() {
			l.Error("serial_worker_setup_failed", "device", cfg.serialDev)
			serialWorker = nil
		}
	}

	// Start mDNS advertisement once the listener is ready.
	go func() {
		select {
		case <-tcpSvc.Ready():
		case <-bgCtx.Done():
			return
		}
		if !cfg.mdnsEnable {
			return
		}
		addr := tcpSvc.Addr().String()
		var portNum int
		if _, p, err := net.SplitHostPort(addr); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		if portNum == 0 {
			if i := strings.LastIndex(addr, ":"); i >= 0 {
				if pn, perr := strconv.Atoi(addr[i+1:]); perr == nil {
					portNum = pn
				}
			}
		}
		cleanupMDNS, err := startMDNS(bgCtx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-bgCtx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-tcpSvc.Ready():
		default:
			return false
		}
		return !tcpWorker.Context().Stopped()
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	tcpWorker.Close()
	if serialWorker != nil {
		serialWorker.Close()
	}
	wg.Wait()
}
