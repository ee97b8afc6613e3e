// Package metrics exposes Prometheus counters/gauges for the async
// reactor core and its example services, plus a small /ready endpoint.
// Adapted from the teacher's CAN-frame metrics package: same
// promauto/promhttp wiring, new metric names for this domain.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-busd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "busd_signals_dispatched_total",
		Help: "Total control signals dispatched by the ISR, by signal name.",
	}, []string{"signal"})
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_worker_restarts_total",
		Help: "Total times an async worker was (re)started.",
	})
	ListenerAccepts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_listener_accepts_total",
		Help: "Total TCP connections accepted by the service scaffold.",
	})
	ListenerAcceptErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_listener_accept_errors_total",
		Help: "Total fatal accept(2) errors that ended an acceptor.",
	})
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_bytes_read_total",
		Help: "Total bytes read across all connections.",
	})
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_bytes_written_total",
		Help: "Total bytes written across all connections.",
	})
	SegmentsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_segments_decoded_total",
		Help: "Total length-prefixed segments decoded from client streams.",
	})
	SegmentsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_segments_malformed_total",
		Help: "Total rejected malformed segments.",
	})
	BusPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "busd_bus_peers",
		Help: "Current number of peers connected to the bus.",
	})
	BusFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "busd_bus_broadcast_fanout",
		Help: "Number of peers targeted in the most recent broadcast.",
	})
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_bus_dropped_total",
		Help: "Total segments dropped due to a slow peer under the drop policy.",
	})
	BusKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "busd_bus_kicked_total",
		Help: "Total peers disconnected due to backpressure under the kick policy.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "busd_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics and readiness at the given address.
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

// InitBuildInfo sets the build info gauge; call once at startup.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers a function consulted by /ready and IsReady.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function, if any; true if none
// has been set yet, so /ready does not flap before startup wires one in.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

func IncSignalDispatch(name string) { SignalsDispatched.WithLabelValues(name).Inc() }

func IncWorkerRestart() { WorkerRestarts.Inc() }

func IncAccept() { ListenerAccepts.Inc() }

func IncAcceptError() { ListenerAcceptErrors.Inc() }

func AddBytesRead(n int) { BytesRead.Add(float64(n)) }

func AddBytesWritten(n int) { BytesWritten.Add(float64(n)) }

func IncSegmentDecoded() { SegmentsDecoded.Inc() }

func IncSegmentMalformed() { SegmentsMalformed.Inc() }

func SetBusPeers(n int) { BusPeers.Set(float64(n)) }

func SetBusFanout(n int) { BusFanout.Set(float64(n)) }

func IncBusDrop() { BusDropped.Inc() }

func IncBusKick() { BusKicked.Inc() }

// localErrorCount is a cheap in-process error tally independent of the
// Prometheus registry, mirroring the teacher's local-mirror pattern for
// callers that want a number without scraping.
var localErrorCount atomic.Uint64

func IncLocalError() { localErrorCount.Add(1) }

func LocalErrorCount() uint64 { return localErrorCount.Load() }
