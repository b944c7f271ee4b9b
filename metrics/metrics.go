// Package metrics exposes the bridge counters and link states to Prometheus
// and serves the small HTTP surface used by process supervisors.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/sensorbridge/link"
	"github.com/eddielth/sensorbridge/logger"
)

const namespace = "sensorbridge"

// shutdownGrace bounds how long in-flight scrapes may take on exit
const shutdownGrace = 2 * time.Second

// Status is what the HTTP surface needs from the link supervisor
type Status interface {
	Serial() *link.Link
	Broker() *link.Link
	Last() *link.Heartbeat
}

// NewRegistry returns a registry holding the bridge collectors and the Go
// runtime collectors
func NewRegistry(counters link.CounterSource, status Status) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := Register(reg, counters, status); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register adds one collector per counter and one gauge per link. Values are
// read from the sources at scrape time.
func Register(reg prometheus.Registerer, counters link.CounterSource, status Status) error {
	counter := func(name, help string, read func(link.Counters) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(read(counters.Counters()))
		})
	}

	cs := []prometheus.Collector{
		counter("samples_processed_total", "Frames calibrated into samples.",
			func(c link.Counters) uint64 { return c.Processed }),
		counter("frames_malformed_total", "Frames discarded by the parser or calibration.",
			func(c link.Counters) uint64 { return c.Malformed }),
		counter("messages_published_total", "Messages handed to the broker transport.",
			func(c link.Counters) uint64 { return c.Published }),
		counter("messages_dropped_total", "Messages dropped because the broker was unavailable.",
			func(c link.Counters) uint64 { return c.PublishDropped }),
		counter("log_written_total", "Samples appended to the durable log.",
			func(c link.Counters) uint64 { return c.LogWritten }),
		counter("log_failed_total", "Appends abandoned after all retries.",
			func(c link.Counters) uint64 { return c.LogFailed }),
		counter("queue_dropped_total", "Samples dropped because a worker queue was full.",
			func(c link.Counters) uint64 { return c.QueueDropped }),
	}

	for _, l := range []*link.Link{status.Serial(), status.Broker()} {
		l := l
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "link_state",
			Help:        "Link state: 0 disconnected, 1 connecting, 2 connected, 3 degraded.",
			ConstLabels: prometheus.Labels{"link": l.Name()},
		}, func() float64 {
			return float64(l.State())
		}))
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	return nil
}

// Server serves /metrics, /healthz and /status
type Server struct {
	addr   string
	status Status
	srv    *http.Server
}

// NewServer creates a server for reg on addr
func NewServer(addr string, reg *prometheus.Registry, status Status) *Server {
	s := &Server{addr: addr, status: status}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", s.addr, err)
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown: %v", err)
		}
	})
	defer stop()

	logger.Info("Metrics server listening on %s", ln.Addr())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// healthy reports whether frames can currently arrive
func healthy(st link.State) bool {
	return st == link.Connected || st == link.Degraded
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Serial().State()
	if !healthy(st) {
		http.Error(w, "serial "+st.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	hb := s.status.Last()
	if hb == nil {
		http.Error(w, "no heartbeat yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(hb); err != nil {
		logger.Warn("Encode status failed: %v", err)
	}
}
