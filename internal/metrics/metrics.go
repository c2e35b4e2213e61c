// Package metrics wraps an isolated Prometheus registry for the
// controller, exposed over an optional loopback HTTP listener. No
// collector touches the global default registry.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter and gauge the controller reports.
type Metrics struct {
	Registry *prometheus.Registry

	RPCCallsTotal         *prometheus.CounterVec
	InboundTotal          *prometheus.CounterVec
	TrimsTotal            prometheus.Counter
	LookupsTotal          *prometheus.CounterVec
	ForwardedPacketsTotal prometheus.Counter
	DroppedPacketsTotal   prometheus.Counter
	OnlinePeers           prometheus.Gauge
}

// New builds a Metrics instance with all collectors registered on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RPCCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpncontrol_rpc_calls_total",
				Help: "Total number of data-plane RPC calls issued, by verb.",
			},
			[]string{"verb"},
		),
		InboundTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpncontrol_inbound_total",
				Help: "Total number of inbound datagrams, by classification disposition.",
			},
			[]string{"disposition"},
		),
		TrimsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vpncontrol_trims_total",
				Help: "Total number of trim_link RPCs issued.",
			},
		),
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vpncontrol_lookups_total",
				Help: "Total number of overlay lookups, by direction.",
			},
			[]string{"direction"},
		),
		ForwardedPacketsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vpncontrol_forwarded_packets_total",
				Help: "Total number of overlay packets forwarded.",
			},
		),
		DroppedPacketsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vpncontrol_dropped_packets_total",
				Help: "Total number of overlay packets dropped (unknown destination, or own-source with no controller known).",
			},
		),
		OnlinePeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vpncontrol_online_peers",
				Help: "Current number of peers with status=online.",
			},
		),
	}

	reg.MustRegister(
		m.RPCCallsTotal,
		m.InboundTotal,
		m.TrimsTotal,
		m.LookupsTotal,
		m.ForwardedPacketsTotal,
		m.DroppedPacketsTotal,
		m.OnlinePeers,
	)

	return m
}

// CountCall implements dataplane.VerbCounter, incrementing the RPC call
// counter for verb.
func (m *Metrics) CountCall(verb string) {
	m.RPCCallsTotal.WithLabelValues(verb).Inc()
}

// Server wraps an HTTP listener exposing /metrics on addr.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server that will serve m's registry at addr when
// Serve is called.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
