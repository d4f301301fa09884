package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	m "github.com/Meander-Cloud/go-peerlink/message"
)

const namespace = "peerlink"

const (
	HandshakeAdmitted  = "admitted"
	HandshakeRefreshed = "refreshed"
	HandshakeFull      = "full"
	HandshakeTimeout   = "timeout"
	HandshakeFailed    = "failed"
)

const (
	ProbeAlive   = "alive"
	ProbeMissed  = "missed"
	ProbeExpired = "expired"
)

// Metrics is safe to use through a nil pointer, all recording methods become no-ops.
type Metrics struct {
	registry *prometheus.Registry

	handshakes *prometheus.CounterVec
	probes     *prometheus.CounterVec
	frames     *prometheus.CounterVec
	rosterSize prometheus.Gauge
}

func New() *Metrics {
	mt := &Metrics{
		registry: prometheus.NewRegistry(),

		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Server side handshake outcomes.",
			},
			[]string{"result"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_probes_total",
				Help:      "Keep-alive probe attempts by initiating role and result.",
			},
			[]string{"role", "result"},
		),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Envelopes read or written, by direction and type.",
			},
			[]string{"direction", "type"},
		),
		rosterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "roster_size",
				Help:      "Number of currently admitted peers.",
			},
		),
	}

	mt.registry.MustRegister(
		mt.handshakes,
		mt.probes,
		mt.frames,
		mt.rosterSize,
	)

	return mt
}

func (mt *Metrics) Registry() *prometheus.Registry {
	if mt == nil {
		return nil
	}
	return mt.registry
}

// RegisterPending exposes the intake backlog through f.
func (mt *Metrics) RegisterPending(f func() float64) {
	if mt == nil {
		return
	}

	err := mt.registry.Register(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Received envelopes not yet claimed by a waiter.",
			},
			f,
		),
	)
	if err != nil {
		log.Printf("metrics: failed to register pending_requests, err=%s", err.Error())
	}
}

func (mt *Metrics) Handshake(result string) {
	if mt == nil {
		return
	}
	mt.handshakes.WithLabelValues(result).Inc()
}

func (mt *Metrics) Probe(role string, result string) {
	if mt == nil {
		return
	}
	mt.probes.WithLabelValues(role, result).Inc()
}

func (mt *Metrics) RosterSize(n int) {
	if mt == nil {
		return
	}
	mt.rosterSize.Set(float64(n))
}

func (mt *Metrics) FrameIn(t m.Type) {
	if mt == nil {
		return
	}
	mt.frames.WithLabelValues("in", string(t)).Inc()
}

func (mt *Metrics) FrameOut(t m.Type) {
	if mt == nil {
		return
	}
	mt.frames.WithLabelValues("out", string(t)).Inc()
}

func (mt *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(mt.registry, promhttp.HandlerOpts{})
}

// NewServer builds the telemetry http server, the caller owns ListenAndServe and Shutdown.
func (mt *Metrics) NewServer(address string, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, mt.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>Peerlink Exporter</title></head>
<body>
<h1>Peerlink Exporter</h1>
<p><a href="` + path + `">Metrics</a></p>
</body>
</html>`))
	})

	log.Printf("metrics: listen address=%s path=%s", address, path)
	return &http.Server{
		Addr:    address,
		Handler: mux,
	}
}
