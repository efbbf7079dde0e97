// Package metrics exports instrument traffic and readings to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gotmc/maglab"
)

const namespace = "maglab"

// Collector owns the metric vectors. One Collector serves every instrument
// of a process; series are labelled by instrument name.
type Collector struct {
	Commands  *prometheus.CounterVec
	Queries   *prometheus.CounterVec
	Errors    *prometheus.CounterVec
	RoundTrip *prometheus.HistogramVec
	Readings  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the vectors and registers them with reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands sent, by instrument.",
		}, []string{"instrument"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries sent, by instrument.",
		}, []string{"instrument"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed round trips, by instrument and error kind.",
		}, []string{"instrument", "kind"}),
		RoundTrip: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Time from write to reply.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"instrument", "op"}),
		Readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Last value read, by instrument and quantity.",
		}, []string{"instrument", "quantity"}),
		gatherer: reg,
	}
	for _, m := range []prometheus.Collector{c.Commands, c.Queries, c.Errors, c.RoundTrip, c.Readings} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "registering metrics")
		}
	}
	return c, nil
}

// Observe records a reading.
func (c *Collector) Observe(instrument, quantity string, v float64) {
	c.Readings.WithLabelValues(instrument, quantity).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on addr until the server fails. It
// blocks; run it in a goroutine.
func (c *Collector) Serve(addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	log.Infof("metrics server listening on %s", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}

// Wrap instruments next under the given instrument name.
func (c *Collector) Wrap(instrument string, next maglab.Conn) *Conn {
	return &Conn{next: next, name: instrument, c: c}
}

// Conn is a maglab.Conn that counts and times the traffic of another.
type Conn struct {
	next maglab.Conn
	name string
	c    *Collector
}

var _ maglab.Conn = (*Conn)(nil)

// Command implements maglab.Conn.
func (m *Conn) Command(format string, a ...any) error {
	start := time.Now()
	err := m.next.Command(format, a...)
	m.c.Commands.WithLabelValues(m.name).Inc()
	m.done("command", start, err)
	return err
}

// Query implements maglab.Conn.
func (m *Conn) Query(cmd string) (string, error) {
	start := time.Now()
	s, err := m.next.Query(cmd)
	m.c.Queries.WithLabelValues(m.name).Inc()
	m.done("query", start, err)
	return s, err
}

// QueryBlock implements maglab.BlockQuerier. It counts as a query.
func (m *Conn) QueryBlock(cmd string) ([]byte, error) {
	start := time.Now()
	b, err := maglab.QueryBlock(m.next, cmd)
	m.c.Queries.WithLabelValues(m.name).Inc()
	m.done("query", start, err)
	return b, err
}

func (m *Conn) done(op string, start time.Time, err error) {
	m.c.RoundTrip.WithLabelValues(m.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.c.Errors.WithLabelValues(m.name, maglab.Kind(err)).Inc()
	}
}

// Terminators forwards to the wrapped conn when it knows them.
func (m *Conn) Terminators() (read, write maglab.Terminator) {
	if t, ok := m.next.(maglab.Terminated); ok {
		return t.Terminators()
	}
	return maglab.TermCR, maglab.TermCR
}

// SetReadTerminator forwards to the wrapped conn.
func (m *Conn) SetReadTerminator(t maglab.Terminator) {
	if rt, ok := m.next.(maglab.TerminatorSetter); ok {
		rt.SetReadTerminator(t)
	}
}

// CountError records a failure found above the transport, such as a
// read-back mismatch reported by a profile.
func (m *Conn) CountError(err error) {
	if err != nil {
		m.c.Errors.WithLabelValues(m.name, maglab.Kind(err)).Inc()
	}
}
