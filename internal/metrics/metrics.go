// Package metrics exposes agent counters for Prometheus.
// Nil *Sensor and *Root are valid and count nothing.
package metrics

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/meshtele/log2"
)

const namespace = "meshtele"

// Skip reasons for Sensor.Skipped.
const (
	SkipNotJoined    = "not_joined"
	SkipNoSync       = "no_sync"
	SkipNotReachable = "not_reachable"
)

type Sensor struct {
	TxTotal      prometheus.Counter
	TxErrors     prometheus.Counter
	TxSkipped    *prometheus.CounterVec
	SyncTotal    prometheus.Counter
	SyncRejected prometheus.Counter
	AckTotal     prometheus.Counter
	AckUnknownN  prometheus.Counter
	OffsetAvg    prometheus.Gauge
	RTT          prometheus.Histogram
	InboxDropped prometheus.Counter
}

func NewSensor(reg prometheus.Registerer) (*Sensor, error) {
	m := &Sensor{
		TxTotal:      counter("sensor", "tx_total", "Telemetry datagrams sent."),
		TxErrors:     counter("sensor", "tx_errors_total", "Telemetry send failures."),
		TxSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "tx_skipped_total",
			Help: "Ticks without transmission by gate reason.",
		}, []string{"reason"}),
		SyncTotal:    counter("sensor", "sync_total", "Accepted sync datagrams."),
		SyncRejected: counter("sensor", "sync_rejected_total", "Malformed sync datagrams."),
		AckTotal:     counter("sensor", "ack_total", "Decoded acknowledgements."),
		AckUnknownN:  counter("sensor", "ack_unknown_total", "Acknowledgements for sequence never sent."),
		OffsetAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "offset_avg_ticks",
			Help: "Current clock offset moving average.",
		}),
		RTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sensor", Name: "rtt_ticks",
			Help:    "Round trip from telemetry send to ack, in clock ticks.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		InboxDropped: counter("sensor", "inbox_dropped_total", "Datagrams dropped on full inbox."),
	}
	err := register(reg, m.TxTotal, m.TxErrors, m.TxSkipped, m.SyncTotal, m.SyncRejected,
		m.AckTotal, m.AckUnknownN, m.OffsetAvg, m.RTT, m.InboxDropped)
	return m, errors.Annotate(err, "metrics sensor")
}

func (m *Sensor) Sent() {
	if m != nil {
		m.TxTotal.Inc()
	}
}
func (m *Sensor) SendError() {
	if m != nil {
		m.TxErrors.Inc()
	}
}
func (m *Sensor) Skipped(reason string) {
	if m != nil {
		m.TxSkipped.WithLabelValues(reason).Inc()
	}
}
func (m *Sensor) Synced(avg int32) {
	if m != nil {
		m.SyncTotal.Inc()
		m.OffsetAvg.Set(float64(avg))
	}
}
func (m *Sensor) SyncInvalid() {
	if m != nil {
		m.SyncRejected.Inc()
	}
}
func (m *Sensor) Acked(rtt uint32) {
	if m != nil {
		m.AckTotal.Inc()
		m.RTT.Observe(float64(rtt))
	}
}
func (m *Sensor) AckUnknown() {
	if m != nil {
		m.AckUnknownN.Inc()
	}
}
func (m *Sensor) Dropped() {
	if m != nil {
		m.InboxDropped.Inc()
	}
}

type Root struct {
	RxTotal      prometheus.Counter
	RxRejected   prometheus.Counter
	AckTotal     prometheus.Counter
	AckErrors    prometheus.Counter
	SyncSent     prometheus.Counter
	Started      prometheus.Gauge
	InboxDropped prometheus.Counter
}

func NewRoot(reg prometheus.Registerer) (*Root, error) {
	m := &Root{
		RxTotal:    counter("root", "rx_total", "Decoded telemetry datagrams."),
		RxRejected: counter("root", "rx_rejected_total", "Malformed telemetry datagrams."),
		AckTotal:   counter("root", "ack_total", "Acknowledgements sent."),
		AckErrors:  counter("root", "ack_errors_total", "Acknowledgement or sync send failures."),
		SyncSent:   counter("root", "sync_sent_total", "Sync datagrams sent."),
		Started: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "root", Name: "started",
			Help: "1 when mesh root was established, 0 when degraded.",
		}),
		InboxDropped: counter("root", "inbox_dropped_total", "Datagrams dropped on full inbox."),
	}
	err := register(reg, m.RxTotal, m.RxRejected, m.AckTotal, m.AckErrors, m.SyncSent, m.Started, m.InboxDropped)
	return m, errors.Annotate(err, "metrics root")
}

func (m *Root) Received() {
	if m != nil {
		m.RxTotal.Inc()
	}
}
func (m *Root) Rejected() {
	if m != nil {
		m.RxRejected.Inc()
	}
}
func (m *Root) Acked() {
	if m != nil {
		m.AckTotal.Inc()
	}
}
func (m *Root) SendError() {
	if m != nil {
		m.AckErrors.Inc()
	}
}
func (m *Root) SyncSentInc() {
	if m != nil {
		m.SyncSent.Inc()
	}
}
func (m *Root) SetStarted(ok bool) {
	if m != nil {
		v := 0.0
		if ok {
			v = 1
		}
		m.Started.Set(v)
	}
}
func (m *Root) Dropped() {
	if m != nil {
		m.InboxDropped.Inc()
	}
}

// CountErrors registers errors_total and increments it on every log Error/Errorf.
func CountErrors(reg prometheus.Registerer, log *log2.Log) (prometheus.Counter, error) {
	c := counter("", "errors_total", "Errors logged by any component.")
	if err := register(reg, c); err != nil {
		return nil, errors.Annotate(err, "metrics errors")
	}
	log.SetErrorFunc(func(error) { c.Inc() })
	return c, nil
}

// Serve blocks until ctx is done or listener fails.
func Serve(ctx context.Context, log *log2.Log, listen string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	log.Infof("metrics listen=%s", listen)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "metrics listen=%s", listen)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "metrics shutdown")
		}
		return nil
	}
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
