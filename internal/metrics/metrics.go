// Package metrics exports pipeline telemetry.
//
// Prometheus series live on a private registry served by Handler:
//
//	arbflow_tickers_total{exchange}
//	arbflow_connector_state{exchange}
//	arbflow_connector_healthy{exchange}
//	arbflow_seconds_since_last_message{exchange}
//	arbflow_connector_{received,dropped,parse_errors,reconnects}_total{exchange}
//	arbflow_queue_length{exchange}
//	arbflow_opportunities_total{buy_exchange,sell_exchange}
//	arbflow_scan_duration_seconds
//	arbflow_sink_dropped_total{sink}
//
// plus go_* and process_* collectors. Health gauges are also pushed to
// CloudWatch through EmitMetric.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbflow/internal/connector"
	"arbflow/internal/health"
	"arbflow/internal/spread"
	"arbflow/logger"
	"arbflow/models"
)

const namespace = "arbflow"

type Registry struct {
	reg *prometheus.Registry
	log *logger.Log

	tickers        *prometheus.CounterVec
	state          *prometheus.GaugeVec
	healthy        *prometheus.GaugeVec
	sinceLast      *prometheus.GaugeVec
	opportunities  *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	pairsEvaluated prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		log: logger.GetLogger(),
		tickers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickers_total",
			Help:      "Tickers applied to the price table.",
		}, []string{"exchange"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_state",
			Help:      "Connector state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed.",
		}, []string{"exchange"}),
		healthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connector_healthy",
			Help:      "1 when the connector is connected and its data is fresh.",
		}, []string{"exchange"}),
		sinceLast: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seconds_since_last_message",
			Help:      "Age of the newest frame received by the connector.",
		}, []string{"exchange"}),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_total",
			Help:      "Opportunities above the ROI threshold.",
		}, []string{"buy_exchange", "sell_exchange"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of one spread scan.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		pairsEvaluated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairs_evaluated",
			Help:      "Exchange pairs compared in the latest scan.",
		}),
	}

	r.reg.MustRegister(
		r.tickers, r.state, r.healthy, r.sinceLast,
		r.opportunities, r.scanDuration, r.pairsEvaluated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveTicker counts an applied ticker.
func (r *Registry) ObserveTicker(t models.Ticker) {
	r.tickers.WithLabelValues(t.Exchange).Inc()
}

// ObserveState records a connector state transition.
func (r *Registry) ObserveState(exchange string, s connector.State) {
	r.state.WithLabelValues(exchange).Set(float64(s))
}

// ObserveScan records one spread scan.
func (r *Registry) ObserveScan(res spread.Result, took time.Duration) {
	r.scanDuration.Observe(took.Seconds())
	r.pairsEvaluated.Set(float64(res.PairsEvaluated))
	for _, o := range res.Opportunities {
		r.opportunities.WithLabelValues(o.BuyExchange, o.SellExchange).Inc()
	}
	if len(res.Opportunities) > 0 {
		EmitMetric(r.log, "spread_monitor", "opportunities_detected", len(res.Opportunities), "counter", logger.Fields{"unit": "count"})
	}
}

// ObserveHealth exports a health report to Prometheus and CloudWatch.
func (r *Registry) ObserveHealth(statuses []health.Status) {
	for _, s := range statuses {
		r.state.WithLabelValues(s.Exchange).Set(float64(s.State))
		r.healthy.WithLabelValues(s.Exchange).Set(boolGauge(s.Healthy))
		if !s.LastMessage.IsZero() {
			r.sinceLast.WithLabelValues(s.Exchange).Set(s.SinceLast.Seconds())
		}

		fields := logger.Fields{"exchange": s.Exchange}
		EmitMetric(r.log, "health", "connector_healthy", s.Healthy, "gauge", fields)
		if !s.LastMessage.IsZero() {
			EmitMetric(r.log, "health", "seconds_since_last_message", s.SinceLast.Seconds(), "gauge", logger.Fields{
				"exchange": s.Exchange,
				"unit":     "seconds",
			})
		}
	}
}

// RegisterConnectors exports the cumulative connector counters, read from
// sources at scrape time.
func (r *Registry) RegisterConnectors(sources []health.Source) {
	r.reg.MustRegister(&connectorCollector{sources: sources})
}

// RegisterSinkDrops exports per-sink drop counts read from fn at scrape time.
func (r *Registry) RegisterSinkDrops(fn func() map[string]int64) {
	r.reg.MustRegister(&sinkCollector{dropped: fn})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var (
	receivedDesc    = prometheus.NewDesc(namespace+"_connector_received_total", "Frames received.", []string{"exchange"}, nil)
	droppedDesc     = prometheus.NewDesc(namespace+"_connector_dropped_total", "Tickers rejected by a full queue.", []string{"exchange"}, nil)
	parseErrorsDesc = prometheus.NewDesc(namespace+"_connector_parse_errors_total", "Frames that failed to parse or validate.", []string{"exchange"}, nil)
	reconnectsDesc  = prometheus.NewDesc(namespace+"_connector_reconnects_total", "Failed sessions followed by a reconnect attempt.", []string{"exchange"}, nil)
	queueLenDesc    = prometheus.NewDesc(namespace+"_queue_length", "Tickers waiting in the ingestion queue.", []string{"exchange"}, nil)
	sinkDroppedDesc = prometheus.NewDesc(namespace+"_sink_dropped_total", "Opportunities a sink buffer rejected.", []string{"sink"}, nil)
)

type connectorCollector struct {
	sources []health.Source
}

func (c *connectorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- receivedDesc
	ch <- droppedDesc
	ch <- parseErrorsDesc
	ch <- reconnectsDesc
	ch <- queueLenDesc
}

func (c *connectorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		s := src.Stats()
		name := src.Name()
		ch <- prometheus.MustNewConstMetric(receivedDesc, prometheus.CounterValue, float64(s.Received), name)
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(s.Dropped), name)
		ch <- prometheus.MustNewConstMetric(parseErrorsDesc, prometheus.CounterValue, float64(s.ParseErrors), name)
		ch <- prometheus.MustNewConstMetric(reconnectsDesc, prometheus.CounterValue, float64(s.Reconnects), name)
		ch <- prometheus.MustNewConstMetric(queueLenDesc, prometheus.GaugeValue, float64(s.QueueLen), name)
	}
}

type sinkCollector struct {
	dropped func() map[string]int64
}

func (c *sinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sinkDroppedDesc
}

func (c *sinkCollector) Collect(ch chan<- prometheus.Metric) {
	for name, n := range c.dropped() {
		ch <- prometheus.MustNewConstMetric(sinkDroppedDesc, prometheus.CounterValue, float64(n), name)
	}
}
