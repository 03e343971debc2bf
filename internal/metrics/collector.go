package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/core"
)

type Collector struct {
	config   *config.MimirConfig
	registry *prometheus.Registry
	mimir    *MimirClient

	// Distribution
	leasesDispatched *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
	leasesConsumed   *prometheus.CounterVec
	outcomesTotal    *prometheus.CounterVec
	leasesRecovered  *prometheus.CounterVec
	pairingsTotal    *prometheus.CounterVec
	leasesByStatus   *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	deadLetters      *prometheus.GaugeVec

	// Proxy health
	checkDuration *prometheus.HistogramVec
	checksTotal   *prometheus.CounterVec
	rentAlerts    *prometheus.CounterVec

	// Jobs
	jobDuration     *prometheus.HistogramVec
	lastJobRun      *prometheus.GaugeVec
	jobFailures     *prometheus.CounterVec
	remoteWriteErrs prometheus.Counter
}

// NewCollector registers every metric on a registry owned by the collector.
func NewCollector(cfg config.MimirConfig) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	c := &Collector{
		config:   &cfg,
		registry: registry,

		leasesDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_leases_dispatched_total",
				Help: "Leases published to a network queue",
			},
			[]string{"network", "mode"},
		),

		publishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_publish_failures_total",
				Help: "Publishes that failed and were rolled back",
			},
			[]string{"network"},
		),

		leasesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_leases_consumed_total",
				Help: "Retrieval attempts by result",
			},
			[]string{"network", "result"},
		),

		outcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_outcomes_total",
				Help: "Outcome reports applied, by reported status",
			},
			[]string{"network", "status"},
		),

		leasesRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_leases_recovered_total",
				Help: "Leases returned to available by the recovery sweep",
			},
			[]string{"network", "from_status"},
		),

		pairingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_pairings_total",
				Help: "Pairing attempts by result",
			},
			[]string{"network", "result"},
		),

		leasesByStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credman_leases",
				Help: "Leases per network and status",
			},
			[]string{"network", "status"},
		),

		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credman_queue_depth",
				Help: "Messages waiting in a network queue",
			},
			[]string{"network"},
		),
		deadLetters: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credman_queue_dead_letters",
				Help: "Messages moved to a network's dead letter stream",
			},
			[]string{"network"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credman_proxy_check_duration_seconds",
				Help:    "Duration of proxy health checks in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_proxy_checks_total",
				Help: "Proxy health checks by resulting status",
			},
			[]string{"status"},
		),

		rentAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_rent_alerts_total",
				Help: "Rent expiry alerts sent, by days remaining",
			},
			[]string{"days"},
		),

		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credman_job_duration_seconds",
				Help:    "Duration of scheduled jobs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),

		lastJobRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credman_job_last_run_timestamp",
				Help: "Unix time of the last completed run of a job",
			},
			[]string{"job"},
		),

		jobFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credman_job_failures_total",
				Help: "Scheduled job runs that returned an error",
			},
			[]string{"job"},
		),

		remoteWriteErrs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "credman_remote_write_failures_total",
				Help: "Failed pushes to the remote write endpoint",
			},
		),
	}

	if cfg.Enabled && cfg.URL != "" {
		c.mimir = NewMimirClient(cfg)
	}

	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) RecordDispatch(network string, batch bool) {
	mode := "single"
	if batch {
		mode = "batch"
	}
	c.leasesDispatched.WithLabelValues(network, mode).Inc()
}

func (c *Collector) RecordPublishFailure(network string) {
	c.publishFailures.WithLabelValues(network).Inc()
}

// RecordConsume counts a retrieval; result is sent, duplicate or empty.
func (c *Collector) RecordConsume(network, result string) {
	c.leasesConsumed.WithLabelValues(network, result).Inc()
}

func (c *Collector) RecordOutcome(network string, status core.LeaseStatus) {
	c.outcomesTotal.WithLabelValues(network, string(status)).Inc()
}

func (c *Collector) RecordRecovery(network string, from core.LeaseStatus) {
	c.leasesRecovered.WithLabelValues(network, string(from)).Inc()
}

// RecordPairing counts a pairing attempt; result is created, conflict or no_proxy.
func (c *Collector) RecordPairing(network, result string) {
	c.pairingsTotal.WithLabelValues(network, result).Inc()
}

// SetLeaseCounts replaces the lease gauges with a fresh snapshot.
func (c *Collector) SetLeaseCounts(counts map[string]map[core.LeaseStatus]int) {
	c.leasesByStatus.Reset()
	for network, byStatus := range counts {
		for _, status := range core.AllLeaseStatuses {
			c.leasesByStatus.WithLabelValues(network, string(status)).Set(float64(byStatus[status]))
		}
	}
}

func (c *Collector) SetQueueDepth(network string, depth int64) {
	c.queueDepth.WithLabelValues(network).Set(float64(depth))
}

func (c *Collector) SetDeadLetters(network string, n int64) {
	c.deadLetters.WithLabelValues(network).Set(float64(n))
}

func (c *Collector) RecordCheck(status core.ProxyStatus, duration time.Duration) {
	c.checkDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	c.checksTotal.WithLabelValues(string(status)).Inc()
}

func (c *Collector) RecordRentAlert(days int) {
	c.rentAlerts.WithLabelValues(dayLabel(days)).Inc()
}

func (c *Collector) RecordJob(job string, duration time.Duration, err error) {
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		c.jobFailures.WithLabelValues(job).Inc()
		return
	}
	c.lastJobRun.WithLabelValues(job).SetToCurrentTime()
}

func dayLabel(days int) string {
	switch days {
	case 0:
		return "0"
	case 1:
		return "1"
	case 5:
		return "5"
	default:
		return "other"
	}
}
