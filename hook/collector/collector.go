package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Emyrk/callhook/hook"
)

var _ prometheus.Collector = (*Collector)(nil)

// Collector exposes the live aggregation table of a session. Every scrape
// reads a fresh snapshot, nothing is cached between scrapes.
type Collector struct {
	logger  zerolog.Logger
	session *hook.Session

	calls   *prometheus.Desc
	seconds *prometheus.Desc
	depth   *prometheus.Desc
	active  *prometheus.Desc
	elapsed *prometheus.Desc
	keys    *prometheus.Desc
}

// New
// labels are the label constants on all metrics.
func New(logger zerolog.Logger, session *hook.Session, namespace string, labels prometheus.Labels) *Collector {
	return &Collector{
		logger:  logger,
		session: session,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "call", "count_total"),
			"Completed calls per call site.",
			[]string{"key"}, labels,
		),
		seconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "call", "seconds_total"),
			"Inclusive wall time spent per call site.",
			[]string{"key"}, labels,
		),
		depth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "stack_depth"),
			"Calls currently in flight across all streams.",
			nil, labels,
		),
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "active"),
			"1 while a profiling run is in progress.",
			nil, labels,
		),
		elapsed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "elapsed_seconds"),
			"Wall time since the profiling run started.",
			nil, labels,
		),
		keys: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "session", "call_sites"),
			"Distinct call sites in the aggregation table.",
			nil, labels,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.calls
	descs <- c.seconds
	descs <- c.depth
	descs <- c.active
	descs <- c.elapsed
	descs <- c.keys
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	items := c.session.Items()
	for _, it := range items {
		pm, err := prometheus.NewConstMetric(c.calls, prometheus.CounterValue, float64(it.Calls), it.Key)
		if err != nil {
			c.logger.Warn().Str("key", it.Key).Err(err).Msg("failed to create metric")
			continue
		}
		ch <- pm
		ch <- prometheus.MustNewConstMetric(c.seconds, prometheus.CounterValue, it.Time(), it.Key)
	}

	active := 0.0
	if c.session.Active() {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.session.Depth()))
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, c.session.Elapsed().Seconds())
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(len(items)))
}
