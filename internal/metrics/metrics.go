// Package metrics exposes pipeline counters through a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mhm"

// Metrics holds the pipeline's collectors.
type Metrics struct {
	registry *prometheus.Registry

	filesIndexed  prometheus.Counter
	parseFailures prometheus.Counter
	merges        *prometheus.CounterVec
	skippedFiles  prometheus.Counter
	failedStreams *prometheus.CounterVec
	failedRules   prometheus.Counter
	summaries     prometheus.Counter
	cacheLookups  *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	runDuration   *prometheus.GaugeVec
	lastRun       *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		filesIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_indexed_total",
			Help:      "Raw files found by the indexer.",
		}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Paths that did not match the raw layout.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge outcomes per stream period by status.",
		}, []string{"status"}),
		skippedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_files_total",
			Help:      "Raw files skipped because they could not be decoded.",
		}),
		failedStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_streams_total",
			Help:      "Streams that failed by pipeline stage.",
		}, []string{"stage"}),
		failedRules: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_rules_total",
			Help:      "Rule evaluations that ended in error.",
		}),
		summaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Participant period summaries written.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_objects_total",
			Help:      "Remote objects by sync outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run by command.",
		}, []string{"command"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a command finished.",
		}, []string{"command"}),
	}

	m.registry.MustRegister(
		m.filesIndexed,
		m.parseFailures,
		m.merges,
		m.skippedFiles,
		m.failedStreams,
		m.failedRules,
		m.summaries,
		m.cacheLookups,
		m.downloads,
		m.runDuration,
		m.lastRun,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Indexed records an index pass.
func (m *Metrics) Indexed(files, parseFailures int) {
	if m == nil {
		return
	}
	m.filesIndexed.Add(float64(files))
	m.parseFailures.Add(float64(parseFailures))
}

// Merge records one merge outcome: "written", "noop" or "failed".
func (m *Metrics) Merge(status string, skipped int) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(status).Inc()
	m.skippedFiles.Add(float64(skipped))
}

// StreamFailed records a failed stream in a stage.
func (m *Metrics) StreamFailed(stage string) {
	if m == nil {
		return
	}
	m.failedStreams.WithLabelValues(stage).Inc()
}

// Summary records a written summary and its failed rules.
func (m *Metrics) Summary(failedRules int) {
	if m == nil {
		return
	}
	m.summaries.Inc()
	m.failedRules.Add(float64(failedRules))
}

// CacheLookup records a cache hit or miss for kind ("metadata" or "summary").
func (m *Metrics) CacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// Remote records a remote sync outcome: "downloaded", "skipped" or "failed".
func (m *Metrics) Remote(outcome string, n int) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome).Add(float64(n))
}

// RunFinished records how long a command took.
func (m *Metrics) RunFinished(command string, started, finished time.Time) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(command).Set(finished.Sub(started).Seconds())
	m.lastRun.WithLabelValues(command).Set(float64(finished.Unix()))
}

// WriteTextfile writes the current values in the text exposition format for
// a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
