package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Run metrics
	Runs             *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp prometheus.Gauge
	LastRunSuccess   prometheus.Gauge

	// Effect metrics
	FileChanges    *prometheus.CounterVec
	ServiceActions *prometheus.CounterVec

	// State metrics
	DhcpEntries       prometheus.Gauge
	UnmatchedEntries  prometheus.Gauge
	RedundancyEnabled prometheus.Gauge
	RedundantMaster   prometheus.Gauge

	// Bookkeeping metrics
	RunLogErrors     prometheus.Counter
	HistorySnapshots prometheus.Counter
}

// New creates all metrics on a fresh registry. Go runtime and process
// collectors are registered as well when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// Run metrics
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrconf_runs_total",
				Help: "Total number of reconciliation runs by status",
			},
			[]string{"status"}, // success, failed
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vrconf_run_duration_seconds",
				Help:    "Duration of reconciliation runs",
				Buckets: prometheus.DefBuckets,
			},
		),

		LastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrconf_last_run_timestamp_seconds",
				Help: "Unix timestamp of the last completed run",
			},
		),

		LastRunSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrconf_last_run_success",
				Help: "Whether the last run succeeded (1) or failed (0)",
			},
		),

		// Effect metrics
		FileChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrconf_file_changes_total",
				Help: "Total number of commits to managed files",
			},
			[]string{"file"},
		),

		ServiceActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrconf_service_actions_total",
				Help: "Total number of daemon reloads, starts, restarts and stops",
			},
			[]string{"service", "action"},
		),

		// State metrics
		DhcpEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrconf_dhcp_entries",
				Help: "Number of DHCP entries in the data bag",
			},
		),

		UnmatchedEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrconf_dhcp_entries_unmatched",
				Help: "Number of DHCP entries no interface covers",
			},
		),

		RedundancyEnabled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrconf_redundancy_enabled",
				Help: "Whether VRRP redundancy is configured on this router",
			},
		),

		RedundantMaster: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrconf_redundant_master",
				Help: "Whether this redundant router reports the MASTER state",
			},
		),

		// Bookkeeping metrics
		RunLogErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vrconf_runlog_errors_total",
				Help: "Total number of failed run log writes",
			},
		),

		HistorySnapshots: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vrconf_history_snapshots_total",
				Help: "Total number of history commits",
			},
		),
	}

	return m
}

// Registry returns the registry all metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun records a completed reconciliation run
func (m *Metrics) RecordRun(success bool, duration float64) {
	status := "success"
	if !success {
		status = "failed"
	}
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(duration)
	m.LastRunTimestamp.SetToCurrentTime()

	if success {
		m.LastRunSuccess.Set(1)
	} else {
		m.LastRunSuccess.Set(0)
	}
}

// RecordFileChanges counts one commit per changed file
func (m *Metrics) RecordFileChanges(files []string) {
	for _, f := range files {
		m.FileChanges.WithLabelValues(f).Inc()
	}
}

// RecordServiceAction records a daemon action
func (m *Metrics) RecordServiceAction(service, action string) {
	m.ServiceActions.WithLabelValues(service, action).Inc()
}

// UpdateDhcpMetrics updates the entry gauges
func (m *Metrics) UpdateDhcpMetrics(entries, unmatched int) {
	m.DhcpEntries.Set(float64(entries))
	m.UnmatchedEntries.Set(float64(unmatched))
}

// UpdateRedundancy updates the redundancy gauges
func (m *Metrics) UpdateRedundancy(enabled, master bool) {
	m.RedundancyEnabled.Set(boolToFloat(enabled))
	m.RedundantMaster.Set(boolToFloat(master))
}

// RecordRunLogError records a failed run log write
func (m *Metrics) RecordRunLogError() {
	m.RunLogErrors.Inc()
}

// RecordHistorySnapshot records a history commit
func (m *Metrics) RecordHistorySnapshot() {
	m.HistorySnapshots.Inc()
}

// WriteTextfile writes the registry for the node_exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
