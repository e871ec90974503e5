// Package metrics counts deployments and firmware uploads.
//
// The tool runs once and exits, so metrics are not served over HTTP. They can
// be written to a file for the node exporter textfile collector instead.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigbag/smdeploy/internal/deploy"
	"github.com/bigbag/smdeploy/internal/upgrade"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Metrics holds the collectors of one tool run.
type Metrics struct {
	reg *prometheus.Registry

	// DeployParameters counts parameters by outcome: changed, skipped, failed or
	// invalid.
	DeployParameters *prometheus.CounterVec

	// DeployRuns counts deployments by status.
	DeployRuns *prometheus.CounterVec

	// UploadRuns counts firmware uploads by status and diagnostic detail.
	UploadRuns *prometheus.CounterVec

	// UploadDuration is the time a firmware upload took.
	UploadDuration prometheus.Histogram

	// LastRun is the unix time of the last recorded run.
	LastRun *prometheus.GaugeVec
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		DeployParameters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smdeploy_deploy_parameters_total",
				Help: "Parameters processed by configuration deployments, by outcome.",
			},
			[]string{"outcome"}, // changed, skipped, failed, invalid
		),
		DeployRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smdeploy_deploy_runs_total",
				Help: "Configuration deployments, by status.",
			},
			[]string{"status"},
		),
		UploadRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smdeploy_upload_runs_total",
				Help: "Firmware uploads, by status and diagnostic detail code.",
			},
			[]string{"status", "detail"},
		),
		UploadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "smdeploy_upload_duration_seconds",
				Help:    "Duration of firmware uploads.",
				Buckets: []float64{5, 10, 20, 30, 60, 120, 300},
			},
		),
		LastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "smdeploy_last_run_timestamp_seconds",
				Help: "Unix time of the last run, by operation.",
			},
			[]string{"operation"},
		),
	}
	m.reg.MustRegister(m.DeployParameters, m.DeployRuns, m.UploadRuns, m.UploadDuration, m.LastRun)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveDeploy records a finished deployment.
func (m *Metrics) ObserveDeploy(res deploy.Result, err error) {
	m.DeployParameters.WithLabelValues("changed").Add(float64(res.Changed - res.Errors))
	m.DeployParameters.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.DeployParameters.WithLabelValues("failed").Add(float64(res.Errors))
	m.DeployParameters.WithLabelValues("invalid").Add(float64(res.Invalid))
	m.DeployRuns.WithLabelValues(status(err)).Inc()
	m.LastRun.WithLabelValues("deploy").SetToCurrentTime()
}

// ObserveUpload records a finished firmware upload. detail is the session
// diagnostic code and is only used for failed uploads.
func (m *Metrics) ObserveUpload(err error, detail int, took time.Duration) {
	label := "0"
	if err != nil {
		label = fmt.Sprint(detail)
	}
	m.UploadRuns.WithLabelValues(uploadStatus(err), label).Inc()
	m.UploadDuration.Observe(took.Seconds())
	m.LastRun.WithLabelValues("upload").SetToCurrentTime()
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusSuccess
}

// uploadStatus splits failures by the upgrade status they map to.
func uploadStatus(err error) string {
	if err == nil {
		return StatusSuccess
	}
	switch upgrade.StatusOf(err) {
	case upgrade.InvalidFile, upgrade.IncompatibleFirmware, upgrade.UnsupportedTargetDevice, upgrade.FileNotReadable:
		return "rejected"
	default:
		return StatusFailed
	}
}
