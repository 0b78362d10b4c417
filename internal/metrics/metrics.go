package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	archiveFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "islerun",
			Subsystem: "archive",
			Name:      "files_total",
			Help:      "Data files processed by the archiver, by outcome.",
		}, []string{"status"},
	)
	replicaRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "islerun",
			Subsystem: "replica",
			Name:      "runs_total",
			Help:      "Replica invocations, by outcome.",
		}, []string{"status"},
	)
	replicaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "islerun",
			Subsystem: "replica",
			Name:      "duration_seconds",
			Help:      "Wall time of replica invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"status"},
	)
	replicaExitCode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "islerun",
			Subsystem: "replica",
			Name:      "exit_code",
			Help:      "Exit code of the last invocation of each replica id.",
		}, []string{"replica"},
	)
	replicaPeakRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "islerun",
			Subsystem: "replica",
			Name:      "peak_rss_bytes",
			Help:      "Highest sampled resident memory of each replica.",
		}, []string{"replica"},
	)
	replicaCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "islerun",
			Subsystem: "replica",
			Name:      "cpu_seconds",
			Help:      "Last sampled user+system CPU time of each replica.",
		}, []string{"replica"},
	)
	replicaThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "islerun",
			Subsystem: "replica",
			Name:      "threads",
			Help:      "Last sampled thread count of each replica.",
		}, []string{"replica"},
	)

	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "islerun",
			Subsystem: "run",
			Name:      "phase_transitions_total",
			Help:      "Number of run phase transitions.",
		}, []string{"from", "to"},
	)
	currentPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "islerun",
			Subsystem: "run",
			Name:      "current_phase",
			Help:      "Current phase of the run (1 = active phase, 0 = inactive).",
		}, []string{"phase"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{archiveFiles, replicaRuns, replicaDuration, replicaExitCode, replicaPeakRSS, replicaCPU, replicaThreads, phaseTransitions, currentPhase}
}

// Register registers all metrics with the provided registerer. It may be
// called for several registerers; collectors r already holds are skipped.
func Register(r prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncArchive(status string) {
	if regOK.Load() {
		archiveFiles.WithLabelValues(status).Inc()
	}
}

func ObserveReplica(id int, status string, seconds float64, exitCode int) {
	if !regOK.Load() {
		return
	}
	replicaRuns.WithLabelValues(status).Inc()
	replicaDuration.WithLabelValues(status).Observe(seconds)
	replicaExitCode.WithLabelValues(strconv.Itoa(id)).Set(float64(exitCode))
}

func SetReplicaUsage(id int, u Usage) {
	if !regOK.Load() || u.Samples == 0 {
		return
	}
	label := strconv.Itoa(id)
	replicaPeakRSS.WithLabelValues(label).Set(float64(u.PeakRSS))
	replicaCPU.WithLabelValues(label).Set(u.CPUSeconds)
	replicaThreads.WithLabelValues(label).Set(float64(u.Threads))
}

// RecordPhase counts the transition and marks to as the only active phase.
func RecordPhase(from, to string) {
	if !regOK.Load() {
		return
	}
	if from != "" {
		phaseTransitions.WithLabelValues(from, to).Inc()
		currentPhase.WithLabelValues(from).Set(0)
	}
	currentPhase.WithLabelValues(to).Set(1)
}
