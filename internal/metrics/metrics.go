package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_responses_total",
		Help: "Responses served by the metrics listener",
	}, []string{"path", "status_code"})

	// Device manager metrics
	DevicesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "compute_devices_active",
		Help: "Number of devices with a live context",
	})

	SelectionWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "compute_selection_warnings_total",
		Help: "Initializations where some selected devices were not found",
	})

	ProgramBuildFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "compute_program_build_failures_total",
		Help: "Failed program builds by device",
	}, []string{"device"})

	DeviceBufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "compute_device_buffer_bytes",
		Help: "Device memory held by solver buffers in bytes",
	}, []string{"device"})

	// Staged solver metrics
	SolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stp_solve_duration_seconds",
		Help:    "Wall time of upload, all relaxation stages and download",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 20), // 100µs to ~52s
	})

	SolveProblemSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stp_solve_problem_size",
		Help: "Problem size N of the last solve",
	})

	Solves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stp_solves_total",
		Help: "Solve calls by device and outcome",
	}, []string{"device", "outcome"})

	StageLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stp_stage_launches_total",
		Help: "Relaxation kernel launches by device",
	}, []string{"device"})
)
