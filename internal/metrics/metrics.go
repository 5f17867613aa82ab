// Package metrics defines the Prometheus metrics exported by iperfx.
// They are served by the prometheusx sidecar listener started in main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts subprocess launches that succeeded.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iperfx_runs_started_total",
		Help: "Number of iperf3 runs launched.",
	})

	// RunsEnded counts terminated runs by terminal state.
	RunsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iperfx_runs_ended_total",
		Help: "Number of iperf3 runs ended, by terminal state.",
	}, []string{"state"})

	// SamplesParsed counts samples produced by the output parser.
	SamplesParsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iperfx_samples_parsed_total",
		Help: "Number of samples parsed from iperf3 output.",
	})

	// MalformedLines counts output lines the parser skipped.
	MalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iperfx_malformed_lines_total",
		Help: "Number of malformed iperf3 output lines skipped.",
	})

	// ArtifactWrites counts persisted artifact sets by outcome.
	ArtifactWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iperfx_artifact_writes_total",
		Help: "Number of result artifact set writes, by outcome.",
	}, []string{"outcome"})
)
