// Package model contains the structures parsed from iperf3 output.
package model

import (
	"time"

	"github.com/ystartgo/iperfx/pkg/iperf/spec"
)

// Sample is one periodic throughput reading parsed from a single iperf3
// interval record (JSON) or interval line (plain text). Samples are
// produced in output order and never mutated after creation.
type Sample struct {
	// Series is the measurement series this sample belongs to.
	Series spec.Series `json:"series"`
	// Start and End are the interval boundaries in seconds since the
	// beginning of the run, as reported by iperf3.
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// Bytes is the number of bytes transferred during the interval.
	Bytes int64 `json:"bytes"`
	// BitsPerSecond is the measured throughput for the interval.
	BitsPerSecond float64 `json:"bits_per_second"`
	// Retransmits is the sender-side retransmission count for the
	// interval. TCP only.
	Retransmits int64 `json:"retransmits,omitempty"`
	// JitterMs and LostPercent are only set for UDP intervals.
	JitterMs    float64 `json:"jitter_ms,omitempty"`
	LostPercent float64 `json:"lost_percent,omitempty"`
	// ParsedAt is the wall-clock time the sample was parsed.
	ParsedAt time.Time `json:"parsed_at"`
}

// Mbps returns the interval throughput in megabits per second.
func (s Sample) Mbps() float64 {
	return s.BitsPerSecond / 1e6
}

// Summary holds the end-of-run aggregate reported by iperf3, or computed
// from the streamed samples when the subprocess died before reporting one.
type Summary struct {
	// SentBytes and SentBitsPerSecond describe the sender-side total.
	SentBytes         int64   `json:"sent_bytes"`
	SentBitsPerSecond float64 `json:"sent_bits_per_second"`
	// ReceivedBytes and ReceivedBitsPerSecond describe the receiver-side
	// total.
	ReceivedBytes         int64   `json:"received_bytes"`
	ReceivedBitsPerSecond float64 `json:"received_bits_per_second"`
	// Retransmits is the total sender retransmission count. TCP only.
	Retransmits int64 `json:"retransmits,omitempty"`
	// JitterMs, LostPackets and LostPercent are only set for UDP runs.
	JitterMs    float64 `json:"jitter_ms,omitempty"`
	LostPackets int64   `json:"lost_packets,omitempty"`
	LostPercent float64 `json:"lost_percent,omitempty"`
	// Computed is true when the summary was derived from the streamed
	// samples rather than reported by iperf3.
	Computed bool `json:"computed,omitempty"`
}

//
// Wire structures matching the iperf3 --json output document. Only the
// fields this tool consumes are mapped; unknown fields are ignored by
// encoding/json.
//

// Document is the top-level iperf3 JSON output object.
type Document struct {
	Start     Start      `json:"start"`
	Intervals []Interval `json:"intervals"`
	End       End        `json:"end"`
	// Error is set by iperf3 when the run failed (e.g. connection
	// refused). When present, every other field may be empty.
	Error string `json:"error"`
}

// Start describes the connection setup phase.
type Start struct {
	Connected []Connected `json:"connected"`
	Version   string      `json:"version"`
	TestStart TestStart   `json:"test_start"`
}

// Connected describes one established flow.
type Connected struct {
	Socket     int64  `json:"socket"`
	LocalHost  string `json:"local_host"`
	LocalPort  int64  `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int64  `json:"remote_port"`
}

// TestStart echoes the negotiated test parameters.
type TestStart struct {
	Protocol   string `json:"protocol"`
	NumStreams int64  `json:"num_streams"`
	Duration   int64  `json:"duration"`
	Reverse    int64  `json:"reverse"`
}

// Interval is one periodic report. Sum aggregates all streams; SumSent
// and SumReceived are present for bidirectional runs.
type Interval struct {
	Streams     []StreamStat `json:"streams"`
	Sum         *StreamStat  `json:"sum"`
	SumSent     *StreamStat  `json:"sum_sent"`
	SumReceived *StreamStat  `json:"sum_received"`
}

// End is the final report.
type End struct {
	Streams     []EndStream `json:"streams"`
	Sum         *StreamStat `json:"sum"`
	SumSent     *StreamStat `json:"sum_sent"`
	SumReceived *StreamStat `json:"sum_received"`
}

// EndStream is the per-stream final report.
type EndStream struct {
	Sender   *StreamStat `json:"sender"`
	Receiver *StreamStat `json:"receiver"`
	UDP      *StreamStat `json:"udp"`
}

// StreamStat is the common shape iperf3 uses for interval and end sums,
// for both TCP and UDP.
type StreamStat struct {
	Socket        int64   `json:"socket,omitempty"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Seconds       float64 `json:"seconds"`
	Bytes         int64   `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	Retransmits   int64   `json:"retransmits,omitempty"`
	JitterMs      float64 `json:"jitter_ms,omitempty"`
	LostPackets   int64   `json:"lost_packets,omitempty"`
	Packets       int64   `json:"packets,omitempty"`
	LostPercent   float64 `json:"lost_percent,omitempty"`
	Omitted       bool    `json:"omitted,omitempty"`
	Sender        bool    `json:"sender,omitempty"`
}
