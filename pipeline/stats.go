package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesDecodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facestream_frames_decoded_total",
			Help: "Total number of snapshot frames decoded",
		},
	)

	framesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facestream_frames_dropped_total",
			Help: "Total number of snapshot frames dropped (malformed, stale or early delta)",
		},
	)

	channelsAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facestream_channels_admitted_total",
			Help: "Total number of channel updates admitted by the scheduler",
		},
	)

	channelsDeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facestream_channels_deferred_total",
			Help: "Total number of channel updates deferred by the scheduler",
		},
	)

	tickDurationGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facestream_tick_duration_ms",
			Help: "Realized duration of the last pipeline tick in milliseconds",
		},
	)

	fpsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facestream_fps",
			Help: "Frames per second implied by the rolling average tick duration",
		},
	)

	qualityTierGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facestream_quality_tier",
			Help: "Active quality tier as an index into low/medium/high/ultra",
		},
	)
)

// Stats are the pipeline's cumulative counters. Atomics, because the
// diagnostics endpoint reads them while the tick loop writes.
type Stats struct {
	framesDecoded  atomic.Uint64
	protocolErrors atomic.Uint64
	semanticErrors atomic.Uint64
	staleFrames    atomic.Uint64
	applyErrors    atomic.Uint64
	ticks          atomic.Uint64
	lastTickMicros atomic.Int64
}

// StatsSnapshot is the JSON view served by the diagnostics endpoint.
type StatsSnapshot struct {
	FramesDecoded   uint64 `json:"framesDecoded"`
	ProtocolErrors  uint64 `json:"protocolErrors"`
	SemanticErrors  uint64 `json:"semanticErrors"`
	StaleFrames     uint64 `json:"staleFrames"`
	ApplyErrors     uint64 `json:"applyErrors"`
	Ticks           uint64 `json:"ticks"`
	LastTickMicros  int64  `json:"lastTickMicros"`
	InboxDropped    uint64 `json:"inboxDropped"`
	DecayedChannels uint64 `json:"decayedChannels"`
}
