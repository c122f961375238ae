package main

import (
	"sync/atomic"

	"facestream/server/pipeline"
	"facestream/server/quality"
)

// telemetryCounters tracks the hub-side transport counters. The pipeline
// keeps its own; the diagnostics endpoint combines both.
type telemetryCounters struct {
	bytesBroadcast  atomic.Uint64
	framesBroadcast atomic.Uint64
	framesIngested  atomic.Uint64
	broadcastErrors atomic.Uint64
	subscribers     atomic.Int64
}

type telemetrySnapshot struct {
	BytesBroadcast  uint64 `json:"bytesBroadcast"`
	FramesBroadcast uint64 `json:"framesBroadcast"`
	FramesIngested  uint64 `json:"framesIngested"`
	BroadcastErrors uint64 `json:"broadcastErrors"`
	Subscribers     int64  `json:"subscribers"`
}

func newTelemetryCounters() *telemetryCounters {
	return &telemetryCounters{}
}

func (t *telemetryCounters) RecordBroadcast(bytes, subscribers int) {
	if bytes < 0 {
		bytes = 0
	}
	t.bytesBroadcast.Add(uint64(bytes) * uint64(subscribers))
	t.framesBroadcast.Add(1)
}

func (t *telemetryCounters) RecordIngest() {
	t.framesIngested.Add(1)
}

func (t *telemetryCounters) RecordBroadcastError() {
	t.broadcastErrors.Add(1)
}

func (t *telemetryCounters) SubscriberJoined() {
	t.subscribers.Add(1)
}

func (t *telemetryCounters) SubscriberLeft() {
	t.subscribers.Add(-1)
}

func (t *telemetryCounters) Snapshot() telemetrySnapshot {
	return telemetrySnapshot{
		BytesBroadcast:  t.bytesBroadcast.Load(),
		FramesBroadcast: t.framesBroadcast.Load(),
		FramesIngested:  t.framesIngested.Load(),
		BroadcastErrors: t.broadcastErrors.Load(),
		Subscribers:     t.subscribers.Load(),
	}
}

// diagnosticsPayload is the full JSON record served on /diagnostics: the
// periodic structured {tier, fps, admitted, dropped} record plus counters.
type diagnosticsPayload struct {
	Status     string                  `json:"status"`
	ServerTime int64                   `json:"serverTime"`
	Tier       string                  `json:"tier"`
	Metrics    quality.MetricsSnapshot `json:"metrics"`
	Pipeline   pipeline.StatsSnapshot  `json:"pipeline"`
	Transport  telemetrySnapshot       `json:"transport"`
	TickRate   int                     `json:"tickRate"`
}
