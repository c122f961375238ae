package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"facestream/server/codec"
	"facestream/server/interp"
	"facestream/server/logging"
	"facestream/server/quality"
	"facestream/server/registry"
	"facestream/server/scheduler"
)

// Applier is the renderer adapter: the pure side-effect sink that writes
// final floats into the mesh binding. Errors are logged and skipped, never
// fatal to the pipeline.
type Applier interface {
	Apply(channelID string, value float64) error
	ApplyState(name, value string) error
}

const (
	eventProtocolError logging.EventType = "pipeline.protocol_error"
	eventEarlyDelta    logging.EventType = "pipeline.delta_before_keyframe"
	eventApplyFailed   logging.EventType = "pipeline.apply_failed"
	eventDeferred      logging.EventType = "scheduler.deferred"
)

// Config assembles a pipeline. Registry and Applier are required.
type Config struct {
	Registry   *registry.Registry
	Applier    Applier
	Controller *quality.Controller
	Publisher  logging.Publisher

	DecayTimeout  time.Duration
	DecayDuration time.Duration
	// ObserveInterval is the controller aggregation window, default 1s.
	ObserveInterval time.Duration
}

// Pipeline is the per-tick chain decode → admit → setTarget/sample → apply.
// It runs on a single logical thread; the inbox is the only concurrent
// boundary.
type Pipeline struct {
	registry   *registry.Registry
	decoder    *codec.Decoder
	scheduler  *scheduler.Scheduler
	buffer     *interp.Buffer
	controller *quality.Controller
	applier    Applier
	pub        logging.Publisher
	inbox      *Inbox

	tick        uint64
	distance    atomic.Uint64
	appliedTier scheduler.Tier

	observeEvery   time.Duration
	lastObserve    time.Time
	windowTicks    int
	windowMillis   float64
	windowAdmitted int
	windowDeferred int

	stats Stats
}

// New wires the pipeline stages together under the controller's starting
// preset.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pipeline: registry is required")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("pipeline: applier is required")
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("pipeline: quality controller is required")
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if cfg.ObserveInterval <= 0 {
		cfg.ObserveInterval = time.Second
	}

	preset := cfg.Controller.Preset()
	p := &Pipeline{
		registry:     cfg.Registry,
		decoder:      codec.NewDecoder(cfg.Registry, pub),
		scheduler:    scheduler.New(cfg.Registry, preset),
		buffer:       interp.New(preset.TransitionDuration, cfg.DecayTimeout, cfg.DecayDuration),
		controller:   cfg.Controller,
		applier:      cfg.Applier,
		pub:          pub,
		inbox:        NewInbox(),
		appliedTier:  preset.Tier,
		observeEvery: cfg.ObserveInterval,
	}
	return p, nil
}

// Inbox exposes the transport hand-off point.
func (p *Pipeline) Inbox() *Inbox {
	return p.inbox
}

// Push files an encoded snapshot for the next tick.
func (p *Pipeline) Push(raw []byte) {
	p.inbox.Push(raw)
}

// SetDistance updates the viewer distance the scheduler's LOD bands are
// evaluated against. Callable from transport goroutines.
func (p *Pipeline) SetDistance(d float64) {
	if d >= 0 {
		p.distance.Store(math.Float64bits(d))
	}
}

// Distance returns the current viewer distance.
func (p *Pipeline) Distance() float64 {
	return math.Float64frombits(p.distance.Load())
}

// Tick runs one full pipeline pass at the given frame clock instant.
func (p *Pipeline) Tick(now time.Time) {
	started := time.Now()

	merged := map[string]float64{}
	var states map[string]string
	decoded := 0
	for _, raw := range p.inbox.Drain() {
		snap, err := p.decoder.Decode(raw)
		if err != nil {
			p.recordDecodeError(err)
			continue
		}
		decoded++
		p.stats.framesDecoded.Add(1)
		framesDecodedTotal.Inc()
		for id, v := range snap.Channels {
			merged[id] = v
		}
		if len(snap.States) > 0 {
			if states == nil {
				states = make(map[string]string, len(snap.States))
			}
			for k, v := range snap.States {
				states[k] = v
			}
		}
	}

	if decoded > 0 {
		// An accepted frame vouches for the whole folded state: every
		// channel in it counts as live and is re-offered to admission,
		// restated or not. The decoded diff entries keep precedence so a
		// keyframe retirement stays an explicit zero.
		for id, v := range p.decoder.State() {
			p.buffer.Touch(id, now)
			if _, ok := merged[id]; !ok {
				merged[id] = v
			}
		}
	}

	admitted := 0
	deferred := 0
	if len(merged) > 0 {
		targets := p.scheduler.Admit(codec.Snapshot{Channels: merged}, scheduler.Context{
			Distance: p.Distance(),
			Tick:     p.tick,
		})
		for id, v := range targets {
			p.buffer.SetTarget(id, v, now)
		}
		admitted = len(targets)
		deferred = len(merged) - admitted
		channelsAdmittedTotal.Add(float64(admitted))
		channelsDeferredTotal.Add(float64(deferred))
		if deferred > 0 {
			p.pub.Publish(context.Background(), logging.Event{
				Type:      eventDeferred,
				Tick:      p.tick,
				Component: logging.ComponentScheduler,
				Severity:  logging.SeverityDebug,
				Payload:   map[string]int{"admitted": admitted, "deferred": deferred},
			})
		}
	}
	for name, value := range states {
		if err := p.applier.ApplyState(name, value); err != nil {
			p.recordApplyError("", err)
		}
	}

	p.buffer.Each(now, func(id string, value float64) {
		if err := p.applier.Apply(id, value); err != nil {
			p.recordApplyError(id, err)
		}
	})
	for _, id := range p.buffer.TakeDecayed() {
		p.scheduler.Forget(id)
	}

	p.tick++
	elapsed := time.Since(started)
	p.stats.ticks.Add(1)
	p.stats.lastTickMicros.Store(elapsed.Microseconds())
	tickDurationGauge.Set(float64(elapsed.Microseconds()) / 1000)

	p.observe(now, elapsed, admitted, deferred)
}

// observe aggregates tick telemetry and feeds the quality controller once
// per observation window, applying any preset change it decides on.
func (p *Pipeline) observe(now time.Time, elapsed time.Duration, admitted, deferred int) {
	p.windowTicks++
	p.windowMillis += float64(elapsed.Microseconds()) / 1000
	p.windowAdmitted += admitted
	p.windowDeferred += deferred

	if p.lastObserve.IsZero() {
		p.lastObserve = now
		return
	}
	if now.Sub(p.lastObserve) < p.observeEvery {
		return
	}

	avgMs := p.windowMillis / float64(p.windowTicks)
	p.controller.Observe(avgMs, p.windowAdmitted, p.windowDeferred)
	p.lastObserve = now
	p.windowTicks = 0
	p.windowMillis = 0
	p.windowAdmitted = 0
	p.windowDeferred = 0

	snapshot := p.controller.MetricsSnapshot()
	fpsGauge.Set(snapshot.FPS)

	preset := p.controller.Preset()
	if preset.Tier != p.appliedTier {
		p.scheduler.SwapPreset(preset)
		p.buffer.SetTransitionDuration(preset.TransitionDuration)
		p.appliedTier = preset.Tier
		qualityTierGauge.Set(float64(tierIndex(preset.Tier)))
	}
}

func tierIndex(tier scheduler.Tier) int {
	for i, t := range scheduler.TierOrder {
		if t == tier {
			return i
		}
	}
	return 0
}

func (p *Pipeline) recordDecodeError(err error) {
	framesDroppedTotal.Inc()
	var decodeErr *codec.DecodeError
	switch {
	case errors.As(err, &decodeErr):
		p.stats.protocolErrors.Add(1)
		p.pub.Publish(context.Background(), logging.Event{
			Type:      eventProtocolError,
			Tick:      p.tick,
			Component: logging.ComponentPipeline,
			Severity:  logging.SeverityWarn,
			Payload:   err.Error(),
		})
	case errors.Is(err, codec.ErrDeltaBeforeKeyframe):
		p.stats.semanticErrors.Add(1)
		p.pub.Publish(context.Background(), logging.Event{
			Type:      eventEarlyDelta,
			Tick:      p.tick,
			Component: logging.ComponentPipeline,
			Severity:  logging.SeverityWarn,
		})
	case errors.Is(err, codec.ErrStaleSequence):
		p.stats.staleFrames.Add(1)
	default:
		p.stats.protocolErrors.Add(1)
	}
}

func (p *Pipeline) recordApplyError(channel string, err error) {
	p.stats.applyErrors.Add(1)
	p.pub.Publish(context.Background(), logging.Event{
		Type:      eventApplyFailed,
		Tick:      p.tick,
		Component: logging.ComponentPipeline,
		Channel:   channel,
		Severity:  logging.SeverityWarn,
		Payload:   err.Error(),
	})
}

// Run drives Tick from a wall-clock ticker until stop closes, the way the
// host render loop would.
func (p *Pipeline) Run(stop <-chan struct{}, tickRate int) {
	if tickRate <= 0 {
		tickRate = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			p.Tick(now)
		}
	}
}

// Tier reports the tier the scheduler and buffer currently run under.
func (p *Pipeline) Tier() scheduler.Tier {
	return p.appliedTier
}

// SchedulerStats exposes cumulative admission counters.
func (p *Pipeline) SchedulerStats() scheduler.Stats {
	return p.scheduler.Stats()
}

// Snapshot returns the pipeline's cumulative counters.
func (p *Pipeline) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesDecoded:   p.stats.framesDecoded.Load(),
		ProtocolErrors:  p.stats.protocolErrors.Load(),
		SemanticErrors:  p.stats.semanticErrors.Load(),
		StaleFrames:     p.stats.staleFrames.Load(),
		ApplyErrors:     p.stats.applyErrors.Load(),
		Ticks:           p.stats.ticks.Load(),
		LastTickMicros:  p.stats.lastTickMicros.Load(),
		InboxDropped:    p.inbox.Dropped(),
		DecayedChannels: p.buffer.Decayed(),
	}
}

// ControllerMetrics exposes the quality controller's rolling aggregates.
func (p *Pipeline) ControllerMetrics() quality.MetricsSnapshot {
	return p.controller.MetricsSnapshot()
}

// Close tears the session down: all pending interpolation state is dropped
// without settling transitions.
func (p *Pipeline) Close() {
	p.buffer.Reset()
	p.scheduler.Reset()
	p.decoder.Reset()
}
