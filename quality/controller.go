package quality

import (
	"context"
	"fmt"
	"sync/atomic"

	"facestream/server/logging"
	"facestream/server/scheduler"
)

const (
	// defaultDegradeAfter is how many consecutive over-budget windows it
	// takes to drop a tier.
	defaultDegradeAfter = 2
	// defaultUpgradeAfter is how many consecutive comfortably-under-budget
	// windows it takes to climb one. Larger than degradeAfter: stability
	// wins over responsiveness.
	defaultUpgradeAfter = 5
	// defaultHeadroom scales the budget for the upgrade test; frame time
	// must sit below budget*headroom to count as comfortable.
	defaultHeadroom = 0.75

	defaultWindowSize = 60
)

const eventTierChange logging.EventType = "quality.tier_change"

// Options tune the controller's hysteresis.
type Options struct {
	DegradeAfter int
	UpgradeAfter int
	Headroom     float64
	WindowSize   int
}

// Controller observes realized frame time per aggregation window and walks
// the quality tiers one step at a time. A tier change is an atomic swap of
// the active preset reference; in-flight interpolations are untouched, only
// future scheduling decisions change.
type Controller struct {
	order   []scheduler.Tier
	presets map[scheduler.Tier]scheduler.Preset
	current int
	active  atomic.Pointer[scheduler.Preset]

	metrics *Metrics
	pub     logging.Publisher

	degradeAfter int
	upgradeAfter int
	headroom     float64

	overStreak  int
	underStreak int
	tierChanges atomic.Uint64
}

// New builds a controller over the given presets, starting at start. Every
// tier in scheduler.TierOrder must have a preset.
func New(presets map[scheduler.Tier]scheduler.Preset, start scheduler.Tier, pub logging.Publisher, opts Options) (*Controller, error) {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	order := scheduler.TierOrder
	for _, tier := range order {
		if _, ok := presets[tier]; !ok {
			return nil, fmt.Errorf("quality: missing preset for tier %q", tier)
		}
	}
	current := -1
	for i, tier := range order {
		if tier == start {
			current = i
			break
		}
	}
	if current < 0 {
		return nil, fmt.Errorf("quality: unknown start tier %q", start)
	}
	if opts.DegradeAfter <= 0 {
		opts.DegradeAfter = defaultDegradeAfter
	}
	if opts.UpgradeAfter <= 0 {
		opts.UpgradeAfter = defaultUpgradeAfter
	}
	if opts.UpgradeAfter <= opts.DegradeAfter {
		opts.UpgradeAfter = opts.DegradeAfter + 1
	}
	if opts.Headroom <= 0 || opts.Headroom >= 1 {
		opts.Headroom = defaultHeadroom
	}

	c := &Controller{
		order:        order,
		presets:      presets,
		current:      current,
		metrics:      NewMetrics(opts.WindowSize),
		pub:          pub,
		degradeAfter: opts.DegradeAfter,
		upgradeAfter: opts.UpgradeAfter,
		headroom:     opts.Headroom,
	}
	preset := presets[start]
	c.active.Store(&preset)
	return c, nil
}

// Preset returns the active preset reference. Safe to call from the tick
// loop while Observe runs elsewhere; the swap is atomic.
func (c *Controller) Preset() scheduler.Preset {
	return *c.active.Load()
}

// Tier returns the active tier.
func (c *Controller) Tier() scheduler.Tier {
	return c.active.Load().Tier
}

// Observe feeds one aggregation window of render-loop telemetry into the
// tier state machine. frameTimeMs is the window's average realized frame
// time. At most one tier step happens per observation.
func (c *Controller) Observe(frameTimeMs float64, admitted, dropped int) {
	c.metrics.Record(frameTimeMs, admitted, dropped)

	budget := float64(c.presets[c.order[c.current]].FrameBudget.Milliseconds())
	switch {
	case frameTimeMs > budget:
		c.overStreak++
		c.underStreak = 0
	case frameTimeMs < budget*c.headroom:
		c.underStreak++
		c.overStreak = 0
	default:
		c.overStreak = 0
		c.underStreak = 0
	}

	if c.overStreak >= c.degradeAfter && c.current > 0 {
		c.step(c.current - 1)
		return
	}
	if c.underStreak >= c.upgradeAfter && c.current < len(c.order)-1 {
		c.step(c.current + 1)
	}
}

func (c *Controller) step(next int) {
	from := c.order[c.current]
	to := c.order[next]
	c.current = next
	preset := c.presets[to]
	c.active.Store(&preset)
	c.overStreak = 0
	c.underStreak = 0
	c.tierChanges.Add(1)
	c.pub.Publish(context.Background(), logging.Event{
		Type:      eventTierChange,
		Component: logging.ComponentQuality,
		Severity:  logging.SeverityInfo,
		Payload:   map[string]any{"from": from, "to": to},
	})
}

// TierChanges reports how many tier transitions have happened.
func (c *Controller) TierChanges() uint64 {
	return c.tierChanges.Load()
}

// MetricsSnapshot exposes the rolling window aggregates read-only.
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}
