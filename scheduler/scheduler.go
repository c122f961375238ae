package scheduler

import (
	"math"
	"sync/atomic"

	"facestream/server/codec"
	"facestream/server/registry"
)

// ActivationEpsilon bounds the active-channel set: a channel enters when its
// admitted value rises above it and leaves when it decays below it. The
// admission cap is measured against this set, not the instantaneous snapshot
// size.
const ActivationEpsilon = 0.01

// Context carries the per-tick admission inputs.
type Context struct {
	Distance float64
	Tick     uint64
}

// Stats counts admission outcomes. Deferrals are an expected steady-state
// condition, not an error.
type Stats struct {
	Admitted uint64
	Deferred uint64
}

// Scheduler decides, per tick, which channels of an incoming snapshot are
// worth forwarding to the interpolation buffer. Priority channels always
// pass; non-priority channels are gated by stride, perceptual threshold and
// the active-channel cap.
type Scheduler struct {
	registry *registry.Registry
	preset   atomic.Pointer[Preset]

	lastAdmitted map[string]float64
	active       map[string]struct{}

	admitted atomic.Uint64
	deferred atomic.Uint64
}

// New builds a scheduler with the given starting preset.
func New(reg *registry.Registry, preset Preset) *Scheduler {
	s := &Scheduler{
		registry:     reg,
		lastAdmitted: make(map[string]float64),
		active:       make(map[string]struct{}),
	}
	s.preset.Store(&preset)
	return s
}

// Preset returns the active preset.
func (s *Scheduler) Preset() Preset {
	return *s.preset.Load()
}

// SwapPreset atomically installs a new preset. In-flight admission state
// (last values, active set) carries over; only future decisions change.
func (s *Scheduler) SwapPreset(preset Preset) {
	s.preset.Store(&preset)
}

// Admit filters a decoded snapshot down to the channels admitted this tick.
// It never fails: channels that lose admission are silently deferred and
// their last interpolation target simply stays in place.
func (s *Scheduler) Admit(snapshot codec.Snapshot, ctx Context) map[string]float64 {
	preset := s.preset.Load()
	stride := preset.StrideFor(ctx.Distance)

	admitted := make(map[string]float64, len(snapshot.Channels))
	deferred := uint64(0)

	for id, value := range snapshot.Channels {
		if s.registry.IsPriority(id) {
			s.admit(admitted, id, value)
			continue
		}
		if stride > 1 && ctx.Tick%uint64(stride) != 0 {
			deferred++
			continue
		}
		if math.Abs(value-s.lastAdmitted[id]) < preset.UpdateThreshold {
			deferred++
			continue
		}
		_, isActive := s.active[id]
		if !isActive && len(s.active) >= preset.MaxActiveChannels {
			deferred++
			continue
		}
		s.admit(admitted, id, value)
	}

	s.admitted.Add(uint64(len(admitted)))
	s.deferred.Add(deferred)
	return admitted
}

func (s *Scheduler) admit(admitted map[string]float64, id string, value float64) {
	admitted[id] = value
	s.lastAdmitted[id] = value
	if value > ActivationEpsilon {
		s.active[id] = struct{}{}
	} else {
		delete(s.active, id)
	}
}

// Forget drops a channel's admission history. Called when the interpolation
// buffer decays the channel to rest: the next producer value must be measured
// against rest, not against the value the channel carried before the decay.
func (s *Scheduler) Forget(id string) {
	delete(s.lastAdmitted, id)
	delete(s.active, id)
}

// ActiveCount reports the size of the active-channel set.
func (s *Scheduler) ActiveCount() int {
	return len(s.active)
}

// Stats returns the cumulative admission counters.
func (s *Scheduler) Stats() Stats {
	return Stats{Admitted: s.admitted.Load(), Deferred: s.deferred.Load()}
}

// Reset drops all admission state, e.g. on session teardown.
func (s *Scheduler) Reset() {
	s.lastAdmitted = make(map[string]float64)
	s.active = make(map[string]struct{})
}
