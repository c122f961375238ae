package interp

import (
	"sort"
	"time"
)

const (
	// DefaultTransitionDuration matches a 20 Hz producer so interpolation
	// exactly bridges nominal inter-message gaps.
	DefaultTransitionDuration = 50 * time.Millisecond
	// DefaultDecayTimeout is how long a channel may go without a fresh
	// target before it is eased back to rest.
	DefaultDecayTimeout = 500 * time.Millisecond
	// DefaultDecayDuration is the length of the ease-out once decay starts.
	DefaultDecayDuration = 100 * time.Millisecond
)

// channelState holds the transition bookkeeping for one channel. It is owned
// exclusively by the Buffer and mutated only on admission of a new target or
// when the decay timeout fires.
type channelState struct {
	previous   float64
	target     float64
	start      time.Time
	duration   time.Duration
	lastTarget time.Time
	decaying   bool
}

// Buffer turns irregular admitted targets into a continuously eased value
// for every rendered frame. Channels that stop receiving targets decay back
// to zero after a timeout so an expression never sticks when the producer
// goes quiet without an explicit reset.
type Buffer struct {
	states          map[string]*channelState
	duration        time.Duration
	decayTimeout    time.Duration
	decayDuration   time.Duration
	decayed         uint64
	recentlyDecayed []string
}

// New builds a buffer. Zero durations fall back to the defaults.
func New(transitionDuration, decayTimeout, decayDuration time.Duration) *Buffer {
	if transitionDuration <= 0 {
		transitionDuration = DefaultTransitionDuration
	}
	if decayTimeout <= 0 {
		decayTimeout = DefaultDecayTimeout
	}
	if decayDuration <= 0 {
		decayDuration = DefaultDecayDuration
	}
	return &Buffer{
		states:        make(map[string]*channelState),
		duration:      transitionDuration,
		decayTimeout:  decayTimeout,
		decayDuration: decayDuration,
	}
}

// SetTransitionDuration retunes future transitions; the quality controller
// calls this on tier changes. Transitions already in flight keep their
// original duration.
func (b *Buffer) SetTransitionDuration(d time.Duration) {
	if d > 0 {
		b.duration = d
	}
}

// SetTarget starts a transition toward value. If a transition is already in
// flight the currently interpolated value, not the old target, becomes the
// starting point, so retargeting mid-transition never produces a visual
// discontinuity.
func (b *Buffer) SetTarget(id string, value float64, now time.Time) {
	st, ok := b.states[id]
	if !ok {
		st = &channelState{}
		b.states[id] = st
	} else {
		st.previous = b.value(st, now)
	}
	st.target = value
	st.start = now
	st.duration = b.duration
	st.lastTarget = now
	st.decaying = false
}

// Touch records that the producer restated a channel without changing it. A
// restated value is a liveness signal, not a new transition: only the decay
// deadline moves, any transition in flight is untouched.
func (b *Buffer) Touch(id string, now time.Time) {
	st, ok := b.states[id]
	if !ok || st.decaying {
		return
	}
	if now.After(st.lastTarget) {
		st.lastTarget = now
	}
}

// Sample returns the eased value of a channel at the given instant. Unknown
// channels sample as 0. Settled channels are constant-time lookups until the
// next SetTarget.
func (b *Buffer) Sample(id string, now time.Time) float64 {
	st, ok := b.states[id]
	if !ok {
		return 0
	}
	b.maybeDecay(id, st, now)
	return b.value(st, now)
}

// maybeDecay reroutes an abandoned channel toward zero. The decay transition
// is anchored at lastTarget+decayTimeout, not at the sampling instant, so
// convergence does not depend on how often the channel is sampled.
func (b *Buffer) maybeDecay(id string, st *channelState, now time.Time) {
	if st.decaying {
		return
	}
	deadline := st.lastTarget.Add(b.decayTimeout)
	if now.Before(deadline) || now.Equal(deadline) {
		return
	}
	if st.target == 0 && b.value(st, deadline) == 0 {
		return
	}
	st.previous = b.value(st, deadline)
	st.target = 0
	st.start = deadline
	st.duration = b.decayDuration
	st.decaying = true
	b.decayed++
	b.recentlyDecayed = append(b.recentlyDecayed, id)
}

func (b *Buffer) value(st *channelState, now time.Time) float64 {
	if st.duration <= 0 {
		return st.target
	}
	elapsed := now.Sub(st.start)
	if elapsed <= 0 {
		return st.previous
	}
	if elapsed >= st.duration {
		return st.target
	}
	t := float64(elapsed) / float64(st.duration)
	return st.previous + (st.target-st.previous)*easeInOutCubic(t)
}

// easeInOutCubic is the symmetric cubic: 4t³ below the midpoint, mirrored
// above it.
func easeInOutCubic(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	if t < 0.5 {
		return 4 * t * t * t
	}
	u := -2*t + 2
	return 1 - u*u*u/2
}

// Each samples every tracked channel at the given instant in a stable order.
// Channels that have settled at rest are pruned so the buffer never grows
// beyond the channels that actually moved recently.
func (b *Buffer) Each(now time.Time, fn func(id string, value float64)) {
	ids := make([]string, 0, len(b.states))
	for id := range b.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := b.states[id]
		b.maybeDecay(id, st, now)
		v := b.value(st, now)
		fn(id, v)
		if v == 0 && st.target == 0 && now.Sub(st.start) >= st.duration {
			delete(b.states, id)
		}
	}
}

// Len reports how many channels currently carry transition state.
func (b *Buffer) Len() int {
	return len(b.states)
}

// Decayed reports how many decay transitions have been started.
func (b *Buffer) Decayed() uint64 {
	return b.decayed
}

// TakeDecayed returns the channels whose decay started since the last call,
// so admission state tracking the pre-decay value can be invalidated.
func (b *Buffer) TakeDecayed() []string {
	ids := b.recentlyDecayed
	b.recentlyDecayed = nil
	return ids
}

// Reset drops all transition state without settling, used on teardown.
func (b *Buffer) Reset() {
	b.states = make(map[string]*channelState)
	b.recentlyDecayed = nil
}
