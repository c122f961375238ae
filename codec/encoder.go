package codec

import (
	"math"
	"time"
)

// WireEpsilon is the wire-level dedup threshold: a channel enters a delta
// only when it moved further than this from the reference keyframe. It is a
// fixed constant, independent of the perceptual update threshold the
// scheduler applies later.
const WireEpsilon = 0.001

const defaultKeyframeInterval = 30

// Stats tracks how much the delta encoding saves over sending full frames.
type Stats struct {
	Frames           uint64  `json:"frames"`
	Keyframes        uint64  `json:"keyframes"`
	DeltaFrames      uint64  `json:"deltaFrames"`
	ChannelsSent     uint64  `json:"channelsSent"`
	ChannelsPossible uint64  `json:"channelsPossible"`
	Ratio            float64 `json:"ratio"`
}

// Encoder turns per-frame channel maps into keyframe/delta snapshots. Deltas
// are expressed against the most recent keyframe so that any single delta,
// applied to that keyframe, reproduces the full state.
type Encoder struct {
	keyframeInterval int
	reference        map[string]float64
	frameCount       int
	force            bool
	sequence         uint64
	stats            Stats
}

// NewEncoder creates an encoder emitting a keyframe every interval frames.
func NewEncoder(keyframeInterval int) *Encoder {
	if keyframeInterval <= 0 {
		keyframeInterval = defaultKeyframeInterval
	}
	return &Encoder{keyframeInterval: keyframeInterval}
}

// ForceKeyframe makes the next encoded frame a keyframe, e.g. when a new
// receiver joins mid-stream.
func (e *Encoder) ForceKeyframe() {
	e.force = true
}

// EncodeFrame folds the current channel state into a snapshot. The first
// frame, every keyframeInterval-th frame, and any frame after ForceKeyframe
// becomes a keyframe carrying every channel with a non-negligible value;
// other frames become deltas against the reference keyframe. A channel
// present in the reference but faded from the current state is encoded with
// an explicit zero, since omission would read as "unchanged".
func (e *Encoder) EncodeFrame(current map[string]float64, states map[string]string, now time.Time) Snapshot {
	e.frameCount++
	e.sequence++
	isKeyframe := e.force || e.reference == nil || e.frameCount%e.keyframeInterval == 0
	e.force = false

	channels := make(map[string]float64)
	if isKeyframe {
		for id, v := range current {
			if math.Abs(v) > WireEpsilon {
				channels[id] = v
			}
		}
		e.reference = copyChannels(channels)
	} else {
		for id, v := range current {
			if math.Abs(v-e.reference[id]) > WireEpsilon {
				channels[id] = v
			}
		}
		for id, ref := range e.reference {
			if _, present := current[id]; present {
				continue
			}
			if math.Abs(ref) > WireEpsilon {
				channels[id] = 0
			}
		}
	}

	e.updateStats(isKeyframe, len(current), len(channels))

	kind := KindDelta
	if isKeyframe {
		kind = KindKeyframe
	}
	snap := Snapshot{
		Kind:      kind,
		Sequence:  e.sequence,
		Timestamp: now.UnixMilli(),
		Channels:  channels,
	}
	if len(states) > 0 {
		copied := make(map[string]string, len(states))
		for k, v := range states {
			copied[k] = v
		}
		snap.States = copied
	}
	return snap
}

func (e *Encoder) updateStats(keyframe bool, possible, sent int) {
	e.stats.Frames++
	if keyframe {
		e.stats.Keyframes++
	} else {
		e.stats.DeltaFrames++
	}
	e.stats.ChannelsSent += uint64(sent)
	e.stats.ChannelsPossible += uint64(possible)
	if e.stats.ChannelsPossible > 0 {
		e.stats.Ratio = 1 - float64(e.stats.ChannelsSent)/float64(e.stats.ChannelsPossible)
	}
}

// Stats returns the running compression statistics.
func (e *Encoder) Stats() Stats {
	return e.stats
}

// Reset clears the reference keyframe and counters, e.g. when the stream is
// torn down and restarted.
func (e *Encoder) Reset() {
	e.reference = nil
	e.frameCount = 0
	e.force = false
	e.stats = Stats{}
}
