package pipeline

import (
	"sync"
	"sync/atomic"

	"facestream/server/codec"
)

// Inbox is the single asynchronous boundary of the pipeline: transport
// goroutines push encoded snapshots, the tick loop drains them. Because a
// delta is cumulative against the most recent keyframe, at most one keyframe
// and one trailing delta ever need to be retained between ticks; anything
// older is stale and dropped.
type Inbox struct {
	mu       sync.Mutex
	keyframe []byte
	delta    []byte
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

func NewInbox() *Inbox {
	return &Inbox{}
}

// Push files an encoded frame into its retention slot. Frames whose kind tag
// cannot be read are rejected here so the tick loop never sees them.
func (in *Inbox) Push(raw []byte) {
	kind, err := codec.PeekKind(raw)
	if err != nil {
		in.rejected.Add(1)
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	switch kind {
	case codec.KindKeyframe:
		if in.keyframe != nil {
			in.dropped.Add(1)
		}
		if in.delta != nil {
			in.dropped.Add(1)
			in.delta = nil
		}
		in.keyframe = raw
	case codec.KindDelta:
		if in.delta != nil {
			in.dropped.Add(1)
		}
		in.delta = raw
	}
}

// Drain returns the retained frames in decode order (keyframe first) and
// clears the slots.
func (in *Inbox) Drain() [][]byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.keyframe == nil && in.delta == nil {
		return nil
	}
	frames := make([][]byte, 0, 2)
	if in.keyframe != nil {
		frames = append(frames, in.keyframe)
		in.keyframe = nil
	}
	if in.delta != nil {
		frames = append(frames, in.delta)
		in.delta = nil
	}
	return frames
}

// Dropped reports how many stale intermediate frames were discarded.
func (in *Inbox) Dropped() uint64 {
	return in.dropped.Load()
}

// Rejected reports how many frames failed the kind sniff.
func (in *Inbox) Rejected() uint64 {
	return in.rejected.Load()
}
