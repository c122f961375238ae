package pipeline

import (
	"testing"

	"facestream/server/codec"
)

func frame(t *testing.T, kind codec.Kind, seq uint64) []byte {
	t.Helper()
	data, err := codec.Marshal(codec.Snapshot{Kind: kind, Sequence: seq})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestInboxKeepsLatestDeltaOnly(t *testing.T) {
	in := NewInbox()
	in.Push(frame(t, codec.KindKeyframe, 1))
	in.Push(frame(t, codec.KindDelta, 2))
	in.Push(frame(t, codec.KindDelta, 3))
	in.Push(frame(t, codec.KindDelta, 4))

	frames := in.Drain()
	if len(frames) != 2 {
		t.Fatalf("Drain returned %d frames, want keyframe + latest delta", len(frames))
	}
	if kind, _ := codec.PeekKind(frames[0]); kind != codec.KindKeyframe {
		t.Fatalf("first drained frame = %q, want keyframe", kind)
	}
	if in.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2 superseded deltas", in.Dropped())
	}
}

func TestInboxKeyframeSupersedesPendingState(t *testing.T) {
	in := NewInbox()
	in.Push(frame(t, codec.KindKeyframe, 1))
	in.Push(frame(t, codec.KindDelta, 2))
	in.Push(frame(t, codec.KindKeyframe, 3))

	frames := in.Drain()
	if len(frames) != 1 {
		t.Fatalf("a fresh keyframe invalidates everything before it, got %d frames", len(frames))
	}
	if kind, _ := codec.PeekKind(frames[0]); kind != codec.KindKeyframe {
		t.Fatalf("drained frame = %q, want keyframe", kind)
	}
	if in.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", in.Dropped())
	}
}

func TestInboxRejectsUnreadableFrames(t *testing.T) {
	in := NewInbox()
	in.Push([]byte{0xc1, 0x00})
	if in.Rejected() != 1 {
		t.Fatalf("Rejected = %d, want 1", in.Rejected())
	}
	if frames := in.Drain(); frames != nil {
		t.Fatalf("rejected frame must not be retained, got %v", frames)
	}
}

func TestInboxDrainClearsSlots(t *testing.T) {
	in := NewInbox()
	in.Push(frame(t, codec.KindKeyframe, 1))
	if got := len(in.Drain()); got != 1 {
		t.Fatalf("first drain = %d frames, want 1", got)
	}
	if frames := in.Drain(); frames != nil {
		t.Fatalf("second drain should be empty, got %v", frames)
	}
}
