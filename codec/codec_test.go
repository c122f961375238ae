package codec

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"facestream/server/logging"
	"facestream/server/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Definition{
		{ID: "V_Open", Priority: true},
		{ID: "Eye_Blink_L", Priority: true},
		{ID: "Mouth_Smile_L"},
		{ID: "Brow_Raise_L"},
		{ID: "Cheek_Puff"},
	}, map[string]string{"jawOpen": "V_Open"})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func encode(t *testing.T, snap Snapshot) []byte {
	t.Helper()
	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

func TestEncoderFirstFrameIsKeyframe(t *testing.T) {
	enc := NewEncoder(30)
	snap := enc.EncodeFrame(map[string]float64{"V_Open": 0.5}, nil, time.Now())
	if !snap.IsKeyframe() {
		t.Fatalf("first frame must be a keyframe, got %q", snap.Kind)
	}
	if snap.Channels["V_Open"] != 0.5 {
		t.Fatalf("keyframe lost channel value: %v", snap.Channels)
	}
}

func TestEncoderDeltaOmitsUnchangedChannels(t *testing.T) {
	enc := NewEncoder(30)
	now := time.Now()
	enc.EncodeFrame(map[string]float64{"V_Open": 0.5, "Mouth_Smile_L": 0.2}, nil, now)

	snap := enc.EncodeFrame(map[string]float64{"V_Open": 0.5, "Mouth_Smile_L": 0.6}, nil, now)
	if snap.IsKeyframe() {
		t.Fatalf("second frame should be a delta")
	}
	if _, ok := snap.Channels["V_Open"]; ok {
		t.Fatalf("unchanged channel must not appear in a delta")
	}
	if snap.Channels["Mouth_Smile_L"] != 0.6 {
		t.Fatalf("changed channel missing from delta: %v", snap.Channels)
	}
}

func TestEncoderEmitsExplicitZeroForVanishedChannel(t *testing.T) {
	enc := NewEncoder(30)
	now := time.Now()
	enc.EncodeFrame(map[string]float64{"V_Open": 0.5, "Mouth_Smile_L": 0.2}, nil, now)

	snap := enc.EncodeFrame(map[string]float64{"V_Open": 0.5}, nil, now)
	v, ok := snap.Channels["Mouth_Smile_L"]
	if !ok || v != 0 {
		t.Fatalf("vanished reference channel must be encoded as explicit zero, got %v (present=%v)", v, ok)
	}
}

func TestEncoderMovementBelowWireEpsilonIsOmitted(t *testing.T) {
	enc := NewEncoder(30)
	now := time.Now()
	enc.EncodeFrame(map[string]float64{"V_Open": 0.5}, nil, now)

	snap := enc.EncodeFrame(map[string]float64{"V_Open": 0.5005}, nil, now)
	if len(snap.Channels) != 0 {
		t.Fatalf("sub-epsilon movement should encode to an empty delta, got %v", snap.Channels)
	}
}

func TestEncoderKeyframeCadenceAndForce(t *testing.T) {
	enc := NewEncoder(5)
	now := time.Now()
	state := map[string]float64{"V_Open": 0.3}

	kinds := make([]Kind, 0, 6)
	for i := 0; i < 6; i++ {
		kinds = append(kinds, enc.EncodeFrame(state, nil, now).Kind)
	}
	// Frames 1 and 5 are keyframes (first frame, then every 5th).
	want := []Kind{KindKeyframe, KindDelta, KindDelta, KindDelta, KindKeyframe, KindDelta}
	for i, kind := range kinds {
		if kind != want[i] {
			t.Fatalf("frame %d: got %q, want %q", i, kind, want[i])
		}
	}

	enc.ForceKeyframe()
	if snap := enc.EncodeFrame(state, nil, now); !snap.IsKeyframe() {
		t.Fatalf("frame after ForceKeyframe must be a keyframe")
	}
}

func TestRoundTripLaw(t *testing.T) {
	reg := testRegistry(t)
	enc := NewEncoder(30)
	dec := NewDecoder(reg, nil)
	now := time.Now()

	frames := []map[string]float64{
		{"V_Open": 0.5, "Mouth_Smile_L": 0.2},
		{"V_Open": 0.6, "Mouth_Smile_L": 0.2},
		{"V_Open": 0.6, "Brow_Raise_L": 0.9},
		{"Eye_Blink_L": 1.0},
	}
	for _, frame := range frames {
		snap := enc.EncodeFrame(frame, nil, now)
		if _, err := dec.Decode(encode(t, snap)); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		got := dec.State()
		for id, want := range frame {
			if math.Abs(got[id]-want) > WireEpsilon {
				t.Fatalf("channel %s: decoded %v, want %v (±%v)", id, got[id], want, WireEpsilon)
			}
		}
		for id, v := range got {
			if _, present := frame[id]; !present && math.Abs(v) > WireEpsilon {
				t.Fatalf("channel %s: decoded %v, should have faded to ~0", id, v)
			}
		}
	}
}

func TestDecoderRejectsDeltaBeforeKeyframe(t *testing.T) {
	dec := NewDecoder(testRegistry(t), nil)
	data := encode(t, Snapshot{Kind: KindDelta, Sequence: 1, Channels: map[string]float64{"V_Open": 0.5}})
	if _, err := dec.Decode(data); !errors.Is(err, ErrDeltaBeforeKeyframe) {
		t.Fatalf("got %v, want ErrDeltaBeforeKeyframe", err)
	}
}

func TestDecoderRejectsStaleSequence(t *testing.T) {
	dec := NewDecoder(testRegistry(t), nil)
	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindKeyframe, Sequence: 5, Channels: map[string]float64{"V_Open": 0.5}})); err != nil {
		t.Fatalf("Decode keyframe: %v", err)
	}
	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindDelta, Sequence: 5})); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("got %v, want ErrStaleSequence", err)
	}
	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindDelta, Sequence: 3})); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("got %v, want ErrStaleSequence", err)
	}
}

func TestDecoderRejectsMalformedPayload(t *testing.T) {
	dec := NewDecoder(testRegistry(t), nil)
	var decodeErr *DecodeError
	if _, err := dec.Decode([]byte{0xc1, 0xff, 0x00}); !errors.As(err, &decodeErr) {
		t.Fatalf("got %v, want DecodeError", err)
	}
	if _, err := dec.Decode(encode(t, Snapshot{Kind: "bogus", Sequence: 1})); !errors.As(err, &decodeErr) {
		t.Fatalf("unknown kind: got %v, want DecodeError", err)
	}
}

func TestDecoderDropsUnknownChannelsWithWarning(t *testing.T) {
	var events []logging.Event
	dec := NewDecoder(testRegistry(t), logging.PublisherFunc(func(_ context.Context, e logging.Event) {
		events = append(events, e)
	}))

	data := encode(t, Snapshot{Kind: KindKeyframe, Sequence: 1, Channels: map[string]float64{
		"V_Open":      0.5,
		"Not_A_Shape": 0.9,
	}})
	snap, err := dec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := snap.Channels["Not_A_Shape"]; ok {
		t.Fatalf("unknown channel must be dropped")
	}
	if snap.Channels["V_Open"] != 0.5 {
		t.Fatalf("known channel lost: %v", snap.Channels)
	}
	if dec.UnknownDropped() != 1 {
		t.Fatalf("UnknownDropped = %d, want 1", dec.UnknownDropped())
	}
	if len(events) != 1 || events[0].Severity != logging.SeverityWarn {
		t.Fatalf("expected one warn event, got %v", events)
	}
}

func TestDecoderResolvesAliasesAndClamps(t *testing.T) {
	dec := NewDecoder(testRegistry(t), nil)
	data := encode(t, Snapshot{Kind: KindKeyframe, Sequence: 1, Channels: map[string]float64{
		"jawOpen":       1.7,
		"Mouth_Smile_L": -0.4,
	}})
	snap, err := dec.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.Channels["V_Open"] != 1 {
		t.Fatalf("aliased channel should clamp to 1, got %v", snap.Channels["V_Open"])
	}
	if snap.Channels["Mouth_Smile_L"] != 0 {
		t.Fatalf("negative value should clamp to 0, got %v", snap.Channels["Mouth_Smile_L"])
	}
}

func TestDecoderKeyframeFold(t *testing.T) {
	dec := NewDecoder(testRegistry(t), nil)

	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindKeyframe, Sequence: 1, Channels: map[string]float64{
		"V_Open": 0.5, "Mouth_Smile_L": 0.2,
	}})); err != nil {
		t.Fatalf("Decode keyframe: %v", err)
	}
	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindDelta, Sequence: 2, Channels: map[string]float64{
		"V_Open": 0.6,
	}})); err != nil {
		t.Fatalf("Decode delta: %v", err)
	}
	state := dec.State()
	if state["V_Open"] != 0.6 || state["Mouth_Smile_L"] != 0.2 {
		t.Fatalf("folded state = %v, want V_Open=0.6 Mouth_Smile_L=0.2", state)
	}

	// A keyframe that omits a previously active channel retires it: the
	// decoded snapshot carries an explicit zero so downstream eases it out.
	snap, err := dec.Decode(encode(t, Snapshot{Kind: KindKeyframe, Sequence: 3, Channels: map[string]float64{
		"V_Open": 0.4,
	}}))
	if err != nil {
		t.Fatalf("Decode second keyframe: %v", err)
	}
	if v, ok := snap.Channels["Mouth_Smile_L"]; !ok || v != 0 {
		t.Fatalf("retired channel should be explicit zero, got %v (present=%v)", v, ok)
	}
	if dec.State()["Mouth_Smile_L"] != 0 {
		t.Fatalf("retired channel should fold to zero")
	}
}

func TestDecoderDeltaRebasesOntoKeyframe(t *testing.T) {
	dec := NewDecoder(testRegistry(t), nil)

	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindKeyframe, Sequence: 1, Channels: map[string]float64{
		"V_Open": 0.5,
	}})); err != nil {
		t.Fatalf("Decode keyframe: %v", err)
	}
	if _, err := dec.Decode(encode(t, Snapshot{Kind: KindDelta, Sequence: 2, Channels: map[string]float64{
		"Brow_Raise_L": 0.9,
	}})); err != nil {
		t.Fatalf("Decode first delta: %v", err)
	}

	// Deltas are cumulative against the keyframe. The second delta no longer
	// mentions the brow, so it reverts to its baseline value and the decoder
	// surfaces that change.
	snap, err := dec.Decode(encode(t, Snapshot{Kind: KindDelta, Sequence: 3, Channels: map[string]float64{
		"Mouth_Smile_L": 0.3,
	}}))
	if err != nil {
		t.Fatalf("Decode second delta: %v", err)
	}
	if v, ok := snap.Channels["Brow_Raise_L"]; !ok || v != 0 {
		t.Fatalf("reverted channel should surface as zero, got %v (present=%v)", v, ok)
	}
	state := dec.State()
	if state["Brow_Raise_L"] != 0 || state["Mouth_Smile_L"] != 0.3 || state["V_Open"] != 0.5 {
		t.Fatalf("folded state = %v", state)
	}
}

func TestStatesPassThrough(t *testing.T) {
	enc := NewEncoder(30)
	dec := NewDecoder(testRegistry(t), nil)

	snap := enc.EncodeFrame(map[string]float64{"V_Open": 0.5}, map[string]string{"emotion": "happy"}, time.Now())
	decoded, err := dec.Decode(encode(t, snap))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.States["emotion"] != "happy" {
		t.Fatalf("states not passed through: %v", decoded.States)
	}
}

func TestPeekKind(t *testing.T) {
	data := encode(t, Snapshot{Kind: KindDelta, Sequence: 9})
	kind, err := PeekKind(data)
	if err != nil {
		t.Fatalf("PeekKind: %v", err)
	}
	if kind != KindDelta {
		t.Fatalf("PeekKind = %q, want delta", kind)
	}
	if _, err := PeekKind([]byte{0xc1}); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestEncoderStatsTrackSavings(t *testing.T) {
	enc := NewEncoder(30)
	now := time.Now()
	state := map[string]float64{"V_Open": 0.5, "Mouth_Smile_L": 0.2}
	enc.EncodeFrame(state, nil, now)
	enc.EncodeFrame(state, nil, now)
	enc.EncodeFrame(state, nil, now)

	stats := enc.Stats()
	if stats.Frames != 3 || stats.Keyframes != 1 || stats.DeltaFrames != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ChannelsSent != 2 || stats.ChannelsPossible != 6 {
		t.Fatalf("channel counters = %+v", stats)
	}
	if stats.Ratio <= 0.5 {
		t.Fatalf("expected savings ratio above 0.5, got %v", stats.Ratio)
	}
}
