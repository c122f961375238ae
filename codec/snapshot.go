package codec

// Kind tags a snapshot as a complete baseline or a sparse diff.
type Kind string

const (
	// KindKeyframe is a complete, authoritative channel-state baseline.
	KindKeyframe Kind = "keyframe"
	// KindDelta is a sparse snapshot relative to the most recent keyframe.
	KindDelta Kind = "delta"
)

// Snapshot is an immutable mapping from a subset of channel identifiers to
// target values, produced by the codec per received or generated frame and
// discarded after being folded into interpolation state. States carries
// discrete values ("emotion", "speaking") passed through to the renderer
// adapter unmodified.
type Snapshot struct {
	Kind      Kind
	Sequence  uint64
	Timestamp int64
	Channels  map[string]float64
	States    map[string]string
}

// IsKeyframe reports whether the snapshot can serve as a decoding baseline.
func (s Snapshot) IsKeyframe() bool {
	return s.Kind == KindKeyframe
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func copyChannels(src map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
