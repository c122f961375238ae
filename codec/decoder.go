package codec

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"facestream/server/logging"
	"facestream/server/registry"
)

// ErrDeltaBeforeKeyframe marks a delta that arrived before any keyframe
// established a baseline. The message is rejected; the stream continues.
var ErrDeltaBeforeKeyframe = errors.New("codec: delta received before any keyframe")

// ErrStaleSequence marks a frame whose sequence counter is not newer than
// the last accepted one. Only the most recent state matters, so stale frames
// are simply discarded.
var ErrStaleSequence = errors.New("codec: stale sequence")

// DecodeError wraps a malformed payload. It is fatal for the single message
// that carried it, never for the session.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const (
	eventUnknownChannel logging.EventType = "codec.unknown_channel"
)

// Decoder turns wire frames back into snapshots and maintains the folded
// channel state of the stream. Channel names are resolved through the
// registry's alias table before validation; identifiers the registry does
// not know are dropped with a warning, values are clamped to [0,1].
type Decoder struct {
	registry *registry.Registry
	pub      logging.Publisher

	base        map[string]float64
	state       map[string]float64
	haveBase    bool
	lastSeq     uint64
	unknownSeen uint64
}

func NewDecoder(reg *registry.Registry, pub logging.Publisher) *Decoder {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Decoder{
		registry: reg,
		pub:      pub,
		base:     make(map[string]float64),
		state:    make(map[string]float64),
	}
}

// Decode validates and sanitizes one wire frame and folds it into the
// running state. A delta is cumulative against the most recent keyframe, so
// it is applied to that baseline, not to the previous delta's result: a
// channel a delta stops mentioning reverts to its baseline value. The
// returned snapshot carries every channel whose folded value changed,
// including explicit zeros for channels a keyframe retired, so downstream
// stages see them fade rather than stick.
func (d *Decoder) Decode(data []byte) (Snapshot, error) {
	var frame wireFrame
	if err := msgpack.Unmarshal(data, &frame); err != nil {
		return Snapshot{}, &DecodeError{Err: err}
	}

	kind := Kind(frame.Kind)
	switch kind {
	case KindKeyframe, KindDelta:
	default:
		return Snapshot{}, &DecodeError{Err: fmt.Errorf("unknown snapshot kind %q", frame.Kind)}
	}

	if kind == KindDelta && !d.haveBase {
		return Snapshot{}, ErrDeltaBeforeKeyframe
	}
	if frame.Sequence != 0 && frame.Sequence <= d.lastSeq {
		return Snapshot{}, ErrStaleSequence
	}

	channels := make(map[string]float64, len(frame.Channels))
	for name, value := range frame.Channels {
		id := d.registry.Resolve(name)
		if !d.registry.Has(id) {
			d.unknownSeen++
			d.pub.Publish(context.Background(), logging.Event{
				Type:      eventUnknownChannel,
				Component: logging.ComponentCodec,
				Channel:   name,
				Severity:  logging.SeverityWarn,
			})
			continue
		}
		channels[id] = clampUnit(value)
	}

	var next map[string]float64
	if kind == KindKeyframe {
		next = channels
		d.base = copyChannels(channels)
	} else {
		next = copyChannels(d.base)
		for id, v := range channels {
			next[id] = v
		}
	}

	changed := make(map[string]float64, len(channels))
	for id, v := range next {
		if prev, ok := d.state[id]; !ok || prev != v {
			changed[id] = v
		}
	}
	for id, prev := range d.state {
		if _, ok := next[id]; !ok && prev != 0 {
			changed[id] = 0
		}
	}

	d.state = next
	d.haveBase = d.haveBase || kind == KindKeyframe
	if frame.Sequence != 0 {
		d.lastSeq = frame.Sequence
	}

	snap := Snapshot{
		Kind:      kind,
		Sequence:  frame.Sequence,
		Timestamp: frame.Ts,
		Channels:  changed,
		States:    frame.States,
	}
	return snap, nil
}

// State returns a copy of the folded channel state.
func (d *Decoder) State() map[string]float64 {
	return copyChannels(d.state)
}

// UnknownDropped reports how many entries were rejected for referencing
// channels outside the registry.
func (d *Decoder) UnknownDropped() uint64 {
	return d.unknownSeen
}

// Reset drops the baseline and folded state, e.g. on session teardown.
func (d *Decoder) Reset() {
	d.base = make(map[string]float64)
	d.state = make(map[string]float64)
	d.haveBase = false
	d.lastSeq = 0
}
