package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// wireFrame is the msgpack envelope for a snapshot. Field names are kept
// short because every frame crosses the wire at source frame rate.
type wireFrame struct {
	Kind     string             `msgpack:"k"`
	Sequence uint64             `msgpack:"seq"`
	Ts       int64              `msgpack:"ts"`
	Channels map[string]float64 `msgpack:"ch"`
	States   map[string]string  `msgpack:"st,omitempty"`
}

// wireKind is used to sniff the frame kind without decoding the channel map.
type wireKind struct {
	Kind string `msgpack:"k"`
}

// Marshal encodes a snapshot into its wire representation.
func Marshal(s Snapshot) ([]byte, error) {
	frame := wireFrame{
		Kind:     string(s.Kind),
		Sequence: s.Sequence,
		Ts:       s.Timestamp,
		Channels: s.Channels,
		States:   s.States,
	}
	data, err := msgpack.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal snapshot: %w", err)
	}
	return data, nil
}

// PeekKind reads only the kind tag of an encoded frame. The inbox uses it to
// decide which retention slot a frame belongs to without paying for a full
// decode.
func PeekKind(data []byte) (Kind, error) {
	var head wireKind
	if err := msgpack.Unmarshal(data, &head); err != nil {
		return "", &DecodeError{Err: err}
	}
	switch Kind(head.Kind) {
	case KindKeyframe, KindDelta:
		return Kind(head.Kind), nil
	default:
		return "", &DecodeError{Err: fmt.Errorf("unknown snapshot kind %q", head.Kind)}
	}
}
