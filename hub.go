package main

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"facestream/server/codec"
	"facestream/server/logging"
	"facestream/server/pipeline"
	"facestream/server/registry"
)

const writeWait = 10 * time.Second

const (
	eventSubscriberJoined logging.EventType = "hub.subscriber_joined"
	eventSubscriberLeft   logging.EventType = "hub.subscriber_left"
	eventBroadcastFailed  logging.EventType = "hub.broadcast_failed"
)

type subscriber struct {
	id   string
	conn *websocket.Conn
	pub  logging.Publisher
	mu   sync.Mutex
}

func (s *subscriber) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// broadcastApplier is the server-side renderer adapter: instead of writing
// into a GPU mesh binding it accumulates the sampled frame, which the hub
// re-encodes and fans out to every connected renderer.
type broadcastApplier struct {
	frame  map[string]float64
	states map[string]string
}

func newBroadcastApplier() *broadcastApplier {
	return &broadcastApplier{frame: make(map[string]float64)}
}

func (a *broadcastApplier) Apply(channelID string, value float64) error {
	a.frame[channelID] = value
	return nil
}

func (a *broadcastApplier) ApplyState(name, value string) error {
	if a.states == nil {
		a.states = make(map[string]string)
	}
	a.states[name] = value
	return nil
}

// take returns the sampled frame and the discrete states set since the last
// tick. The frame map is copied; states are handed over and cleared so they
// are only broadcast once.
func (a *broadcastApplier) take() (map[string]float64, map[string]string) {
	frame := make(map[string]float64, len(a.frame))
	for id, v := range a.frame {
		frame[id] = v
	}
	states := a.states
	a.states = nil
	return frame, states
}

// Hub owns the subscriber set and the broadcast side of the stream. Producer
// frames enter through HandleIngest into the pipeline inbox; the tick loop
// samples the pipeline output and streams it back out as keyframe/delta
// frames.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber

	pipe      *pipeline.Pipeline
	encoder   *codec.Encoder
	applier   *broadcastApplier
	telemetry *telemetryCounters
	pub       logging.Publisher
	manifest  []channelInfo

	tickRate      int
	resyncPending atomic.Bool
}

func newHub(cfg Config, reg *registry.Registry, pipe *pipeline.Pipeline, applier *broadcastApplier, telemetry *telemetryCounters, pub logging.Publisher) *Hub {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		pipe:        pipe,
		encoder:     codec.NewEncoder(cfg.KeyframeInterval),
		applier:     applier,
		telemetry:   telemetry,
		pub:         pub,
		manifest:    channelManifest(reg),
		tickRate:    cfg.TickRate,
	}
}

// channelManifest flattens the registry into the hello payload so a renderer
// can bind every channel id to its mesh targets before the first frame.
func channelManifest(reg *registry.Registry) []channelInfo {
	ids := reg.Channels()
	manifest := make([]channelInfo, 0, len(ids))
	for _, id := range ids {
		ch, ok := reg.Lookup(id)
		if !ok {
			continue
		}
		manifest = append(manifest, channelInfo{ID: ch.ID, Priority: ch.Priority, Bindings: ch.Bindings})
	}
	return manifest
}

// Subscribe registers a renderer connection. The next broadcast frame is
// forced to a keyframe so the new receiver gets a decoding baseline
// immediately instead of waiting out the keyframe interval.
func (h *Hub) Subscribe(conn *websocket.Conn) *subscriber {
	sub := &subscriber{id: uuid.NewString(), conn: conn}
	sub.pub = logging.WithFields(h.pub, map[string]any{"subscriber": sub.id})
	h.mu.Lock()
	h.subscribers[sub.id] = sub
	total := len(h.subscribers)
	h.mu.Unlock()

	h.resyncPending.Store(true)
	h.telemetry.SubscriberJoined()
	sub.pub.Publish(context.Background(), logging.Event{
		Type:      eventSubscriberJoined,
		Component: logging.ComponentHub,
		Severity:  logging.SeverityInfo,
	}.WithExtra("total", total))
	return sub
}

// Unsubscribe removes a subscriber and closes its connection.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.conn.Close()
	h.telemetry.SubscriberLeft()
	sub.pub.Publish(context.Background(), logging.Event{
		Type:      eventSubscriberLeft,
		Component: logging.ComponentHub,
		Severity:  logging.SeverityInfo,
	})
}

// HandleIngest drains a producer connection into the pipeline inbox. Binary
// messages are encoded snapshots; anything else is ignored.
func (h *Hub) HandleIngest(conn *websocket.Conn) {
	defer conn.Close()
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		h.pipe.Push(payload)
		h.telemetry.RecordIngest()
	}
}

// HandleSubscriber serves one renderer connection: a JSON hello, then binary
// snapshot frames from the broadcast loop, while the read side accepts
// distance updates and keyframe requests.
func (h *Hub) HandleSubscriber(conn *websocket.Conn, cfg Config, tier string) {
	sub := h.Subscribe(conn)
	defer h.Unsubscribe(sub.id)

	hello := helloMessage{
		Type:             "hello",
		ID:               sub.id,
		TickRate:         h.tickRate,
		KeyframeInterval: cfg.KeyframeInterval,
		Tier:             tier,
		Channels:         h.manifest,
	}
	data, err := json.Marshal(hello)
	if err != nil {
		return
	}
	if err := sub.write(websocket.TextMessage, data); err != nil {
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "distance":
			h.pipe.SetDistance(msg.Distance)
		case "keyframe":
			h.resyncPending.Store(true)
		}
	}
}

// RunTicks is the frame clock: every tick the pipeline is advanced, the
// sampled output is re-encoded and the resulting frame broadcast. Empty
// deltas are not sent.
func (h *Hub) RunTicks(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second / time.Duration(h.tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			h.tickOnce(now)
		}
	}
}

func (h *Hub) tickOnce(now time.Time) {
	h.pipe.Tick(now)

	frame, states := h.applier.take()
	if h.resyncPending.CompareAndSwap(true, false) {
		h.encoder.ForceKeyframe()
	}
	snap := h.encoder.EncodeFrame(frame, states, now)
	if snap.Kind == codec.KindDelta && len(snap.Channels) == 0 && len(snap.States) == 0 {
		return
	}
	data, err := codec.Marshal(snap)
	if err != nil {
		h.pub.Publish(context.Background(), logging.Event{
			Type:      eventBroadcastFailed,
			Component: logging.ComponentHub,
			Severity:  logging.SeverityError,
			Payload:   err.Error(),
		})
		return
	}
	h.broadcast(data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	sent := 0
	for _, sub := range subs {
		if err := sub.write(websocket.BinaryMessage, data); err != nil {
			h.telemetry.RecordBroadcastError()
			sub.pub.Publish(context.Background(), logging.Event{
				Type:      eventBroadcastFailed,
				Component: logging.ComponentHub,
				Severity:  logging.SeverityWarn,
				Payload:   err.Error(),
			})
			h.Unsubscribe(sub.id)
			continue
		}
		sent++
	}
	if sent > 0 {
		h.telemetry.RecordBroadcast(len(data), sent)
	}
}

// SubscriberCount reports the current number of connected renderers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// EncoderStats exposes the broadcast encoder's compression statistics.
func (h *Hub) EncoderStats() codec.Stats {
	return h.encoder.Stats()
}
