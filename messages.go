package main

// channelInfo is one entry of the hello manifest: the renderer needs the
// channel-to-mesh-binding map before the first frame to know where each
// value lands.
type channelInfo struct {
	ID       string   `json:"id"`
	Priority bool     `json:"priority,omitempty"`
	Bindings []string `json:"bindings,omitempty"`
}

// helloMessage is the JSON greeting sent to a renderer once it subscribes,
// before the binary snapshot stream begins.
type helloMessage struct {
	Type             string        `json:"type"`
	ID               string        `json:"id"`
	TickRate         int           `json:"tickRate"`
	KeyframeInterval int           `json:"keyframeInterval"`
	Tier             string        `json:"tier"`
	Channels         []channelInfo `json:"channels"`
}

// clientMessage covers the JSON commands a renderer may send upstream:
// {"type":"distance","distance":4.2} moves the LOD evaluation point and
// {"type":"keyframe"} requests a resync keyframe.
type clientMessage struct {
	Type     string  `json:"type"`
	Distance float64 `json:"distance"`
}
