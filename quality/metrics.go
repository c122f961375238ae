package quality

// rollingWindow is a fixed-size ring of float samples.
type rollingWindow struct {
	samples []float64
	next    int
	count   int
}

func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 60
	}
	return &rollingWindow{samples: make([]float64, size)}
}

func (w *rollingWindow) Push(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *rollingWindow) Average() float64 {
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}

func (w *rollingWindow) Len() int {
	return w.count
}

// Metrics is the rolling window of realized frame time and channel counts
// the controller bases its decisions on. It is owned by the controller and
// read-only elsewhere.
type Metrics struct {
	frameTimes *rollingWindow
	admitted   *rollingWindow
	dropped    *rollingWindow
}

// MetricsSnapshot is the externally visible aggregate.
type MetricsSnapshot struct {
	AvgFrameTimeMs float64 `json:"avgFrameTimeMs"`
	FPS            float64 `json:"fps"`
	AvgAdmitted    float64 `json:"avgAdmitted"`
	AvgDropped     float64 `json:"avgDropped"`
	Windows        int     `json:"windows"`
}

func NewMetrics(windowSize int) *Metrics {
	return &Metrics{
		frameTimes: newRollingWindow(windowSize),
		admitted:   newRollingWindow(windowSize),
		dropped:    newRollingWindow(windowSize),
	}
}

func (m *Metrics) Record(frameTimeMs float64, admitted, dropped int) {
	m.frameTimes.Push(frameTimeMs)
	m.admitted.Push(float64(admitted))
	m.dropped.Push(float64(dropped))
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	avg := m.frameTimes.Average()
	fps := 0.0
	if avg > 0 {
		fps = 1000 / avg
	}
	return MetricsSnapshot{
		AvgFrameTimeMs: avg,
		FPS:            fps,
		AvgAdmitted:    m.admitted.Average(),
		AvgDropped:     m.dropped.Average(),
		Windows:        m.frameTimes.Len(),
	}
}
