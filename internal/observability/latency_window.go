package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	StageProvisionCall     = "provision_call"
	StageStartToConnected  = "start_to_connected"
	StageSessionLifetime   = "session_lifetime"
	IndicatorProviderError = "provider_error"
	IndicatorHeartbeatKill = "heartbeat_terminated"
	IndicatorStartRejected = "start_rejected"
	IndicatorInvalidFrame  = "invalid_frame"
)

// relayStages lists every stage the window accepts, in report order. A zero
// target means the stage is informational.
var relayStages = []struct {
	name      string
	targetP95 time.Duration
}{
	{StageProvisionCall, 1500 * time.Millisecond},
	{StageStartToConnected, 2 * time.Second},
	{StageSessionLifetime, 0},
}

type StageStats struct {
	Stage        string  `json:"stage"`
	Samples      int     `json:"samples"`
	LastMS       float64 `json:"last_ms"`
	AvgMS        float64 `json:"avg_ms"`
	P50MS        float64 `json:"p50_ms"`
	P95MS        float64 `json:"p95_ms"`
	P99MS        float64 `json:"p99_ms"`
	TargetP95MS  float64 `json:"target_p95_ms,omitempty"`
	OverTarget   int     `json:"over_target,omitempty"`
	WithinTarget bool    `json:"within_target"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow holds the latest samples of one stage.
type stageWindow struct {
	name    string
	target  time.Duration
	samples []time.Duration
	head    int
	size    int
}

func (s *stageWindow) add(d time.Duration) {
	s.samples[s.head] = d
	s.head = (s.head + 1) % len(s.samples)
	if s.size < len(s.samples) {
		s.size++
	}
}

func (s *stageWindow) last() time.Duration {
	return s.samples[(s.head-1+len(s.samples))%len(s.samples)]
}

func (s *stageWindow) stats() StageStats {
	sorted := slices.Clone(s.samples[:s.size])
	slices.Sort(sorted)

	var sum time.Duration
	over := 0
	for _, d := range sorted {
		sum += d
		if s.target > 0 && d > s.target {
			over++
		}
	}
	p95 := nearestRank(sorted, 0.95)
	return StageStats{
		Stage:        s.name,
		Samples:      len(sorted),
		LastMS:       millis(s.last()),
		AvgMS:        millis(sum / time.Duration(len(sorted))),
		P50MS:        millis(nearestRank(sorted, 0.50)),
		P95MS:        millis(p95),
		P99MS:        millis(nearestRank(sorted, 0.99)),
		TargetP95MS:  millis(s.target),
		OverTarget:   over,
		WithinTarget: s.target == 0 || p95 <= s.target,
	}
}

// latencyWindow tracks the relay stages and counts indicator events.
type latencyWindow struct {
	mu         sync.Mutex
	capacity   int
	stages     map[string]*stageWindow
	indicators map[string]int
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &latencyWindow{
		capacity:   capacity,
		stages:     make(map[string]*stageWindow, len(relayStages)),
		indicators: make(map[string]int),
	}
	for _, st := range relayStages {
		w.stages[st.name] = &stageWindow{
			name:    st.name,
			target:  st.targetP95,
			samples: make([]time.Duration, capacity),
		}
	}
	return w
}

// Observe ignores stages the relay does not declare and negative durations.
func (w *latencyWindow) Observe(stage string, d time.Duration) {
	if d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.stages[stage]; ok {
		s.add(d)
	}
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]StageStats, 0, len(relayStages)),
	}
	for _, st := range relayStages {
		if s := w.stages[st.name]; s.size > 0 {
			snap.Stages = append(snap.Stages, s.stats())
		}
	}
	for name, n := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: n})
	}
	slices.SortFunc(snap.Indicators, func(a, b Indicator) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(rank, 0)]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
