package metrics

import (
	"sync"
	"time"

	"chatrelay/pkg/types"
)

const (
	// maxSamples bounds the per-connection window; oldest samples are
	// evicted first once the cap is reached.
	maxSamples = 20
	// derivationWindow is how many of the newest samples feed latency and
	// jitter derivation.
	derivationWindow = 10
)

// window holds the rolling round-trip state for one connection. Latency and
// jitter are always derived, never stored.
type window struct {
	samples         []float64
	packetsSent     int
	packetsReceived int
	connectionStart time.Time
}

// Sampler maintains bounded round-trip sample windows per connection and
// derives latency, jitter and a qualitative health label from them.
type Sampler struct {
	mu      sync.RWMutex
	windows map[string]*window
}

// NewSampler creates an empty sampler.
func NewSampler() *Sampler {
	return &Sampler{
		windows: make(map[string]*window),
	}
}

// Track creates the metrics window for a new connection. Idempotent: an
// existing window for the same connection ID is kept as-is.
func (s *Sampler) Track(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.windows[connectionID]; exists {
		return
	}
	s.windows[connectionID] = &window{
		samples:         make([]float64, 0, maxSamples),
		connectionStart: time.Now(),
	}
}

// Forget destroys the window for a disconnected connection.
func (s *Sampler) Forget(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, connectionID)
}

// RecordSample appends a round-trip latency reading, evicting the oldest
// sample once the window holds maxSamples entries. Unknown connections are
// a no-op: the sample may race a disconnect and that is benign.
func (s *Sampler) RecordSample(connectionID string, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.windows[connectionID]
	if !exists {
		return
	}
	w.samples = append(w.samples, latencyMs)
	if len(w.samples) > maxSamples {
		w.samples = w.samples[1:]
	}
}

// AverageLatency returns the mean of the newest derivationWindow samples,
// or 0 when no samples exist.
func (s *Sampler) AverageLatency(connectionID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.windows[connectionID]
	if !exists || len(w.samples) == 0 {
		return 0
	}
	recent := lastN(w.samples, derivationWindow)
	var sum float64
	for _, v := range recent {
		sum += v
	}
	return sum / float64(len(recent))
}

// Jitter returns the mean absolute difference between consecutive samples
// in the derivation window, or 0 with fewer than 2 samples.
func (s *Sampler) Jitter(connectionID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.windows[connectionID]
	if !exists || len(w.samples) < 2 {
		return 0
	}
	recent := lastN(w.samples, derivationWindow)
	var sum float64
	for i := 1; i < len(recent); i++ {
		d := recent[i] - recent[i-1]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(recent)-1)
}

// IncrementSent counts one chat message originated by the connection.
func (s *Sampler) IncrementSent(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, exists := s.windows[connectionID]; exists {
		w.packetsSent++
	}
}

// IncrementReceived counts one push delivered to the connection.
func (s *Sampler) IncrementReceived(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, exists := s.windows[connectionID]; exists {
		w.packetsReceived++
	}
}

// Stats composes the full quality report for one connection. The second
// return is false when the connection is not tracked.
func (s *Sampler) Stats(connectionID string) (*types.NetworkStats, bool) {
	s.mu.RLock()
	w, exists := s.windows[connectionID]
	if !exists {
		s.mu.RUnlock()
		return nil, false
	}
	sent := w.packetsSent
	received := w.packetsReceived
	total := len(w.samples)
	s.mu.RUnlock()

	latency := s.AverageLatency(connectionID)
	jitter := s.Jitter(connectionID)

	return &types.NetworkStats{
		Latency:           latency,
		Jitter:            jitter,
		PacketLoss:        0,
		ConnectionQuality: HealthLabel(latency, jitter, 0),
		PacketsSent:       sent,
		PacketsReceived:   received,
		TotalMeasurements: total,
		Timestamp:         time.Now(),
	}, true
}

// HealthLabel classifies connection quality from latency, jitter and packet
// loss. Pure function; thresholds are exclusive on the upper bound and
// evaluated in fixed priority order.
func HealthLabel(latency, jitter, packetLoss float64) string {
	switch {
	case latency <= 0:
		return "measuring"
	case latency < 50 && jitter < 10 && packetLoss < 1:
		return "excellent"
	case latency < 100 && jitter < 20 && packetLoss < 3:
		return "good"
	case latency < 200 && jitter < 30 && packetLoss < 5:
		return "fair"
	default:
		return "poor"
	}
}

func lastN(samples []float64, n int) []float64 {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
