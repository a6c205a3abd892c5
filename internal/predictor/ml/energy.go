package ml

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// EnergyConfig tunes the built-in energy engine
type EnergyConfig struct {
	FrameDuration time.Duration // analysis frame, 20ms by default
	Smoothing     float32       // weight of the newest scores, 1 disables smoothing
	LoudnessRef   float64       // RMS treated as full scale, on the int16 range
}

// EnergyEngine classifies a window from frame energy dynamics and zero
// crossings. Music keeps a steady envelope, speech is strongly modulated and
// advertisements are speech mastered loud.
type EnergyEngine struct {
	config EnergyConfig

	lastScores []float32

	// Statistics
	totalWindows  uint64
	classWindows  map[string]uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// EnergyStats represents energy engine statistics
type EnergyStats struct {
	TotalWindows  uint64            `json:"total_windows"`
	ClassWindows  map[string]uint64 `json:"class_windows"`
	LastProcessed time.Time         `json:"last_processed"`
	Smoothing     float32           `json:"smoothing"`
}

// windowFeatures are the per-window measurements the scores derive from
type windowFeatures struct {
	loudness  float64 // mean frame RMS over LoudnessRef, clamped to 1
	variation float64 // coefficient of variation of frame RMS
	crossings float64 // mean zero crossing rate per sample
}

// NewEnergyEngine creates a new energy engine
func NewEnergyEngine(config EnergyConfig) (*EnergyEngine, error) {
	if config.FrameDuration == 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	if config.Smoothing == 0 {
		config.Smoothing = 1
	}
	if config.LoudnessRef == 0 {
		config.LoudnessRef = 10000
	}

	if config.FrameDuration < 0 {
		return nil, fmt.Errorf("frame duration must be positive, got %v", config.FrameDuration)
	}
	if config.Smoothing < 0 || config.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be between 0 and 1, got %f", config.Smoothing)
	}
	if config.LoudnessRef < 0 {
		return nil, fmt.Errorf("loudness reference must be positive, got %f", config.LoudnessRef)
	}

	return &EnergyEngine{
		config:       config,
		classWindows: make(map[string]uint64, len(Classes)),
	}, nil
}

// Infer scores one window
func (e *EnergyEngine) Infer(ctx context.Context, w Window) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", w.SampleRate)
	}
	if len(w.Samples) == 0 {
		return nil, fmt.Errorf("empty window")
	}

	f := e.features(w)
	scores := []float32{
		float32(2*f.variation*f.loudness + f.loudness),
		float32(2*f.variation*(1-f.loudness) + f.crossings),
		float32(2 * (1 - math.Min(f.variation, 1))),
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastScores != nil {
		for i := range scores {
			scores[i] = e.config.Smoothing*scores[i] + (1-e.config.Smoothing)*e.lastScores[i]
		}
	}
	e.lastScores = scores

	e.totalWindows++
	e.classWindows[Classes[argmax(scores)]]++
	e.lastProcessed = time.Now()

	out := make([]float32, len(scores))
	copy(out, scores)
	return out, nil
}

func (e *EnergyEngine) features(w Window) windowFeatures {
	frameLen := int(e.config.FrameDuration.Seconds() * float64(w.SampleRate))
	if frameLen < 1 {
		frameLen = 1
	}

	var (
		energies  []float64
		crossings int
	)
	for start := 0; start < len(w.Samples); start += frameLen {
		end := start + frameLen
		if end > len(w.Samples) {
			end = len(w.Samples)
		}

		var energy float64
		for _, s := range w.Samples[start:end] {
			v := float64(s) * 32768
			energy += v * v
		}
		energies = append(energies, math.Sqrt(energy/float64(end-start)))
	}
	for i := 1; i < len(w.Samples); i++ {
		if (w.Samples[i-1] >= 0) != (w.Samples[i] >= 0) {
			crossings++
		}
	}

	var mean float64
	for _, v := range energies {
		mean += v
	}
	mean /= float64(len(energies))

	var variance float64
	for _, v := range energies {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(energies))

	f := windowFeatures{
		loudness:  math.Min(mean/e.config.LoudnessRef, 1),
		crossings: float64(crossings) / float64(len(w.Samples)),
	}
	if mean > 0 {
		f.variation = math.Sqrt(variance) / mean
	}
	return f
}

// GetStats returns current engine statistics
func (e *EnergyEngine) GetStats() EnergyStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	classWindows := make(map[string]uint64, len(e.classWindows))
	for k, v := range e.classWindows {
		classWindows[k] = v
	}

	return EnergyStats{
		TotalWindows:  e.totalWindows,
		ClassWindows:  classWindows,
		LastProcessed: e.lastProcessed,
		Smoothing:     e.config.Smoothing,
	}
}

// Close is a no-op, the engine holds no resources
func (e *EnergyEngine) Close() error {
	return nil
}
