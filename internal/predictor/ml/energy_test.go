package ml

import (
	"context"
	"math"
	"testing"
	"time"
)

const testRate = 22050

// tone returns one second of a 441 Hz sine whose amplitude is gated by on.
func tone(amplitude float64, on func(i int) bool) []float32 {
	samples := make([]float32, testRate)
	for i := range samples {
		if on(i) {
			samples[i] = float32(amplitude * math.Sin(2*math.Pi*441*float64(i)/testRate))
		}
	}
	return samples
}

func steady(int) bool { return true }

// bursts alternates 100ms of signal with 100ms of silence
func bursts(i int) bool { return (i/(testRate/10))%2 == 0 }

func TestNewEnergyEngineValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    EnergyConfig
		expectErr bool
	}{
		{"defaults", EnergyConfig{}, false},
		{"smoothing too high", EnergyConfig{Smoothing: 1.5}, true},
		{"negative smoothing", EnergyConfig{Smoothing: -0.1}, true},
		{"negative frame", EnergyConfig{FrameDuration: -time.Millisecond}, true},
		{"negative loudness reference", EnergyConfig{LoudnessRef: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnergyEngine(tt.config)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestEnergyEngineClassification(t *testing.T) {
	tests := []struct {
		name     string
		samples  []float32
		expected string
	}{
		{"steady tone", tone(0.3, steady), ClassMusic},
		{"quiet bursts", tone(0.1, bursts), ClassSpeech},
		{"loud bursts", tone(0.9, bursts), ClassAdvertisement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := NewEnergyEngine(EnergyConfig{})
			if err != nil {
				t.Fatalf("NewEnergyEngine failed: %v", err)
			}

			scores, err := engine.Infer(context.Background(), Window{Samples: tt.samples, SampleRate: testRate})
			if err != nil {
				t.Fatalf("Infer failed: %v", err)
			}
			if len(scores) != len(Classes) {
				t.Fatalf("Expected %d scores, got %d", len(Classes), len(scores))
			}
			if got := Classes[argmax(scores)]; got != tt.expected {
				t.Errorf("Expected %s, got %s (scores %v)", tt.expected, got, scores)
			}
		})
	}
}

func TestEnergyEngineSmoothing(t *testing.T) {
	engine, err := NewEnergyEngine(EnergyConfig{Smoothing: 0.5})
	if err != nil {
		t.Fatalf("NewEnergyEngine failed: %v", err)
	}
	ctx := context.Background()

	first, err := engine.Infer(ctx, Window{Samples: tone(0.3, steady), SampleRate: testRate})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	raw, err := NewEnergyEngine(EnergyConfig{})
	if err != nil {
		t.Fatalf("NewEnergyEngine failed: %v", err)
	}
	loud := tone(0.9, bursts)
	unsmoothed, err := raw.Infer(ctx, Window{Samples: loud, SampleRate: testRate})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	second, err := engine.Infer(ctx, Window{Samples: loud, SampleRate: testRate})
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}

	for i := range second {
		want := 0.5*unsmoothed[i] + 0.5*first[i]
		if math.Abs(float64(second[i]-want)) > 1e-5 {
			t.Errorf("Score %d: expected %f, got %f", i, want, second[i])
		}
	}
}

func TestEnergyEngineStats(t *testing.T) {
	engine, err := NewEnergyEngine(EnergyConfig{})
	if err != nil {
		t.Fatalf("NewEnergyEngine failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := engine.Infer(context.Background(), Window{Samples: tone(0.3, steady), SampleRate: testRate}); err != nil {
			t.Fatalf("Infer failed: %v", err)
		}
	}

	stats := engine.GetStats()
	if stats.TotalWindows != 3 {
		t.Errorf("Expected 3 windows, got %d", stats.TotalWindows)
	}
	if stats.ClassWindows[ClassMusic] != 3 {
		t.Errorf("Expected 3 music windows, got %d", stats.ClassWindows[ClassMusic])
	}
	if stats.LastProcessed.IsZero() {
		t.Error("Expected last processed time to be set")
	}
}

func TestEnergyEngineErrors(t *testing.T) {
	engine, err := NewEnergyEngine(EnergyConfig{})
	if err != nil {
		t.Fatalf("NewEnergyEngine failed: %v", err)
	}

	if _, err := engine.Infer(context.Background(), Window{SampleRate: testRate}); err == nil {
		t.Error("Expected error for empty window")
	}
	if _, err := engine.Infer(context.Background(), Window{Samples: []float32{0.1}}); err == nil {
		t.Error("Expected error for missing sample rate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Infer(ctx, Window{Samples: []float32{0.1}, SampleRate: testRate}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}
