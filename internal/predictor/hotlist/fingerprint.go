package hotlist

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FingerprintConfig controls spectrogram analysis and landmark pairing.
// Frame and hop are in samples; target zone bounds are in frames.
type FingerprintConfig struct {
	FrameSize         int     `msgpack:"frame_size"`
	HopSize           int     `msgpack:"hop_size"`
	MinPeakDB         float64 `msgpack:"min_peak_db"`
	NeighborhoodT     int     `msgpack:"neighborhood_t"`
	NeighborhoodF     int     `msgpack:"neighborhood_f"`
	TopKPerFrame      int     `msgpack:"top_k_per_frame"`
	TargetZoneMinDT   int     `msgpack:"target_zone_min_dt"`
	TargetZoneMaxDT   int     `msgpack:"target_zone_max_dt"`
	MaxPairsPerAnchor int     `msgpack:"max_pairs_per_anchor"`
}

// DefaultFingerprintConfig suits 22050 Hz mono input: 46ms frames with a
// 23ms hop, so a one second chunk yields about 42 frames.
func DefaultFingerprintConfig() FingerprintConfig {
	return FingerprintConfig{
		FrameSize:         1024,
		HopSize:           512,
		MinPeakDB:         -55,
		NeighborhoodT:     2,
		NeighborhoodF:     15,
		TopKPerFrame:      5,
		TargetZoneMinDT:   1,
		TargetZoneMaxDT:   30,
		MaxPairsPerAnchor: 4,
	}
}

// Validate validates the fingerprint configuration
func (c FingerprintConfig) Validate() error {
	if c.FrameSize < 4 || c.FrameSize%2 != 0 {
		return fmt.Errorf("frame size must be an even number of at least 4, got %d", c.FrameSize)
	}
	if c.HopSize <= 0 || c.HopSize > c.FrameSize {
		return fmt.Errorf("hop size must be between 1 and the frame size, got %d", c.HopSize)
	}
	if c.NeighborhoodT < 0 || c.NeighborhoodF < 0 {
		return fmt.Errorf("peak neighborhood cannot be negative")
	}
	if c.TopKPerFrame <= 0 {
		return fmt.Errorf("top k per frame must be positive, got %d", c.TopKPerFrame)
	}
	if c.TargetZoneMinDT <= 0 || c.TargetZoneMaxDT < c.TargetZoneMinDT {
		return fmt.Errorf("invalid target zone [%d, %d]", c.TargetZoneMinDT, c.TargetZoneMaxDT)
	}
	if c.MaxPairsPerAnchor <= 0 {
		return fmt.Errorf("max pairs per anchor must be positive, got %d", c.MaxPairsPerAnchor)
	}
	return nil
}

// Peak is a local spectral maximum at frame T, bin F, magnitude M in dB
type Peak struct {
	T int
	F int
	M float64
}

// Landmark is a hashed peak pair anchored at frame T
type Landmark struct {
	Hash uint64
	T    int
}

// Fingerprinter turns PCM samples into landmarks. The FFT plan is reused
// across calls under a mutex.
type Fingerprinter struct {
	config FingerprintConfig
	fft    *fourier.FFT
	window []float64

	mu sync.Mutex
}

// NewFingerprinter creates a fingerprinter for the given configuration
func NewFingerprinter(config FingerprintConfig) (*Fingerprinter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Fingerprinter{
		config: config,
		fft:    fourier.NewFFT(config.FrameSize),
		window: hann(config.FrameSize),
	}, nil
}

// Landmarks computes the landmarks of samples
func (f *Fingerprinter) Landmarks(samples []float32) []Landmark {
	if len(samples) == 0 {
		return nil
	}
	return f.pair(f.Peaks(f.Spectrogram(samples)))
}

// Spectrogram returns per-frame log magnitudes of the positive frequencies
func (f *Fingerprinter) Spectrogram(samples []float32) [][]float64 {
	n, hop := f.config.FrameSize, f.config.HopSize
	frames := 1
	if len(samples) > n {
		frames += (len(samples) - n) / hop
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	mags := make([][]float64, frames)
	buf := make([]float64, n)
	coeff := make([]complex128, n/2+1)
	for i := 0; i < frames; i++ {
		start := i * hop
		for k := 0; k < n; k++ {
			if start+k < len(samples) {
				buf[k] = float64(samples[start+k]) * f.window[k]
			} else {
				buf[k] = 0
			}
		}
		coeff = f.fft.Coefficients(coeff, buf)

		row := make([]float64, n/2)
		for b := range row {
			row[b] = 20 * math.Log10(cmplx.Abs(coeff[b])+1e-12)
		}
		mags[i] = row
	}
	return mags
}

// Peaks keeps, per frame, the strongest local maxima above the floor
func (f *Fingerprinter) Peaks(mags [][]float64) []Peak {
	peaks := make([]Peak, 0, len(mags)*f.config.TopKPerFrame)
	for t := range mags {
		framePeaks := f.frameMaxima(t, mags)
		if len(framePeaks) > f.config.TopKPerFrame {
			sort.Slice(framePeaks, func(i, j int) bool { return framePeaks[i].M > framePeaks[j].M })
			framePeaks = framePeaks[:f.config.TopKPerFrame]
		}
		peaks = append(peaks, framePeaks...)
	}
	return peaks
}

func (f *Fingerprinter) frameMaxima(t int, mags [][]float64) []Peak {
	var out []Peak
	row := mags[t]
	for b := 1; b < len(row)-1; b++ {
		v := row[b]
		if v < f.config.MinPeakDB {
			continue
		}
		if f.isLocalMax(t, b, v, mags) {
			out = append(out, Peak{T: t, F: b, M: v})
		}
	}
	return out
}

func (f *Fingerprinter) isLocalMax(t, b int, v float64, mags [][]float64) bool {
	for dt := -f.config.NeighborhoodT; dt <= f.config.NeighborhoodT; dt++ {
		tt := t + dt
		if tt < 0 || tt >= len(mags) {
			continue
		}
		row := mags[tt]
		lo := max(0, b-f.config.NeighborhoodF)
		hi := min(len(row)-1, b+f.config.NeighborhoodF)
		for bb := lo; bb <= hi; bb++ {
			if dt == 0 && bb == b {
				continue
			}
			if row[bb] > v {
				return false
			}
		}
	}
	return true
}

// pair hashes each anchor with up to MaxPairsPerAnchor later peaks in its
// target zone, strongest peaks first
func (f *Fingerprinter) pair(peaks []Peak) []Landmark {
	if len(peaks) == 0 {
		return nil
	}

	byT := make(map[int][]Peak)
	maxT := 0
	for _, p := range peaks {
		byT[p.T] = append(byT[p.T], p)
		if p.T > maxT {
			maxT = p.T
		}
	}
	for t := range byT {
		sort.Slice(byT[t], func(i, j int) bool { return byT[t][i].M > byT[t][j].M })
	}

	landmarks := make([]Landmark, 0, len(peaks)*2)
	for t := 0; t <= maxT; t++ {
		for _, a := range byT[t] {
			made := 0
			for dt := f.config.TargetZoneMinDT; dt <= f.config.TargetZoneMaxDT && t+dt <= maxT && made < f.config.MaxPairsPerAnchor; dt++ {
				for _, b := range byT[t+dt] {
					landmarks = append(landmarks, Landmark{Hash: packHash(a.F, b.F, dt), T: t})
					made++
					if made >= f.config.MaxPairsPerAnchor {
						break
					}
				}
			}
		}
	}
	return landmarks
}

// FrameMillis converts a frame offset to milliseconds
func (f *Fingerprinter) FrameMillis(frames, sampleRate int) int64 {
	return int64(math.Round(float64(frames*f.config.HopSize) * 1000 / float64(sampleRate)))
}

// packHash lays out [f1:22][f2:22][dt:20]
func packHash(f1, f2, dt int) uint64 {
	return uint64(uint32(f1))<<42 | uint64(uint32(f2))<<20 | uint64(uint32(dt))
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
