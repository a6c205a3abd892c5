package ml

import (
	"context"
	"errors"
	"math"
)

// Classes scored by every engine
const (
	ClassAdvertisement = "advertisement"
	ClassSpeech        = "speech"
	ClassMusic         = "music"
)

// Classes in engine output order
var Classes = []string{ClassAdvertisement, ClassSpeech, ClassMusic}

// Engine names accepted by Config.Engine
const (
	EngineEnergy = "energy"
	EngineRemote = "remote"
	EngineONNX   = "onnx"
)

// ErrNativeUnavailable indicates the ONNX engine is not compiled in
var ErrNativeUnavailable = errors.New("ml: onnx engine not available (build with -tags onnx)")

// Window is the audio of one chunk handed to an engine
type Window struct {
	PCM        []byte    // s16le mono
	Samples    []float32 // PCM normalised to [-1, 1]
	SampleRate int
}

// Engine scores a window. Infer returns one raw score per entry of Classes.
type Engine interface {
	Infer(ctx context.Context, w Window) ([]float32, error)
	Close() error
}

// Softmax normalises raw scores into probabilities
func Softmax(scores []float32) []float32 {
	if len(scores) == 0 {
		return nil
	}

	max := scores[0]
	for _, s := range scores[1:] {
		if s > max {
			max = s
		}
	}

	out := make([]float32, len(scores))
	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// argmax returns the index of the largest value, the first one on ties
func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
