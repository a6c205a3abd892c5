package ml

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/predictor"
)

// ErrNoAudio is returned by Predict when nothing was written since the last call
var ErrNoAudio = errors.New("ml: no audio written")

// ONNXConfig configures the ONNX Runtime engine
type ONNXConfig struct {
	LibraryPath string
	InputName   string
	OutputName  string
}

// Config selects and configures the engine behind the predictor
type Config struct {
	Engine     string // energy, remote or onnx
	ModelPath  string // used by the onnx engine
	SampleRate int
	Energy     EnergyConfig
	Remote     RemoteConfig
	ONNX       ONNXConfig
}

// Prediction is published to the sink after every chunk
type Prediction struct {
	Type     string    `json:"type" msgpack:"type"`
	Class    string    `json:"class" msgpack:"class"`
	Softmax  []float32 `json:"softmax" msgpack:"softmax"`
	Duration int64     `json:"duration" msgpack:"duration"` // ms of audio scored
}

// Predictor buffers chunk audio and classifies it on Predict
type Predictor struct {
	engine     Engine
	emitter    predictor.Emitter
	sampleRate int
	logger     *slog.Logger

	buf       bytes.Buffer
	closeOnce sync.Once
	closeErr  error
}

var (
	_ predictor.Predictor     = (*Predictor)(nil)
	_ predictor.StatsReporter = (*Predictor)(nil)
)

// NewEngine builds the engine named by config.Engine
func NewEngine(config Config) (Engine, error) {
	switch config.Engine {
	case "", EngineEnergy:
		return NewEnergyEngine(config.Energy)
	case EngineRemote:
		return NewRemoteEngine(config.Remote)
	case EngineONNX:
		if config.ONNX.InputName == "" {
			config.ONNX.InputName = "input"
		}
		if config.ONNX.OutputName == "" {
			config.ONNX.OutputName = "output"
		}
		return NewONNXEngine(config.ModelPath, config.ONNX)
	default:
		return nil, fmt.Errorf("unknown ml engine %q", config.Engine)
	}
}

// New creates a predictor with the configured engine. Predictions are also
// written to emitter when it is not nil.
func New(config Config, emitter predictor.Emitter, logger *slog.Logger) (*Predictor, error) {
	engine, err := NewEngine(config)
	if err != nil {
		return nil, err
	}

	logger.Info("ML predictor ready",
		slog.String("engine", engineName(config.Engine)),
		slog.String("model", config.ModelPath))

	return NewWithEngine(engine, config.SampleRate, emitter, logger), nil
}

// NewWithEngine wraps an existing engine
func NewWithEngine(engine Engine, sampleRate int, emitter predictor.Emitter, logger *slog.Logger) *Predictor {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	return &Predictor{
		engine:     engine,
		emitter:    emitter,
		sampleRate: sampleRate,
		logger:     logger,
	}
}

// Name returns the predictor name
func (p *Predictor) Name() string {
	return predictor.NameML
}

// Write buffers chunk audio
func (p *Predictor) Write(b []byte) (int, error) {
	return p.buf.Write(b)
}

// Predict classifies everything written since the last call
func (p *Predictor) Predict(ctx context.Context) (any, error) {
	if p.buf.Len() == 0 {
		return nil, ErrNoAudio
	}

	pcm := make([]byte, p.buf.Len())
	copy(pcm, p.buf.Bytes())
	p.buf.Reset()

	w := Window{
		PCM:        pcm,
		Samples:    audio.PCMToFloat32(pcm),
		SampleRate: p.sampleRate,
	}

	scores, err := p.engine.Infer(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(Classes) {
		return nil, fmt.Errorf("engine returned %d scores, expected %d", len(scores), len(Classes))
	}

	softmax := Softmax(scores)
	pred := Prediction{
		Type:     predictor.NameML,
		Class:    Classes[argmax(softmax)],
		Softmax:  softmax,
		Duration: audio.PCMDuration(pcm, p.sampleRate).Milliseconds(),
	}

	p.logger.Debug("ML prediction",
		slog.String("class", pred.Class),
		slog.Int64("duration_ms", pred.Duration))

	if p.emitter != nil {
		if err := p.emitter.Write(ctx, pred); err != nil {
			return nil, fmt.Errorf("failed to emit prediction: %w", err)
		}
	}

	return pred, nil
}

// GetStats returns the statistics of the engine, nil when it keeps none
func (p *Predictor) GetStats() any {
	switch e := p.engine.(type) {
	case *EnergyEngine:
		return e.GetStats()
	case *RemoteEngine:
		return e.GetStats()
	default:
		return nil
	}
}

// Close releases the engine. Safe to call multiple times.
func (p *Predictor) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.engine.Close()
	})
	return p.closeErr
}

func engineName(name string) string {
	if name == "" {
		return EngineEnergy
	}
	return name
}
