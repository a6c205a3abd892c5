package predictor

import (
	"context"
	"fmt"
	"path/filepath"
)

// Predictor names, also used as the "type" tag of their emitted objects
const (
	NameML      = "ml"
	NameHotlist = "hotlist"
)

// Model file extensions, appended to <modelDir>/<country>_<name>
const (
	ExtML      = ".onnx"
	ExtHotlist = ".hotlist"
)

// Predictor consumes the PCM bytes of one chunk at a time and produces a
// prediction for it. Implementations are driven by a single owner: Write is
// called with the chunk payload, then Predict, and never concurrently with
// themselves. Close is called exactly once.
type Predictor interface {
	// Name identifies the predictor in logs, metrics and merged results
	Name() string
	// Write buffers the chunk payload
	Write(p []byte) (int, error)
	// Predict runs the prediction over everything written since the last call
	Predict(ctx context.Context) (any, error)
	// Close releases the model or database
	Close() error
}

// StatsReporter is implemented by predictors that keep runtime statistics.
// GetStats may be called concurrently with Predict.
type StatsReporter interface {
	GetStats() any
}

// Emitter receives objects a predictor publishes on its own, next to the
// merged per-chunk summary. Sinks implement it.
type Emitter interface {
	Write(ctx context.Context, v any) error
}

// Error is a non-fatal failure of a single predictor
type Error struct {
	Predictor string
	Op        string // "write" or "predict"
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("predictor %s %s: %v", e.Predictor, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ModelPath resolves the model or database location of a stream
func ModelPath(modelDir, country, name, ext string) string {
	return filepath.Join(modelDir, country+"_"+name+ext)
}
