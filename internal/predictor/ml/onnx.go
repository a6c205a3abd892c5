//go:build onnx

package ml

import (
	"context"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInitOnce initialises the ONNX Runtime environment for the process
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// NativeAvailable reports that the ONNX engine is compiled in
func NativeAvailable() bool { return true }

// ONNXEngine runs a classifier model through ONNX Runtime. The model takes a
// [1, samples] float32 input and yields a [1, len(Classes)] score output.
type ONNXEngine struct {
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

// NewONNXEngine loads the model at modelPath
func NewONNXEngine(modelPath string, config ONNXConfig) (Engine, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx: model %s: %w", modelPath, err)
	}

	ortInitOnce.Do(func() {
		libPath := config.LibraryPath
		if libPath == "" {
			libPath = os.Getenv("ADBLOCKRADIO_ORT_LIB_PATH")
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnx: %w", ortInitErr)
	}

	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{config.InputName},
		[]string{config.OutputName},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	return &ONNXEngine{session: session}, nil
}

// Infer runs the model on the window samples
func (e *ONNXEngine) Infer(ctx context.Context, w Window) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, fmt.Errorf("onnx: engine closed")
	}

	input, err := ort.NewTensor(ort.NewShape(1, int64(len(w.Samples))), w.Samples)
	if err != nil {
		return nil, fmt.Errorf("onnx: create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	defer outputs[0].Destroy()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output type %T", outputs[0])
	}
	data := tensor.GetData()
	if len(data) < len(Classes) {
		return nil, fmt.Errorf("onnx: expected %d scores, got %d", len(Classes), len(data))
	}

	scores := make([]float32, len(Classes))
	copy(scores, data)
	return scores, nil
}

// Close releases the session. Safe to call multiple times.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		return err
	}
	return nil
}
