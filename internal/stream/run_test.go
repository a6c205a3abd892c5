package stream

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/config"
	"github.com/Juraldinio/adblockradio/internal/predictor"
	"github.com/Juraldinio/adblockradio/internal/predictor/hotlist"
	"github.com/Juraldinio/adblockradio/internal/predictor/ml"
	"github.com/Juraldinio/adblockradio/internal/sink"
)

// pipeDecoder passes its input through unchanged
type pipeDecoder struct {
	mu      sync.Mutex
	started bool
}

func (d *pipeDecoder) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil, nil, errors.New("already started")
	}
	d.started = true

	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		pr.CloseWithError(ctx.Err())
	}()
	return pw, pr, nil
}

func (d *pipeDecoder) Wait() error {
	return nil
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func runContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewRunMissingFields(t *testing.T) {
	valid := func() RunOptions {
		return RunOptions{
			Country:    "France",
			Name:       "RTL",
			ModelDir:   "/tmp/models",
			Sink:       sink.NewMemory(),
			File:       "/tmp/in.mp3",
			Pipeline:   config.DefaultPipelineConfig(),
			Decoder:    &pipeDecoder{},
			Predictors: []predictor.Predictor{},
			Logger:     testLogger(),
		}
	}

	tests := []struct {
		name   string
		mutate func(o *RunOptions)
		field  string
	}{
		{"no country", func(o *RunOptions) { o.Country = "" }, "country"},
		{"no name", func(o *RunOptions) { o.Name = "" }, "name"},
		{"no model dir", func(o *RunOptions) { o.ModelDir = "" }, "model dir"},
		{"no sink", func(o *RunOptions) { o.Sink = nil }, "sink"},
		{"no input", func(o *RunOptions) { o.File = "" }, "file or records"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := valid()
			tt.mutate(&options)

			_, err := NewRun(context.Background(), options)
			if !errors.Is(err, ErrMissingField) {
				t.Fatalf("Expected ErrMissingField, got %v", err)
			}
			if !contains(err.Error(), tt.field) {
				t.Errorf("Expected error to name %q, got %v", tt.field, err)
			}
		})
	}

	run, err := NewRun(context.Background(), valid())
	if err != nil {
		t.Fatalf("Expected valid options to succeed, got %v", err)
	}
	if run.ID() == "" {
		t.Error("Expected a run ID")
	}
	if err := run.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestNewRunInvalidOptions(t *testing.T) {
	options := RunOptions{
		Country:    "France",
		Name:       "RTL",
		ModelDir:   "/tmp/models",
		Sink:       sink.NewMemory(),
		File:       "/tmp/in.mp3",
		Records:    []string{"/tmp/a.mp3"},
		Decoder:    &pipeDecoder{},
		Predictors: []predictor.Predictor{},
		Logger:     testLogger(),
	}
	if _, err := NewRun(context.Background(), options); err == nil {
		t.Error("Expected error for file and records together")
	}

	options.Records = nil
	options.Pipeline.PredInterval = -1
	if _, err := NewRun(context.Background(), options); err == nil {
		t.Error("Expected error for a negative pred interval")
	}
}

func TestRunFiveAndAHalfSeconds(t *testing.T) {
	dir := t.TempDir()
	size := audio.ByteRate(audio.DefaultSampleRate) * 11 / 2
	file := writeFile(t, dir, "France_RTL.mp3", size)

	out := sink.NewMemory()
	run, err := NewRun(context.Background(), RunOptions{
		Country:  "France",
		Name:     "RTL",
		ModelDir: dir,
		Sink:     out,
		File:     file,
		Pipeline: config.DefaultPipelineConfig(),
		Decoder:  &pipeDecoder{},
		Hotlist:  hotlist.Config{InMemory: true},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}

	if err := run.Run(runContext(t)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var chunks []FileChunk
	pending := 0
	for _, v := range out.Values() {
		switch v := v.(type) {
		case FileChunk:
			if pending != 2 {
				t.Errorf("Chunk %d merged after %d predictor outputs, expected 2", len(chunks), pending)
			}
			pending = 0
			chunks = append(chunks, v)
		case ml.Prediction:
			if v.Type != predictor.NameML {
				t.Errorf("Unexpected ml type %q", v.Type)
			}
			pending++
		case hotlist.Result:
			if v.Type != predictor.NameHotlist {
				t.Errorf("Unexpected hotlist type %q", v.Type)
			}
			pending++
		default:
			t.Fatalf("Unexpected sink object %T", v)
		}
	}

	if len(chunks) != 6 {
		t.Fatalf("Expected 6 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.TStart != int64(i)*1000 {
			t.Errorf("Chunk %d: expected tStart %d, got %d", i, i*1000, c.TStart)
		}
		if c.Type != TypeFileChunk {
			t.Errorf("Chunk %d: unexpected type %q", i, c.Type)
		}
		if c.MetadataPath != filepath.Join(dir, "France_RTL.json") {
			t.Errorf("Chunk %d: unexpected metadata path %q", i, c.MetadataPath)
		}
	}
	if last := chunks[5]; last.TEnd != 5500 || len(last.Data) != size-5*audio.ByteRate(audio.DefaultSampleRate) {
		t.Errorf("Unexpected final chunk tEnd=%d size=%d", last.TEnd, len(last.Data))
	}

	if out.Closes() != 1 {
		t.Errorf("Expected the sink closed once, got %d", out.Closes())
	}
	if run.State() != StateClosed {
		t.Errorf("Expected closed, got %s", run.State())
	}

	stats := run.GetStats()
	if stats.Coordinator.ChunksProcessed != 6 || stats.Source.BytesFed != int64(size) {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if ms, ok := stats.Coordinator.Predictors[predictor.NameML].(ml.EnergyStats); !ok || ms.TotalWindows != 6 {
		t.Errorf("Unexpected ml stats %+v", stats.Coordinator.Predictors[predictor.NameML])
	}
	if hs, ok := stats.Coordinator.Predictors[predictor.NameHotlist].(hotlist.Stats); !ok || hs.ChunksMatched != 6 {
		t.Errorf("Unexpected hotlist stats %+v", stats.Coordinator.Predictors[predictor.NameHotlist])
	}

	if got := testutil.ToFloat64(run.metrics.ChunksEmitted); got != 6 {
		t.Errorf("Expected 6 chunks emitted, got %f", got)
	}
	if got := testutil.ToFloat64(run.metrics.SinkWrites); got != 18 {
		t.Errorf("Expected 18 sink writes, got %f", got)
	}
	if got := testutil.ToFloat64(run.metrics.DecoderBytesFed); got != float64(size) {
		t.Errorf("Expected %d bytes fed, got %f", size, got)
	}
	if got := testutil.ToFloat64(run.metrics.ChunksInFlight); got != 0 {
		t.Errorf("Expected nothing in flight, got %f", got)
	}
}

func TestRunMultiRecord(t *testing.T) {
	dir := t.TempDir()
	recordSize := audio.ByteRate(audio.DefaultSampleRate) * 10
	records := []string{
		writeFile(t, dir, "2024-01-01T10-00-00.mp3", recordSize),
		writeFile(t, dir, "2024-01-01T10-00-10.mp3", recordSize),
	}

	out := sink.NewMemory()
	mlp := &fakePredictor{name: predictor.NameML}
	run, err := NewRun(context.Background(), RunOptions{
		Country:    "France",
		Name:       "RTL",
		ModelDir:   dir,
		Sink:       out,
		Records:    records,
		Pipeline:   config.DefaultPipelineConfig(),
		Decoder:    &pipeDecoder{},
		Predictors: []predictor.Predictor{mlp},
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}

	if err := run.Run(runContext(t)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var chunks []FileChunk
	for _, v := range out.Values() {
		chunks = append(chunks, v.(FileChunk))
	}
	if len(chunks) != 20 {
		t.Fatalf("Expected 20 chunks, got %d", len(chunks))
	}

	first := filepath.Join(dir, "2024-01-01T10-00-00.json")
	second := filepath.Join(dir, "2024-01-01T10-00-10.json")
	if chunks[9].MetadataPath != first {
		t.Errorf("Chunk at 9000ms: expected %q, got %q", first, chunks[9].MetadataPath)
	}
	if chunks[15].TStart != 15000 || chunks[15].MetadataPath != second {
		t.Errorf("Chunk at 15000ms: expected %q, got %q", second, chunks[15].MetadataPath)
	}

	if mlp.predicts.Load() != 20 || mlp.closes.Load() != 1 {
		t.Errorf("Unexpected predictor use: predicts=%d closes=%d", mlp.predicts.Load(), mlp.closes.Load())
	}
	if got := testutil.ToFloat64(run.metrics.DecoderRecordsFed); got != 2 {
		t.Errorf("Expected 2 records fed, got %f", got)
	}
}

func TestRunDisabledPredictorsNotBuilt(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "in.mp3", audio.ByteRate(audio.DefaultSampleRate)*2)

	pipeline := config.DefaultPipelineConfig()
	pipeline.EnablePredictorML = false
	pipeline.EnablePredictorHotlist = false

	out := sink.NewMemory()
	run, err := NewRun(context.Background(), RunOptions{
		Country:  "France",
		Name:     "RTL",
		ModelDir: dir,
		Sink:     out,
		File:     file,
		Pipeline: pipeline,
		Decoder:  &pipeDecoder{},
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	if err := run.Run(runContext(t)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	values := out.Values()
	if len(values) != 2 {
		t.Fatalf("Expected 2 merged chunks only, got %d objects", len(values))
	}
	for _, v := range values {
		if v.(FileChunk).Type != TypeFileChunk {
			t.Errorf("Unexpected object %+v", v)
		}
	}
}

func TestRunMissingInputIsFatal(t *testing.T) {
	out := sink.NewMemory()
	mlp := &fakePredictor{name: predictor.NameML}
	run, err := NewRun(context.Background(), RunOptions{
		Country:    "France",
		Name:       "RTL",
		ModelDir:   t.TempDir(),
		Sink:       out,
		File:       filepath.Join(t.TempDir(), "absent.mp3"),
		Pipeline:   config.DefaultPipelineConfig(),
		Decoder:    &pipeDecoder{},
		Predictors: []predictor.Predictor{mlp},
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}

	err = run.Run(runContext(t))
	var decodeErr *audio.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if mlp.closes.Load() != 1 || out.Closes() != 1 {
		t.Errorf("Expected cleanup: predictor=%d sink=%d", mlp.closes.Load(), out.Closes())
	}
}

func TestRunWithExecDecoder(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skipf("cat not available: %v", err)
	}

	dir := t.TempDir()
	file := writeFile(t, dir, "in.raw", audio.ByteRate(audio.DefaultSampleRate)*5/2)

	out := sink.NewMemory()
	run, err := NewRun(context.Background(), RunOptions{
		Country:       "France",
		Name:          "RTL",
		ModelDir:      dir,
		Sink:          out,
		File:          file,
		Pipeline:      config.DefaultPipelineConfig(),
		DecoderConfig: audio.DecoderConfig{Command: "cat", Stderr: io.Discard},
		Predictors:    []predictor.Predictor{&fakePredictor{name: predictor.NameML}},
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRun failed: %v", err)
	}
	if err := run.Run(runContext(t)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	values := out.Values()
	if len(values) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(values))
	}
	if last := values[2].(FileChunk); last.TStart != 2000 || last.TEnd != 2500 {
		t.Errorf("Unexpected final chunk %d-%d", last.TStart, last.TEnd)
	}
}
