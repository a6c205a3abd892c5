package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/config"
	"github.com/Juraldinio/adblockradio/internal/predictor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// eventLog records lifecycle events shared by fakes
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeSource serves chunks of fixed size and checks that every previously
// served chunk was merged before the next one is requested
type fakeSource struct {
	chunks  []audio.ChunkRecord
	failAt  int // index returning failErr, -1 for none
	failErr error
	sink    *recordingSink
	log     *eventLog
	active  *atomic.Int32 // predictions running right now

	served     int
	violations int
	closes     int
}

func newFakeSource(n int, s *recordingSink, log *eventLog) *fakeSource {
	chunks := make([]audio.ChunkRecord, n)
	for i := range chunks {
		chunks[i] = audio.ChunkRecord{
			Data:   make([]byte, 100),
			TStart: int64(i) * 1000,
			TEnd:   int64(i+1) * 1000,
		}
	}
	return &fakeSource{chunks: chunks, failAt: -1, sink: s, log: log, active: &atomic.Int32{}}
}

func (s *fakeSource) Next(ctx context.Context) (audio.ChunkRecord, error) {
	if s.sink != nil && s.sink.fileChunks() != s.served {
		s.violations++
	}
	if s.active.Load() != 0 {
		s.violations++
	}
	if s.served == s.failAt {
		return audio.ChunkRecord{}, s.failErr
	}
	if s.served >= len(s.chunks) {
		return audio.ChunkRecord{}, io.EOF
	}
	chunk := s.chunks[s.served]
	s.served++
	return chunk, nil
}

func (s *fakeSource) Close() error {
	s.closes++
	if s.log != nil {
		s.log.add("source.close")
	}
	return nil
}

type fakePredictor struct {
	name       string
	active     *atomic.Int32
	predictErr error
	writeErr   error
	delay      time.Duration
	log        *eventLog

	writes   atomic.Int32
	predicts atomic.Int32
	closes   atomic.Int32
}

func (p *fakePredictor) Name() string { return p.name }

func (p *fakePredictor) Write(b []byte) (int, error) {
	p.writes.Add(1)
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return len(b), nil
}

func (p *fakePredictor) Predict(ctx context.Context) (any, error) {
	p.predicts.Add(1)
	if p.active != nil {
		p.active.Add(1)
		defer p.active.Add(-1)
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.predictErr != nil {
		return nil, p.predictErr
	}
	return map[string]string{"type": p.name}, nil
}

func (p *fakePredictor) Close() error {
	p.closes.Add(1)
	if p.log != nil {
		p.log.add(p.name + ".close")
	}
	return nil
}

// countingPredictor reports how many predictions it ran
type countingPredictor struct {
	fakePredictor
}

func (p *countingPredictor) GetStats() any {
	return map[string]int32{"predicts": p.predicts.Load()}
}

type recordingSink struct {
	mu       sync.Mutex
	values   []any
	closes   int
	writeErr error
	log      *eventLog
}

func (s *recordingSink) Write(_ context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.values = append(s.values, v)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.log != nil {
		s.log.add("sink.close")
	}
	return nil
}

func (s *recordingSink) chunks() []FileChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FileChunk
	for _, v := range s.values {
		if c, ok := v.(FileChunk); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingSink) fileChunks() int {
	return len(s.chunks())
}

func newTestCoordinator(t *testing.T, src ChunkSource, out *recordingSink, pipeline config.PipelineConfig, predictors ...predictor.Predictor) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		Source:     src,
		Predictors: predictors,
		Sink:       out,
		Pipeline:   pipeline,
		File:       "/data/France_RTL.mp3",
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}
	return c
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateAwaitingChunk, "awaiting_chunk"},
		{StateDispatching, "dispatching"},
		{StateMerging, "merging"},
		{StateClosing, "closing"},
		{StateClosed, "closed"},
		{State(42), "state(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewCoordinatorValidation(t *testing.T) {
	if _, err := NewCoordinator(CoordinatorConfig{Sink: &recordingSink{}}); err == nil {
		t.Error("Expected error without source")
	}
	if _, err := NewCoordinator(CoordinatorConfig{Source: newFakeSource(1, nil, nil)}); err == nil {
		t.Error("Expected error without sink")
	}
}

func TestCoordinatorOneChunkInFlight(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(5, out, nil)
	mlp := &fakePredictor{name: predictor.NameML, active: src.active, delay: 5 * time.Millisecond}
	hot := &fakePredictor{name: predictor.NameHotlist, active: src.active, delay: 2 * time.Millisecond}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp, hot)
	if c.State() != StateIdle {
		t.Errorf("Expected idle before Run, got %s", c.State())
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if src.violations != 0 {
		t.Errorf("Source was asked for a chunk while another was in flight (%d times)", src.violations)
	}
	if got := len(out.chunks()); got != 5 {
		t.Errorf("Expected 5 merged chunks, got %d", got)
	}
	if mlp.predicts.Load() != 5 || hot.predicts.Load() != 5 {
		t.Errorf("Expected 5 predictions each, got ml=%d hotlist=%d", mlp.predicts.Load(), hot.predicts.Load())
	}
	if c.State() != StateClosed {
		t.Errorf("Expected closed after Run, got %s", c.State())
	}
}

// barrierPredictor blocks until all parties entered Predict
type barrierPredictor struct {
	fakePredictor
	arrived *atomic.Int32
	parties int32
}

func (p *barrierPredictor) Predict(ctx context.Context) (any, error) {
	p.arrived.Add(1)
	deadline := time.Now().Add(2 * time.Second)
	for p.arrived.Load() < p.parties {
		if time.Now().After(deadline) {
			return nil, errors.New("predictors did not run concurrently")
		}
		time.Sleep(time.Millisecond)
	}
	return p.fakePredictor.Predict(ctx)
}

func TestCoordinatorDispatchesConcurrently(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(1, out, nil)
	arrived := &atomic.Int32{}
	mlp := &barrierPredictor{fakePredictor: fakePredictor{name: predictor.NameML}, arrived: arrived, parties: 2}
	hot := &barrierPredictor{fakePredictor: fakePredictor{name: predictor.NameHotlist}, arrived: arrived, parties: 2}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp, hot)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if errs := c.GetStats().PredictorErrors; len(errs) != 0 {
		t.Errorf("Expected concurrent dispatch, got predictor errors %v", errs)
	}
}

func TestCoordinatorDisabledPredictor(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(3, out, nil)
	mlp := &fakePredictor{name: predictor.NameML}
	hot := &fakePredictor{name: predictor.NameHotlist}

	pipeline := config.DefaultPipelineConfig()
	pipeline.EnablePredictorHotlist = false

	c := newTestCoordinator(t, src, out, pipeline, mlp, hot)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if hot.writes.Load() != 0 || hot.predicts.Load() != 0 {
		t.Errorf("Disabled predictor was used: writes=%d predicts=%d", hot.writes.Load(), hot.predicts.Load())
	}
	if mlp.predicts.Load() != 3 {
		t.Errorf("Expected 3 ml predictions, got %d", mlp.predicts.Load())
	}
	if got := len(out.chunks()); got != 3 {
		t.Errorf("Expected 3 merged chunks, got %d", got)
	}
	if hot.closes.Load() != 1 {
		t.Errorf("Expected the owned disabled predictor closed once, got %d", hot.closes.Load())
	}
}

func TestCoordinatorBothPredictorsDisabled(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(4, out, nil)

	pipeline := config.DefaultPipelineConfig()
	pipeline.EnablePredictorML = false
	pipeline.EnablePredictorHotlist = false

	c := newTestCoordinator(t, src, out, pipeline,
		&fakePredictor{name: predictor.NameML}, &fakePredictor{name: predictor.NameHotlist})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(out.values) != 4 {
		t.Fatalf("Expected 4 sink objects, got %d", len(out.values))
	}
	for i, v := range out.values {
		chunk, ok := v.(FileChunk)
		if !ok {
			t.Fatalf("Object %d is %T, expected only merged chunks", i, v)
		}
		if chunk.Type != TypeFileChunk {
			t.Errorf("Expected type %q, got %q", TypeFileChunk, chunk.Type)
		}
		if chunk.TStart != int64(i)*1000 {
			t.Errorf("Chunk %d out of order: tStart=%d", i, chunk.TStart)
		}
	}
}

func TestCoordinatorCloseOrder(t *testing.T) {
	log := &eventLog{}
	out := &recordingSink{log: log}
	src := newFakeSource(2, out, log)
	mlp := &fakePredictor{name: predictor.NameML, log: log}
	hot := &fakePredictor{name: predictor.NameHotlist, log: log}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp, hot)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("Expected ErrAlreadyRun, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close after Run failed: %v", err)
	}

	want := []string{"source.close", "ml.close", "hotlist.close", "sink.close"}
	got := log.list()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if mlp.closes.Load() != 1 || hot.closes.Load() != 1 || out.closes != 1 || src.closes != 1 {
		t.Errorf("Expected everything closed once: ml=%d hotlist=%d sink=%d source=%d",
			mlp.closes.Load(), hot.closes.Load(), out.closes, src.closes)
	}
}

func TestCoordinatorPredictorErrorsAreNotFatal(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(3, out, nil)
	mlp := &fakePredictor{name: predictor.NameML, predictErr: errors.New("model exploded")}
	hot := &fakePredictor{name: predictor.NameHotlist, writeErr: errors.New("buffer full")}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp, hot)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := len(out.chunks()); got != 3 {
		t.Errorf("Expected 3 merged chunks despite failures, got %d", got)
	}
	if hot.predicts.Load() != 0 {
		t.Errorf("Expected predict skipped after a failed write, got %d calls", hot.predicts.Load())
	}

	stats := c.GetStats()
	if stats.PredictorErrors[predictor.NameML] != 3 || stats.PredictorErrors[predictor.NameHotlist] != 3 {
		t.Errorf("Unexpected predictor errors %v", stats.PredictorErrors)
	}
	if stats.ChunksProcessed != 3 || stats.AudioMillis != 3000 || stats.BytesProcessed != 300 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestCoordinatorPredictorFailures(t *testing.T) {
	c := &Coordinator{}
	err := errors.Join(
		&predictor.Error{Predictor: "ml", Op: "predict", Err: errors.New("a")},
		errors.New("b"),
	)

	failed := c.predictorFailures(err)
	if len(failed) != 2 {
		t.Fatalf("Expected 2 failures, got %d", len(failed))
	}
	if failed[0].Predictor != "ml" || failed[1].Predictor != "unknown" {
		t.Errorf("Unexpected failures %v", failed)
	}
	if c.predictorFailures(nil) != nil {
		t.Error("Expected no failures for nil")
	}
}

func TestCoordinatorSourceErrorIsFatal(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(5, out, nil)
	src.failAt = 2
	src.failErr = &audio.DecodeError{Op: "read", Err: io.ErrUnexpectedEOF}
	mlp := &fakePredictor{name: predictor.NameML}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp)
	err := c.Run(context.Background())

	var decodeErr *audio.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Expected DecodeError, got %v", err)
	}
	if got := len(out.chunks()); got != 2 {
		t.Errorf("Expected 2 chunks before the failure, got %d", got)
	}
	if mlp.closes.Load() != 1 || out.closes != 1 {
		t.Errorf("Expected cleanup after a fatal error: predictor=%d sink=%d", mlp.closes.Load(), out.closes)
	}
}

func TestCoordinatorSinkErrorIsFatal(t *testing.T) {
	out := &recordingSink{writeErr: errors.New("disk full")}
	src := newFakeSource(5, nil, nil)
	mlp := &fakePredictor{name: predictor.NameML}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp)
	err := c.Run(context.Background())
	if err == nil || !contains(err.Error(), "disk full") {
		t.Fatalf("Expected sink error, got %v", err)
	}
	if src.served != 1 {
		t.Errorf("Expected the run to stop after the first chunk, served %d", src.served)
	}
	if mlp.closes.Load() != 1 || out.closes != 1 {
		t.Errorf("Expected cleanup after a fatal error: predictor=%d sink=%d", mlp.closes.Load(), out.closes)
	}
}

func TestCoordinatorMetadataPath(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(2, out, nil)
	src.chunks[1].MetadataPath = "/records/2024-01-01T10-00-00"

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig())
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	chunks := out.chunks()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].MetadataPath != "/data/France_RTL.json" {
		t.Errorf("Unexpected single-file metadata path %q", chunks[0].MetadataPath)
	}
	if chunks[1].MetadataPath != "/records/2024-01-01T10-00-00.json" {
		t.Errorf("Unexpected record metadata path %q", chunks[1].MetadataPath)
	}
}

func TestCoordinatorContextCancelled(t *testing.T) {
	out := &recordingSink{}
	c := newTestCoordinator(t, &blockingSource{}, out, config.DefaultPipelineConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if out.closes != 1 {
		t.Errorf("Expected sink closed, got %d", out.closes)
	}
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (audio.ChunkRecord, error) {
	<-ctx.Done()
	return audio.ChunkRecord{}, ctx.Err()
}

func (blockingSource) Close() error { return nil }

func TestCoordinatorPredictorStats(t *testing.T) {
	out := &recordingSink{}
	src := newFakeSource(2, out, nil)
	mlp := &countingPredictor{fakePredictor{name: predictor.NameML}}
	hot := &fakePredictor{name: predictor.NameHotlist}

	c := newTestCoordinator(t, src, out, config.DefaultPipelineConfig(), mlp, hot)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats := c.GetStats()
	if len(stats.Predictors) != 1 {
		t.Fatalf("Expected stats from 1 predictor, got %v", stats.Predictors)
	}
	ml, ok := stats.Predictors[predictor.NameML].(map[string]int32)
	if !ok {
		t.Fatalf("Expected ml stats, got %T", stats.Predictors[predictor.NameML])
	}
	if ml["predicts"] != 2 {
		t.Errorf("Expected 2 predictions reported, got %d", ml["predicts"])
	}
}

func TestFileChunkWithoutAudio(t *testing.T) {
	c := FileChunk{Type: TypeFileChunk, Data: []byte{1, 2}, TStart: 1000}
	stripped := c.WithoutAudio().(FileChunk)
	if stripped.Data != nil || stripped.TStart != 1000 {
		t.Errorf("Unexpected stripped chunk %+v", stripped)
	}
	if c.Data == nil {
		t.Error("WithoutAudio modified the original")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
