package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/config"
	"github.com/Juraldinio/adblockradio/internal/metrics"
	"github.com/Juraldinio/adblockradio/internal/predictor"
	"github.com/Juraldinio/adblockradio/internal/sink"
)

// TypeFileChunk tags the merged per-chunk object
const TypeFileChunk = "fileChunk"

// MetadataSuffix is appended to the derived metadata path of every chunk
const MetadataSuffix = ".json"

// ErrAlreadyRun is returned by a second call to Run
var ErrAlreadyRun = errors.New("coordinator already run")

// State is the coordinator lifecycle state
type State int32

const (
	StateIdle State = iota
	StateAwaitingChunk
	StateDispatching
	StateMerging
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingChunk:
		return "awaiting_chunk"
	case StateDispatching:
		return "dispatching"
	case StateMerging:
		return "merging"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FileChunk is the merged object written to the sink for every chunk
type FileChunk struct {
	Type         string `json:"type"`
	Data         []byte `json:"data,omitempty"`
	TStart       int64  `json:"tStart"`
	TEnd         int64  `json:"tEnd"`
	MetadataPath string `json:"metadataPath"`
}

var _ sink.AudioCarrier = FileChunk{}

// WithoutAudio returns a copy without the PCM payload
func (c FileChunk) WithoutAudio() any {
	c.Data = nil
	return c
}

// ChunkSource yields chunks one at a time until io.EOF
type ChunkSource interface {
	Next(ctx context.Context) (audio.ChunkRecord, error)
	Close() error
}

// CoordinatorConfig contains everything a coordinator drives
type CoordinatorConfig struct {
	Source     ChunkSource
	Predictors []predictor.Predictor // owned, closed by the coordinator
	Sink       sink.Sink             // owned, closed last
	Pipeline   config.PipelineConfig
	File       string // single-file input, base of the metadata path
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Stats represents coordinator statistics
type Stats struct {
	State           string            `json:"state"`
	ChunksProcessed uint64            `json:"chunks_processed"`
	BytesProcessed  int64             `json:"bytes_processed"`
	AudioMillis     int64             `json:"audio_ms"`
	PredictorErrors map[string]uint64 `json:"predictor_errors"`
	Predictors      map[string]any    `json:"predictors,omitempty"`
	LastChunkAt     time.Time         `json:"last_chunk_at"`
}

// Coordinator pulls one chunk at a time from the source, runs every enabled
// predictor on it concurrently and writes the merged result to the sink.
// The next chunk is requested only after the merge, so at most one chunk is
// ever in flight.
type Coordinator struct {
	source     ChunkSource
	predictors []predictor.Predictor
	enabled    []predictor.Predictor
	sink       sink.Sink
	file       string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	state     atomic.Int32
	ran       atomic.Bool
	closeOnce sync.Once
	closeErr  error

	// Statistics
	chunksProcessed uint64
	bytesProcessed  int64
	audioMillis     int64
	predictorErrors map[string]uint64
	lastChunkAt     time.Time

	mu sync.RWMutex
}

// NewCoordinator creates a coordinator. Predictors disabled by the pipeline
// configuration are kept for Close but never written to or invoked.
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.Source == nil {
		return nil, errors.New("source is required")
	}
	if config.Sink == nil {
		return nil, errors.New("sink is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Coordinator{
		source:          config.Source,
		predictors:      config.Predictors,
		sink:            config.Sink,
		file:            config.File,
		logger:          config.Logger,
		metrics:         config.Metrics,
		predictorErrors: make(map[string]uint64),
	}

	for _, p := range config.Predictors {
		if !predictorEnabled(config.Pipeline, p.Name()) {
			c.logger.Info("Predictor disabled", slog.String("predictor", p.Name()))
			continue
		}
		c.enabled = append(c.enabled, p)
	}

	return c, nil
}

// predictorEnabled maps the enable flags onto predictor names. Predictors
// without a flag are always enabled.
func predictorEnabled(p config.PipelineConfig, name string) bool {
	switch name {
	case predictor.NameML:
		return p.EnablePredictorML
	case predictor.NameHotlist:
		return p.EnablePredictorHotlist
	default:
		return true
	}
}

// Run processes chunks until the source is exhausted or fails, then closes
// the source, every predictor and finally the sink. Source and sink errors
// end the run and are returned; predictor errors are logged and skipped.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	runErr := c.loop(ctx)
	if runErr != nil {
		c.logger.Error("Pipeline run failed", slog.String("error", runErr.Error()))
	}

	if err := c.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (c *Coordinator) loop(ctx context.Context) error {
	for {
		c.setState(StateAwaitingChunk)

		chunk, err := c.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}

		c.metrics.SetInFlight(1)
		c.metrics.RecordDecoded(len(chunk.Data))

		c.setState(StateDispatching)
		predictErr := c.dispatch(ctx, chunk.Data)

		c.setState(StateMerging)
		err = c.merge(ctx, chunk, predictErr)
		c.metrics.SetInFlight(0)
		if err != nil {
			return err
		}
	}
}

// dispatch runs every enabled predictor on data and waits for all of them
func (c *Coordinator) dispatch(ctx context.Context, data []byte) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, p := range c.enabled {
		wg.Add(1)
		go func(p predictor.Predictor) {
			defer wg.Done()

			start := time.Now()
			err := predict(ctx, p, data)
			c.metrics.RecordPrediction(p.Name(), time.Since(start).Seconds(), err != nil)

			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func predict(ctx context.Context, p predictor.Predictor, data []byte) error {
	if _, err := p.Write(data); err != nil {
		return &predictor.Error{Predictor: p.Name(), Op: "write", Err: err}
	}
	if _, err := p.Predict(ctx); err != nil {
		return &predictor.Error{Predictor: p.Name(), Op: "predict", Err: err}
	}
	return nil
}

// merge records predictor failures and writes the tagged chunk to the sink
func (c *Coordinator) merge(ctx context.Context, chunk audio.ChunkRecord, predictErr error) error {
	failed := c.predictorFailures(predictErr)
	for _, pe := range failed {
		c.logger.Warn("Predictor failed",
			slog.String("predictor", pe.Predictor),
			slog.String("op", pe.Op),
			slog.Int64("t_start", chunk.TStart),
			slog.String("error", pe.Err.Error()),
		)
	}

	out := FileChunk{
		Type:         TypeFileChunk,
		Data:         chunk.Data,
		TStart:       chunk.TStart,
		TEnd:         chunk.TEnd,
		MetadataPath: c.metadataPath(chunk),
	}
	if err := c.sink.Write(ctx, out); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	c.metrics.RecordChunkEmitted(chunk.Duration().Seconds(), len(chunk.Data))

	c.mu.Lock()
	c.chunksProcessed++
	c.bytesProcessed += int64(len(chunk.Data))
	c.audioMillis = chunk.TEnd
	c.lastChunkAt = time.Now()
	for _, pe := range failed {
		c.predictorErrors[pe.Predictor]++
	}
	c.mu.Unlock()

	c.logger.Debug("Chunk merged",
		slog.Int64("t_start", chunk.TStart),
		slog.Int64("t_end", chunk.TEnd),
		slog.String("metadata_path", out.MetadataPath),
		slog.Int("predictor_errors", len(failed)),
	)

	return nil
}

// predictorFailures unpacks the joined dispatch error
func (c *Coordinator) predictorFailures(err error) []*predictor.Error {
	if err == nil {
		return nil
	}

	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}

	failed := make([]*predictor.Error, 0, len(errs))
	for _, e := range errs {
		var pe *predictor.Error
		if errors.As(e, &pe) {
			failed = append(failed, pe)
		} else {
			failed = append(failed, &predictor.Error{Predictor: "unknown", Op: "predict", Err: e})
		}
	}
	return failed
}

// metadataPath derives the metadata file of a chunk from its record, or from
// the input file in single-file mode
func (c *Coordinator) metadataPath(chunk audio.ChunkRecord) string {
	if chunk.MetadataPath != "" {
		return chunk.MetadataPath + MetadataSuffix
	}
	return audio.TrimExt(c.file) + MetadataSuffix
}

// shutdown closes the source, then each predictor, then the sink. It runs
// once; later calls return the first result.
func (c *Coordinator) shutdown() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)

		if err := c.source.Close(); err != nil {
			c.logger.Warn("Failed to close source", slog.String("error", err.Error()))
		}

		for _, p := range c.predictors {
			if err := p.Close(); err != nil {
				c.logger.Warn("Failed to close predictor",
					slog.String("predictor", p.Name()),
					slog.String("error", err.Error()))
			}
		}

		if err := c.sink.Close(); err != nil {
			c.closeErr = fmt.Errorf("failed to close sink: %w", err)
		}

		c.setState(StateClosed)
	})
	return c.closeErr
}

// Close releases the source, predictors and sink of a coordinator that will
// not be run. Run returns ErrAlreadyRun afterwards.
func (c *Coordinator) Close() error {
	c.ran.Store(true)
	return c.shutdown()
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// GetStats returns current coordinator statistics
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	errs := make(map[string]uint64, len(c.predictorErrors))
	for name, n := range c.predictorErrors {
		errs[name] = n
	}

	return Stats{
		State:           c.State().String(),
		ChunksProcessed: c.chunksProcessed,
		BytesProcessed:  c.bytesProcessed,
		AudioMillis:     c.audioMillis,
		PredictorErrors: errs,
		Predictors:      c.predictorStats(),
		LastChunkAt:     c.lastChunkAt,
	}
}

// predictorStats collects the statistics of predictors that report them
func (c *Coordinator) predictorStats() map[string]any {
	var stats map[string]any
	for _, p := range c.predictors {
		r, ok := p.(predictor.StatsReporter)
		if !ok {
			continue
		}
		s := r.GetStats()
		if s == nil {
			continue
		}
		if stats == nil {
			stats = make(map[string]any)
		}
		stats[p.Name()] = s
	}
	return stats
}
