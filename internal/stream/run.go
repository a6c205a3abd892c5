package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/config"
	"github.com/Juraldinio/adblockradio/internal/metrics"
	"github.com/Juraldinio/adblockradio/internal/predictor"
	"github.com/Juraldinio/adblockradio/internal/predictor/hotlist"
	"github.com/Juraldinio/adblockradio/internal/predictor/ml"
	"github.com/Juraldinio/adblockradio/internal/sink"
)

// ErrMissingField is wrapped by NewRun when a mandatory option is unset
var ErrMissingField = errors.New("missing mandatory field")

// RunOptions contains everything needed to analyse one stream recording
type RunOptions struct {
	// Stream identity, also the model file prefix <country>_<name>
	Country string
	Name    string

	ModelDir string // models and databases, <ModelDir>/<country>_<name>.<ext>
	Sink     sink.Sink

	// Exactly one of File and Records
	File    string
	Records []string

	// Start from config.DefaultPipelineConfig(); zero values of the numeric
	// fields fall back to the defaults
	Pipeline config.PipelineConfig

	DecoderConfig audio.DecoderConfig
	Decoder       audio.Decoder // replaces the subprocess decoder when set

	ML      ml.Config
	Hotlist hotlist.Config

	// Predictors replaces the predictors built from ML and Hotlist
	Predictors []predictor.Predictor

	Logger   *slog.Logger
	Registry *prometheus.Registry // a fresh registry when nil
}

// RunStats represents statistics of a pipeline run
type RunStats struct {
	ID          string            `json:"id"`
	Country     string            `json:"country"`
	Name        string            `json:"name"`
	StartTime   time.Time         `json:"start_time"`
	Uptime      string            `json:"uptime"`
	Coordinator Stats             `json:"coordinator"`
	Source      audio.SourceStats `json:"source"`
}

// Run is one source, one coordinator, its predictors and its sink
type Run struct {
	id       string
	options  RunOptions
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	source      *audio.Source
	coordinator *Coordinator
	startTime   time.Time
}

// NewRun validates the options and builds the source, the enabled predictors
// and the coordinator. A missing mandatory option is logged and returned as
// an error wrapping ErrMissingField.
func NewRun(ctx context.Context, options RunOptions) (*Run, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := options.validate(); err != nil {
		logger.Error("Invalid pipeline options", slog.String("error", err.Error()))
		return nil, err
	}

	if options.Pipeline.PredInterval == 0 {
		options.Pipeline.PredInterval = config.DefaultPipelineConfig().PredInterval
	}
	if options.Pipeline.SaveDuration == 0 {
		options.Pipeline.SaveDuration = config.DefaultPipelineConfig().SaveDuration
	}
	if err := options.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	if options.DecoderConfig.SampleRate <= 0 {
		options.DecoderConfig.SampleRate = audio.DefaultSampleRate
	}

	id := uuid.NewString()
	logger = logger.With(
		slog.String("run_id", id),
		slog.String("stream", options.Country+"_"+options.Name),
	)

	registry := options.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)
	out := &meteredSink{Sink: options.Sink, metrics: m}

	decoder := options.Decoder
	if decoder == nil {
		decoder = audio.NewExecDecoder(options.DecoderConfig)
	}

	source, err := audio.NewSource(decoder, audio.SourceConfig{
		Input: audio.Input{
			File:    options.File,
			Records: options.Records,
		},
		Chunking: audio.ChunkingConfig{
			PredInterval: options.Pipeline.PredInterval,
			SampleRate:   options.DecoderConfig.SampleRate,
		},
		SaveDuration: options.Pipeline.SaveDuration,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio source: %w", err)
	}

	predictors := options.Predictors
	if predictors == nil {
		predictors, err = buildPredictors(ctx, options, out, logger)
		if err != nil {
			return nil, err
		}
	}

	coordinator, err := NewCoordinator(CoordinatorConfig{
		Source:     source,
		Predictors: predictors,
		Sink:       out,
		Pipeline:   options.Pipeline,
		File:       options.File,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		closePredictors(predictors)
		return nil, err
	}

	return &Run{
		id:          id,
		options:     options,
		logger:      logger,
		registry:    registry,
		metrics:     m,
		source:      source,
		coordinator: coordinator,
		startTime:   time.Now(),
	}, nil
}

func (o *RunOptions) validate() error {
	switch {
	case o.Country == "":
		return fmt.Errorf("%w: country", ErrMissingField)
	case o.Name == "":
		return fmt.Errorf("%w: name", ErrMissingField)
	case o.ModelDir == "":
		return fmt.Errorf("%w: model dir", ErrMissingField)
	case o.Sink == nil:
		return fmt.Errorf("%w: sink", ErrMissingField)
	case o.File == "" && len(o.Records) == 0:
		return fmt.Errorf("%w: file or records", ErrMissingField)
	}
	return nil
}

// buildPredictors creates the enabled predictors with models resolved under
// ModelDir. Disabled predictors are not constructed.
func buildPredictors(ctx context.Context, options RunOptions, emitter predictor.Emitter, logger *slog.Logger) ([]predictor.Predictor, error) {
	var predictors []predictor.Predictor
	sampleRate := options.DecoderConfig.SampleRate

	if options.Pipeline.EnablePredictorML {
		cfg := options.ML
		if cfg.ModelPath == "" {
			cfg.ModelPath = predictor.ModelPath(options.ModelDir, options.Country, options.Name, predictor.ExtML)
		}
		cfg.SampleRate = sampleRate
		cfg.Remote.Country = options.Country
		cfg.Remote.Name = options.Name

		p, err := ml.New(cfg, emitter, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ml predictor: %w", err)
		}
		predictors = append(predictors, p)
	}

	if options.Pipeline.EnablePredictorHotlist {
		cfg := options.Hotlist
		if cfg.DBPath == "" && !cfg.InMemory {
			cfg.DBPath = predictor.ModelPath(options.ModelDir, options.Country, options.Name, predictor.ExtHotlist)
		}
		cfg.SampleRate = sampleRate

		p, err := hotlist.New(ctx, cfg, emitter, logger)
		if err != nil {
			closePredictors(predictors)
			return nil, fmt.Errorf("failed to create hotlist predictor: %w", err)
		}
		predictors = append(predictors, p)
	}

	return predictors, nil
}

func closePredictors(predictors []predictor.Predictor) {
	for _, p := range predictors {
		p.Close()
	}
}

// Run processes the whole input. It blocks until the last chunk is merged
// and everything is closed, or until a source or sink error.
func (r *Run) Run(ctx context.Context) error {
	start := time.Now()
	r.logger.Info("Pipeline run started",
		slog.String("file", r.options.File),
		slog.Int("records", len(r.options.Records)),
		slog.Float64("pred_interval", r.options.Pipeline.PredInterval),
		slog.Int("predictors", len(r.coordinator.enabled)),
	)

	err := r.coordinator.Run(ctx)

	sourceStats := r.source.GetStats()
	r.metrics.RecordDecoderFeed(sourceStats.BytesFed, int(sourceStats.RecordsFed))

	stats := r.coordinator.GetStats()
	r.logger.Info("Pipeline run finished",
		slog.Uint64("chunks", stats.ChunksProcessed),
		slog.Int64("audio_ms", stats.AudioMillis),
		slog.Int64("bytes_fed", sourceStats.BytesFed),
		slog.Duration("elapsed", time.Since(start)),
	)

	return err
}

// Close releases a run that will not be started, including its sink
func (r *Run) Close() error {
	return r.coordinator.Close()
}

// ID returns the unique run identifier
func (r *Run) ID() string {
	return r.id
}

// State returns the coordinator state
func (r *Run) State() State {
	return r.coordinator.State()
}

// Metrics returns the run metrics
func (r *Run) Metrics() *metrics.Metrics {
	return r.metrics
}

// Registry returns the registry holding the run metrics
func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

// GetStats returns current run statistics
func (r *Run) GetStats() RunStats {
	return RunStats{
		ID:          r.id,
		Country:     r.options.Country,
		Name:        r.options.Name,
		StartTime:   r.startTime,
		Uptime:      time.Since(r.startTime).String(),
		Coordinator: r.coordinator.GetStats(),
		Source:      r.source.GetStats(),
	}
}

// meteredSink counts every write, from the coordinator and the predictors
type meteredSink struct {
	sink.Sink
	metrics *metrics.Metrics
}

func (s *meteredSink) Write(ctx context.Context, v any) error {
	err := s.Sink.Write(ctx, v)
	s.metrics.RecordSinkWrite(err != nil)
	return err
}
