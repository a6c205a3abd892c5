package hotlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/kv"
	"github.com/Juraldinio/adblockradio/internal/predictor"
)

// ErrNoAudio is returned by Predict when nothing was written since the last call
var ErrNoAudio = errors.New("hotlist: no audio written")

// Config configures the hotlist predictor
type Config struct {
	DBPath        string // badger directory, <modelDir>/<country>_<name>.hotlist
	InMemory      bool   // throwaway database, for tests
	SampleRate    int
	MinConfidence float64 // below this a chunk reports no best track
	TopK          int     // matches reported per chunk
	Fingerprint   FingerprintConfig
}

// Result is published to the sink after every chunk
type Result struct {
	Type string     `json:"type" msgpack:"type"`
	Data ResultData `json:"data" msgpack:"data"`
}

// ResultData carries the matches of one chunk
type ResultData struct {
	Matches    []Match `json:"matches" msgpack:"matches"`
	BestTrack  string  `json:"bestTrack" msgpack:"bestTrack"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// Predictor matches chunks against the fingerprint database
type Predictor struct {
	db            *DB
	emitter       predictor.Emitter
	sampleRate    int
	minConfidence float64
	topK          int
	logger        *slog.Logger

	buf       bytes.Buffer
	closeOnce sync.Once
	closeErr  error

	// Statistics
	chunksMatched atomic.Uint64
	hits          atomic.Uint64
}

// Stats represents hotlist predictor statistics
type Stats struct {
	Tracks        uint32 `json:"tracks"`
	Landmarks     uint64 `json:"landmarks"`
	ChunksMatched uint64 `json:"chunks_matched"`
	Hits          uint64 `json:"hits"` // chunks with a best track
}

var (
	_ predictor.Predictor     = (*Predictor)(nil)
	_ predictor.StatsReporter = (*Predictor)(nil)
)

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.1
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.Fingerprint == (FingerprintConfig{}) {
		c.Fingerprint = DefaultFingerprintConfig()
	}
	return c
}

// Open opens the database described by config
func Open(ctx context.Context, config Config, logger *slog.Logger) (*DB, error) {
	config = config.withDefaults()

	store, err := kv.NewBadger(kv.BadgerOptions{
		Dir:      config.DBPath,
		InMemory: config.InMemory,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	db, err := OpenDB(ctx, store, config.Fingerprint, config.SampleRate, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return db, nil
}

// New opens the database and creates a predictor over it. Results are also
// written to emitter when it is not nil.
func New(ctx context.Context, config Config, emitter predictor.Emitter, logger *slog.Logger) (*Predictor, error) {
	db, err := Open(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	info := db.Info()
	if info.Tracks == 0 {
		logger.Warn("Hotlist database is empty", slog.String("path", config.DBPath))
	} else {
		logger.Info("Hotlist predictor ready",
			slog.String("path", config.DBPath),
			slog.Int("tracks", int(info.Tracks)))
	}

	return NewWithDB(db, config, emitter, logger), nil
}

// NewWithDB creates a predictor over an open database. The predictor owns db.
func NewWithDB(db *DB, config Config, emitter predictor.Emitter, logger *slog.Logger) *Predictor {
	config = config.withDefaults()
	return &Predictor{
		db:            db,
		emitter:       emitter,
		sampleRate:    config.SampleRate,
		minConfidence: config.MinConfidence,
		topK:          config.TopK,
		logger:        logger,
	}
}

// Name returns the predictor name
func (p *Predictor) Name() string {
	return predictor.NameHotlist
}

// Write buffers chunk audio
func (p *Predictor) Write(b []byte) (int, error) {
	return p.buf.Write(b)
}

// Predict matches everything written since the last call
func (p *Predictor) Predict(ctx context.Context) (any, error) {
	if p.buf.Len() == 0 {
		return nil, ErrNoAudio
	}

	samples := audio.PCMToFloat32(p.buf.Bytes())
	p.buf.Reset()

	matches, err := p.db.Match(ctx, samples, p.topK)
	if err != nil {
		return nil, err
	}

	result := Result{
		Type: predictor.NameHotlist,
		Data: ResultData{Matches: matches},
	}
	if matches == nil {
		result.Data.Matches = []Match{}
	}
	if len(matches) > 0 && matches[0].Confidence >= p.minConfidence {
		result.Data.BestTrack = matches[0].Track
		result.Data.Confidence = matches[0].Confidence
		p.hits.Add(1)
	}
	p.chunksMatched.Add(1)

	if result.Data.BestTrack != "" {
		p.logger.Debug("Hotlist match",
			slog.String("track", result.Data.BestTrack),
			slog.Float64("confidence", result.Data.Confidence))
	}

	if p.emitter != nil {
		if err := p.emitter.Write(ctx, result); err != nil {
			return nil, fmt.Errorf("failed to emit result: %w", err)
		}
	}

	return result, nil
}

// GetStats returns the database size and match counters
func (p *Predictor) GetStats() any {
	info := p.db.Info()
	return Stats{
		Tracks:        info.Tracks,
		Landmarks:     info.Landmarks,
		ChunksMatched: p.chunksMatched.Load(),
		Hits:          p.hits.Load(),
	}
}

// Close closes the database. Safe to call multiple times.
func (p *Predictor) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.db.Close()
	})
	return p.closeErr
}
