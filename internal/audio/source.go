package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSourceClosed is returned by Next after Close
var ErrSourceClosed = errors.New("audio source closed")

// Input selects what is fed to the decoder: one file, or an ordered list of
// record files forming a single session. Exactly one must be set.
type Input struct {
	File    string
	Records []string
}

// Validate checks that exactly one input kind is given
func (in Input) Validate() error {
	switch {
	case in.File == "" && len(in.Records) == 0:
		return errors.New("either a file or a list of records is required")
	case in.File != "" && len(in.Records) > 0:
		return errors.New("file and records are mutually exclusive")
	}
	for i, r := range in.Records {
		if r == "" {
			return fmt.Errorf("record %d has an empty path", i)
		}
	}
	return nil
}

// MultiRecord reports whether the input is a list of records
func (in Input) MultiRecord() bool {
	return len(in.Records) > 0
}

// DecodeError is a fatal decoder I/O failure
type DecodeError struct {
	Op   string // "start", "write", "read" or "decode"
	Path string // input file being written, if any
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("decoder %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("decoder %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// SourceConfig contains configuration for an audio chunk source
type SourceConfig struct {
	Input        Input
	Chunking     ChunkingConfig
	SaveDuration int // predInterval windows per record file
}

// SourceStats represents source statistics
type SourceStats struct {
	BytesFed      int64         `json:"bytes_fed"`
	BytesDecoded  int64         `json:"bytes_decoded"`
	RecordsFed    int64         `json:"records_fed"`
	ChunksEmitted uint64        `json:"chunks_emitted"`
	WindowSize    int           `json:"window_size"`
	AudioDuration time.Duration `json:"audio_duration"` // decoded so far
}

type chunkResult struct {
	chunk ChunkRecord
	err   error
}

// Source feeds the input through a decoder and yields fixed-duration chunks.
//
// Chunks are pulled: the decoder output is read one window per Next call, so
// while the caller is busy with a chunk nothing more is read and the decoder
// stalls on its full output pipe. A Source is single-use and Next must not be
// called concurrently.
type Source struct {
	decoder Decoder
	config  SourceConfig
	logger  *slog.Logger

	startOnce sync.Once
	started   bool
	cancel    context.CancelFunc
	demand    chan struct{}
	results   chan chunkResult
	feedDone  chan error
	wg        sync.WaitGroup

	finished bool
	finalErr error
	reaped   bool

	bytesFed      atomic.Int64
	bytesDecoded  atomic.Int64
	recordsFed    atomic.Int64
	chunksEmitted atomic.Uint64
}

// NewSource creates a source; the decoder is started by the first Next call.
func NewSource(decoder Decoder, config SourceConfig, logger *slog.Logger) (*Source, error) {
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if err := config.Input.Validate(); err != nil {
		return nil, err
	}
	if err := config.Chunking.Validate(); err != nil {
		return nil, err
	}
	if config.Input.MultiRecord() && config.SaveDuration <= 0 {
		return nil, fmt.Errorf("save duration must be positive in multi-record mode, got %d", config.SaveDuration)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		decoder:  decoder,
		config:   config,
		logger:   logger,
		demand:   make(chan struct{}, 1),
		results:  make(chan chunkResult, 1),
		feedDone: make(chan error, 1),
	}, nil
}

// Next returns the next chunk. It returns io.EOF once the decoder output is
// exhausted and the decoder exited cleanly, or a *DecodeError on failure.
// The context of the first call bounds the lifetime of the decoder process.
func (s *Source) Next(ctx context.Context) (ChunkRecord, error) {
	if s.finished {
		return ChunkRecord{}, s.finalErr
	}

	var startErr error
	s.startOnce.Do(func() { startErr = s.start(ctx) })
	if startErr != nil {
		s.finish(startErr)
		return ChunkRecord{}, startErr
	}

	select {
	case s.demand <- struct{}{}:
	case <-ctx.Done():
		return ChunkRecord{}, ctx.Err()
	}

	select {
	case res := <-s.results:
		if res.err == nil {
			s.chunksEmitted.Add(1)
			return res.chunk, nil
		}
		if errors.Is(res.err, io.EOF) {
			s.finish(s.waitDecoder())
		} else {
			s.cancel()
			s.finish(&DecodeError{Op: "read", Err: res.err})
		}
		return ChunkRecord{}, s.finalErr
	case <-ctx.Done():
		return ChunkRecord{}, ctx.Err()
	}
}

// Close stops the decoder if it is still running and releases goroutines.
func (s *Source) Close() error {
	if s.started && !s.reaped {
		s.cancel()
		s.wg.Wait()
		// killed above; the exit status carries no information
		_ = s.decoder.Wait()
		s.reaped = true
	}
	if !s.finished {
		s.finish(ErrSourceClosed)
	}
	return nil
}

// GetStats returns current source statistics
func (s *Source) GetStats() SourceStats {
	decoded := s.bytesDecoded.Load()
	return SourceStats{
		BytesFed:      s.bytesFed.Load(),
		BytesDecoded:  decoded,
		RecordsFed:    s.recordsFed.Load(),
		ChunksEmitted: s.chunksEmitted.Load(),
		WindowSize:    s.config.Chunking.WindowSize(),
		AudioDuration: time.Duration(BytesToMillis(decoded, s.config.Chunking.SampleRate)) * time.Millisecond,
	}
}

func (s *Source) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	stdin, stdout, err := s.decoder.Start(runCtx)
	if err != nil {
		cancel()
		return &DecodeError{Op: "start", Err: err}
	}

	chunker, err := NewChunker(stdout, s.config.Chunking)
	if err != nil {
		cancel()
		return err
	}

	s.started = true
	s.cancel = cancel

	s.logger.Debug("Decoder started",
		slog.Int("window_size", s.config.Chunking.WindowSize()),
		slog.Bool("multi_record", s.config.Input.MultiRecord()),
	)

	s.wg.Add(2)
	go s.feedLoop(stdin)
	go s.readLoop(runCtx, chunker)

	return nil
}

// feedLoop writes the input into the decoder and closes its stdin
func (s *Source) feedLoop(stdin io.WriteCloser) {
	defer s.wg.Done()

	var err error
	if s.config.Input.MultiRecord() {
		err = s.feedRecords(stdin)
	} else {
		err = s.feedFile(stdin, s.config.Input.File)
	}

	if closeErr := stdin.Close(); err == nil && closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		err = &DecodeError{Op: "write", Err: closeErr}
	}
	s.feedDone <- err
}

func (s *Source) feedFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &DecodeError{Op: "write", Path: path, Err: err}
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	s.bytesFed.Add(n)
	if err != nil {
		return &DecodeError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// feedRecords writes each record in order. Write blocks while the decoder
// input pipe is full, so at most one record is held in memory.
func (s *Source) feedRecords(w io.Writer) error {
	for i, path := range s.config.Input.Records {
		data, err := os.ReadFile(path)
		if err != nil {
			return &DecodeError{Op: "write", Path: path, Err: err}
		}

		n, err := w.Write(data)
		s.bytesFed.Add(int64(n))
		if err != nil {
			return &DecodeError{Op: "write", Path: path, Err: err}
		}
		s.recordsFed.Add(1)

		s.logger.Debug("Record fed to decoder",
			slog.Int("index", i),
			slog.String("path", path),
			slog.Int("bytes", n),
		)
	}
	return nil
}

// readLoop reads one window per demand token
func (s *Source) readLoop(ctx context.Context, chunker *Chunker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.demand:
		}

		chunk, err := chunker.Next()
		if err == nil {
			s.bytesDecoded.Add(int64(len(chunk.Data)))
			s.annotate(&chunk)
		}

		select {
		case s.results <- chunkResult{chunk: chunk, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// annotate attaches the originating record in multi-record mode
func (s *Source) annotate(chunk *ChunkRecord) {
	records := s.config.Input.Records
	if len(records) == 0 {
		return
	}
	idx := RecordIndex(chunk.TStart, s.config.Chunking.PredInterval, s.config.SaveDuration)
	if idx >= len(records) {
		s.logger.Warn("Chunk maps past the last record",
			slog.Int64("t_start", chunk.TStart),
			slog.Int("index", idx),
			slog.Int("records", len(records)),
		)
		idx = len(records) - 1
	}
	chunk.MetadataPath = TrimExt(records[idx])
}

// waitDecoder reaps the decoder after its output hit EOF and reports the
// first failure, or io.EOF when both the feed and the decoder succeeded.
func (s *Source) waitDecoder() error {
	waitErr := s.decoder.Wait()
	s.reaped = true
	feedErr := <-s.feedDone
	s.wg.Wait()
	s.cancel()

	if feedErr != nil {
		return feedErr
	}
	if waitErr != nil {
		return &DecodeError{Op: "decode", Err: waitErr}
	}

	s.logger.Debug("Decoder finished",
		slog.Int64("bytes_fed", s.bytesFed.Load()),
		slog.Int64("bytes_decoded", s.bytesDecoded.Load()),
		slog.Uint64("chunks", s.chunksEmitted.Load()),
	)
	return io.EOF
}

func (s *Source) finish(err error) {
	s.finished = true
	s.finalErr = err
}
