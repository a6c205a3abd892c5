package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("sink: closed")

// Output formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Sink consumes pipeline output. Implementations must accept concurrent
// writes.
type Sink interface {
	Write(ctx context.Context, v any) error
	Close() error
}

// AudioCarrier is implemented by objects holding a raw audio payload
type AudioCarrier interface {
	// WithoutAudio returns a copy with the payload removed
	WithoutAudio() any
}

// Options are the persistence flags of a run
type Options struct {
	SaveAudio     bool // keep raw PCM in fileChunk objects
	SaveMetadata  bool
	FetchMetadata bool
}

// Config selects and configures a sink
type Config struct {
	Format  string // json or msgpack
	Path    string // file to append to, "" or "-" for stdout
	Options Options
}

// Validate validates the sink configuration
func (c Config) Validate() error {
	switch c.Format {
	case "", FormatJSON, FormatMsgpack:
		return nil
	default:
		return fmt.Errorf("unknown sink format %q", c.Format)
	}
}

// Open creates the sink described by config
func Open(config Config) (Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if config.Path != "" && config.Path != "-" {
		f, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open sink file: %w", err)
		}
		w, closer = f, f
	}

	var s *Stream
	if config.Format == FormatMsgpack {
		s = Msgpack(w, config.Options)
	} else {
		s = JSONLines(w, config.Options)
	}
	s.closer = closer
	return s, nil
}

// Stream encodes every written value onto a writer
type Stream struct {
	encode func(v any) error
	closer io.Closer
	opts   Options

	mu     sync.Mutex
	closed bool
	writes uint64
}

// JSONLines writes one JSON document per line
func JSONLines(w io.Writer, opts Options) *Stream {
	enc := json.NewEncoder(w)
	return &Stream{encode: enc.Encode, opts: opts}
}

// Msgpack writes a stream of msgpack values, keyed like the JSON output
func Msgpack(w io.Writer, opts Options) *Stream {
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag("json")
	return &Stream{encode: enc.Encode, opts: opts}
}

// Write encodes v, dropping the audio payload unless SaveAudio is set
func (s *Stream) Write(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c, ok := v.(AudioCarrier); ok && !s.opts.SaveAudio {
		v = c.WithoutAudio()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.encode(v); err != nil {
		return fmt.Errorf("sink: encode: %w", err)
	}
	s.writes++
	return nil
}

// Writes returns the number of values written
func (s *Stream) Writes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Close closes the underlying file, if the sink opened one
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
