package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"time"
)

// Decoder output format: 16-bit little-endian mono PCM.
const (
	DefaultSampleRate = 22050
	Channels          = 1
	BitDepth          = 16
	BlockAlign        = Channels * BitDepth / 8
)

// ByteRate returns the number of PCM bytes per second of audio at sampleRate.
func ByteRate(sampleRate int) int {
	return sampleRate * BlockAlign
}

// ChunkRecord is a fixed-duration slice of decoded audio
type ChunkRecord struct {
	Data         []byte `json:"data"`
	TStart       int64  `json:"tStart"` // milliseconds
	TEnd         int64  `json:"tEnd"`   // milliseconds
	MetadataPath string `json:"metadataPath,omitempty"`
}

// Duration returns the audio duration covered by the chunk
func (c ChunkRecord) Duration() time.Duration {
	return time.Duration(c.TEnd-c.TStart) * time.Millisecond
}

// ChunkingConfig contains configuration for the chunking process
type ChunkingConfig struct {
	PredInterval float64 // seconds of audio per chunk
	SampleRate   int
}

// WindowSize returns the chunk size in bytes: round(predInterval * byteRate),
// aligned down to whole samples.
func (c ChunkingConfig) WindowSize() int {
	size := int(math.Round(c.PredInterval * float64(ByteRate(c.SampleRate))))
	size -= size % BlockAlign
	if size < BlockAlign {
		size = BlockAlign
	}
	return size
}

// Validate checks the chunking parameters
func (c ChunkingConfig) Validate() error {
	if c.PredInterval <= 0 {
		return fmt.Errorf("pred interval must be positive, got %f", c.PredInterval)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	return nil
}

// BytesToMillis converts a PCM byte offset to milliseconds, rounded to the nearest integer.
func BytesToMillis(n int64, sampleRate int) int64 {
	return int64(math.Round(float64(n) * 1000 / float64(ByteRate(sampleRate))))
}

// RecordIndex maps a chunk start time onto the record file it was read from.
// Records rotate every saveDuration windows of predInterval seconds.
func RecordIndex(tStartMs int64, predInterval float64, saveDuration int) int {
	if predInterval <= 0 || saveDuration <= 0 {
		return 0
	}
	return int(math.Floor(float64(tStartMs) / 1000 / predInterval / float64(saveDuration)))
}

// TrimExt returns path without its file extension
func TrimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// Chunker slices a PCM byte stream into fixed-size timestamped windows.
// It is not safe for concurrent use; Source drives it from a single goroutine.
type Chunker struct {
	r      io.Reader
	config ChunkingConfig
	window int

	bytesRead int64
	done      bool
}

// NewChunker creates a chunker reading from r
func NewChunker(r io.Reader, config ChunkingConfig) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		r:      r,
		config: config,
		window: config.WindowSize(),
	}, nil
}

// Next reads the next window. A short final window is returned as a chunk;
// the call after it returns io.EOF. Any other read error is returned as is.
func (c *Chunker) Next() (ChunkRecord, error) {
	if c.done {
		return ChunkRecord{}, io.EOF
	}

	buf := make([]byte, c.window)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.done = true
	case errors.Is(err, io.EOF):
		c.done = true
		return ChunkRecord{}, io.EOF
	default:
		return ChunkRecord{}, err
	}

	start := c.bytesRead
	c.bytesRead += int64(n)

	return ChunkRecord{
		Data:   buf[:n],
		TStart: BytesToMillis(start, c.config.SampleRate),
		TEnd:   BytesToMillis(c.bytesRead, c.config.SampleRate),
	}, nil
}
