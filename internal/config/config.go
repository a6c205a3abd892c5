package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a run
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Decoder    DecoderConfig    `yaml:"decoder"`
	Predictors PredictorsConfig `yaml:"predictors"`
	Sink       SinkConfig       `yaml:"sink"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// PipelineConfig contains chunking and predictor selection parameters
type PipelineConfig struct {
	PredInterval           float64 `yaml:"pred_interval"` // seconds
	SaveDuration           int     `yaml:"save_duration"` // pred intervals per record file
	EnablePredictorML      bool    `yaml:"enable_predictor_ml"`
	EnablePredictorHotlist bool    `yaml:"enable_predictor_hotlist"`
	SaveAudio              bool    `yaml:"save_audio"`
	SaveMetadata           bool    `yaml:"save_metadata"`
	FetchMetadata          bool    `yaml:"fetch_metadata"`
}

// DecoderConfig contains decoder subprocess configuration
type DecoderConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"` // empty for the default ffmpeg invocation
	SampleRate int      `yaml:"sample_rate"`
	Stderr     string   `yaml:"stderr"` // "stderr" or "discard"
}

// PredictorsConfig contains predictor model configuration
type PredictorsConfig struct {
	ModelDir string        `yaml:"model_dir"`
	ML       MLConfig      `yaml:"ml"`
	Hotlist  HotlistConfig `yaml:"hotlist"`
}

// MLConfig contains content classifier configuration
type MLConfig struct {
	Engine string `yaml:"engine"` // energy, remote or onnx

	// energy engine
	Smoothing float32 `yaml:"smoothing"`

	// remote engine
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`

	// onnx engine
	ONNXLibrary string `yaml:"onnx_library"`
	ONNXInput   string `yaml:"onnx_input"`
	ONNXOutput  string `yaml:"onnx_output"`
}

// HotlistConfig contains fingerprint matching configuration
type HotlistConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	TopK          int     `yaml:"top_k"`
}

// SinkConfig contains output configuration
type SinkConfig struct {
	Format string `yaml:"format"` // json or msgpack
	Path   string `yaml:"path"`   // empty or "-" for stdout
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultPipelineConfig returns the pipeline defaults
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		PredInterval:           1,
		SaveDuration:           10,
		EnablePredictorML:      true,
		EnablePredictorHotlist: true,
	}
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Pipeline: DefaultPipelineConfig(),
		Decoder: DecoderConfig{
			Command:    "ffmpeg",
			SampleRate: 22050,
			Stderr:     "stderr",
		},
		Predictors: PredictorsConfig{
			ModelDir: "./models",
			ML: MLConfig{
				Engine:        "energy",
				Smoothing:     1,
				Timeout:       10,
				MaxRetries:    3,
				ONNXInput:     "input",
				ONNXOutput:    "output",
			},
			Hotlist: HotlistConfig{
				MinConfidence: 0.1,
				TopK:          3,
			},
		},
		Sink: SinkConfig{
			Format: "json",
			Path:   "-",
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Decoder.Validate(); err != nil {
		return fmt.Errorf("decoder config: %w", err)
	}

	if err := c.Predictors.Validate(); err != nil {
		return fmt.Errorf("predictors config: %w", err)
	}

	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.PredInterval <= 0 {
		return fmt.Errorf("pred_interval must be positive, got %f", p.PredInterval)
	}

	if p.SaveDuration < 1 {
		return fmt.Errorf("save_duration must be at least 1, got %d", p.SaveDuration)
	}

	return nil
}

// Validate validates decoder configuration
func (d *DecoderConfig) Validate() error {
	if d.Command == "" {
		return fmt.Errorf("command cannot be empty")
	}

	if d.SampleRate < 8000 || d.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", d.SampleRate)
	}

	validStderr := map[string]bool{"stderr": true, "discard": true}
	if !validStderr[d.Stderr] {
		return fmt.Errorf("stderr must be 'stderr' or 'discard', got '%s'", d.Stderr)
	}

	return nil
}

// Validate validates predictor configuration
func (p *PredictorsConfig) Validate() error {
	if p.ModelDir == "" {
		return fmt.Errorf("model_dir cannot be empty")
	}

	if err := p.ML.Validate(); err != nil {
		return fmt.Errorf("ml: %w", err)
	}

	if err := p.Hotlist.Validate(); err != nil {
		return fmt.Errorf("hotlist: %w", err)
	}

	return nil
}

// Validate validates content classifier configuration
func (m *MLConfig) Validate() error {
	switch m.Engine {
	case "energy":
		if m.Smoothing <= 0 || m.Smoothing > 1 {
			return fmt.Errorf("smoothing must be in (0, 1], got %f", m.Smoothing)
		}
	case "remote":
		if m.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the remote engine")
		}
		if m.Timeout < 1 {
			return fmt.Errorf("timeout must be at least 1 second, got %d", m.Timeout)
		}
		if m.MaxRetries < 0 {
			return fmt.Errorf("max_retries cannot be negative, got %d", m.MaxRetries)
		}
	case "onnx":
		if m.ONNXInput == "" || m.ONNXOutput == "" {
			return fmt.Errorf("onnx_input and onnx_output cannot be empty")
		}
	default:
		return fmt.Errorf("engine must be one of [energy, remote, onnx], got '%s'", m.Engine)
	}

	return nil
}

// Validate validates fingerprint matching configuration
func (h *HotlistConfig) Validate() error {
	if h.MinConfidence < 0 || h.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", h.MinConfidence)
	}

	if h.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1, got %d", h.TopK)
	}

	return nil
}

// Validate validates output configuration
func (s *SinkConfig) Validate() error {
	validFormats := map[string]bool{"json": true, "msgpack": true}
	if !validFormats[s.Format] {
		return fmt.Errorf("format must be 'json' or 'msgpack', got '%s'", s.Format)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetPredInterval returns the prediction interval as a time.Duration
func (p *PipelineConfig) GetPredInterval() time.Duration {
	return time.Duration(p.PredInterval * float64(time.Second))
}

// GetRecordDuration returns the audio duration covered by one record file
func (p *PipelineConfig) GetRecordDuration() time.Duration {
	return time.Duration(p.PredInterval * float64(p.SaveDuration) * float64(time.Second))
}

// GetTimeoutDuration returns the remote inference timeout as a time.Duration
func (m *MLConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(m.Timeout) * time.Second
}
