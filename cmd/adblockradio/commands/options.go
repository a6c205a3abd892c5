package commands

import (
	"io"
	"os"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/config"
	"github.com/Juraldinio/adblockradio/internal/predictor/hotlist"
	"github.com/Juraldinio/adblockradio/internal/predictor/ml"
	"github.com/Juraldinio/adblockradio/internal/sink"
)

// decoderConfig maps the decoder section onto the subprocess settings
func decoderConfig(cfg config.DecoderConfig) audio.DecoderConfig {
	var stderr io.Writer = os.Stderr
	if cfg.Stderr == "discard" {
		stderr = io.Discard
	}
	return audio.DecoderConfig{
		Command:    cfg.Command,
		Args:       cfg.Args,
		SampleRate: cfg.SampleRate,
		Stderr:     stderr,
	}
}

// mlConfig maps the ml section onto the predictor settings
func mlConfig(cfg config.MLConfig) ml.Config {
	return ml.Config{
		Engine: cfg.Engine,
		Energy: ml.EnergyConfig{
			Smoothing: cfg.Smoothing,
		},
		Remote: ml.RemoteConfig{
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Timeout:    cfg.GetTimeoutDuration(),
			MaxRetries: cfg.MaxRetries,
		},
		ONNX: ml.ONNXConfig{
			LibraryPath: cfg.ONNXLibrary,
			InputName:   cfg.ONNXInput,
			OutputName:  cfg.ONNXOutput,
		},
	}
}

// hotlistConfig maps the hotlist section onto the predictor settings
func hotlistConfig(cfg config.HotlistConfig, sampleRate int) hotlist.Config {
	return hotlist.Config{
		SampleRate:    sampleRate,
		MinConfidence: cfg.MinConfidence,
		TopK:          cfg.TopK,
	}
}

// sinkConfig maps the sink section and the pass-through pipeline flags
func sinkConfig(cfg config.SinkConfig, pipeline config.PipelineConfig) sink.Config {
	return sink.Config{
		Format: cfg.Format,
		Path:   cfg.Path,
		Options: sink.Options{
			SaveAudio:     pipeline.SaveAudio,
			SaveMetadata:  pipeline.SaveMetadata,
			FetchMetadata: pipeline.FetchMetadata,
		},
	}
}
