package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Juraldinio/adblockradio/internal/server"
	"github.com/Juraldinio/adblockradio/internal/sink"
	"github.com/Juraldinio/adblockradio/internal/stream"
)

var (
	runCountry  string
	runName     string
	runFile     string
	runRecords  []string
	runModelDir string
	runOutput   string
	runFormat   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyse a recording",
	Long: `Analyse a single audio file, or an ordered list of record files forming
one capture session, and write per-chunk results to the sink.

Models are resolved as <model_dir>/<country>_<name>.onnx and
<model_dir>/<country>_<name>.hotlist.

Examples:
  adblockradio run --country France --name RTL --file capture.mp3
  adblockradio run --country France --name RTL --records 10-00.mp3,10-10.mp3 -o out.jsonl`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runCountry, "country", "", "stream country")
	runCmd.Flags().StringVar(&runName, "name", "", "stream name")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "audio file to analyse")
	runCmd.Flags().StringSliceVar(&runRecords, "records", nil, "ordered record files of one session")
	runCmd.Flags().StringVar(&runModelDir, "model-dir", "", "model directory (overrides predictors.model_dir)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "output file, - for stdout (overrides sink.path)")
	runCmd.Flags().StringVar(&runFormat, "format", "", "output format json or msgpack (overrides sink.format)")

	runCmd.MarkFlagRequired("country")
	runCmd.MarkFlagRequired("name")
	runCmd.MarkFlagsOneRequired("file", "records")
	runCmd.MarkFlagsMutuallyExclusive("file", "records")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runModelDir != "" {
		cfg.Predictors.ModelDir = runModelDir
	}
	if runOutput != "" {
		cfg.Sink.Path = runOutput
	}
	if runFormat != "" {
		cfg.Sink.Format = runFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)

	logger.Info("Configuration loaded",
		slog.Float64("pred_interval", cfg.Pipeline.PredInterval),
		slog.Int("save_duration", cfg.Pipeline.SaveDuration),
		slog.Bool("ml", cfg.Pipeline.EnablePredictorML),
		slog.Bool("hotlist", cfg.Pipeline.EnablePredictorHotlist),
		slog.String("ml_engine", cfg.Predictors.ML.Engine),
		slog.String("model_dir", cfg.Predictors.ModelDir),
		slog.String("sink_format", cfg.Sink.Format),
		slog.String("log_level", cfg.Logging.Level),
	)

	out, err := sink.Open(sinkConfig(cfg.Sink, cfg.Pipeline))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := stream.NewRun(ctx, stream.RunOptions{
		Country:       runCountry,
		Name:          runName,
		ModelDir:      cfg.Predictors.ModelDir,
		Sink:          out,
		File:          runFile,
		Records:       runRecords,
		Pipeline:      cfg.Pipeline,
		DecoderConfig: decoderConfig(cfg.Decoder),
		ML:            mlConfig(cfg.Predictors.ML),
		Hotlist:       hotlistConfig(cfg.Predictors.Hotlist, cfg.Decoder.SampleRate),
		Logger:        logger,
	})
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, run, run.Registry(), run.Metrics())
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		}
	}

	runErr := run.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		cancel()
	}

	if errors.Is(runErr, context.Canceled) {
		logger.Info("Interrupted, partial results were flushed")
	}
	if runErr != nil {
		return runErr
	}

	stats := run.GetStats()
	logger.Info("Service stopped",
		slog.String("run_id", stats.ID),
		slog.Uint64("chunks", stats.Coordinator.ChunksProcessed),
	)
	return nil
}
