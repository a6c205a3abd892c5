package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Juraldinio/adblockradio/internal/audio"
	"github.com/Juraldinio/adblockradio/internal/config"
	"github.com/Juraldinio/adblockradio/internal/predictor"
	"github.com/Juraldinio/adblockradio/internal/predictor/hotlist"
)

var (
	hotlistCountry  string
	hotlistName     string
	hotlistModelDir string
)

var hotlistCmd = &cobra.Command{
	Use:   "hotlist",
	Short: "Manage the jingle fingerprint database of a stream",
	Long: `Manage the fingerprint database matched against every chunk.

The database lives at <model_dir>/<country>_<name>.hotlist.`,
}

var hotlistAddCmd = &cobra.Command{
	Use:   "add <track> <audio-file>",
	Short: "Fingerprint an audio file and add it as a track",
	Long: `Decode an audio file, fingerprint it and add it to the hotlist.

Examples:
  adblockradio hotlist add --country France --name RTL "station id" jingle.mp3`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := hotlistSetup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		pcm, err := decodeFile(ctx, cfg, args[1], logger)
		if err != nil {
			return err
		}

		db, err := openHotlist(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		track, err := db.AddTrack(ctx, args[0], audio.PCMToFloat32(pcm))
		if err != nil {
			return err
		}

		logger.Info("Track added",
			slog.String("track", track.Name),
			slog.Uint64("id", uint64(track.ID)),
			slog.Int("landmarks", track.Landmarks),
			slog.Int64("duration_ms", track.Duration),
		)
		return nil
	},
}

var hotlistInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the database parameters and its tracks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := hotlistSetup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		db, err := openHotlist(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		tracks, err := db.Tracks(ctx)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{
			"info":   db.Info(),
			"tracks": tracks,
		})
	},
}

func init() {
	hotlistCmd.PersistentFlags().StringVar(&hotlistCountry, "country", "", "stream country")
	hotlistCmd.PersistentFlags().StringVar(&hotlistName, "name", "", "stream name")
	hotlistCmd.PersistentFlags().StringVar(&hotlistModelDir, "model-dir", "", "model directory (overrides predictors.model_dir)")
	hotlistCmd.MarkPersistentFlagRequired("country")
	hotlistCmd.MarkPersistentFlagRequired("name")

	hotlistCmd.AddCommand(hotlistAddCmd)
	hotlistCmd.AddCommand(hotlistInfoCmd)
}

func hotlistSetup() (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if hotlistModelDir != "" {
		cfg.Predictors.ModelDir = hotlistModelDir
	}
	return cfg, initLogger(cfg.Logging), nil
}

func openHotlist(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*hotlist.DB, error) {
	hc := hotlistConfig(cfg.Predictors.Hotlist, cfg.Decoder.SampleRate)
	hc.DBPath = predictor.ModelPath(cfg.Predictors.ModelDir, hotlistCountry, hotlistName, predictor.ExtHotlist)

	if err := os.MkdirAll(cfg.Predictors.ModelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}
	return hotlist.Open(ctx, hc, logger)
}

// decodeFile runs the whole file through the decoder and returns its PCM
func decodeFile(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger) ([]byte, error) {
	source, err := audio.NewSource(audio.NewExecDecoder(decoderConfig(cfg.Decoder)), audio.SourceConfig{
		Input: audio.Input{File: path},
		Chunking: audio.ChunkingConfig{
			PredInterval: cfg.Pipeline.PredInterval,
			SampleRate:   cfg.Decoder.SampleRate,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	var pcm []byte
	for {
		chunk, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return pcm, nil
		}
		if err != nil {
			return nil, err
		}
		pcm = append(pcm, chunk.Data...)
	}
}
