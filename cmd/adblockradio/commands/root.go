package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Juraldinio/adblockradio/internal/config"
)

const (
	serviceName    = "adblockradio"
	serviceVersion = "1.0.0"
)

var (
	cfgFile      string
	globalConfig *config.Config

	// configErr stores the config load error for deferred reporting
	configErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "adblockradio",
	Short: "Radio content analyser",
	Long: `adblockradio decodes radio recordings with ffmpeg, slices them into
fixed-duration chunks and classifies every chunk as advertisement, speech or
music, while matching it against a hotlist of known jingles.

Results are written as one object per line (JSON or msgpack) to stdout or a
file. Settings come from a YAML file; flags override the stream identity and
the input.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       serviceVersion,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (built-in defaults when empty)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hotlistCmd)
}

func initConfig() {
	if cfgFile == "" {
		globalConfig = config.Default()
		return
	}
	globalConfig, configErr = config.Load(cfgFile)
}

// loadConfig returns the loaded configuration or the deferred load error
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, fmt.Errorf("%s config: %w", serviceName, configErr)
	}
	if globalConfig == nil {
		initConfig()
		return loadConfig()
	}
	return globalConfig, nil
}
