package cmd

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zlnvch/sketchroom/config"
	"github.com/zlnvch/sketchroom/logging"
)

var (
	flagLogLevel string
	flagDevMode  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sketchroom",
	Short: "Collaborative drawing rooms with chat, presence and calls",
	Long: `Sketchroom serves shared whiteboard rooms over a websocket gateway and ships a
headless client that can join a room, follow the canvas and take part in calls.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := flagLogLevel
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		logging.Setup(level, flagDevMode || os.Getenv("DEV_MODE") == "true")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagDevMode, "dev", false, "use local endpoints and pretty logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(tokenCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func loadConfig(opts config.Options) (*config.Config, error) {
	opts.DevMode = flagDevMode
	opts.LogLevel = flagLogLevel
	return config.Load(opts)
}
