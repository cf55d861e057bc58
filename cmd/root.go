package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/k0kubun/pp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dubforge/dubforge/internal/config"
	"github.com/dubforge/dubforge/internal/orchestrator"
	"github.com/dubforge/dubforge/internal/progress"
	"github.com/dubforge/dubforge/internal/supervisor"
)

var (
	cfgFile string
	debug   bool
	wsPort  int

	cfg *config.Config
	sup *supervisor.Supervisor
	orc *orchestrator.Orchestrator
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use: "dubforge <command>",
	Long: `dubforge orchestrates a local video-dubbing pipeline: given a source
video and its subtitle, it drives the external ASR, diarization,
translation, voice-cloning and muxing workers to produce translated,
voice-cloned renderings of the video.

Example:
  dubforge run movie.mp4 movie.srt -l ja,ko`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if debug {
			pp.Fprintln(os.Stderr, cfg)
		}
		orc = orchestrator.New(cfg)
		sup = supervisor.New(orc)

		// Optional websocket bridge so external UIs can watch progress
		// while a run/resume is in the foreground.
		if wsPort >= 0 {
			srv, err := progress.NewServer(progress.ServerConfig{Port: wsPort}, orc.Bus, zlog.Logger)
			if err != nil {
				return fmt.Errorf("starting progress bridge: %w", err)
			}
			zlog.Info().Int("port", srv.Port()).Msg("progress websocket bridge listening")
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is the XDG config dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVar(&wsPort, "ws-port", -1,
		"expose the progress websocket bridge on this port (0 picks a free one, -1 disables)")
}
