package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddielth/sensorbridge/config"
	"github.com/eddielth/sensorbridge/logger"
	"github.com/eddielth/sensorbridge/pipeline"
	"github.com/eddielth/sensorbridge/serialport"
)

var (
	replayPath  string
	replayDelay time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		if err := logger.InitFromConfig(cfg.Logger.Level, cfg.Logger.FilePath,
			cfg.Logger.MaxSize, cfg.Logger.MaxBackups, cfg.Logger.Console); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		defer logger.Close()

		if err := config.WatchConfig(configPath, config.RestartNotice); err != nil {
			// not fatal, the bridge runs without the watcher
			logger.Warn("Config watch disabled: %v", err)
		}

		var opts pipeline.Options
		if replayPath != "" {
			opts.Open = serialport.ReplayOpener(replayPath, replayDelay)
			opts.Replay = true
		}

		p, err := pipeline.New(cfg, opts)
		if err != nil {
			logger.Error("Startup failed: %v", err)
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := p.Run(ctx); err != nil {
			logger.Error("Bridge stopped with error: %v", err)
			return err
		}
		logger.Info("Bridge stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&replayPath, "replay", "", "Read frames from a capture file instead of the serial port")
	runCmd.Flags().DurationVar(&replayDelay, "replay-delay", 0, "Pause before every read of the capture file")
}
