package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/replay"
	"github.com/latra/ChronOBS/internal/timeline"
)

func recordCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture the local game client's timeline to a recording",
		Long: `Poll the local Replay API on the configured interval and append each
playback state change to a JSONL recording. Stop with Ctrl-C; the
recording is finalized on exit and can be served by
chronobs-replay-faker.

Examples:
  # Record into ./recordings
  chronobs record

  # Record somewhere else
  chronobs record --dir /srv/recordings`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client := replay.NewClient(
				cfg.Replay.BaseURL,
				cfg.Replay.RatePerSecond,
				time.Duration(cfg.Replay.TimeoutSec)*time.Second,
				time.Duration(cfg.Replay.RetryDelayMS)*time.Millisecond,
				cfg.Replay.RetryCount,
				logger,
			)

			// Confirm the game client is up before opening a file.
			game, err := client.GetGame(ctx)
			if err != nil {
				return fmt.Errorf("replay API not reachable at %s: %w", cfg.Replay.BaseURL, err)
			}
			logger.Info("game client found", zap.Int("processId", game.ProcessID))

			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating recordings directory: %w", err)
			}

			clock := clockwork.NewRealClock()
			recorder, err := timeline.NewRecorder(
				client,
				timeline.RecordingPath(dir, clock.Now()),
				time.Duration(cfg.Replay.PollIntervalMS)*time.Millisecond,
				clock,
				logger,
			)
			if err != nil {
				return err
			}

			return recorder.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "recordings", "directory recordings are written to")

	return cmd
}
