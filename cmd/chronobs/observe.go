package main

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/latra/ChronOBS/internal/config"
	"github.com/latra/ChronOBS/internal/observer"
	"github.com/latra/ChronOBS/internal/replay"
)

func observeCmd() *cobra.Command {
	var (
		room  string
		label string
	)

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Join a room and follow its sync commands",
		Long: `Join a coordination room as an observer. Inbound sync commands are
applied to the local game client through the Replay API. The session
heartbeats until the producer closes the room, the producer removes
this member, or Ctrl-C.

Examples:
  # Join room AB2CD as "BlueSide"
  chronobs observe --room AB2CD --label BlueSide`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := config.ValidateObserveInput(room, label); err != nil {
				return err
			}

			broker, err := dialBroker(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			client := replay.NewClient(
				cfg.Replay.BaseURL,
				cfg.Replay.RatePerSecond,
				time.Duration(cfg.Replay.TimeoutSec)*time.Second,
				time.Duration(cfg.Replay.RetryDelayMS)*time.Millisecond,
				cfg.Replay.RetryCount,
				logger,
			)

			session, err := observer.NewSession(broker, replay.NewBridge(client, logger), room, observer.Options{
				DisplayLabel:      label,
				HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatIntervalMS) * time.Millisecond,
				JoinTimeout:       time.Duration(cfg.Room.JoinTimeoutMS) * time.Millisecond,
			}, clockwork.NewRealClock(), logger)
			if err != nil {
				return err
			}

			if err := session.Join(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return session.Leave()
			case <-session.Done():
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&room, "room", "", "room code to join (required)")
	cmd.Flags().StringVar(&label, "label", "", "display label shown to the producer (required)")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("label")

	return cmd
}
