package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/journal"
)

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Work with room journals",
	}

	cmd.AddCommand(journalCompactCmd())

	return cmd
}

func journalCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact [DIR]",
		Short: "Compress finished room journals",
		Long: `Compress finished room journals (.jsonl) to zstd (.jsonl.zst) with a
bounded worker pool. Journals still being written and journals already
compacted are skipped. DIR defaults to the configured journal directory.

Examples:
  # Compact the configured journal directory
  chronobs journal compact

  # Compact a specific directory
  chronobs journal compact /srv/journals`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dir := cfg.Journal.Directory
			if len(args) == 1 {
				dir = args[0]
			}

			compactor := journal.NewCompactor(cfg.Journal.Workers, logger)
			result, err := compactor.Run(ctx, dir)
			if err != nil {
				return err
			}

			logger.Info("compaction complete",
				zap.Int("total", result.Total),
				zap.Int("compacted", result.Success),
				zap.Int("skipped", result.Skipped),
				zap.Int("failed", result.Failed),
				zap.Int64("bytes_in", result.BytesIn),
				zap.Int64("bytes_out", result.BytesOut),
			)

			if result.Failed > 0 {
				for _, e := range result.Errors {
					logger.Error("compaction error", zap.String("error", e))
				}
				return fmt.Errorf("%d journals failed to compact", result.Failed)
			}

			return nil
		},
	}

	return cmd
}
