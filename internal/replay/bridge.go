package replay

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/protocol"
)

// Bridge translates sync targets into Replay API calls. It is the only
// piece of an observer that touches the local game client.
type Bridge struct {
	client Client
	logger *zap.Logger
}

func NewBridge(client Client, logger *zap.Logger) *Bridge {
	return &Bridge{client: client, logger: logger}
}

// Apply drives the local replay to the target, shifted by this member's
// offset. Offsets let one command land different absolute times on
// different machines, which is how per-member drift gets corrected.
func (b *Bridge) Apply(ctx context.Context, target *protocol.PlaybackTarget, offsetMS int64) error {
	req := PlaybackRequest{
		Paused: target.Paused,
		Speed:  target.Speed,
		Time:   float64(target.TimeMS+offsetMS) / 1000.0,
	}

	b.logger.Debug("applying playback target",
		zap.Float64("time_sec", req.Time),
		zap.Float64("speed", req.Speed),
		zap.Bool("paused", req.Paused),
	)

	_, err := b.client.SetPlayback(ctx, req)
	return err
}

// Position reports the local playback position in milliseconds.
func (b *Bridge) Position(ctx context.Context) (int64, error) {
	playback, err := b.client.GetPlayback(ctx)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(playback.Time * 1000)), nil
}
