package timeline

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/journal"
	"github.com/latra/ChronOBS/internal/replay"
)

// RecordingPath names the recording file for a capture session started
// at the given time.
func RecordingPath(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("game-%s.jsonl", at.Format("20060102-150405")))
}

// Recorder samples the game client's playback state on a fixed cadence
// and appends each change to a recording file.
type Recorder struct {
	client   replay.Client
	writer   *journal.Writer
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	start  time.Time
	last   *Frame
	frames int
}

func NewRecorder(client replay.Client, path string, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) (*Recorder, error) {
	writer, err := journal.NewWriter(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}

	return &Recorder{
		client:   client,
		writer:   writer,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run samples until ctx is done, then finalizes the recording. While
// playback sits paused on the same position, repeated identical frames
// are skipped.
func (r *Recorder) Run(ctx context.Context) error {
	r.start = r.clock.Now()
	r.logger.Info("recording started",
		zap.String("path", r.writer.Path()),
		zap.Duration("interval", r.interval),
	)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			err := r.writer.Close()
			r.logger.Info("recording finished",
				zap.String("path", r.writer.Path()),
				zap.Int("frames", r.frames),
				zap.Duration("elapsed", r.clock.Now().Sub(r.start)),
			)
			return err
		case <-ticker.Chan():
			r.sample(ctx)
		}
	}
}

func (r *Recorder) sample(ctx context.Context) {
	playback, err := r.client.GetPlayback(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("playback sample failed", zap.Error(err))
		return
	}

	frame := Frame{
		AtMS:     r.clock.Now().Sub(r.start).Milliseconds(),
		TimeMS:   int64(math.Round(playback.Time * 1000)),
		Speed:    playback.Speed,
		Paused:   playback.Paused,
		LengthMS: int64(math.Round(playback.Length * 1000)),
	}

	if r.last != nil && frame.Paused && r.last.Paused &&
		frame.TimeMS == r.last.TimeMS && frame.Speed == r.last.Speed {
		return
	}

	if err := r.writer.Append(&frame); err != nil {
		r.logger.Error("recording append failed", zap.Error(err))
		return
	}
	r.last = &frame
	r.frames++
}
