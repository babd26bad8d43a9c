// Package replayfake serves a recorded game timeline over the same HTTP
// surface the live game client exposes, so every other component can be
// exercised without a running game.
package replayfake

import (
	"context"
	"math"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/config"
	"github.com/latra/ChronOBS/internal/replay"
	"github.com/latra/ChronOBS/internal/timeline"
)

// Playhead simulates the game client's playback clock. It follows the
// recording until the first Set, then free-runs from the posted state;
// positions are computed lazily on each read, there is no tick loop.
type Playhead struct {
	mu     gosync.Mutex
	loader timeline.Loader
	mode   config.PlayheadMode
	clock  clockwork.Clock
	logger *zap.Logger

	start time.Time // when the playhead began following the recording

	// Free-run state, engaged by the first Set.
	free     bool
	baseMS   int64
	baseAt   time.Time
	speed    float64
	paused   bool
	lengthMS int64
}

func NewPlayhead(loader timeline.Loader, mode config.PlayheadMode, clock clockwork.Clock, logger *zap.Logger) *Playhead {
	return &Playhead{
		loader: loader,
		mode:   mode,
		clock:  clock,
		logger: logger,
		start:  clock.Now(),
	}
}

// Playback reports the simulated playback state at this instant.
func (p *Playhead) Playback(ctx context.Context) (*replay.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.free {
		return p.freePlayback(now), nil
	}
	return p.followPlayback(ctx, now)
}

// Set moves the playhead to an absolute state. From then on it free-runs
// instead of following the recording, until Reset.
func (p *Playhead) Set(ctx context.Context, req replay.PlaybackRequest) (*replay.Playback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()

	if !p.free {
		// Capture the game length before leaving follow mode. The last
		// frame carries the most settled value.
		last, err := p.loader.Frame(ctx, p.loader.Len()-1)
		if err != nil {
			return nil, err
		}
		p.lengthMS = last.LengthMS
		p.free = true
	}

	p.baseMS = int64(math.Round(req.Time * 1000))
	if p.lengthMS > 0 && p.baseMS > p.lengthMS {
		p.baseMS = p.lengthMS
	}
	if p.baseMS < 0 {
		p.baseMS = 0
	}
	p.baseAt = now
	p.speed = req.Speed
	p.paused = req.Paused

	p.logger.Info("playhead set",
		zap.Int64("timeMs", p.baseMS),
		zap.Float64("speed", p.speed),
		zap.Bool("paused", p.paused),
	)
	return p.freePlayback(now), nil
}

// Reset snaps the playhead back to following the recording from its
// start. The reload manager calls this after swapping recordings.
func (p *Playhead) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = false
	p.start = p.clock.Now()
}

func (p *Playhead) followPlayback(ctx context.Context, now time.Time) (*replay.Playback, error) {
	elapsed := now.Sub(p.start).Milliseconds()

	if p.mode == config.PlayheadLoop {
		if duration := p.loader.Duration(); duration > 0 {
			elapsed = elapsed % duration
		} else {
			elapsed = 0
		}
	}

	frame, _, err := p.loader.At(ctx, elapsed)
	if err != nil {
		return nil, err
	}

	positionMS := frame.TimeMS
	if !frame.Paused {
		positionMS += int64(math.Round(float64(elapsed-frame.AtMS) * frame.Speed))
	}

	paused := frame.Paused
	if frame.LengthMS > 0 && positionMS >= frame.LengthMS {
		positionMS = frame.LengthMS
		paused = true
	}
	if positionMS < 0 {
		positionMS = 0
	}

	return &replay.Playback{
		Paused: paused,
		Speed:  frame.Speed,
		Time:   float64(positionMS) / 1000.0,
		Length: float64(frame.LengthMS) / 1000.0,
	}, nil
}

func (p *Playhead) freePlayback(now time.Time) *replay.Playback {
	positionMS := p.baseMS
	if !p.paused {
		positionMS += int64(math.Round(float64(now.Sub(p.baseAt).Milliseconds()) * p.speed))
	}

	paused := p.paused
	if p.lengthMS > 0 && positionMS >= p.lengthMS {
		if p.mode == config.PlayheadLoop {
			positionMS = positionMS % p.lengthMS
		} else {
			positionMS = p.lengthMS
			paused = true
		}
	}
	if positionMS < 0 {
		positionMS = 0
	}

	return &replay.Playback{
		Paused: paused,
		Speed:  p.speed,
		Time:   float64(positionMS) / 1000.0,
		Length: float64(p.lengthMS) / 1000.0,
	}
}
