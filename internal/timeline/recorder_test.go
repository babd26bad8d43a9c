package timeline

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/replay"
)

// scriptedClient plays back a fixed sequence of playback states and
// signals after every sample so tests can advance the clock in lockstep.
type scriptedClient struct {
	mu      gosync.Mutex
	script  []scriptStep
	next    int
	sampled chan struct{}
}

type scriptStep struct {
	playback replay.Playback
	err      error
}

func (c *scriptedClient) GetPlayback(context.Context) (*replay.Playback, error) {
	c.mu.Lock()
	step := c.script[len(c.script)-1]
	if c.next < len(c.script) {
		step = c.script[c.next]
		c.next++
	}
	c.mu.Unlock()

	c.sampled <- struct{}{}
	if step.err != nil {
		return nil, step.err
	}
	playback := step.playback
	return &playback, nil
}

func (c *scriptedClient) SetPlayback(context.Context, replay.PlaybackRequest) (*replay.Playback, error) {
	return nil, errors.New("not used")
}

func (c *scriptedClient) GetGame(context.Context) (*replay.Game, error) {
	return nil, errors.New("not used")
}

func TestRecorderSkipsIdenticalPausedFrames(t *testing.T) {
	client := &scriptedClient{
		script: []scriptStep{
			{playback: replay.Playback{Time: 10.0, Speed: 1, Paused: false, Length: 1800}},
			{playback: replay.Playback{Time: 10.25, Speed: 1, Paused: false, Length: 1800}},
			{playback: replay.Playback{Time: 12.0, Speed: 1, Paused: true, Length: 1800}},
			{playback: replay.Playback{Time: 12.0, Speed: 1, Paused: true, Length: 1800}},
			{err: errors.New("client hiccup")},
			{playback: replay.Playback{Time: 13.0, Speed: 2, Paused: false, Length: 1800}},
		},
		sampled: make(chan struct{}, 16),
	}

	clock := clockwork.NewFakeClock()
	path := filepath.Join(t.TempDir(), "game-20260215-190000.jsonl")
	recorder, err := NewRecorder(client, path, 250*time.Millisecond, clock, zap.NewNop())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- recorder.Run(ctx) }()

	// The first sample happens before any tick.
	<-client.sampled
	for i := 0; i < 5; i++ {
		clock.Advance(250 * time.Millisecond)
		<-client.sampled
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	loader, err := NewMemoryLoader(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reading recording back: %v", err)
	}
	defer loader.Close()

	// Six samples, minus the duplicate paused frame and the errored
	// sample, leave four.
	if got := loader.Len(); got != 4 {
		t.Fatalf("frames = %d, want 4", got)
	}

	wantAtMS := []int64{0, 250, 500, 1250}
	wantTimeMS := []int64{10000, 10250, 12000, 13000}
	for i := range wantAtMS {
		frame, err := loader.Frame(context.Background(), i)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if frame.AtMS != wantAtMS[i] || frame.TimeMS != wantTimeMS[i] {
			t.Errorf("frame %d = %+v, want atMs=%d timeMs=%d", i, frame, wantAtMS[i], wantTimeMS[i])
		}
	}

	last, err := loader.Frame(context.Background(), 3)
	if err != nil {
		t.Fatalf("frame 3: %v", err)
	}
	if last.Speed != 2 || last.Paused || last.LengthMS != 1800000 {
		t.Errorf("frame 3 = %+v, want speed 2, unpaused, length 1800000", last)
	}
}

func TestRecordingPath(t *testing.T) {
	at := time.Date(2026, 2, 15, 19, 30, 5, 0, time.UTC)
	got := RecordingPath("recordings", at)
	want := filepath.Join("recordings", "game-20260215-193005.jsonl")
	if got != want {
		t.Errorf("path = %s, want %s", got, want)
	}
}
