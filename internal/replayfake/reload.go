package replayfake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/config"
	"github.com/latra/ChronOBS/internal/timeline"
)

var (
	// ErrReloadInProgress means another reload holds the swap lock.
	ErrReloadInProgress = errors.New("reload already in progress")

	// ErrRecordingNotFound means the named recording is not in the
	// recordings directory.
	ErrRecordingNotFound = errors.New("recording not found")
)

// ReloadManager swaps the served recording without restarting the
// process. After a swap the playhead snaps back to the start of the
// new timeline.
type ReloadManager struct {
	loader   *timeline.Reloadable
	playhead *Playhead
	config   *config.FakerConfig
	logger   *zap.Logger

	// Reload state
	isReloading atomic.Bool
	reloadMu    gosync.Mutex // prevents concurrent reloads

	// Current state
	currentPath string
	loadedAt    time.Time
	stateMu     gosync.RWMutex
}

// NewReloadManager creates a new ReloadManager.
func NewReloadManager(
	loader *timeline.Reloadable,
	playhead *Playhead,
	cfg *config.FakerConfig,
	logger *zap.Logger,
) *ReloadManager {
	return &ReloadManager{
		loader:      loader,
		playhead:    playhead,
		config:      cfg,
		logger:      logger,
		currentPath: cfg.Recording,
		loadedAt:    time.Now(),
	}
}

// IsReloading returns true if a reload is currently in progress.
func (rm *ReloadManager) IsReloading() bool {
	return rm.isReloading.Load()
}

// CurrentRecording returns the path of the recording being served.
func (rm *ReloadManager) CurrentRecording() string {
	rm.stateMu.RLock()
	defer rm.stateMu.RUnlock()
	return rm.currentPath
}

// LoadedAt returns the timestamp when the current recording was loaded.
func (rm *ReloadManager) LoadedAt() time.Time {
	rm.stateMu.RLock()
	defer rm.stateMu.RUnlock()
	return rm.loadedAt
}

// ReloadResult contains the result of a successful reload operation.
type ReloadResult struct {
	PreviousRecording string    `json:"previousRecording"`
	NewRecording      string    `json:"newRecording"`
	LoadedAt          time.Time `json:"loadedAt"`
	Frames            int       `json:"frames"`
}

// Reload loads the named recording and swaps it in, resetting the
// playhead. The name "latest" (or "") picks the newest file in the
// recordings directory. On error the current recording keeps serving.
func (rm *ReloadManager) Reload(ctx context.Context, name string) (*ReloadResult, error) {
	// Prevent concurrent reloads
	if !rm.reloadMu.TryLock() {
		return nil, ErrReloadInProgress
	}
	defer rm.reloadMu.Unlock()

	previous := rm.CurrentRecording()

	path, err := rm.resolve(name)
	if err != nil {
		return nil, err
	}

	rm.logger.Info("starting recording reload",
		zap.String("previous", previous),
		zap.String("next", path),
	)

	newLoader, err := rm.createLoader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load recording %s: %w", path, err)
	}

	rm.isReloading.Store(true)

	// Swap the loader atomically and rewind the playhead onto the new
	// timeline.
	oldLoader := rm.loader.Swap(newLoader)
	rm.playhead.Reset()

	rm.stateMu.Lock()
	rm.currentPath = path
	rm.loadedAt = time.Now()
	loadedAt := rm.loadedAt
	rm.stateMu.Unlock()

	rm.isReloading.Store(false)

	// Close old loader (release resources)
	if err := oldLoader.Close(); err != nil {
		rm.logger.Warn("failed to close old loader", zap.Error(err))
	}

	frames := newLoader.Len()
	rm.logger.Info("recording reload complete",
		zap.String("previous", previous),
		zap.String("recording", path),
		zap.Time("loadedAt", loadedAt),
		zap.Int("frames", frames),
	)

	return &ReloadResult{
		PreviousRecording: previous,
		NewRecording:      path,
		LoadedAt:          loadedAt,
		Frames:            frames,
	}, nil
}

// resolve turns a reload request's recording name into a path inside
// the recordings directory.
func (rm *ReloadManager) resolve(name string) (string, error) {
	if name == "" || name == "latest" {
		return config.DetectLatestRecording(rm.config.RecordingsDir)
	}

	if !config.ValidRecordingName(name) {
		return "", fmt.Errorf("invalid recording name: %s (expected game-YYYYMMDD-HHMMSS.jsonl)", name)
	}

	path := filepath.Join(rm.config.RecordingsDir, name)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrRecordingNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to check recording: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("recording path is a directory: %s", name)
	}
	return path, nil
}

// createLoader creates a timeline loader based on the configured mode.
func (rm *ReloadManager) createLoader(path string) (timeline.Loader, error) {
	switch rm.config.Mode {
	case config.TimelineMemory:
		return timeline.NewMemoryLoader(path, rm.logger)
	case config.TimelineStream:
		return timeline.NewStreamLoader(path, rm.logger)
	default:
		return nil, fmt.Errorf("unknown timeline mode: %s", rm.config.Mode)
	}
}
