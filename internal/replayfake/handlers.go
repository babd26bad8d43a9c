package replayfake

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/config"
	"github.com/latra/ChronOBS/internal/replay"
	"github.com/latra/ChronOBS/internal/timeline"
)

// Faker answers the Replay API endpoints from the simulated playhead.
type Faker struct {
	loader   *timeline.Reloadable
	playhead *Playhead
	reload   *ReloadManager
	config   *config.FakerConfig
	logger   *zap.Logger
}

func NewFaker(
	loader *timeline.Reloadable,
	playhead *Playhead,
	reload *ReloadManager,
	cfg *config.FakerConfig,
	logger *zap.Logger,
) *Faker {
	return &Faker{
		loader:   loader,
		playhead: playhead,
		reload:   reload,
		config:   cfg,
		logger:   logger,
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Recording string    `json:"recording"`
	Mode      string    `json:"mode"`
	Playhead  string    `json:"playhead"`
	Frames    int       `json:"frames"`
	LoadedAt  time.Time `json:"loadedAt"`
}

type reloadRequest struct {
	Recording string `json:"recording"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GetPlayback handles GET /replay/playback.
func (f *Faker) GetPlayback(w http.ResponseWriter, r *http.Request) {
	playback, err := f.playhead.Playback(r.Context())
	if err != nil {
		f.logger.Error("playback read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "playback unavailable")
		return
	}
	writeJSON(w, http.StatusOK, playback)
}

// PostPlayback handles POST /replay/playback.
func (f *Faker) PostPlayback(w http.ResponseWriter, r *http.Request) {
	var req replay.PlaybackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	f.logger.Debug("playback move request",
		zap.Float64("time", req.Time),
		zap.Float64("speed", req.Speed),
		zap.Bool("paused", req.Paused),
	)

	playback, err := f.playhead.Set(r.Context(), req)
	if err != nil {
		f.logger.Error("playback move failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "playback unavailable")
		return
	}
	writeJSON(w, http.StatusOK, playback)
}

// GetGame handles GET /replay/game.
func (f *Faker) GetGame(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, replay.Game{ProcessID: os.Getpid()})
}

// GetHealth handles GET /health.
func (f *Faker) GetHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if f.reload.IsReloading() {
		status = "reloading"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Recording: f.reload.CurrentRecording(),
		Mode:      string(f.config.Mode),
		Playhead:  string(f.config.Playhead),
		Frames:    f.loader.Len(),
		LoadedAt:  f.reload.LoadedAt(),
	})
}

// PostReload handles POST /reload.
func (f *Faker) PostReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := f.reload.Reload(r.Context(), req.Recording)
	if err != nil {
		switch {
		case errors.Is(err, ErrReloadInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, ErrRecordingNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
