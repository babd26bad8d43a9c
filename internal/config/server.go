package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

type RelayConfig struct {
	Port     string
	LogLevel string
}

func LoadRelayConfig() (*RelayConfig, error) {
	cfg := &RelayConfig{
		Port:     getEnvOrDefault("RELAY_PORT", "7750"),
		LogLevel: getEnvOrDefault("RELAY_LOG_LEVEL", "info"),
	}
	return cfg, nil
}

type FakerConfig struct {
	Port          string
	RecordingsDir string
	Recording     string // resolved path of the recording to serve
	Mode          TimelineMode
	Playhead      PlayheadMode
}

func LoadFakerConfig() (*FakerConfig, error) {
	recordingsDir := getEnvOrDefault("FAKER_RECORDINGS_DIR", "./recordings")
	recording := getEnvOrDefault("FAKER_RECORDING", "")

	// Auto-detect latest recording if FAKER_RECORDING is empty or "latest"
	if recording == "" || recording == "latest" {
		detected, err := DetectLatestRecording(recordingsDir)
		if err != nil {
			return nil, fmt.Errorf("failed to detect latest recording in %s: %w", recordingsDir, err)
		}
		recording = detected
	} else if !filepath.IsAbs(recording) {
		recording = filepath.Join(recordingsDir, recording)
	}

	cfg := &FakerConfig{
		Port:          getEnvOrDefault("FAKER_PORT", "2999"),
		RecordingsDir: recordingsDir,
		Recording:     recording,
		Mode:          TimelineMode(getEnvOrDefault("FAKER_TIMELINE_MODE", "memory")),
		Playhead:      PlayheadMode(getEnvOrDefault("FAKER_PLAYHEAD_MODE", "loop")),
	}

	// Validate
	if cfg.Mode != TimelineMemory && cfg.Mode != TimelineStream {
		return nil, fmt.Errorf("invalid FAKER_TIMELINE_MODE: %s (must be 'memory' or 'stream')", cfg.Mode)
	}
	if cfg.Playhead != PlayheadLoop && cfg.Playhead != PlayheadHold {
		return nil, fmt.Errorf("invalid FAKER_PLAYHEAD_MODE: %s (must be 'loop' or 'hold')", cfg.Playhead)
	}

	return cfg, nil
}

var recordingNamePattern = regexp.MustCompile(`^game-\d{8}-\d{6}\.jsonl(\.zst)?$`)

// ValidRecordingName reports whether name is a canonical recording file
// name as written by the recorder or the compactor.
func ValidRecordingName(name string) bool {
	return recordingNamePattern.MatchString(name)
}

// DetectLatestRecording scans the recordings directory and returns the
// path of the most recent game recording.
func DetectLatestRecording(recordingsDir string) (string, error) {
	entries, err := os.ReadDir(recordingsDir)
	if err != nil {
		return "", fmt.Errorf("reading recordings directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ValidRecordingName(name) {
			names = append(names, name)
		}
	}

	if len(names) == 0 {
		return "", fmt.Errorf("no recordings found in %s", recordingsDir)
	}

	// Sort descending (newest first) - the timestamp in the name sorts
	// lexicographically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	return filepath.Join(recordingsDir, names[0]), nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
