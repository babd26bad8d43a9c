package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetectLatestRecording(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{
		"game-20260301-101500.jsonl",
		"game-20260302-083000.jsonl.zst",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	got, err := DetectLatestRecording(dir)
	if err != nil {
		t.Fatalf("DetectLatestRecording: %v", err)
	}

	want := filepath.Join(dir, "game-20260302-083000.jsonl.zst")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestDetectLatestRecordingEmpty(t *testing.T) {
	if _, err := DetectLatestRecording(t.TempDir()); err == nil {
		t.Fatal("expected error for directory without recordings")
	}
}

func TestValidRecordingName(t *testing.T) {
	cases := map[string]bool{
		"game-20260301-101500.jsonl":     true,
		"game-20260301-101500.jsonl.zst": true,
		"game-2026-101500.jsonl":         false,
		"match-20260301-101500.jsonl":    false,
		"game-20260301-101500.zst":       false,
	}
	for name, want := range cases {
		if got := ValidRecordingName(name); got != want {
			t.Errorf("ValidRecordingName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestLoadFakerConfigRejectsBadPlayhead(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "game-20260301-101500.jsonl"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed recording: %v", err)
	}

	_ = os.Setenv("FAKER_RECORDINGS_DIR", dir)
	_ = os.Setenv("FAKER_PLAYHEAD_MODE", "rewind")
	defer func() {
		_ = os.Unsetenv("FAKER_RECORDINGS_DIR")
		_ = os.Unsetenv("FAKER_PLAYHEAD_MODE")
	}()

	if _, err := LoadFakerConfig(); err == nil {
		t.Fatal("expected error for unknown playhead mode")
	}
}
