package timeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

var testLines = []string{
	`{"atMs":0,"timeMs":10000,"speed":1,"paused":false,"lengthMs":1800000}`,
	`{"atMs":250,"timeMs":10250,"speed":1,"paused":false,"lengthMs":1800000}`,
	`{"atMs":500,"timeMs":12000,"speed":1,"paused":true,"lengthMs":1800000}`,
	`{"atMs":2000,"timeMs":12000,"speed":2,"paused":false,"lengthMs":1800000}`,
}

func writeRecording(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game-20260215-190000.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("writing recording: %v", err)
	}
	return path
}

func newLoaders(t *testing.T, path string) map[string]Loader {
	t.Helper()

	memory, err := NewMemoryLoader(path, zap.NewNop())
	if err != nil {
		t.Fatalf("memory loader: %v", err)
	}
	stream, err := NewStreamLoader(path, zap.NewNop())
	if err != nil {
		t.Fatalf("stream loader: %v", err)
	}
	return map[string]Loader{"memory": memory, "stream": stream}
}

func TestLoaderAt(t *testing.T) {
	path := writeRecording(t, testLines)

	cases := []struct {
		name      string
		elapsedMS int64
		wantAtMS  int64
		wantIndex int
	}{
		{"before first frame", -100, 0, 0},
		{"exact hit", 250, 250, 1},
		{"between frames", 1300, 500, 2},
		{"past the end", 99999, 2000, 3},
	}

	for mode, loader := range newLoaders(t, path) {
		for _, tc := range cases {
			frame, index, err := loader.At(context.Background(), tc.elapsedMS)
			if err != nil {
				t.Fatalf("%s/%s: At: %v", mode, tc.name, err)
			}
			if frame.AtMS != tc.wantAtMS || index != tc.wantIndex {
				t.Errorf("%s/%s: got atMs=%d index=%d, want atMs=%d index=%d",
					mode, tc.name, frame.AtMS, index, tc.wantAtMS, tc.wantIndex)
			}
		}
		if err := loader.Close(); err != nil {
			t.Errorf("%s: close: %v", mode, err)
		}
	}
}

func TestLoaderFrameAndBounds(t *testing.T) {
	path := writeRecording(t, testLines)

	for mode, loader := range newLoaders(t, path) {
		if got := loader.Len(); got != 4 {
			t.Errorf("%s: len = %d, want 4", mode, got)
		}
		if got := loader.Duration(); got != 2000 {
			t.Errorf("%s: duration = %d, want 2000", mode, got)
		}

		frame, err := loader.Frame(context.Background(), 2)
		if err != nil {
			t.Fatalf("%s: frame: %v", mode, err)
		}
		if !frame.Paused || frame.TimeMS != 12000 {
			t.Errorf("%s: frame 2 = %+v, want the paused one", mode, frame)
		}

		if _, err := loader.Frame(context.Background(), 4); !errors.Is(err, ErrIndexOutOfBounds) {
			t.Errorf("%s: err = %v, want ErrIndexOutOfBounds", mode, err)
		}
		if _, err := loader.Frame(context.Background(), -1); !errors.Is(err, ErrIndexOutOfBounds) {
			t.Errorf("%s: err = %v, want ErrIndexOutOfBounds", mode, err)
		}
		_ = loader.Close()
	}
}

func TestLoaderRejectsOutOfOrderFrames(t *testing.T) {
	path := writeRecording(t, []string{
		`{"atMs":500,"timeMs":1,"speed":1,"paused":false,"lengthMs":10}`,
		`{"atMs":250,"timeMs":2,"speed":1,"paused":false,"lengthMs":10}`,
	})

	if _, err := NewMemoryLoader(path, zap.NewNop()); err == nil {
		t.Error("memory loader should refuse an out-of-order recording")
	}
	if _, err := NewStreamLoader(path, zap.NewNop()); err == nil {
		t.Error("stream loader should refuse an out-of-order recording")
	}
}

func TestLoaderRejectsEmptyRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game-20260215-190000.jsonl")
	if err := os.WriteFile(path, []byte("\n"), 0o644); err != nil {
		t.Fatalf("writing recording: %v", err)
	}

	if _, err := NewMemoryLoader(path, zap.NewNop()); !errors.Is(err, ErrEmptyRecording) {
		t.Errorf("memory err = %v, want ErrEmptyRecording", err)
	}
	if _, err := NewStreamLoader(path, zap.NewNop()); !errors.Is(err, ErrEmptyRecording) {
		t.Errorf("stream err = %v, want ErrEmptyRecording", err)
	}
}

func TestMemoryLoaderReadsCompactedRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game-20260215-190000.jsonl.zst")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := enc.Write([]byte(strings.Join(testLines, "\n") + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	loader, err := NewMemoryLoader(path, zap.NewNop())
	if err != nil {
		t.Fatalf("memory loader: %v", err)
	}
	defer loader.Close()

	if got := loader.Len(); got != 4 {
		t.Errorf("len = %d, want 4", got)
	}

	// Stream mode has no way to seek a compressed file.
	if _, err := NewStreamLoader(path, zap.NewNop()); err == nil {
		t.Error("stream loader should refuse a compacted recording")
	}
}

func TestReloadableSwap(t *testing.T) {
	first := writeRecording(t, testLines[:2])
	second := writeRecording(t, testLines)

	a, err := NewMemoryLoader(first, zap.NewNop())
	if err != nil {
		t.Fatalf("loader a: %v", err)
	}
	b, err := NewMemoryLoader(second, zap.NewNop())
	if err != nil {
		t.Fatalf("loader b: %v", err)
	}

	reloadable := NewReloadable(a)
	if got := reloadable.Len(); got != 2 {
		t.Fatalf("len = %d, want 2 before swap", got)
	}

	old := reloadable.Swap(b)
	if old != Loader(a) {
		t.Error("swap should hand back the old loader")
	}
	_ = old.Close()

	if got := reloadable.Len(); got != 4 {
		t.Errorf("len = %d, want 4 after swap", got)
	}
	frame, _, err := reloadable.At(context.Background(), 600)
	if err != nil || frame.AtMS != 500 {
		t.Errorf("At = (%+v, %v), want the 500ms frame", frame, err)
	}
}
