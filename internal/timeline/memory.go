package timeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/journal"
)

// MemoryLoader keeps a whole recording in memory. It reads compacted
// .zst recordings as easily as plain ones.
type MemoryLoader struct {
	frames []Frame
	logger *zap.Logger
}

// Compile-time interface verification
var _ Loader = (*MemoryLoader)(nil)

func NewMemoryLoader(path string, logger *zap.Logger) (*MemoryLoader, error) {
	rc, err := journal.OpenLines(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var frames []Frame
	scanner := bufio.NewScanner(rc)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(frames) > 0 && frame.AtMS < frames[len(frames)-1].AtMS {
			return nil, fmt.Errorf("line %d: frame out of order", lineNum)
		}
		frames = append(frames, frame)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRecording, path)
	}

	logger.Info("loaded recording",
		zap.String("path", path),
		zap.Int("frames", len(frames)),
	)

	return &MemoryLoader{frames: frames, logger: logger}, nil
}

func (m *MemoryLoader) Frame(_ context.Context, index int) (*Frame, error) {
	if index < 0 || index >= len(m.frames) {
		return nil, ErrIndexOutOfBounds
	}
	frame := m.frames[index]
	return &frame, nil
}

func (m *MemoryLoader) At(_ context.Context, elapsedMS int64) (*Frame, int, error) {
	i := sort.Search(len(m.frames), func(i int) bool {
		return m.frames[i].AtMS > elapsedMS
	})
	if i > 0 {
		i--
	}
	frame := m.frames[i]
	return &frame, i, nil
}

func (m *MemoryLoader) Len() int {
	return len(m.frames)
}

func (m *MemoryLoader) Duration() int64 {
	return m.frames[len(m.frames)-1].AtMS
}

func (m *MemoryLoader) Close() error {
	m.frames = nil
	return nil
}
