package timeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	gosync "sync"

	"go.uber.org/zap"
)

// frameMark is one indexed line: where it starts and when it was
// captured.
type frameMark struct {
	offset int64
	atMS   int64
}

// StreamLoader reads a recording on-demand using byte offset indexing.
// It keeps the file handle open for efficient access. Compacted .zst
// recordings cannot be seeked; use the memory loader for those.
type StreamLoader struct {
	marks  []frameMark
	file   *os.File
	mu     gosync.Mutex // protects file seeks/reads
	logger *zap.Logger
}

// Compile-time interface verification
var _ Loader = (*StreamLoader)(nil)

func NewStreamLoader(path string, logger *zap.Logger) (*StreamLoader, error) {
	if strings.HasSuffix(path, ".zst") {
		return nil, fmt.Errorf("stream mode cannot seek compressed recording %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}

	marks, err := indexFrames(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("indexing %s: %w", path, err)
	}
	if len(marks) == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmptyRecording, path)
	}

	logger.Info("indexed recording",
		zap.String("path", path),
		zap.Int("frames", len(marks)),
	)

	return &StreamLoader{marks: marks, file: file, logger: logger}, nil
}

// indexFrames scans the recording and records the byte offset and
// capture time of each line.
func indexFrames(file *os.File) ([]frameMark, error) {
	var marks []frameMark
	var offset int64

	lineNum := 0
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		trimmed := line
		if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\n' {
			trimmed = trimmed[:len(trimmed)-1]
		}
		if len(trimmed) > 0 {
			lineNum++
			var stamp frameStamp
			if jerr := json.Unmarshal(trimmed, &stamp); jerr != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, jerr)
			}
			if len(marks) > 0 && stamp.AtMS < marks[len(marks)-1].atMS {
				return nil, fmt.Errorf("line %d: frame out of order", lineNum)
			}
			marks = append(marks, frameMark{offset: offset, atMS: stamp.AtMS})
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		offset += int64(len(line))
	}

	return marks, nil
}

func (s *StreamLoader) Frame(_ context.Context, index int) (*Frame, error) {
	if index < 0 || index >= len(s.marks) {
		return nil, ErrIndexOutOfBounds
	}
	return s.readAt(index)
}

func (s *StreamLoader) At(_ context.Context, elapsedMS int64) (*Frame, int, error) {
	i := sort.Search(len(s.marks), func(i int) bool {
		return s.marks[i].atMS > elapsedMS
	})
	if i > 0 {
		i--
	}
	frame, err := s.readAt(i)
	if err != nil {
		return nil, 0, err
	}
	return frame, i, nil
}

// readAt seeks to the indexed line and decodes it.
func (s *StreamLoader) readAt(index int) (*Frame, error) {
	// Lock for seek+read operation
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(s.marks[index].offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek error: %w", err)
	}

	reader := bufio.NewReader(s.file)
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read error: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return &frame, nil
}

func (s *StreamLoader) Len() int {
	return len(s.marks)
}

func (s *StreamLoader) Duration() int64 {
	return s.marks[len(s.marks)-1].atMS
}

func (s *StreamLoader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
