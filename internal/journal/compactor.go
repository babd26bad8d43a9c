package journal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Compactor compresses finished journals in place, replacing each
// .jsonl with a .jsonl.zst sibling.
type Compactor struct {
	workers int
	logger  *zap.Logger
}

type BatchResult struct {
	Total    int
	Success  int
	Skipped  int
	Failed   int
	BytesIn  int64
	BytesOut int64
	Errors   []string
}

type compactResult struct {
	path     string
	skipped  bool
	bytesIn  int64
	bytesOut int64
	err      error
}

func NewCompactor(workers int, logger *zap.Logger) *Compactor {
	return &Compactor{workers: workers, logger: logger}
}

// Run compacts every finished journal under dir. Files still being
// written (.partial) and files with an existing compressed sibling are
// left alone.
func (c *Compactor) Run(ctx context.Context, dir string) (*BatchResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading journal directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".jsonl") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}

	result := &BatchResult{Total: len(paths)}
	if len(paths) == 0 {
		return result, nil
	}

	jobs := make(chan string, len(paths))
	results := make(chan compactResult, len(paths))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, jobs, results)
		}()
	}

	// Send jobs
	go func() {
		for _, path := range paths {
			select {
			case <-ctx.Done():
				return
			case jobs <- path:
			}
		}
		close(jobs)
	}()

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results
	for r := range results {
		if r.skipped {
			result.Skipped++
		} else if r.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.path, r.err))
		} else {
			result.Success++
			result.BytesIn += r.bytesIn
			result.BytesOut += r.bytesOut
		}
	}

	return result, nil
}

func (c *Compactor) worker(ctx context.Context, jobs <-chan string, results chan<- compactResult) {
	for path := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := c.compactOne(path)

		select {
		case <-ctx.Done():
			return
		case results <- result:
		}
	}
}

func (c *Compactor) compactOne(path string) compactResult {
	result := compactResult{path: path}
	target := path + ".zst"

	if _, err := os.Stat(target); err == nil {
		c.logger.Debug("skipping already compacted journal", zap.String("journal", path))
		result.skipped = true
		return result
	}

	c.logger.Info("compacting", zap.String("journal", path))

	src, err := os.Open(path)
	if err != nil {
		result.err = fmt.Errorf("opening journal: %w", err)
		return result
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		result.err = err
		return result
	}
	result.bytesIn = info.Size()

	tmp := target + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		result.err = fmt.Errorf("creating temp file: %w", err)
		return result
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		result.err = fmt.Errorf("starting zstd stream: %w", err)
		return result
	}

	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		_ = dst.Close()
		_ = os.Remove(tmp)
		result.err = fmt.Errorf("compressing: %w", err)
		return result
	}

	if err := enc.Close(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		result.err = fmt.Errorf("flushing zstd stream: %w", err)
		return result
	}

	outInfo, err := dst.Stat()
	if err == nil {
		result.bytesOut = outInfo.Size()
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		result.err = fmt.Errorf("closing temp file: %w", err)
		return result
	}

	// Atomic rename
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		result.err = fmt.Errorf("renaming temp file: %w", err)
		return result
	}

	// The original is redundant once the compressed copy is in place.
	if err := os.Remove(path); err != nil {
		result.err = fmt.Errorf("removing original: %w", err)
		return result
	}

	c.logger.Info("compacted",
		zap.String("journal", path),
		zap.Int64("bytes_in", result.bytesIn),
		zap.Int64("bytes_out", result.bytesOut),
	)
	return result
}
