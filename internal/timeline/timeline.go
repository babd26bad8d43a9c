// Package timeline records live playback state as JSON lines and serves
// it back by elapsed recording time.
package timeline

import (
	"context"
	"errors"
)

var (
	ErrIndexOutOfBounds = errors.New("index out of bounds")
	ErrEmptyRecording   = errors.New("recording has no frames")
)

// Frame is one observed playback state. AtMS is the elapsed recording
// time at which it was captured; TimeMS and LengthMS are the game
// clock's position and full length.
type Frame struct {
	AtMS     int64   `json:"atMs"`
	TimeMS   int64   `json:"timeMs"`
	Speed    float64 `json:"speed"`
	Paused   bool    `json:"paused"`
	LengthMS int64   `json:"lengthMs"`
}

// Loader provides random access to one recording's frames.
type Loader interface {
	// Frame returns the frame at the given index.
	Frame(ctx context.Context, index int) (*Frame, error)

	// At returns the last frame captured at or before elapsedMS and its
	// index. A time before the first frame yields the first frame.
	At(ctx context.Context, elapsedMS int64) (*Frame, int, error)

	// Len returns the number of frames.
	Len() int

	// Duration returns the elapsed capture time the recording covers.
	Duration() int64

	// Close releases any resources
	Close() error
}

// frameStamp is a minimal struct for extracting just the capture time
// from a raw frame line.
type frameStamp struct {
	AtMS int64 `json:"atMs"`
}
