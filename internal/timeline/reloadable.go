package timeline

import (
	"context"
	gosync "sync"
)

// Reloadable wraps a Loader and allows atomic replacement. All Loader
// methods delegate to the current underlying loader, which lets a
// serving process swap recordings without restarting.
type Reloadable struct {
	mu      gosync.RWMutex
	current Loader
}

// Compile-time interface verification
var _ Loader = (*Reloadable)(nil)

// NewReloadable creates a Reloadable with the given initial loader.
func NewReloadable(initial Loader) *Reloadable {
	return &Reloadable{current: initial}
}

// Swap atomically replaces the underlying loader and returns the old one.
// Caller is responsible for closing the old loader after swap.
func (r *Reloadable) Swap(newLoader Loader) Loader {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current
	r.current = newLoader
	return old
}

func (r *Reloadable) Frame(ctx context.Context, index int) (*Frame, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Frame(ctx, index)
}

func (r *Reloadable) At(ctx context.Context, elapsedMS int64) (*Frame, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.At(ctx, elapsedMS)
}

func (r *Reloadable) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Len()
}

func (r *Reloadable) Duration() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Duration()
}

func (r *Reloadable) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Close()
}
