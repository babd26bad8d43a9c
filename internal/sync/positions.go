package sync

import (
	"sort"
	gosync "sync"
	"time"
)

// PositionBook remembers the last playback position each member reported.
// Probe acks feed it; the producer reads it to align stragglers onto the
// main observer.
type PositionBook struct {
	mu        gosync.RWMutex
	positions map[string]Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]Position)}
}

// Update records a freshly reported position.
func (b *PositionBook) Update(memberID string, positionMS int64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions[memberID] = Position{
		MemberID:   memberID,
		PositionMS: positionMS,
		ReportedAt: at,
	}
}

// Get returns the last position a member reported, if it ever reported one.
func (b *PositionBook) Get(memberID string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[memberID]
	return pos, ok
}

// Forget drops a member's entry, typically when it leaves the room.
func (b *PositionBook) Forget(memberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, memberID)
}

// Snapshot returns every known position ordered by member id.
func (b *PositionBook) Snapshot() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}
