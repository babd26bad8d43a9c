// Package room tracks the rooms a producer is hosting and hands out
// their join codes.
package room

import (
	"errors"
	"math/rand"
	"sort"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/latra/ChronOBS/internal/protocol"
)

var (
	// ErrRoomCapacity means code generation kept colliding with live
	// rooms and gave up.
	ErrRoomCapacity = errors.New("room code space exhausted")

	// ErrRoomNotFound means the code does not name a live room.
	ErrRoomNotFound = errors.New("room not found")
)

// Room is the identity of a hosted room. Membership and sync state hang
// off the producer session, not here.
type Room struct {
	Code      string
	CreatedAt time.Time
}

// Registry allocates unique room codes and resolves codes back to rooms.
type Registry struct {
	mu       gosync.Mutex
	rooms    map[string]*Room
	attempts int
	clock    clockwork.Clock

	newCode func() string
}

func NewRegistry(attempts int, clock clockwork.Clock) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		attempts: attempts,
		clock:    clock,
		newCode:  randomCode,
	}
}

func randomCode() string {
	b := make([]byte, protocol.CodeLength)
	for i := range b {
		b[i] = protocol.CodeAlphabet[rand.Intn(len(protocol.CodeAlphabet))]
	}
	return string(b)
}

// Create allocates a room under a fresh code. With a 5-character code and
// a handful of live rooms, collisions are vanishingly rare; the attempt
// bound keeps a pathological generator from looping forever.
func (r *Registry) Create() (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.attempts; i++ {
		code := r.newCode()
		if _, taken := r.rooms[code]; taken {
			continue
		}
		room := &Room{Code: code, CreatedAt: r.clock.Now()}
		r.rooms[code] = room
		return room, nil
	}

	return nil, ErrRoomCapacity
}

// Get resolves a user-typed code to a live room.
func (r *Registry) Get(code string) (*Room, error) {
	normalized := protocol.NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[normalized]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Close releases a room's code. Closing a room that is already gone is
// not an error.
func (r *Registry) Close(code string) {
	normalized := protocol.NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, normalized)
}

// Codes lists the live room codes in stable order.
func (r *Registry) Codes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes := make([]string, 0, len(r.rooms))
	for code := range r.rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
