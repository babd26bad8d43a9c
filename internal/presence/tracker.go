// Package presence tracks room membership: who has joined, whether they
// are still sending heartbeats, and which member, if any, holds the
// main observer role.
package presence

import (
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/latra/ChronOBS/internal/protocol"
)

// ErrRoleAssignment means the main observer role could not be given to
// the requested member.
var ErrRoleAssignment = errors.New("role assignment refused")

// Liveness states. Members that leave or stop heartbeating are kept as
// disconnected rather than dropped, so their label and join-order slot
// survive a reconnect.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
)

// Transition kinds.
const (
	TransitionJoined       = "joined"
	TransitionLeft         = "left"
	TransitionExpired      = "expired"
	TransitionRoleAssigned = "role-assigned"
	TransitionRoleCleared  = "role-cleared"
)

// Transition records one membership or role change. Mutating calls
// return the transitions they caused, in order, so the caller can
// journal and publish exactly what happened.
type Transition struct {
	Kind     string
	MemberID string
	Label    string
	Role     string
	At       time.Time
}

// Member is a point-in-time snapshot of one room member.
type Member struct {
	ID           string
	DisplayLabel string
	Role         string
	State        string
	JoinedAt     time.Time
	LastSeen     time.Time
}

type member struct {
	id           string
	displayLabel string
	role         string
	state        string
	joinedAt     time.Time
	lastSeen     time.Time
	lastSent     int64 // sender clock, unix ms
}

func (m *member) snapshot() Member {
	return Member{
		ID:           m.id,
		DisplayLabel: m.displayLabel,
		Role:         m.role,
		State:        m.state,
		JoinedAt:     m.joinedAt,
		LastSeen:     m.lastSeen,
	}
}

// Tracker holds the membership of a single room. A connected member
// expires once it misses maxMissed consecutive heartbeats; expiry only
// happens when Sweep runs, so liveness is as fresh as the caller's
// sweep cadence.
type Tracker struct {
	mu      gosync.Mutex
	members map[string]*member
	order   []string

	interval  time.Duration
	maxMissed int
	clock     clockwork.Clock
}

func NewTracker(interval time.Duration, maxMissed int, clock clockwork.Clock) *Tracker {
	return &Tracker{
		members:   make(map[string]*member),
		interval:  interval,
		maxMissed: maxMissed,
		clock:     clock,
	}
}

// Add registers a member, reconnects a disconnected one, or refreshes a
// duplicate join of a connected one. Only the first two count as joins
// and return a transition; the duplicate updates the label and liveness
// and returns none. A reconnect keeps the member's original join-order
// slot but comes back as a plain observer.
func (t *Tracker) Add(id, displayLabel string) (Member, []Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()

	if m, ok := t.members[id]; ok {
		m.displayLabel = displayLabel
		m.lastSeen = now
		if m.state == StateConnected {
			return m.snapshot(), nil
		}
		m.state = StateConnected
		m.lastSent = 0
		return m.snapshot(), []Transition{{Kind: TransitionJoined, MemberID: id, Label: displayLabel, At: now}}
	}

	m := &member{
		id:           id,
		displayLabel: displayLabel,
		role:         protocol.RoleObserver,
		state:        StateConnected,
		joinedAt:     now,
		lastSeen:     now,
	}
	t.members[id] = m
	t.order = append(t.order, id)
	return m.snapshot(), []Transition{{Kind: TransitionJoined, MemberID: id, Label: displayLabel, At: now}}
}

// Heartbeat refreshes a member's liveness. The sender's own timestamp
// guards against reordered or replayed beats: anything at or before the
// last accepted timestamp is discarded. Disconnected members are not
// resurrected by a beat; they have to join again.
func (t *Tracker) Heartbeat(id string, sentAt int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok || m.state == StateDisconnected {
		return false
	}
	if sentAt <= m.lastSent {
		return false
	}
	m.lastSent = sentAt
	m.lastSeen = t.clock.Now()
	return true
}

// Leave marks a member disconnected. Leaves are idempotent: a second
// leave, or a leave echo for a member already swept, returns nil.
func (t *Tracker) Leave(id string) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnect(id, TransitionLeft)
}

func (t *Tracker) disconnect(id, kind string) []Transition {
	m, ok := t.members[id]
	if !ok || m.state == StateDisconnected {
		return nil
	}

	now := t.clock.Now()
	m.state = StateDisconnected

	trs := []Transition{{Kind: kind, MemberID: m.id, Label: m.displayLabel, At: now}}
	if m.role == protocol.RoleMainObserver {
		m.role = protocol.RoleObserver
		trs = append(trs, Transition{
			Kind:     TransitionRoleCleared,
			MemberID: m.id,
			Label:    m.displayLabel,
			Role:     protocol.RoleMainObserver,
			At:       now,
		})
	}
	return trs
}

// Sweep expires every connected member whose last accepted heartbeat is
// older than interval*maxMissed, in join order.
func (t *Tracker) Sweep() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-time.Duration(t.maxMissed) * t.interval)

	var trs []Transition
	for _, id := range t.order {
		m := t.members[id]
		if m.state == StateConnected && m.lastSeen.Before(cutoff) {
			trs = append(trs, t.disconnect(id, TransitionExpired)...)
		}
	}
	return trs
}

// AssignMainObserver gives the main observer role to the named member,
// demoting whoever held it before. There is no automatic promotion
// anywhere: this is the only way the role changes hands. Assigning the
// current holder again is a no-op.
func (t *Tracker) AssignMainObserver(id string) ([]Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not in the room", ErrRoleAssignment, id)
	}
	if m.state == StateDisconnected {
		return nil, fmt.Errorf("%w: %s is disconnected", ErrRoleAssignment, id)
	}
	if m.role == protocol.RoleMainObserver {
		return nil, nil
	}

	now := t.clock.Now()
	var trs []Transition
	for _, other := range t.members {
		if other.role == protocol.RoleMainObserver {
			other.role = protocol.RoleObserver
			trs = append(trs, Transition{
				Kind:     TransitionRoleCleared,
				MemberID: other.id,
				Label:    other.displayLabel,
				Role:     protocol.RoleMainObserver,
				At:       now,
			})
		}
	}

	m.role = protocol.RoleMainObserver
	trs = append(trs, Transition{
		Kind:     TransitionRoleAssigned,
		MemberID: id,
		Label:    m.displayLabel,
		Role:     protocol.RoleMainObserver,
		At:       now,
	})
	return trs, nil
}

// ApplyRole applies an announced role change to a mirrored view. Unlike
// AssignMainObserver it never refuses: mirrors follow whatever the
// producer published. It reports false for unknown members.
func (t *Tracker) ApplyRole(id, role string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok {
		return false
	}

	if role == protocol.RoleMainObserver {
		for _, other := range t.members {
			if other.role == protocol.RoleMainObserver && other.id != id {
				other.role = protocol.RoleObserver
			}
		}
	}
	m.role = role
	return true
}

// MainObserver returns the current role holder, if any.
func (t *Tracker) MainObserver() (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range t.members {
		if m.role == protocol.RoleMainObserver {
			return m.snapshot(), true
		}
	}
	return Member{}, false
}

// Member returns a snapshot of one member.
func (t *Tracker) Member(id string) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[id]
	if !ok {
		return Member{}, false
	}
	return m.snapshot(), true
}

// Members returns snapshots of every member, connected or not, in join
// order.
func (t *Tracker) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Member, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.members[id].snapshot())
	}
	return out
}

// Connected returns snapshots of the connected members in join order.
func (t *Tracker) Connected() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Member
	for _, id := range t.order {
		if m := t.members[id]; m.state == StateConnected {
			out = append(out, m.snapshot())
		}
	}
	return out
}
