// Package protocol defines the room coordination wire contract: the topic
// scheme and the JSON payloads exchanged between producer and observers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Target scope values for a sync request. Any other value names a single member.
const ScopeAll = "all"

// Roles a member can hold. At most one member per room is main-observer.
const (
	RoleObserver     = "observer"
	RoleMainObserver = "main-observer"
)

// Ack outcomes. OutcomeTimedOut is synthesized locally by the coordinator
// for members that never answered; it is never transmitted.
const (
	OutcomeApplied  = "applied"
	OutcomeFailed   = "failed"
	OutcomeTimedOut = "timed-out"
)

// ReasonLocalApply is the failure reason an observer reports when its game
// client bridge errors out.
const ReasonLocalApply = "local-apply-error"

// Join announces a member entering a room.
type Join struct {
	MemberID     string `json:"memberId"`
	DisplayLabel string `json:"displayLabel"`
}

// Leave announces a member exiting a room. The producer also publishes these
// to force-remove a member and when closing a room.
type Leave struct {
	MemberID string `json:"memberId"`
}

// Heartbeat is the periodic liveness beacon. Timestamp is the sender's clock
// in milliseconds since epoch; receivers use it only to drop reordered beats.
type Heartbeat struct {
	MemberID  string `json:"memberId"`
	Timestamp int64  `json:"timestamp"`
}

// PlaybackTarget is the playback state a sync command asks observers to apply.
type PlaybackTarget struct {
	TimeMS int64   `json:"timeMs"`
	Speed  float64 `json:"speed"`
	Paused bool    `json:"paused"`
}

// SyncRequest asks targeted members to align their local game client.
// Offsets carries per-member delay compensation in milliseconds; each
// observer adds only its own entry. Probe requests a position report
// instead of a seek.
type SyncRequest struct {
	Sequence    uint64           `json:"sequence"`
	TargetScope string           `json:"targetScope"`
	Target      *PlaybackTarget  `json:"target,omitempty"`
	Offsets     map[string]int64 `json:"offsets,omitempty"`
	Probe       bool             `json:"probe,omitempty"`
}

// Targets reports whether the request addresses the given member.
func (r *SyncRequest) Targets(memberID string) bool {
	return r.TargetScope == ScopeAll || r.TargetScope == memberID
}

// SyncAck is an observer's answer to a sync request. PositionMS is set only
// on probe replies; a pointer so a report of position zero still travels.
type SyncAck struct {
	Sequence   uint64 `json:"sequence"`
	MemberID   string `json:"memberId"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	PositionMS *int64 `json:"positionMs,omitempty"`
}

// Role assigns a role to a member. Published only by the producer; the
// first role message naming a joiner doubles as its join confirmation.
type Role struct {
	MemberID string `json:"memberId"`
	Role     string `json:"role"`
}

// Decode parses a payload of the given kind into its typed message.
// Malformed payloads and unknown kinds are decode errors; callers log and
// drop them rather than failing the session.
func Decode(kind Kind, payload []byte) (any, error) {
	var (
		msg any
		err error
	)

	switch kind {
	case KindJoin:
		m := &Join{}
		err = json.Unmarshal(payload, m)
		msg = m
	case KindLeave:
		m := &Leave{}
		err = json.Unmarshal(payload, m)
		msg = m
	case KindHeartbeat:
		m := &Heartbeat{}
		err = json.Unmarshal(payload, m)
		msg = m
	case KindSyncRequest:
		m := &SyncRequest{}
		err = json.Unmarshal(payload, m)
		msg = m
	case KindSyncAck:
		m := &SyncAck{}
		err = json.Unmarshal(payload, m)
		msg = m
	case KindRole:
		m := &Role{}
		err = json.Unmarshal(payload, m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message kind: %s", kind)
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return msg, nil
}

// Encode marshals a payload for publishing.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
