package protocol

import (
	"fmt"
	"strings"
)

const topicRoot = "rooms"

// Kind enumerates the message purposes a room topic can carry.
type Kind string

const (
	KindJoin        Kind = "join"
	KindLeave       Kind = "leave"
	KindHeartbeat   Kind = "heartbeat"
	KindSyncRequest Kind = "sync-request"
	KindSyncAck     Kind = "sync-ack"
	KindRole        Kind = "role"
)

// Kinds lists every message purpose in wire order.
var Kinds = []Kind{KindJoin, KindLeave, KindHeartbeat, KindSyncRequest, KindSyncAck, KindRole}

// TopicFor maps (room, purpose) to the topic string. This mapping is the
// wire contract shared by producer and observer and must not drift.
func TopicFor(room string, kind Kind) string {
	return topicRoot + "/" + room + "/" + string(kind)
}

// RoomPattern returns the subscription pattern covering all of a room's topics.
func RoomPattern(room string) string {
	return topicRoot + "/" + room + "/#"
}

// ParseTopic splits a room topic back into its room code and message kind.
func ParseTopic(topic string) (room string, kind Kind, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[1] == "" {
		return "", "", fmt.Errorf("not a room topic: %q", topic)
	}

	kind = Kind(parts[2])
	switch kind {
	case KindJoin, KindLeave, KindHeartbeat, KindSyncRequest, KindSyncAck, KindRole:
		return parts[1], kind, nil
	default:
		return "", "", fmt.Errorf("unknown message kind in topic %q", topic)
	}
}
