package sync

import "time"

// Terminal outcomes of a sync command. Per-member ack outcomes live in
// the protocol package; these describe the command as a whole.
const (
	OutcomeCompleted       = "completed"
	OutcomePartiallyFailed = "partially-failed"
	OutcomeTimedOut        = "timed-out"
)

// Annotations attached to a result when the command was cut short rather
// than resolved on its own terms.
const (
	AnnotationSuperseded = "superseded"
	AnnotationRoomClosed = "room closed"
)

// AckRecord is one member's final word on one command. Members that never
// answered get a timed-out record when the command resolves. PositionMS
// is nil unless the ack answered a probe.
type AckRecord struct {
	Outcome    string
	Reason     string
	PositionMS *int64
	At         time.Time
}

// Result is the terminal state of a sync command.
type Result struct {
	Sequence   uint64
	Outcome    string
	Annotation string
	Acks       map[string]AckRecord
}

// Position is the last playback position a member reported.
type Position struct {
	MemberID   string
	PositionMS int64
	ReportedAt time.Time
}
