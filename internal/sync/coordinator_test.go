package sync

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/protocol"
)

const testTimeout = 5 * time.Second

func newTestCoordinator() (*Coordinator, *clockwork.FakeClock, *PositionBook) {
	clock := clockwork.NewFakeClock()
	book := NewPositionBook()
	coord := NewCoordinator("A2B3C", testTimeout, book, clock, zap.NewNop())
	return coord, clock, book
}

func ack(seq uint64, member, outcome string) *protocol.SyncAck {
	return &protocol.SyncAck{Sequence: seq, MemberID: member, Outcome: outcome}
}

func waitResult(t *testing.T, cmd *Command) Result {
	t.Helper()
	select {
	case res := <-cmd.Done():
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("command %d never resolved", cmd.Sequence)
		return Result{}
	}
}

func TestAllAcksComplete(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	cmd := coord.Begin(protocol.ScopeAll, []string{"m1", "m2"})
	if cmd.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", cmd.Sequence)
	}

	if err := coord.Ack(ack(1, "m1", protocol.OutcomeApplied)); err != nil {
		t.Fatalf("ack m1: %v", err)
	}
	if err := coord.Ack(ack(1, "m2", protocol.OutcomeApplied)); err != nil {
		t.Fatalf("ack m2: %v", err)
	}

	res := waitResult(t, cmd)
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", res.Outcome)
	}
	if res.Annotation != "" {
		t.Errorf("annotation = %q, want none", res.Annotation)
	}
	if coord.InFlight() {
		t.Error("nothing should be in flight after resolution")
	}
}

func TestFailedAckPartiallyFails(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	cmd := coord.Begin(protocol.ScopeAll, []string{"m1", "m2"})
	_ = coord.Ack(ack(1, "m1", protocol.OutcomeApplied))
	failedAck := ack(1, "m2", protocol.OutcomeFailed)
	failedAck.Reason = protocol.ReasonLocalApply
	_ = coord.Ack(failedAck)

	res := waitResult(t, cmd)
	if res.Outcome != OutcomePartiallyFailed {
		t.Errorf("outcome = %s, want partially-failed", res.Outcome)
	}
	if res.Acks["m2"].Reason != protocol.ReasonLocalApply {
		t.Errorf("m2 reason = %q, want local-apply-error", res.Acks["m2"].Reason)
	}
}

func TestSilentMemberTimesOut(t *testing.T) {
	coord, clock, _ := newTestCoordinator()

	cmd := coord.Begin(protocol.ScopeAll, []string{"m1", "m2"})
	_ = coord.Ack(ack(1, "m1", protocol.OutcomeApplied))

	clock.Advance(testTimeout + time.Millisecond)

	res := waitResult(t, cmd)
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("outcome = %s, want timed-out", res.Outcome)
	}
	if res.Acks["m1"].Outcome != protocol.OutcomeApplied {
		t.Errorf("m1 outcome = %s, want applied", res.Acks["m1"].Outcome)
	}
	if res.Acks["m2"].Outcome != protocol.OutcomeTimedOut {
		t.Errorf("m2 outcome = %s, want timed-out", res.Acks["m2"].Outcome)
	}
}

func TestNeverJoinedTargetTimesOut(t *testing.T) {
	coord, clock, _ := newTestCoordinator()

	// A command aimed at a member nobody has seen still runs its course
	// and names the member in the result.
	cmd := coord.Begin("ghost", []string{"ghost"})
	clock.Advance(testTimeout + time.Millisecond)

	res := waitResult(t, cmd)
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("outcome = %s, want timed-out", res.Outcome)
	}
	if _, ok := res.Acks["ghost"]; !ok {
		t.Error("result should enumerate the absent target")
	}
}

func TestBeginSupersedesInFlight(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	first := coord.Begin(protocol.ScopeAll, []string{"m1", "m2"})
	_ = coord.Ack(ack(1, "m1", protocol.OutcomeApplied))

	second := coord.Begin(protocol.ScopeAll, []string{"m1", "m2"})
	if second.Sequence != 2 {
		t.Fatalf("second sequence = %d, want 2", second.Sequence)
	}

	res := waitResult(t, first)
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("superseded outcome = %s, want timed-out", res.Outcome)
	}
	if res.Annotation != AnnotationSuperseded {
		t.Errorf("annotation = %q, want superseded", res.Annotation)
	}
	if res.Acks["m1"].Outcome != protocol.OutcomeApplied {
		t.Error("acks received before supersession should be kept")
	}

	// Acks for the old sequence are stale now.
	if err := coord.Ack(ack(1, "m2", protocol.OutcomeApplied)); !errors.Is(err, ErrStaleSequence) {
		t.Errorf("err = %v, want ErrStaleSequence", err)
	}

	// The new command is unaffected.
	_ = coord.Ack(ack(2, "m1", protocol.OutcomeApplied))
	_ = coord.Ack(ack(2, "m2", protocol.OutcomeApplied))
	if res := waitResult(t, second); res.Outcome != OutcomeCompleted {
		t.Errorf("second outcome = %s, want completed", res.Outcome)
	}
}

func TestFirstAckWins(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	cmd := coord.Begin(protocol.ScopeAll, []string{"m1"})
	_ = coord.Ack(ack(1, "m1", protocol.OutcomeApplied))
	if err := coord.Ack(ack(1, "m1", protocol.OutcomeFailed)); err != nil {
		t.Fatalf("repeat ack should be harmless, got: %v", err)
	}

	res := waitResult(t, cmd)
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed from the first ack", res.Outcome)
	}
}

func TestUntargetedAckRejected(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	coord.Begin("m1", []string{"m1"})
	if err := coord.Ack(ack(1, "m2", protocol.OutcomeApplied)); !errors.Is(err, ErrNotTargeted) {
		t.Fatalf("err = %v, want ErrNotTargeted", err)
	}
}

func TestEmptyTargetsCompleteImmediately(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	cmd := coord.Begin(protocol.ScopeAll, nil)
	res := waitResult(t, cmd)
	if res.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", res.Outcome)
	}
	if coord.InFlight() {
		t.Error("an empty command should not stay in flight")
	}
}

func TestCancelRoomClosed(t *testing.T) {
	coord, _, _ := newTestCoordinator()

	cmd := coord.Begin(protocol.ScopeAll, []string{"m1"})
	coord.CancelRoomClosed()

	res := waitResult(t, cmd)
	if res.Outcome != OutcomeTimedOut {
		t.Errorf("outcome = %s, want timed-out", res.Outcome)
	}
	if res.Annotation != AnnotationRoomClosed {
		t.Errorf("annotation = %q, want room closed", res.Annotation)
	}
}

func TestProbeAckFeedsPositionBook(t *testing.T) {
	coord, _, book := newTestCoordinator()

	coord.Begin(protocol.ScopeAll, []string{"m1"})
	probeAck := ack(1, "m1", protocol.OutcomeApplied)
	position := int64(93250)
	probeAck.PositionMS = &position
	_ = coord.Ack(probeAck)

	pos, ok := book.Get("m1")
	if !ok {
		t.Fatal("book should know m1 after a probe ack")
	}
	if pos.PositionMS != 93250 {
		t.Errorf("position = %d, want 93250", pos.PositionMS)
	}
}

func TestPositionBookSnapshotSorted(t *testing.T) {
	book := NewPositionBook()
	now := time.Now()

	book.Update("m2", 200, now)
	book.Update("m1", 100, now)
	book.Update("m3", 300, now)
	book.Forget("m3")

	snap := book.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	if snap[0].MemberID != "m1" || snap[1].MemberID != "m2" {
		t.Errorf("snapshot order = %s, %s", snap[0].MemberID, snap[1].MemberID)
	}
}
