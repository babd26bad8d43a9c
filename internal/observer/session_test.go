package observer

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/presence"
	"github.com/latra/ChronOBS/internal/protocol"
	"github.com/latra/ChronOBS/internal/transport"
)

type fixture struct {
	session *Session
	broker  *transport.Memory
	clock   *clockwork.FakeClock
	bridge  *fakeBridge
	code    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC))
	broker := transport.NewMemory(zap.NewNop())
	t.Cleanup(func() { broker.Close() })

	bridge := &fakeBridge{}
	session, err := NewSession(broker, bridge, "gamma", Options{
		MemberID:     "obs-1",
		DisplayLabel: "Blue Side",
	}, clock, zap.NewNop())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = session.Leave() })

	// NewSession normalizes the code; helpers need the canonical form.
	return &fixture{session: session, broker: broker, clock: clock, bridge: bridge, code: "GAMMA"}
}

func joinedFixture(t *testing.T) *fixture {
	t.Helper()

	f := newFixture(t)
	autoConfirm(t, f.broker, f.code)
	if err := f.session.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	return f
}

// fakeBridge stands in for the replay client bridge.
type fakeBridge struct {
	mu       gosync.Mutex
	position int64
	posErr   error
	applyErr error
	applied  []appliedCall
}

type appliedCall struct {
	target protocol.PlaybackTarget
	offset int64
}

func (b *fakeBridge) Apply(_ context.Context, target *protocol.PlaybackTarget, offsetMS int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return b.applyErr
	}
	b.applied = append(b.applied, appliedCall{target: *target, offset: offsetMS})
	return nil
}

func (b *fakeBridge) Position(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position, b.posErr
}

func (b *fakeBridge) setPosition(pos int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.position, b.posErr = pos, err
}

func (b *fakeBridge) setApplyErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyErr = err
}

func (b *fakeBridge) calls() []appliedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]appliedCall, len(b.applied))
	copy(out, b.applied)
	return out
}

// autoConfirm plays the producer's part of the join handshake: every
// join gets an observer-role confirmation back.
func autoConfirm(t *testing.T, broker *transport.Memory, code string) {
	t.Helper()

	_, err := broker.Subscribe(protocol.TopicFor(code, protocol.KindJoin), func(_ string, payload []byte) {
		msg, err := protocol.Decode(protocol.KindJoin, payload)
		if err != nil {
			return
		}
		join := msg.(*protocol.Join)
		data, err := protocol.Encode(&protocol.Role{MemberID: join.MemberID, Role: protocol.RoleObserver})
		if err != nil {
			return
		}
		broker.Publish(protocol.TopicFor(code, protocol.KindRole), data)
	})
	if err != nil {
		t.Fatalf("subscribe confirmer: %v", err)
	}
}

// wireRecorder collects decoded messages from one room topic.
type wireRecorder struct {
	mu   gosync.Mutex
	msgs []any
}

func recordTopic(t *testing.T, broker *transport.Memory, code string, kind protocol.Kind) *wireRecorder {
	t.Helper()

	rec := &wireRecorder{}
	_, err := broker.Subscribe(protocol.TopicFor(code, kind), func(_ string, payload []byte) {
		msg, err := protocol.Decode(kind, payload)
		if err != nil {
			return
		}
		rec.mu.Lock()
		rec.msgs = append(rec.msgs, msg)
		rec.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe recorder: %v", err)
	}
	return rec
}

func (r *wireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *wireRecorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func publishToRoom(t *testing.T, broker *transport.Memory, code string, kind protocol.Kind, msg any) {
	t.Helper()

	payload, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	if err := broker.Publish(protocol.TopicFor(code, kind), payload); err != nil {
		t.Fatalf("publish %s: %v", kind, err)
	}
}

func sessionFinished(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func TestJoinConfirmed(t *testing.T) {
	f := newFixture(t)
	autoConfirm(t, f.broker, f.code)

	if err := f.session.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}

	if got := f.session.Role(); got != protocol.RoleObserver {
		t.Errorf("role = %q, want observer", got)
	}

	// The session's own join echo seeds the mirror.
	waitUntil(t, "self mirrored", func() bool {
		for _, m := range f.session.Members() {
			if m.ID == "obs-1" && m.State == presence.StateConnected {
				return true
			}
		}
		return false
	})
	if sessionFinished(f.session) {
		t.Error("session finished right after join")
	}
}

func TestNewSessionRejectsBadCode(t *testing.T) {
	f := newFixture(t)

	for _, code := range []string{"", "AB", "ABCDEF", "ABC1O"} {
		if _, err := NewSession(f.broker, f.bridge, code, Options{}, f.clock, zap.NewNop()); err == nil {
			t.Errorf("code %q accepted", code)
		}
	}
}

func TestJoinTimesOutWithoutConfirmation(t *testing.T) {
	f := newFixture(t)

	var (
		joinErr error
		done    = make(chan struct{})
	)
	go func() {
		defer close(done)
		joinErr = f.session.Join(context.Background())
	}()

	// Two clock waiters: the heartbeat ticker and the join timer.
	f.clock.BlockUntil(2)
	f.clock.Advance(10 * time.Second)
	<-done

	if !errors.Is(joinErr, ErrRoomNotFound) {
		t.Fatalf("join = %v, want ErrRoomNotFound", joinErr)
	}
	if !sessionFinished(f.session) {
		t.Error("session still live after failed join")
	}
}

func TestMirrorFollowsRoom(t *testing.T) {
	f := joinedFixture(t)
	roles := recordTopic(t, f.broker, f.code, protocol.KindRole)

	publishToRoom(t, f.broker, f.code, protocol.KindJoin, &protocol.Join{MemberID: "o2", DisplayLabel: "Red Side"})
	waitUntil(t, "o2 mirrored", func() bool {
		for _, m := range f.session.Members() {
			if m.ID == "o2" && m.State == presence.StateConnected {
				return true
			}
		}
		return false
	})

	// Once o2's confirmation is on the wire, anything published next is
	// ordered after it; the promotion below cannot be overtaken.
	waitUntil(t, "o2 confirmation", func() bool {
		for _, msg := range roles.snapshot() {
			if rm, ok := msg.(*protocol.Role); ok && rm.MemberID == "o2" {
				return true
			}
		}
		return false
	})

	publishToRoom(t, f.broker, f.code, protocol.KindRole, &protocol.Role{MemberID: "o2", Role: protocol.RoleMainObserver})
	waitUntil(t, "o2 holds the role", func() bool {
		main, ok := f.session.MainObserver()
		return ok && main.ID == "o2"
	})

	members := f.session.Members()
	if len(members) != 2 || members[0].ID != "obs-1" || members[1].ID != "o2" {
		t.Fatalf("mirrored roster = %+v, want obs-1 then o2", members)
	}

	// Another member's leave updates the mirror and clears its role, but
	// never finishes this session.
	publishToRoom(t, f.broker, f.code, protocol.KindLeave, &protocol.Leave{MemberID: "o2"})
	waitUntil(t, "o2 disconnected", func() bool {
		for _, m := range f.session.Members() {
			if m.ID == "o2" {
				return m.State == presence.StateDisconnected
			}
		}
		return false
	})
	if _, ok := f.session.MainObserver(); ok {
		t.Error("role survived the holder's leave")
	}
	if sessionFinished(f.session) {
		t.Fatal("session finished on another member's leave")
	}
}

func TestAppliesTargetedSync(t *testing.T) {
	f := joinedFixture(t)
	acks := recordTopic(t, f.broker, f.code, protocol.KindSyncAck)

	target := protocol.PlaybackTarget{TimeMS: 93250, Speed: 2, Paused: true}
	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    7,
		TargetScope: protocol.ScopeAll,
		Target:      &target,
		Offsets:     map[string]int64{"obs-1": 1500, "o2": 400},
	})
	waitUntil(t, "ack", func() bool { return acks.count() >= 1 })

	ack := acks.snapshot()[0].(*protocol.SyncAck)
	if ack.Sequence != 7 || ack.MemberID != "obs-1" || ack.Outcome != protocol.OutcomeApplied {
		t.Fatalf("ack = %+v, want applied for sequence 7", ack)
	}
	if ack.PositionMS != nil {
		t.Errorf("apply ack carries a position: %d", *ack.PositionMS)
	}

	calls := f.bridge.calls()
	if len(calls) != 1 {
		t.Fatalf("bridge applied %d times, want once", len(calls))
	}
	if calls[0].target != target {
		t.Errorf("applied target = %+v, want %+v", calls[0].target, target)
	}
	if calls[0].offset != 1500 {
		t.Errorf("applied offset = %d, want this member's 1500", calls[0].offset)
	}

	// A follow-up request shows the first one was acked exactly once.
	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    8,
		TargetScope: "obs-1",
		Target:      &target,
	})
	waitUntil(t, "second ack", func() bool { return acks.count() >= 2 })
	got := acks.snapshot()
	if len(got) != 2 || got[1].(*protocol.SyncAck).Sequence != 8 {
		t.Fatalf("acks = %+v, want exactly one per request", got)
	}
}

func TestIgnoresSyncForOtherMembers(t *testing.T) {
	f := joinedFixture(t)
	acks := recordTopic(t, f.broker, f.code, protocol.KindSyncAck)

	target := protocol.PlaybackTarget{TimeMS: 5000, Speed: 1}
	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    3,
		TargetScope: "o2",
		Target:      &target,
	})
	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    4,
		TargetScope: "obs-1",
		Target:      &target,
	})
	waitUntil(t, "sentinel ack", func() bool { return acks.count() >= 1 })

	// Delivery is ordered, so answering 4 first proves 3 went unanswered.
	first := acks.snapshot()[0].(*protocol.SyncAck)
	if first.Sequence != 4 {
		t.Fatalf("first ack for sequence %d, want the sentinel 4", first.Sequence)
	}
	if got := acks.count(); got != 1 {
		t.Errorf("acks = %d, want only the sentinel's", got)
	}
	if calls := f.bridge.calls(); len(calls) != 1 {
		t.Errorf("bridge applied %d times, want only the sentinel", len(calls))
	}
}

func TestProbeReportsPosition(t *testing.T) {
	f := joinedFixture(t)
	f.bridge.setPosition(41750, nil)
	acks := recordTopic(t, f.broker, f.code, protocol.KindSyncAck)

	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    9,
		TargetScope: "obs-1",
		Probe:       true,
	})
	waitUntil(t, "probe ack", func() bool { return acks.count() >= 1 })

	ack := acks.snapshot()[0].(*protocol.SyncAck)
	if ack.Outcome != protocol.OutcomeApplied {
		t.Fatalf("probe outcome = %q, want applied", ack.Outcome)
	}
	if ack.PositionMS == nil || *ack.PositionMS != 41750 {
		t.Fatalf("probe position = %v, want 41750", ack.PositionMS)
	}
	if calls := f.bridge.calls(); len(calls) != 0 {
		t.Errorf("probe moved the playhead: %+v", calls)
	}
}

func TestBridgeFailuresAckFailed(t *testing.T) {
	f := joinedFixture(t)
	acks := recordTopic(t, f.broker, f.code, protocol.KindSyncAck)

	f.bridge.setApplyErr(errors.New("replay client not running"))
	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    5,
		TargetScope: protocol.ScopeAll,
		Target:      &protocol.PlaybackTarget{TimeMS: 100, Speed: 1},
	})
	waitUntil(t, "apply failure ack", func() bool { return acks.count() >= 1 })

	ack := acks.snapshot()[0].(*protocol.SyncAck)
	if ack.Outcome != protocol.OutcomeFailed || ack.Reason != protocol.ReasonLocalApply {
		t.Fatalf("ack = %+v, want failed with local-apply reason", ack)
	}

	f.bridge.setPosition(0, errors.New("replay api down"))
	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    6,
		TargetScope: "obs-1",
		Probe:       true,
	})
	waitUntil(t, "probe failure ack", func() bool { return acks.count() >= 2 })

	probeAck := acks.snapshot()[1].(*protocol.SyncAck)
	if probeAck.Outcome != protocol.OutcomeFailed || probeAck.Reason != protocol.ReasonLocalApply {
		t.Fatalf("probe ack = %+v, want failed with local-apply reason", probeAck)
	}
	if probeAck.PositionMS != nil {
		t.Errorf("failed probe carries a position: %d", *probeAck.PositionMS)
	}
}

func TestMissingTargetAcksFailed(t *testing.T) {
	f := joinedFixture(t)
	acks := recordTopic(t, f.broker, f.code, protocol.KindSyncAck)

	publishToRoom(t, f.broker, f.code, protocol.KindSyncRequest, &protocol.SyncRequest{
		Sequence:    8,
		TargetScope: protocol.ScopeAll,
	})
	waitUntil(t, "ack", func() bool { return acks.count() >= 1 })

	ack := acks.snapshot()[0].(*protocol.SyncAck)
	if ack.Outcome != protocol.OutcomeFailed || ack.Reason != reasonMissingTarget {
		t.Fatalf("ack = %+v, want failed for the missing target", ack)
	}
	if calls := f.bridge.calls(); len(calls) != 0 {
		t.Errorf("bridge called despite missing target: %+v", calls)
	}
}

func TestHeartbeatsCarrySenderClock(t *testing.T) {
	f := joinedFixture(t)
	beats := recordTopic(t, f.broker, f.code, protocol.KindHeartbeat)

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	waitUntil(t, "first beat", func() bool { return beats.count() >= 1 })

	first := beats.snapshot()[0].(*protocol.Heartbeat)
	if first.MemberID != "obs-1" {
		t.Fatalf("beat from %q, want obs-1", first.MemberID)
	}
	if want := f.clock.Now().UnixMilli(); first.Timestamp != want {
		t.Errorf("beat timestamp = %d, want %d", first.Timestamp, want)
	}

	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	waitUntil(t, "second beat", func() bool { return beats.count() >= 2 })

	second := beats.snapshot()[1].(*protocol.Heartbeat)
	if second.Timestamp <= first.Timestamp {
		t.Errorf("timestamps not increasing: %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestRemovalFinishesSession(t *testing.T) {
	f := joinedFixture(t)

	publishToRoom(t, f.broker, f.code, protocol.KindLeave, &protocol.Leave{MemberID: "obs-1"})
	waitUntil(t, "session finished", func() bool { return sessionFinished(f.session) })

	if err := f.session.Leave(); err != nil {
		t.Errorf("leave after removal = %v, want quiet no-op", err)
	}
}

func TestLeaveAnnouncesExit(t *testing.T) {
	f := joinedFixture(t)
	leaves := recordTopic(t, f.broker, f.code, protocol.KindLeave)

	if err := f.session.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !sessionFinished(f.session) {
		t.Fatal("session live after leave")
	}

	waitUntil(t, "leave on the wire", func() bool { return leaves.count() >= 1 })
	leave := leaves.snapshot()[0].(*protocol.Leave)
	if leave.MemberID != "obs-1" {
		t.Errorf("leave names %q, want obs-1", leave.MemberID)
	}

	if err := f.session.Leave(); err != nil {
		t.Errorf("second leave = %v, want no-op", err)
	}
}
