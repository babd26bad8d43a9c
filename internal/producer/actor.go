package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/journal"
	"github.com/latra/ChronOBS/internal/notify"
	"github.com/latra/ChronOBS/internal/presence"
	"github.com/latra/ChronOBS/internal/protocol"
	"github.com/latra/ChronOBS/internal/room"
	roomsync "github.com/latra/ChronOBS/internal/sync"
	"github.com/latra/ChronOBS/internal/transport"
)

const mailboxSize = 64

// roomActor owns one room's state. Every mutation, whether from an
// inbound message or an operator call, runs on its goroutine; distinct
// rooms run concurrently.
type roomActor struct {
	code      string
	createdAt time.Time

	transport transport.Transport
	tracker   *presence.Tracker
	coord     *roomsync.Coordinator
	book      *roomsync.PositionBook
	journal   *journal.Writer
	notifier  notify.Notifier
	sub       transport.Subscription

	// delays holds each member's configured stream delay in ms.
	delays map[string]int64

	mailbox chan func()
	done    chan struct{}
	clock   clockwork.Clock
	logger  *zap.Logger
}

func (s *Session) startActor(rm *room.Room) (*roomActor, error) {
	writer, err := journal.NewWriter(journal.EntryPath(s.opts.JournalDir, rm.Code, rm.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	a := &roomActor{
		code:      rm.Code,
		createdAt: rm.CreatedAt,
		transport: s.transport,
		tracker:   presence.NewTracker(s.opts.HeartbeatInterval, s.opts.MaxMissed, s.clock),
		book:      roomsync.NewPositionBook(),
		journal:   writer,
		notifier:  s.notifier,
		delays:    make(map[string]int64),
		mailbox:   make(chan func(), mailboxSize),
		done:      make(chan struct{}),
		clock:     s.clock,
		logger:    s.logger,
	}
	a.coord = roomsync.NewCoordinator(rm.Code, s.opts.AckTimeout, a.book, s.clock, s.logger)

	a.appendJournal(journal.Entry{
		At:    rm.CreatedAt.UnixMilli(),
		Room:  rm.Code,
		Event: journal.EventRoomCreated,
	})

	sub, err := s.transport.Subscribe(protocol.RoomPattern(rm.Code), a.inbound)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("subscribing to room: %w", err)
	}
	a.sub = sub

	go a.run(s.opts.HeartbeatInterval)
	return a, nil
}

// run is the actor loop. The sweep ticker shares the heartbeat cadence,
// so a member expires within one interval of missing its budget.
func (a *roomActor) run(sweepEvery time.Duration) {
	ticker := a.clock.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-ticker.Chan():
			a.sweep()
		case <-a.done:
			return
		}
	}
}

// post hands work to the actor, dropping it if the room is gone.
func (a *roomActor) post(fn func()) {
	select {
	case a.mailbox <- fn:
	case <-a.done:
	}
}

// call runs fn on the actor goroutine and waits for it to finish.
func (a *roomActor) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case a.mailbox <- func() { fn(); close(ran) }:
	case <-a.done:
		return room.ErrRoomNotFound
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inbound is the transport handler. It decodes on the delivery goroutine
// and hands the typed message to the actor.
func (a *roomActor) inbound(topic string, payload []byte) {
	_, kind, err := protocol.ParseTopic(topic)
	if err != nil {
		a.logger.Debug("message dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	// The producer is the only publisher of these kinds; what comes back
	// is its own echo.
	if kind == protocol.KindSyncRequest || kind == protocol.KindRole {
		return
	}

	msg, err := protocol.Decode(kind, payload)
	if err != nil {
		a.logger.Debug("message dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	a.post(func() { a.handle(msg) })
}

func (a *roomActor) handle(msg any) {
	switch m := msg.(type) {
	case *protocol.Join:
		a.handleJoin(m)
	case *protocol.Leave:
		a.handleLeave(m)
	case *protocol.Heartbeat:
		a.handleHeartbeat(m)
	case *protocol.SyncAck:
		a.handleAck(m)
	}
}

func (a *roomActor) handleJoin(m *protocol.Join) {
	member, trs := a.tracker.Add(m.MemberID, m.DisplayLabel)

	if len(trs) > 0 {
		a.journalTransitions(trs)
		a.logger.Info("member joined",
			zap.String("room", a.code),
			zap.String("member", member.ID),
			zap.String("label", member.DisplayLabel),
		)

		// Replay the roster so the new mirror converges: every other
		// connected member's join, then the standing role assignment.
		for _, other := range a.tracker.Connected() {
			if other.ID == member.ID {
				continue
			}
			a.publish(protocol.KindJoin, &protocol.Join{MemberID: other.ID, DisplayLabel: other.DisplayLabel})
		}
		if main, ok := a.tracker.MainObserver(); ok {
			a.publish(protocol.KindRole, &protocol.Role{MemberID: main.ID, Role: protocol.RoleMainObserver})
		}
	}

	// Every join gets a confirmation, duplicates included, so a joiner
	// whose confirmation got lost can simply join again. It carries the
	// member's current role and comes after the roster replay; a waiting
	// joiner's mirror is complete once it sees itself named.
	a.publish(protocol.KindRole, &protocol.Role{MemberID: member.ID, Role: member.Role})
}

func (a *roomActor) handleLeave(m *protocol.Leave) {
	trs := a.tracker.Leave(m.MemberID)
	if len(trs) == 0 {
		// Echo of a leave this actor published, or a member already gone.
		return
	}

	a.journalTransitions(trs)
	a.book.Forget(m.MemberID)
	a.logger.Info("member left",
		zap.String("room", a.code),
		zap.String("member", m.MemberID),
	)
	a.roleVacated(trs, "left")
}

func (a *roomActor) handleHeartbeat(m *protocol.Heartbeat) {
	if !a.tracker.Heartbeat(m.MemberID, m.Timestamp) {
		a.logger.Debug("heartbeat discarded",
			zap.String("room", a.code),
			zap.String("member", m.MemberID),
		)
	}
}

func (a *roomActor) handleAck(m *protocol.SyncAck) {
	if err := a.coord.Ack(m); err != nil {
		a.logger.Debug("ack discarded",
			zap.String("room", a.code),
			zap.String("member", m.MemberID),
			zap.Uint64("sequence", m.Sequence),
			zap.Error(err),
		)
	}
}

// sweep expires members that ran out of heartbeat budget and tells the
// room; mirrors never expire members on their own.
func (a *roomActor) sweep() {
	trs := a.tracker.Sweep()
	if len(trs) == 0 {
		return
	}

	a.journalTransitions(trs)
	for _, tr := range trs {
		if tr.Kind != presence.TransitionExpired {
			continue
		}
		a.book.Forget(tr.MemberID)
		a.logger.Warn("member expired",
			zap.String("room", a.code),
			zap.String("member", tr.MemberID),
			zap.String("label", tr.Label),
		)
		a.publish(protocol.KindLeave, &protocol.Leave{MemberID: tr.MemberID})
	}
	a.roleVacated(trs, "expired")
}

// roleVacated reports a main observer departure to the operator.
func (a *roomActor) roleVacated(trs []presence.Transition, cause string) {
	for _, tr := range trs {
		if tr.Kind != presence.TransitionRoleCleared {
			continue
		}
		a.logger.Warn("main observer lost",
			zap.String("room", a.code),
			zap.String("member", tr.MemberID),
			zap.String("cause", cause),
		)
		tr := tr
		go func() {
			if err := a.notifier.MainObserverLost(context.Background(), a.code, tr.MemberID, tr.Label, cause); err != nil {
				a.logger.Warn("notification failed", zap.String("event", "main observer lost"), zap.Error(err))
			}
		}()
	}
}

func (a *roomActor) assignMainObserver(memberID string) error {
	trs, err := a.tracker.AssignMainObserver(memberID)
	if err != nil {
		return err
	}
	if len(trs) == 0 {
		return nil
	}

	a.journalTransitions(trs)
	for _, tr := range trs {
		switch tr.Kind {
		case presence.TransitionRoleCleared:
			a.publish(protocol.KindRole, &protocol.Role{MemberID: tr.MemberID, Role: protocol.RoleObserver})
		case presence.TransitionRoleAssigned:
			a.publish(protocol.KindRole, &protocol.Role{MemberID: tr.MemberID, Role: protocol.RoleMainObserver})
		}
	}
	a.logger.Info("main observer assigned",
		zap.String("room", a.code),
		zap.String("member", memberID),
	)
	return nil
}

// issueSync begins a command and publishes its request. Target resolution
// happens here, on the actor, against the current membership.
func (a *roomActor) issueSync(scope string, target *protocol.PlaybackTarget, offsets map[string]int64, probe bool) *roomsync.Command {
	cmd := a.coord.Begin(scope, a.resolveTargets(scope))

	note := ""
	if probe {
		note = "probe"
	}
	a.appendJournal(journal.Entry{
		At:       a.clock.Now().UnixMilli(),
		Room:     a.code,
		Event:    journal.EventSyncIssued,
		Sequence: cmd.Sequence,
		Note:     note,
	})

	req := &protocol.SyncRequest{
		Sequence:    cmd.Sequence,
		TargetScope: scope,
		Target:      target,
		Probe:       probe,
	}
	if !probe {
		if offsets == nil {
			offsets = a.offsetSnapshot()
		}
		req.Offsets = offsets
	}
	a.publish(protocol.KindSyncRequest, req)
	return cmd
}

// awaitSync journals a command's resolution, reports degraded outcomes to
// the operator and forwards the result. It runs off the actor goroutine,
// so a slow caller never stalls the room.
func (a *roomActor) awaitSync(cmd *roomsync.Command, resultCh chan<- roomsync.Result) {
	res := <-cmd.Done()

	a.appendJournal(journal.Entry{
		At:       a.clock.Now().UnixMilli(),
		Room:     a.code,
		Event:    journal.EventSyncResolved,
		Sequence: res.Sequence,
		Outcome:  res.Outcome,
		Note:     res.Annotation,
	})

	if res.Outcome != roomsync.OutcomeCompleted {
		go func() {
			if err := a.notifier.SyncDegraded(context.Background(), a.code, &res); err != nil {
				a.logger.Warn("notification failed", zap.String("event", "sync degraded"), zap.Error(err))
			}
		}()
	}

	resultCh <- res
}

// resolveTargets maps a scope onto member ids. A named member is targeted
// as given, joined or not; if it never answers, the timeout result
// enumerates it.
func (a *roomActor) resolveTargets(scope string) []string {
	if scope != protocol.ScopeAll {
		return []string{scope}
	}
	connected := a.tracker.Connected()
	ids := make([]string, 0, len(connected))
	for _, m := range connected {
		ids = append(ids, m.ID)
	}
	return ids
}

func (a *roomActor) offsetSnapshot() map[string]int64 {
	if len(a.delays) == 0 {
		return nil
	}
	out := make(map[string]int64, len(a.delays))
	for id, ms := range a.delays {
		out[id] = ms
	}
	return out
}

// alignOffsets rebases the configured delays onto the main observer, so
// members delayed the same as the reference land on the same moment.
func (a *roomActor) alignOffsets(mainID string) map[string]int64 {
	base := a.delays[mainID]
	offsets := make(map[string]int64)
	for _, m := range a.tracker.Connected() {
		offsets[m.ID] = a.delays[m.ID] - base
	}
	return offsets
}

// close winds the room down. Runs on the actor; the loop exits once it
// returns.
func (a *roomActor) close() time.Duration {
	a.coord.CancelRoomClosed()

	if err := a.sub.Unsubscribe(); err != nil {
		a.logger.Debug("unsubscribe failed", zap.String("room", a.code), zap.Error(err))
	}

	// Tell every remaining member to exit. Their echoes will not come
	// back; the local state changes here.
	for _, m := range a.tracker.Connected() {
		a.publish(protocol.KindLeave, &protocol.Leave{MemberID: m.ID})
		a.journalTransitions(a.tracker.Leave(m.ID))
	}

	now := a.clock.Now()
	a.appendJournal(journal.Entry{
		At:    now.UnixMilli(),
		Room:  a.code,
		Event: journal.EventRoomClosed,
	})
	if err := a.journal.Close(); err != nil {
		a.logger.Warn("journal close failed", zap.String("room", a.code), zap.Error(err))
	}

	close(a.done)
	return now.Sub(a.createdAt)
}

func (a *roomActor) publish(kind protocol.Kind, msg any) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		a.logger.Error("encode failed",
			zap.String("room", a.code),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}
	if err := a.transport.Publish(protocol.TopicFor(a.code, kind), payload); err != nil {
		a.logger.Warn("publish failed",
			zap.String("room", a.code),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func (a *roomActor) journalTransitions(trs []presence.Transition) {
	for _, tr := range trs {
		var event string
		switch tr.Kind {
		case presence.TransitionJoined:
			event = journal.EventMemberJoined
		case presence.TransitionLeft:
			event = journal.EventMemberLeft
		case presence.TransitionExpired:
			event = journal.EventMemberExpired
		case presence.TransitionRoleAssigned:
			event = journal.EventRoleAssigned
		case presence.TransitionRoleCleared:
			event = journal.EventRoleCleared
		default:
			continue
		}
		a.appendJournal(journal.Entry{
			At:       tr.At.UnixMilli(),
			Room:     a.code,
			Event:    event,
			MemberID: tr.MemberID,
			Label:    tr.Label,
			Role:     tr.Role,
		})
	}
}

func (a *roomActor) appendJournal(e journal.Entry) {
	if err := a.journal.Append(e); err != nil {
		a.logger.Warn("journal append failed", zap.String("room", a.code), zap.Error(err))
	}
}
