package observer

import (
	"context"

	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/protocol"
)

// reasonMissingTarget is acked when a non-probe request carries no
// playback target.
const reasonMissingTarget = "missing-target"

func (s *Session) run() {
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.done:
			return
		}
	}
}

// post hands work to the session goroutine, dropping it once finished.
func (s *Session) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.done:
	}
}

// inbound is the transport handler. It decodes on the delivery goroutine
// and hands the typed message to the session goroutine.
func (s *Session) inbound(topic string, payload []byte) {
	_, kind, err := protocol.ParseTopic(topic)
	if err != nil {
		s.logger.Debug("message dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	// Acks are producer input. Skipping them here also skips the echo of
	// this session's own.
	if kind == protocol.KindSyncAck {
		return
	}

	msg, err := protocol.Decode(kind, payload)
	if err != nil {
		s.logger.Debug("message dropped", zap.String("topic", topic), zap.Error(err))
		return
	}

	s.post(func() { s.handle(msg) })
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case *protocol.Join:
		s.mirror.Add(m.MemberID, m.DisplayLabel)
	case *protocol.Leave:
		s.handleLeave(m)
	case *protocol.Heartbeat:
		s.mirror.Heartbeat(m.MemberID, m.Timestamp)
	case *protocol.SyncRequest:
		s.handleSyncRequest(m)
	case *protocol.Role:
		s.handleRole(m)
	}
}

func (s *Session) handleLeave(m *protocol.Leave) {
	if m.MemberID == s.opts.MemberID {
		// A removal, the room closing, or the echo of this session's own
		// leave. All of them finish the session the same way.
		s.logger.Info("told to leave", zap.String("room", s.code))
		s.teardown()
		return
	}
	s.mirror.Leave(m.MemberID)
}

func (s *Session) handleRole(m *protocol.Role) {
	if !s.mirror.ApplyRole(m.MemberID, m.Role) {
		s.logger.Debug("role for unknown member",
			zap.String("member", m.MemberID),
			zap.String("role", m.Role),
		)
	}
	if m.MemberID != s.opts.MemberID {
		return
	}

	if m.Role == protocol.RoleMainObserver {
		s.logger.Info("assigned main observer", zap.String("room", s.code))
	}

	// The first role message naming this member doubles as the join
	// confirmation.
	s.confirmOnce.Do(func() { close(s.confirmed) })
}

// handleSyncRequest answers a request addressed to this member with
// exactly one ack. Requests for other members get no ack at all.
func (s *Session) handleSyncRequest(m *protocol.SyncRequest) {
	if !m.Targets(s.opts.MemberID) {
		return
	}

	ack := &protocol.SyncAck{Sequence: m.Sequence, MemberID: s.opts.MemberID}
	switch {
	case m.Probe:
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ApplyTimeout)
		pos, err := s.bridge.Position(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("position probe failed",
				zap.String("room", s.code),
				zap.Uint64("sequence", m.Sequence),
				zap.Error(err),
			)
			ack.Outcome = protocol.OutcomeFailed
			ack.Reason = protocol.ReasonLocalApply
		} else {
			ack.Outcome = protocol.OutcomeApplied
			ack.PositionMS = &pos
		}

	case m.Target == nil:
		ack.Outcome = protocol.OutcomeFailed
		ack.Reason = reasonMissingTarget

	default:
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ApplyTimeout)
		err := s.bridge.Apply(ctx, m.Target, m.Offsets[s.opts.MemberID])
		cancel()
		if err != nil {
			s.logger.Warn("sync apply failed",
				zap.String("room", s.code),
				zap.Uint64("sequence", m.Sequence),
				zap.Error(err),
			)
			ack.Outcome = protocol.OutcomeFailed
			ack.Reason = protocol.ReasonLocalApply
		} else {
			s.logger.Info("sync applied",
				zap.String("room", s.code),
				zap.Uint64("sequence", m.Sequence),
				zap.Int64("timeMs", m.Target.TimeMS),
				zap.Int64("offsetMs", m.Offsets[s.opts.MemberID]),
			)
			ack.Outcome = protocol.OutcomeApplied
		}
	}

	s.publish(protocol.KindSyncAck, ack)
}
