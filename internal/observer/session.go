// Package observer runs the observing side of room coordination. A
// session joins a room on behalf of one broadcast machine, mirrors the
// room state the producer publishes, keeps its own liveness up, and
// applies sync commands to the local game client through a Bridge.
package observer

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/presence"
	"github.com/latra/ChronOBS/internal/protocol"
	"github.com/latra/ChronOBS/internal/transport"
)

// ErrRoomNotFound means the room never answered the join: wrong code,
// producer down, or broker partition.
var ErrRoomNotFound = errors.New("room not found")

const mailboxSize = 64

// Bridge is the local game client a session drives. replay.Bridge
// implements it against the League replay API.
type Bridge interface {
	Apply(ctx context.Context, target *protocol.PlaybackTarget, offsetMS int64) error
	Position(ctx context.Context) (int64, error)
}

// Options configure an observer session.
type Options struct {
	// MemberID identifies this machine across reconnects. Empty gets a
	// random identity.
	MemberID string

	// DisplayLabel is the name the producer's member list shows.
	DisplayLabel string

	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration

	// ApplyTimeout bounds a single bridge call. The producer gives up on
	// an ack after its own deadline; a hung replay client should not pin
	// this session past that.
	ApplyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MemberID == "" {
		o.MemberID = uuid.New().String()
	}
	if o.DisplayLabel == "" {
		o.DisplayLabel = o.MemberID
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 5 * time.Second
	}
	return o
}

// Session is one observer's connection to one room. Messages are
// handled one at a time on the session goroutine; heartbeats run on
// their own so a slow bridge call never stalls liveness.
type Session struct {
	transport transport.Transport
	bridge    Bridge
	code      string
	opts      Options
	clock     clockwork.Clock
	logger    *zap.Logger

	// mirror follows the producer's announcements. It never expires
	// members on its own; expiry arrives as leave messages.
	mirror *presence.Tracker

	mailbox chan func()
	done    chan struct{}

	confirmed   chan struct{}
	confirmOnce gosync.Once

	sub      transport.Subscription
	downOnce gosync.Once
}

func NewSession(t transport.Transport, bridge Bridge, code string, opts Options, clock clockwork.Clock, logger *zap.Logger) (*Session, error) {
	normalized := protocol.NormalizeCode(code)
	if !protocol.ValidCode(normalized) {
		return nil, fmt.Errorf("invalid room code %q", code)
	}

	o := opts.withDefaults()
	return &Session{
		transport: t,
		bridge:    bridge,
		code:      normalized,
		opts:      o,
		clock:     clock,
		logger:    logger,
		mirror:    presence.NewTracker(o.HeartbeatInterval, 3, clock),
		mailbox:   make(chan func(), mailboxSize),
		done:      make(chan struct{}),
		confirmed: make(chan struct{}),
	}, nil
}

// Join subscribes to the room and announces this member, then waits
// for the producer's confirmation. The session is live once Join
// returns nil; call Leave or wait on Done to finish it. Join may be
// called once.
func (s *Session) Join(ctx context.Context) error {
	sub, err := s.transport.Subscribe(protocol.RoomPattern(s.code), s.inbound)
	if err != nil {
		return fmt.Errorf("subscribing to room: %w", err)
	}
	s.sub = sub

	go s.run()
	go s.heartbeatLoop()

	join := &protocol.Join{MemberID: s.opts.MemberID, DisplayLabel: s.opts.DisplayLabel}
	if err := s.publish(protocol.KindJoin, join); err != nil {
		s.teardown()
		return err
	}

	timer := s.clock.NewTimer(s.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case <-s.confirmed:
		s.logger.Info("joined room",
			zap.String("room", s.code),
			zap.String("member", s.opts.MemberID),
			zap.String("label", s.opts.DisplayLabel),
		)
		return nil
	case <-timer.Chan():
		s.teardown()
		return fmt.Errorf("%w: room %s silent for %s", ErrRoomNotFound, s.code, s.opts.JoinTimeout)
	case <-s.done:
		return fmt.Errorf("%w: session finished early", ErrRoomNotFound)
	case <-ctx.Done():
		s.teardown()
		return ctx.Err()
	}
}

// Leave announces the exit and finishes the session. Calling it after a
// producer-side removal already landed is a no-op.
func (s *Session) Leave() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	err := s.publish(protocol.KindLeave, &protocol.Leave{MemberID: s.opts.MemberID})
	s.teardown()
	return err
}

// Done is closed once the session is finished, whether by Leave, a
// producer-side removal, or the room closing.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// MemberID returns the identity this session joined with.
func (s *Session) MemberID() string {
	return s.opts.MemberID
}

// Members returns the mirrored roster in join order.
func (s *Session) Members() []presence.Member {
	return s.mirror.Members()
}

// MainObserver returns the mirrored role holder, if any.
func (s *Session) MainObserver() (presence.Member, bool) {
	return s.mirror.MainObserver()
}

// Role returns this member's own mirrored role.
func (s *Session) Role() string {
	if m, ok := s.mirror.Member(s.opts.MemberID); ok {
		return m.Role
	}
	return protocol.RoleObserver
}

func (s *Session) heartbeatLoop() {
	ticker := s.clock.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			beat := &protocol.Heartbeat{
				MemberID:  s.opts.MemberID,
				Timestamp: s.clock.Now().UnixMilli(),
			}
			s.publish(protocol.KindHeartbeat, beat)
		case <-s.done:
			return
		}
	}
}

func (s *Session) publish(kind protocol.Kind, msg any) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encoding message", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	if err := s.transport.Publish(protocol.TopicFor(s.code, kind), payload); err != nil {
		s.logger.Warn("publishing message", zap.String("kind", string(kind)), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) teardown() {
	s.downOnce.Do(func() {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribe failed", zap.String("room", s.code), zap.Error(err))
		}
		close(s.done)
		s.logger.Info("session finished",
			zap.String("room", s.code),
			zap.String("member", s.opts.MemberID),
		)
	})
}
