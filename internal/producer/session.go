// Package producer runs the producing side of room coordination. A
// session owns the rooms it creates; each room's traffic is serialized
// through one actor goroutine, everything that happens is journaled, and
// sync commands fan out from here.
package producer

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/notify"
	"github.com/latra/ChronOBS/internal/presence"
	"github.com/latra/ChronOBS/internal/protocol"
	"github.com/latra/ChronOBS/internal/room"
	roomsync "github.com/latra/ChronOBS/internal/sync"
	"github.com/latra/ChronOBS/internal/transport"
)

var (
	// ErrNoMainObserver means an align was requested before any member
	// held the main observer role.
	ErrNoMainObserver = errors.New("no main observer assigned")

	// ErrPositionUnknown means the main observer did not answer the
	// position probe, so there is nothing to align the room to.
	ErrPositionUnknown = errors.New("main observer position unknown")
)

// Options carries the tunables of a producing session.
type Options struct {
	HeartbeatInterval time.Duration
	MaxMissed         int
	AckTimeout        time.Duration
	JournalDir        string
	CodeAttempts      int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.MaxMissed <= 0 {
		o.MaxMissed = 3
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.JournalDir == "" {
		o.JournalDir = "journals"
	}
	if o.CodeAttempts <= 0 {
		o.CodeAttempts = 64
	}
	return o
}

// Session is one producer's coordination domain. It does not own the
// transport; the caller that dialed the broker closes it.
type Session struct {
	transport transport.Transport
	registry  *room.Registry
	notifier  notify.Notifier
	opts      Options
	clock     clockwork.Clock
	logger    *zap.Logger

	mu    gosync.Mutex
	rooms map[string]*roomActor
}

func NewSession(t transport.Transport, notifier notify.Notifier, opts Options, clock clockwork.Clock, logger *zap.Logger) *Session {
	opts = opts.withDefaults()
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}
	return &Session{
		transport: t,
		registry:  room.NewRegistry(opts.CodeAttempts, clock),
		notifier:  notifier,
		opts:      opts,
		clock:     clock,
		logger:    logger,
		rooms:     make(map[string]*roomActor),
	}
}

// CreateRoom opens a room under a fresh code and starts its actor.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	rm, err := s.registry.Create()
	if err != nil {
		return "", err
	}

	a, err := s.startActor(rm)
	if err != nil {
		s.registry.Close(rm.Code)
		return "", err
	}

	s.mu.Lock()
	s.rooms[rm.Code] = a
	s.mu.Unlock()

	s.logger.Info("room created", zap.String("room", rm.Code))
	s.notifyAsync(ctx, "room opened", func(ctx context.Context) error {
		return s.notifier.RoomOpened(ctx, rm.Code)
	})
	return rm.Code, nil
}

// CloseRoom winds a room down: members are told to leave, the in-flight
// sync resolves as room closed, the journal is finalized and the code is
// released. Closing an unknown room is a no-op.
func (s *Session) CloseRoom(ctx context.Context, code string) error {
	a, err := s.actor(code)
	if err != nil {
		return nil
	}

	var openFor time.Duration
	if err := a.call(ctx, func() { openFor = a.close() }); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.rooms, a.code)
	s.mu.Unlock()
	s.registry.Close(a.code)

	s.logger.Info("room closed",
		zap.String("room", a.code),
		zap.Duration("open_for", openFor),
	)
	s.notifyAsync(ctx, "room closed", func(ctx context.Context) error {
		return s.notifier.RoomClosed(ctx, a.code, openFor)
	})
	return nil
}

// Rooms lists the codes of the rooms this session is hosting.
func (s *Session) Rooms() []string {
	return s.registry.Codes()
}

// Members snapshots a room's membership in join order, departed members
// included.
func (s *Session) Members(code string) ([]presence.Member, error) {
	a, err := s.actor(code)
	if err != nil {
		return nil, err
	}
	return a.tracker.Members(), nil
}

// Positions snapshots the playback positions members have reported.
func (s *Session) Positions(code string) ([]roomsync.Position, error) {
	a, err := s.actor(code)
	if err != nil {
		return nil, err
	}
	return a.book.Snapshot(), nil
}

// SetDelay records a member's stream delay in milliseconds. Delays ride
// along on sync requests as per-member offsets.
func (s *Session) SetDelay(ctx context.Context, code, memberID string, delayMS int64) error {
	a, err := s.actor(code)
	if err != nil {
		return err
	}
	return a.call(ctx, func() { a.delays[memberID] = delayMS })
}

// Delays snapshots the configured per-member delays.
func (s *Session) Delays(ctx context.Context, code string) (map[string]int64, error) {
	a, err := s.actor(code)
	if err != nil {
		return nil, err
	}
	var out map[string]int64
	if err := a.call(ctx, func() { out = a.offsetSnapshot() }); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignMainObserver hands the main observer role to a connected member
// and broadcasts the change, demotion first.
func (s *Session) AssignMainObserver(ctx context.Context, code, memberID string) error {
	a, err := s.actor(code)
	if err != nil {
		return err
	}
	var opErr error
	if err := a.call(ctx, func() { opErr = a.assignMainObserver(memberID) }); err != nil {
		return err
	}
	return opErr
}

// RemoveMember force-removes a member by publishing a producer-issued
// leave. The leave's echo drives the membership change, so a removal
// takes the same path as a member leaving on its own.
func (s *Session) RemoveMember(ctx context.Context, code, memberID string) error {
	a, err := s.actor(code)
	if err != nil {
		return err
	}
	return a.call(ctx, func() {
		a.publish(protocol.KindLeave, &protocol.Leave{MemberID: memberID})
	})
}

// RequestSync issues a sync command carrying the target playback state
// and suspends until it resolves or ctx is cancelled. Scope is "all" or
// a single member id.
func (s *Session) RequestSync(ctx context.Context, code, scope string, target *protocol.PlaybackTarget) (roomsync.Result, error) {
	return s.runSync(ctx, code, scope, target, nil, false)
}

// RequestProbe issues a position probe: targets report where they are
// instead of seeking.
func (s *Session) RequestProbe(ctx context.Context, code, scope string) (roomsync.Result, error) {
	return s.runSync(ctx, code, scope, nil, nil, true)
}

// AlignToMainObserver probes the main observer for its playback position
// and then syncs the whole room onto it, compensating each member by its
// delay relative to the main observer's.
func (s *Session) AlignToMainObserver(ctx context.Context, code string) (roomsync.Result, error) {
	a, err := s.actor(code)
	if err != nil {
		return roomsync.Result{}, err
	}

	var (
		main presence.Member
		ok   bool
	)
	if err := a.call(ctx, func() { main, ok = a.tracker.MainObserver() }); err != nil {
		return roomsync.Result{}, err
	}
	if !ok {
		return roomsync.Result{}, ErrNoMainObserver
	}

	probe, err := s.RequestProbe(ctx, code, main.ID)
	if err != nil {
		return roomsync.Result{}, err
	}
	rec, answered := probe.Acks[main.ID]
	if !answered || rec.PositionMS == nil {
		return probe, fmt.Errorf("%w: probe resolved %s", ErrPositionUnknown, probe.Outcome)
	}

	var offsets map[string]int64
	if err := a.call(ctx, func() { offsets = a.alignOffsets(main.ID) }); err != nil {
		return roomsync.Result{}, err
	}

	target := &protocol.PlaybackTarget{TimeMS: *rec.PositionMS, Speed: 1, Paused: false}
	return s.runSync(ctx, code, protocol.ScopeAll, target, offsets, false)
}

// Shutdown closes every open room. The CLI calls this on exit.
func (s *Session) Shutdown(ctx context.Context) {
	for _, code := range s.registry.Codes() {
		if err := s.CloseRoom(ctx, code); err != nil {
			s.logger.Warn("room close failed during shutdown",
				zap.String("room", code),
				zap.Error(err),
			)
		}
	}
}

func (s *Session) runSync(ctx context.Context, code, scope string, target *protocol.PlaybackTarget, offsets map[string]int64, probe bool) (roomsync.Result, error) {
	a, err := s.actor(code)
	if err != nil {
		return roomsync.Result{}, err
	}

	var cmd *roomsync.Command
	if err := a.call(ctx, func() { cmd = a.issueSync(scope, target, offsets, probe) }); err != nil {
		return roomsync.Result{}, err
	}

	resultCh := make(chan roomsync.Result, 1)
	go a.awaitSync(cmd, resultCh)

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return roomsync.Result{}, ctx.Err()
	}
}

func (s *Session) actor(code string) (*roomActor, error) {
	normalized := protocol.NormalizeCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.rooms[normalized]
	if !ok {
		return nil, room.ErrRoomNotFound
	}
	return a, nil
}

// notifyAsync fires an operator notification without blocking the caller.
func (s *Session) notifyAsync(ctx context.Context, what string, send func(context.Context) error) {
	go func() {
		if err := send(ctx); err != nil {
			s.logger.Warn("notification failed",
				zap.String("event", what),
				zap.Error(err),
			)
		}
	}()
}
