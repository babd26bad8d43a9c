// Package sync runs the producer side of the sync command exchange: one
// numbered command in flight per room, acks collected against a deadline.
package sync

import (
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/latra/ChronOBS/internal/protocol"
)

var (
	// ErrStaleSequence means an ack arrived for a command that is no
	// longer in flight. Callers log it and move on.
	ErrStaleSequence = errors.New("ack for a stale sequence")

	// ErrNotTargeted means a member acked a command that was never
	// addressed to it.
	ErrNotTargeted = errors.New("ack from an untargeted member")
)

// Command is one in-flight sync exchange. Its fields are owned by the
// coordinator; callers read Sequence and wait on Done.
type Command struct {
	Sequence uint64
	Scope    string

	targets map[string]bool
	acks    map[string]AckRecord
	done    chan Result
}

// Done yields the command's result exactly once. The channel is buffered,
// so a caller that does not care may simply drop the command.
func (c *Command) Done() <-chan Result {
	return c.done
}

// Coordinator serializes sync commands for a single room. Starting a new
// command while one is outstanding supersedes the old one; its missing
// acks are recorded as timed out.
type Coordinator struct {
	mu gosync.Mutex

	room    string
	timeout time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
	book    *PositionBook

	sequence uint64
	current  *Command
	timer    clockwork.Timer
}

func NewCoordinator(room string, timeout time.Duration, book *PositionBook, clock clockwork.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		room:    room,
		timeout: timeout,
		clock:   clock,
		logger:  logger,
		book:    book,
	}
}

// Begin allocates the next sequence number and starts collecting acks
// from targets. The caller publishes the matching sync request. A command
// with no targets resolves completed on the spot.
func (c *Coordinator) Begin(scope string, targets []string) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.resolveLocked(c.current, AnnotationSuperseded)
	}

	c.sequence++
	cmd := &Command{
		Sequence: c.sequence,
		Scope:    scope,
		targets:  make(map[string]bool, len(targets)),
		acks:     make(map[string]AckRecord, len(targets)),
		done:     make(chan Result, 1),
	}
	for _, id := range targets {
		cmd.targets[id] = true
	}

	if len(cmd.targets) == 0 {
		cmd.done <- Result{Sequence: cmd.Sequence, Outcome: OutcomeCompleted, Acks: cmd.acks}
		return cmd
	}

	c.current = cmd
	seq := cmd.Sequence
	c.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(seq) })

	c.logger.Debug("sync issued",
		zap.String("room", c.room),
		zap.Uint64("sequence", seq),
		zap.String("scope", scope),
		zap.Int("targets", len(cmd.targets)),
	)
	return cmd
}

// Ack records one member's answer to the in-flight command. The first ack
// per member wins; repeats are harmless.
func (c *Coordinator) Ack(ack *protocol.SyncAck) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.current
	if cmd == nil || ack.Sequence != cmd.Sequence {
		return fmt.Errorf("%w: got %d, current %d", ErrStaleSequence, ack.Sequence, c.sequence)
	}
	if !cmd.targets[ack.MemberID] {
		return fmt.Errorf("%w: %s", ErrNotTargeted, ack.MemberID)
	}
	if _, dup := cmd.acks[ack.MemberID]; dup {
		return nil
	}

	rec := AckRecord{
		Outcome:    ack.Outcome,
		Reason:     ack.Reason,
		PositionMS: ack.PositionMS,
		At:         c.clock.Now(),
	}
	cmd.acks[ack.MemberID] = rec

	if c.book != nil && ack.PositionMS != nil {
		c.book.Update(ack.MemberID, *ack.PositionMS, rec.At)
	}

	if len(cmd.acks) == len(cmd.targets) {
		c.resolveLocked(cmd, "")
	}
	return nil
}

// CancelRoomClosed resolves the in-flight command, if any, because its
// room is going away.
func (c *Coordinator) CancelRoomClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.resolveLocked(c.current, AnnotationRoomClosed)
	}
}

// Sequence reports the most recently issued sequence number.
func (c *Coordinator) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// InFlight reports whether a command is still collecting acks.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Coordinator) expire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.Sequence != seq {
		return
	}
	c.resolveLocked(c.current, "")
}

func (c *Coordinator) resolveLocked(cmd *Command, annotation string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.current = nil

	missing := 0
	for id := range cmd.targets {
		if _, ok := cmd.acks[id]; !ok {
			cmd.acks[id] = AckRecord{Outcome: protocol.OutcomeTimedOut}
			missing++
		}
	}

	failed := 0
	for _, rec := range cmd.acks {
		if rec.Outcome == protocol.OutcomeFailed {
			failed++
		}
	}

	outcome := OutcomeCompleted
	switch {
	case missing > 0:
		outcome = OutcomeTimedOut
	case failed > 0:
		outcome = OutcomePartiallyFailed
	}

	cmd.done <- Result{
		Sequence:   cmd.Sequence,
		Outcome:    outcome,
		Annotation: annotation,
		Acks:       cmd.acks,
	}

	c.logger.Info("sync resolved",
		zap.String("room", c.room),
		zap.Uint64("sequence", cmd.Sequence),
		zap.String("outcome", outcome),
		zap.String("annotation", annotation),
		zap.Int("missing", missing),
		zap.Int("failed", failed),
	)
}
