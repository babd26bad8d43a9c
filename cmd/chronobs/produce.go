package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/latra/ChronOBS/internal/notify"
	"github.com/latra/ChronOBS/internal/producer"
	"github.com/latra/ChronOBS/internal/protocol"
	roomsync "github.com/latra/ChronOBS/internal/sync"
)

func produceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Run a producer session and drive rooms from a prompt",
		Long: `Run the producing side of a broadcast: open rooms, watch observers
join, hand out the main observer role and issue sync commands. Commands
are read from stdin; type "help" at the prompt for the list.

Rooms are closed cleanly on "quit" or Ctrl-C. Every membership change
and sync outcome is journaled under the configured journal directory.

Examples:
  # Produce against the configured broker
  chronobs produce

  # Produce against a specific broker
  CHRONOBS_BROKER_URL=nats://10.0.0.5:4222 chronobs produce`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			broker, err := dialBroker(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			ntfyCfg := notify.LoadConfig()
			if err := ntfyCfg.Validate(); err != nil {
				return err
			}

			session := producer.NewSession(broker, notify.New(ntfyCfg, logger), producer.Options{
				HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatIntervalMS) * time.Millisecond,
				MaxMissed:         cfg.Presence.MaxMissed,
				AckTimeout:        time.Duration(cfg.Sync.AckTimeoutMS) * time.Millisecond,
				JournalDir:        cfg.Journal.Directory,
				CodeAttempts:      cfg.Room.CodeAttempts,
			}, clockwork.NewRealClock(), logger)

			repl := &produceREPL{session: session, out: cmd.OutOrStdout()}
			return repl.run(ctx)
		},
	}

	return cmd
}

// produceREPL reads operator commands from stdin and applies them to the
// producer session, one command at a time.
type produceREPL struct {
	session *producer.Session
	out     io.Writer
}

func (r *produceREPL) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	fmt.Fprintln(r.out, `Producer session ready. Type "help" for commands.`)
	r.prompt()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			r.shutdown()
			return nil
		case err := <-readErr:
			r.shutdown()
			return err
		case line := <-lines:
			if quit := r.dispatch(ctx, line); quit {
				r.shutdown()
				return nil
			}
			r.prompt()
		}
	}
}

func (r *produceREPL) prompt() {
	fmt.Fprint(r.out, "> ")
}

func (r *produceREPL) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.session.Shutdown(ctx)
}

func (r *produceREPL) dispatch(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	var err error
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "help":
		r.help()
	case "create":
		err = r.create(ctx)
	case "rooms":
		r.rooms()
	case "members":
		err = r.members(args)
	case "assign":
		err = r.assign(ctx, args)
	case "delay":
		err = r.delay(ctx, args)
	case "delays":
		err = r.delays(ctx, args)
	case "sync":
		err = r.sync(ctx, args)
	case "probe":
		err = r.probe(ctx, args)
	case "positions":
		err = r.positions(args)
	case "align":
		err = r.align(ctx, args)
	case "remove":
		err = r.remove(ctx, args)
	case "close":
		err = r.close(ctx, args)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(r.out, "unknown command %q, type \"help\"\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
	}
	return false
}

func (r *produceREPL) help() {
	fmt.Fprint(r.out, `Commands:
  create                open a room and print its join code
  rooms                 list open rooms
  members CODE          show a room's roster
  assign CODE MEMBER    hand MEMBER the main observer role
  delay CODE MEMBER MS  record MEMBER's stream delay in milliseconds
  delays CODE           show recorded stream delays
  sync CODE TIME [SPEED] [paused]
                        seek the whole room, TIME is seconds or MM:SS
  probe CODE [MEMBER]   ask for current playback positions
  positions CODE        show last reported positions
  align CODE            sync the room onto the main observer
  remove CODE MEMBER    force a member out of the room
  close CODE            close a room
  quit                  close every room and exit

MEMBER may be a member id, a unique id prefix, or a display label.
`)
}

func (r *produceREPL) create(ctx context.Context) error {
	code, err := r.session.CreateRoom(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "room %s is open, observers can join\n", code)
	return nil
}

func (r *produceREPL) rooms() {
	codes := r.session.Rooms()
	if len(codes) == 0 {
		fmt.Fprintln(r.out, "no open rooms, use create")
		return
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(r.out, "  %s\n", code)
	}
}

func (r *produceREPL) members(args []string) error {
	if len(args) != 1 {
		return usageErr("members CODE")
	}

	members, err := r.session.Members(args[0])
	if err != nil {
		return err
	}
	if len(members) == 0 {
		fmt.Fprintln(r.out, "no members yet")
		return nil
	}

	for _, m := range members {
		marker := " "
		if m.Role == protocol.RoleMainObserver {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %-36s  %-20s  %-12s  last seen %s\n",
			marker, m.ID, m.DisplayLabel, m.State, m.LastSeen.Format("15:04:05"))
	}
	return nil
}

func (r *produceREPL) assign(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageErr("assign CODE MEMBER")
	}

	memberID, err := r.resolveMember(args[0], args[1])
	if err != nil {
		return err
	}
	if err := r.session.AssignMainObserver(ctx, args[0], memberID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s is now the main observer\n", memberID)
	return nil
}

func (r *produceREPL) delay(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return usageErr("delay CODE MEMBER MS")
	}

	memberID, err := r.resolveMember(args[0], args[1])
	if err != nil {
		return err
	}
	delayMS, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || delayMS < 0 {
		return fmt.Errorf("bad delay %q, want non-negative milliseconds", args[2])
	}
	return r.session.SetDelay(ctx, args[0], memberID, delayMS)
}

func (r *produceREPL) delays(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageErr("delays CODE")
	}

	delays, err := r.session.Delays(ctx, args[0])
	if err != nil {
		return err
	}
	if len(delays) == 0 {
		fmt.Fprintln(r.out, "no delays recorded")
		return nil
	}

	ids := make([]string, 0, len(delays))
	for id := range delays {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(r.out, "  %-36s %dms\n", id, delays[id])
	}
	return nil
}

func (r *produceREPL) sync(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 4 {
		return usageErr("sync CODE TIME [SPEED] [paused]")
	}

	timeMS, err := parseGameTime(args[1])
	if err != nil {
		return err
	}
	target := protocol.PlaybackTarget{TimeMS: timeMS, Speed: 1.0}

	rest := args[2:]
	if len(rest) > 0 && rest[len(rest)-1] == "paused" {
		target.Paused = true
		rest = rest[:len(rest)-1]
	}
	if len(rest) > 0 {
		speed, err := strconv.ParseFloat(rest[0], 64)
		if err != nil || speed <= 0 {
			return fmt.Errorf("bad speed %q", rest[0])
		}
		target.Speed = speed
	}

	result, err := r.session.RequestSync(ctx, args[0], protocol.ScopeAll, &target)
	if err != nil {
		return err
	}
	r.printResult(result)
	return nil
}

func (r *produceREPL) probe(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageErr("probe CODE [MEMBER]")
	}

	scope := protocol.ScopeAll
	if len(args) == 2 {
		memberID, err := r.resolveMember(args[0], args[1])
		if err != nil {
			return err
		}
		scope = memberID
	}

	result, err := r.session.RequestProbe(ctx, args[0], scope)
	if err != nil {
		return err
	}
	r.printResult(result)
	return nil
}

func (r *produceREPL) positions(args []string) error {
	if len(args) != 1 {
		return usageErr("positions CODE")
	}

	positions, err := r.session.Positions(args[0])
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Fprintln(r.out, "no positions reported yet, try probe")
		return nil
	}

	for _, p := range positions {
		fmt.Fprintf(r.out, "  %-36s %s  reported %s\n",
			p.MemberID, formatGameClock(p.PositionMS), p.ReportedAt.Format("15:04:05"))
	}
	return nil
}

func (r *produceREPL) align(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageErr("align CODE")
	}

	result, err := r.session.AlignToMainObserver(ctx, args[0])
	if err != nil {
		return err
	}
	r.printResult(result)
	return nil
}

func (r *produceREPL) remove(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return usageErr("remove CODE MEMBER")
	}

	memberID, err := r.resolveMember(args[0], args[1])
	if err != nil {
		return err
	}
	return r.session.RemoveMember(ctx, args[0], memberID)
}

func (r *produceREPL) close(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usageErr("close CODE")
	}
	if err := r.session.CloseRoom(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "room %s closed\n", strings.ToUpper(args[0]))
	return nil
}

func (r *produceREPL) printResult(result roomsync.Result) {
	fmt.Fprintf(r.out, "sync #%d %s", result.Sequence, result.Outcome)
	if result.Annotation != "" {
		fmt.Fprintf(r.out, " (%s)", result.Annotation)
	}
	fmt.Fprintln(r.out)

	ids := make([]string, 0, len(result.Acks))
	for id := range result.Acks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ack := result.Acks[id]
		fmt.Fprintf(r.out, "  %-36s %s", id, ack.Outcome)
		if ack.Reason != "" {
			fmt.Fprintf(r.out, " (%s)", ack.Reason)
		}
		if ack.PositionMS != nil {
			fmt.Fprintf(r.out, " at %s", formatGameClock(*ack.PositionMS))
		}
		fmt.Fprintln(r.out)
	}
}

// resolveMember turns an operator-typed member reference into a member
// id: an exact id, a unique id prefix, or a display label.
func (r *produceREPL) resolveMember(code, arg string) (string, error) {
	members, err := r.session.Members(code)
	if err != nil {
		return "", err
	}

	var matches []string
	for _, m := range members {
		if m.ID == arg {
			return m.ID, nil
		}
		if strings.HasPrefix(m.ID, arg) || strings.EqualFold(m.DisplayLabel, arg) {
			matches = append(matches, m.ID)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no member matches %q", arg)
	default:
		return "", fmt.Errorf("%q matches %d members, be more specific", arg, len(matches))
	}
}

func usageErr(usage string) error {
	return fmt.Errorf("usage: %s", usage)
}

// parseGameTime reads an operator-typed game clock value: plain seconds
// ("1425.5") or minutes and seconds ("23:45.5"). Returns milliseconds.
func parseGameTime(s string) (int64, error) {
	var minutes int64
	if i := strings.IndexByte(s, ':'); i >= 0 {
		m, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil || m < 0 {
			return 0, fmt.Errorf("bad game time %q", s)
		}
		minutes = m
		s = s[i+1:]
	}

	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("bad game time %q", s)
	}
	return minutes*60_000 + int64(math.Round(seconds*1000)), nil
}

func formatGameClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%d:%06.3f", ms/60_000, float64(ms%60_000)/1000)
}
