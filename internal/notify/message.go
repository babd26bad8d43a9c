package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/latra/ChronOBS/internal/protocol"
	roomsync "github.com/latra/ChronOBS/internal/sync"
)

// FormatMainObserverLostMessage creates the body for a lost-role alert.
func FormatMainObserverLostMessage(memberID, label, cause string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Member: %s (%s)\n", label, memberID))
	sb.WriteString(fmt.Sprintf("Cause: %s\n", cause))
	sb.WriteString("The role stays vacant until reassigned.")

	return sb.String()
}

// FormatSyncMessage creates the body for a degraded sync alert.
func FormatSyncMessage(result *roomsync.Result) string {
	var sb strings.Builder

	applied, failed, timedOut := 0, 0, 0
	var stragglers []string
	for id, rec := range result.Acks {
		switch rec.Outcome {
		case protocol.OutcomeApplied:
			applied++
		case protocol.OutcomeFailed:
			failed++
			stragglers = append(stragglers, fmt.Sprintf("%s: %s", id, rec.Reason))
		case protocol.OutcomeTimedOut:
			timedOut++
			stragglers = append(stragglers, fmt.Sprintf("%s: no ack", id))
		}
	}
	sort.Strings(stragglers)

	sb.WriteString(fmt.Sprintf("Sequence: %d\n", result.Sequence))
	sb.WriteString(fmt.Sprintf("Applied: %d\n", applied))
	sb.WriteString(fmt.Sprintf("Failed: %d\n", failed))
	sb.WriteString(fmt.Sprintf("Timed Out: %d", timedOut))

	if result.Annotation != "" {
		sb.WriteString(fmt.Sprintf("\nAnnotation: %s", result.Annotation))
	}

	// Include first 3 stragglers if available
	if len(stragglers) > 0 {
		sb.WriteString("\n\nMembers:\n")
		limit := 3
		if len(stragglers) < limit {
			limit = len(stragglers)
		}
		for i := 0; i < limit; i++ {
			sb.WriteString(fmt.Sprintf("- %s\n", stragglers[i]))
		}
		if len(stragglers) > 3 {
			sb.WriteString(fmt.Sprintf("... and %d more members", len(stragglers)-3))
		}
	}

	return sb.String()
}
