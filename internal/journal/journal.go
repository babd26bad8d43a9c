// Package journal writes the append-only record of everything that
// happened in a room: membership churn, role changes, sync commands and
// how they resolved.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal event names.
const (
	EventRoomCreated   = "room-created"
	EventMemberJoined  = "member-joined"
	EventMemberLeft    = "member-left"
	EventMemberExpired = "member-expired"
	EventRoleAssigned  = "role-assigned"
	EventRoleCleared   = "role-cleared"
	EventSyncIssued    = "sync-issued"
	EventSyncResolved  = "sync-resolved"
	EventRoomClosed    = "room-closed"
)

// Entry is one journal line. Optional fields stay empty for events they
// do not apply to.
type Entry struct {
	At       int64  `json:"at"`
	Room     string `json:"room"`
	Event    string `json:"event"`
	MemberID string `json:"memberId,omitempty"`
	Label    string `json:"label,omitempty"`
	Role     string `json:"role,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Note     string `json:"note,omitempty"`
}

// EntryPath names the journal file for a room session started at the
// given time.
func EntryPath(dir, room string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("room-%s-%s.jsonl", room, at.Format("20060102-150405")))
}

// Writer appends JSON lines to a file. Lines go to a .partial sibling
// until Close renames it into place, so readers never see a live file.
type Writer struct {
	mu   sync.Mutex
	path string
	tmp  string
	f    *os.File
}

func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}

	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating journal: %w", err)
	}

	return &Writer{path: path, tmp: tmp, f: f}, nil
}

// Append writes v as one JSON line. Writes go straight to the file; the
// event rate is low and a crash should lose as little as possible.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return fmt.Errorf("journal %s is closed", w.path)
	}

	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

// Close finalizes the journal under its real name.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}

	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}

	if err := os.Rename(w.tmp, w.path); err != nil {
		return fmt.Errorf("finalizing journal: %w", err)
	}
	return nil
}

// Path returns the final path the journal will live at.
func (w *Writer) Path() string {
	return w.path
}
