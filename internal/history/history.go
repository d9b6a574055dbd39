// Package history keeps a bounded on-disk log of handled requests.
package history

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberhall/hearth/internal/synth"
)

const (
	historyFile = "command_history.json"
	maxEntries  = 1000
)

// CommandRef is the simplified record of one command: service and
// target only, never the full data payload.
type CommandRef struct {
	Service  string `json:"service"`
	EntityID string `json:"entity_id"`
}

// Entry is one logged request.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	UserText  string            `json:"user_text"`
	DeviceID  string            `json:"device_id"`
	SessionID string            `json:"session_id"`
	Response  string            `json:"response"`
	Success   *bool             `json:"success"`
	Commands  []CommandRef      `json:"commands,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Log appends request entries to a JSON array file capped at 1000
// entries, oldest evicted first. Logging failures are reported to the
// logger only; a broken history file must never fail a request.
type Log struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Log writing under dataDir.
func New(dataDir string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		path:   filepath.Join(dataDir, historyFile),
		logger: logger,
	}
}

// Refs simplifies full commands down to service+entity pairs.
func Refs(commands []synth.Command) []CommandRef {
	if len(commands) == 0 {
		return nil
	}
	refs := make([]CommandRef, len(commands))
	for i, c := range commands {
		refs[i] = CommandRef{Service: c.Service, EntityID: c.EntityID()}
	}
	return refs
}

// Append records an entry, assigning ID and timestamp if unset.
func (l *Log) Append(entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read()
	entries = append(entries, entry)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}

	if err := l.write(entries); err != nil {
		l.logger.Warn("history write failed", "error", err)
	}
}

// Recent returns up to n entries, newest last. n <= 0 returns all.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read()
	if n > 0 && n < len(entries) {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// read loads the current file, treating a missing or corrupt file as
// empty history.
func (l *Log) read() []Entry {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn("history file corrupt, starting fresh", "error", err)
		return nil
	}
	return entries
}

func (l *Log) write(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
