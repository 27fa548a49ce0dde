package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryKind tags a short-term entry as a check-in or a dialogue turn.
type EntryKind string

const (
	KindCheckin  EntryKind = "checkin"
	KindDialogue EntryKind = "dialogue"
)

// Entry is one item in the short-term buffer.
type Entry struct {
	Kind      EntryKind      `json:"kind"`
	Role      string         `json:"role,omitempty"` // dialogue only
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// userBuffer holds the two bounded sequences for one user.
type userBuffer struct {
	Checkins     []Entry `json:"checkins"`
	Dialogue     []Entry `json:"dialogue"`
	Unsummarized int     `json:"unsummarized"` // dialogue turns since last summary
}

// Buffer is the per-user short-term memory: at most checkinCap check-ins and
// dialogueCap dialogue turns per user. Overflow drops the oldest entry of the
// same kind; the other kind is untouched.
type Buffer struct {
	mu          sync.RWMutex
	users       map[string]*userBuffer
	path        string
	checkinCap  int
	dialogueCap int
}

// NewBuffer creates a short-term buffer. Zero caps take the documented
// defaults (30 check-ins, 200 dialogue turns).
func NewBuffer(statePath string, checkinCap, dialogueCap int) *Buffer {
	if checkinCap <= 0 {
		checkinCap = 30
	}
	if dialogueCap <= 0 {
		dialogueCap = 200
	}
	return &Buffer{
		users:       make(map[string]*userBuffer),
		path:        statePath,
		checkinCap:  checkinCap,
		dialogueCap: dialogueCap,
	}
}

// Add appends an entry to the user's buffer of the matching kind, evicting
// the oldest of that kind when the cap is exceeded.
func (b *Buffer) Add(userID string, entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.users[userID]
	if !ok {
		buf = &userBuffer{}
		b.users[userID] = buf
	}

	switch entry.Kind {
	case KindCheckin:
		buf.Checkins = append(buf.Checkins, entry)
		if len(buf.Checkins) > b.checkinCap {
			buf.Checkins = buf.Checkins[len(buf.Checkins)-b.checkinCap:]
		}
	case KindDialogue:
		buf.Dialogue = append(buf.Dialogue, entry)
		buf.Unsummarized++
		if len(buf.Dialogue) > b.dialogueCap {
			buf.Dialogue = buf.Dialogue[len(buf.Dialogue)-b.dialogueCap:]
		}
	}
}

// Counts returns the current entry counts for a user.
func (b *Buffer) Counts(userID string) (checkins, dialogue int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := b.users[userID]
	if buf == nil {
		return 0, 0
	}
	return len(buf.Checkins), len(buf.Dialogue)
}

// UnsummarizedCount returns how many dialogue turns accumulated since the
// last summary for the user.
func (b *Buffer) UnsummarizedCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := b.users[userID]
	if buf == nil {
		return 0
	}
	return buf.Unsummarized
}

// TakeUnsummarized returns the oldest unsummarized dialogue span (up to n
// turns) and resets the counter. The entries stay in the buffer; only the
// summarization bookkeeping moves.
func (b *Buffer) TakeUnsummarized(userID string, n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.users[userID]
	if buf == nil || buf.Unsummarized == 0 {
		return nil
	}
	span := buf.Unsummarized
	if span > n {
		span = n
	}
	if span > len(buf.Dialogue) {
		span = len(buf.Dialogue)
	}
	// Oldest unsummarized turns sit at the tail minus the unsummarized count.
	start := len(buf.Dialogue) - buf.Unsummarized
	if start < 0 {
		start = 0
	}
	out := make([]Entry, span)
	copy(out, buf.Dialogue[start:start+span])
	buf.Unsummarized -= span
	return out
}

// CombinedContext returns the merged, time-ordered (newest last) sequence of
// the user's most recent entries, respecting per-kind limits.
func (b *Buffer) CombinedContext(userID string, checkinLimit, dialogueLimit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	buf := b.users[userID]
	if buf == nil {
		return nil
	}

	var out []Entry
	out = append(out, tail(buf.Checkins, checkinLimit)...)
	out = append(out, tail(buf.Dialogue, dialogueLimit)...)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Clear removes all state for a user.
func (b *Buffer) Clear(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.users, userID)
}

// Load restores buffer state from disk.
func (b *Buffer) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	filePath := filepath.Join(b.path, "shortterm.json")
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No saved state
		}
		return fmt.Errorf("failed to read buffer state: %w", err)
	}

	var users map[string]*userBuffer
	if err := json.Unmarshal(data, &users); err != nil {
		return fmt.Errorf("failed to unmarshal buffer state: %w", err)
	}
	b.users = users
	return nil
}

// Save persists buffer state to disk.
func (b *Buffer) Save() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := json.MarshalIndent(b.users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal buffer state: %w", err)
	}

	filePath := filepath.Join(b.path, "shortterm.json")
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write buffer state: %w", err)
	}
	return nil
}

func tail(entries []Entry, limit int) []Entry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}
