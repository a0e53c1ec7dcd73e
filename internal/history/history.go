// Package history keeps the client-side record of screenings made during one
// session. Nothing is written to disk.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/glaucoscan/internal/inference"
)

// Entry is one completed screening.
type Entry struct {
	ID        string
	Source    string
	Result    inference.Result
	Timestamp time.Time
}

// Session is an append-only list of entries. The zero value is not usable;
// call NewSession.
type Session struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{now: time.Now}
}

// Add appends a result taken from source and returns the stored entry.
func (s *Session) Add(source string, result *inference.Result) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Source:    source,
		Timestamp: s.now().UTC(),
	}
	if result != nil {
		entry.Result = *result
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return entry
}

// Entries returns a copy of the history, oldest first.
func (s *Session) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries...)
}

// Latest returns the most recent entry.
func (s *Session) Latest() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Remove deletes the entry with id and reports whether it existed.
func (s *Session) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Reset clears the history.
func (s *Session) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
