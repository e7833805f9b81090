// ABOUTME: Persisted ordered list of chat sessions keyed by thread id.
// ABOUTME: Corrupt or missing backing records recover to an empty list, never an error.

package session

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"
)

// recordName is the single named record holding the full session list.
const recordName = "chat_sessions"

// ChatSession is one conversation's identity and display label. Title is
// fixed at creation; ThreadID is the dedup key.
type ChatSession struct {
	ThreadID  string `json:"threadId"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

// Backend is what the session store needs from persistence.
type Backend interface {
	Get(name string) ([]byte, bool, error)
	Put(name string, value []byte) error
	Delete(name string) error
}

// Store keeps the session list persisted under one record, most recent first.
// Every mutation rewrites the whole list; expected sizes are small.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore creates a session store over the given backend. Pass nil logger
// for the default.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "sessions"),
	}
}

// Load returns the persisted session list sorted descending by timestamp.
// An absent record yields an empty list. A record that fails to parse, or
// that is not a list of entries each carrying a thread id and title, is
// discarded and replaced by an empty list; storage corruption is never
// surfaced as an error.
func (s *Store) Load() []ChatSession {
	data, ok, err := s.backend.Get(recordName)
	if err != nil {
		s.logger.Error("failed to read session record", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	var sessions []ChatSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		s.logger.Warn("discarding corrupt session record", "error", err)
		s.discard()
		return nil
	}

	for _, sess := range sessions {
		if sess.ThreadID == "" || sess.Title == "" {
			s.logger.Warn("discarding structurally invalid session record")
			s.discard()
			return nil
		}
	}

	// Backfill timestamps missing from older records so sorting stays stable
	now := time.Now().UnixMilli()
	for i := range sessions {
		if sessions[i].Timestamp == 0 {
			sessions[i].Timestamp = now
		}
	}

	sortSessions(sessions)
	return sessions
}

// Upsert inserts or replaces a session by thread id and persists the full
// re-sorted list. Observing the same thread id twice leaves one entry.
func (s *Store) Upsert(sess ChatSession) []ChatSession {
	sessions := s.Load()

	kept := sessions[:0]
	for _, existing := range sessions {
		if existing.ThreadID != sess.ThreadID {
			kept = append(kept, existing)
		}
	}
	sessions = append(kept, sess)
	sortSessions(sessions)

	s.persist(sessions)
	return sessions
}

// Remove deletes a single session by thread id and persists the rest.
func (s *Store) Remove(threadID string) []ChatSession {
	sessions := s.Load()

	kept := sessions[:0]
	for _, existing := range sessions {
		if existing.ThreadID != threadID {
			kept = append(kept, existing)
		}
	}

	s.persist(kept)
	return kept
}

// Clear empties the list and removes the backing record.
func (s *Store) Clear() {
	s.discard()
}

func (s *Store) persist(sessions []ChatSession) {
	data, err := json.Marshal(sessions)
	if err != nil {
		s.logger.Error("failed to marshal sessions", "error", err)
		return
	}
	if err := s.backend.Put(recordName, data); err != nil {
		s.logger.Error("failed to persist sessions", "error", err)
	}
}

func (s *Store) discard() {
	if err := s.backend.Delete(recordName); err != nil {
		s.logger.Error("failed to delete session record", "error", err)
	}
}

// sortSessions orders most recent first. Insertion order beyond the
// timestamp is irrelevant.
func sortSessions(sessions []ChatSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Timestamp > sessions[j].Timestamp
	})
}
