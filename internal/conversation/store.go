// ABOUTME: In-memory per-channel conversation history for the relay.
// ABOUTME: Append-only storage with a bounded read window for model input.

package conversation

import (
	"sync"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation entry. Messages are immutable once appended.
type Message struct {
	Role    Role
	Content string
}

// Store holds the history for every conversation key seen so far.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	channels map[string][]Message
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{
		channels: make(map[string][]Message),
	}
}

// Append adds a message to the history for key, creating the history if this
// is the first message for the key. It never fails and imposes no storage cap.
func (s *Store) Append(key string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[key] = append(s.channels[key], msg)
}

// RecentWindow returns the last n messages for key in chronological order,
// or fewer if the history is shorter. Unknown keys yield an empty slice.
// The returned slice is a copy; appends after the call do not affect it.
func (s *Store) RecentWindow(key string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.channels[key]
	if n > len(history) {
		n = len(history)
	}
	if n <= 0 {
		return nil
	}

	window := make([]Message, n)
	copy(window, history[len(history)-n:])
	return window
}

// Len reports the number of stored messages for key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.channels[key])
}
