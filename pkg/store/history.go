package store

import "sync"

// HistoryCapacity bounds the retained message history per (agent, user).
const HistoryCapacity = 50

// HistoryEntry is one prior turn kept for prompt flattening when no remote
// conversation id is carried.
type HistoryEntry struct {
	Role    string
	Content string
}

// HistoryStore keeps a short rolling message history per (agent, user).
type HistoryStore struct {
	mu      sync.Mutex
	byAgent map[string]map[string][]HistoryEntry
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{byAgent: make(map[string]map[string][]HistoryEntry)}
}

func (s *HistoryStore) Append(entry HistoryEntry, agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byAgent[agentID]
	if !ok {
		users = make(map[string][]HistoryEntry)
		s.byAgent[agentID] = users
	}
	history := append(users[userID], entry)
	if len(history) > HistoryCapacity {
		history = history[len(history)-HistoryCapacity:]
	}
	users[userID] = history
}

// Recent returns up to n of the latest entries, oldest first.
func (s *HistoryStore) Recent(agentID, userID string, n int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byAgent[agentID]
	if !ok {
		return nil
	}
	history := users[userID]
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	out := make([]HistoryEntry, n)
	copy(out, history[len(history)-n:])
	return out
}

func (s *HistoryStore) Clear(agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.byAgent[agentID]; ok {
		delete(users, userID)
	}
}
