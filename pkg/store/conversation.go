// Package store holds the per (agent, user) state the bridge maintains
// between inbound messages: remote conversation cursors, staged media
// awaiting the next text turn, and a short message history.
package store

import "sync"

// DefaultMaxRounds bounds a remote conversation's lifetime when the agent
// does not configure one.
const DefaultMaxRounds = 8

type conversationState struct {
	convID string
	rounds int
}

// ConversationStore tracks the latest remote conversation id and round
// counter per (agent, user). Entries expire by round count, which forces the
// next call to open a fresh remote conversation while keeping the stale id
// around until overwritten.
type ConversationStore struct {
	mu      sync.Mutex
	byAgent map[string]map[string]*conversationState
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{byAgent: make(map[string]map[string]*conversationState)}
}

// Latest returns the conversation id to continue, or ok=false when no usable
// record exists or the round budget is exhausted.
func (s *ConversationStore) Latest(agentID, userID string, maxRounds int) (string, bool) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byAgent[agentID]
	if !ok {
		return "", false
	}
	state, ok := users[userID]
	if !ok || state.convID == "" || state.rounds > maxRounds {
		return "", false
	}
	return state.convID, true
}

// RecordReply upserts the conversation id and increments the round counter.
func (s *ConversationStore) RecordReply(convID, agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byAgent[agentID]
	if !ok {
		users = make(map[string]*conversationState)
		s.byAgent[agentID] = users
	}
	state, ok := users[userID]
	if !ok {
		state = &conversationState{}
		users[userID] = state
	}
	state.convID = convID
	state.rounds++
}

// Clear removes the record, used by the explicit user reset command.
func (s *ConversationStore) Clear(agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.byAgent[agentID]; ok {
		delete(users, userID)
	}
}
