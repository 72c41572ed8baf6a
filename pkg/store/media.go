package store

import (
	"context"
	"sync"
)

// MediaCapacity bounds the staged media queue per (agent, user); the oldest
// entry is evicted on overflow.
const MediaCapacity = 10

// MediaResult is the outcome of an asynchronous media fetch.
type MediaResult struct {
	ContentType string
	Data        []byte
	Err         error
}

// PendingMedia is a media fetch started at staging time and awaited when the
// next text turn drains the queue.
type PendingMedia struct {
	Kind   string
	result chan MediaResult
}

// NewPendingMedia starts fetch immediately and returns a handle whose result
// can be awaited later.
func NewPendingMedia(kind string, fetch func() (contentType string, data []byte, err error)) PendingMedia {
	result := make(chan MediaResult, 1)
	go func() {
		ct, data, err := fetch()
		result <- MediaResult{ContentType: ct, Data: data, Err: err}
	}()
	return PendingMedia{Kind: kind, result: result}
}

// Await blocks until the fetch resolves or ctx is cancelled.
func (p PendingMedia) Await(ctx context.Context) (MediaResult, error) {
	select {
	case res := <-p.result:
		return res, res.Err
	case <-ctx.Done():
		return MediaResult{}, ctx.Err()
	}
}

// MediaStagingStore queues pending media per (agent, user), FIFO with a
// fixed capacity.
type MediaStagingStore struct {
	mu      sync.Mutex
	byAgent map[string]map[string][]PendingMedia
}

func NewMediaStagingStore() *MediaStagingStore {
	return &MediaStagingStore{byAgent: make(map[string]map[string][]PendingMedia)}
}

// Stage appends media for the user, evicting the oldest entry when the
// queue is full.
func (s *MediaStagingStore) Stage(media PendingMedia, agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byAgent[agentID]
	if !ok {
		users = make(map[string][]PendingMedia)
		s.byAgent[agentID] = users
	}
	queue := users[userID]
	if len(queue) >= MediaCapacity {
		queue = queue[1:]
	}
	users[userID] = append(queue, media)
}

// DrainAll returns and removes everything staged for the user.
func (s *MediaStagingStore) DrainAll(agentID, userID string) []PendingMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byAgent[agentID]
	if !ok {
		return nil
	}
	queue := users[userID]
	delete(users, userID)
	return queue
}

// Clear discards staged media without consuming it.
func (s *MediaStagingStore) Clear(agentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if users, ok := s.byAgent[agentID]; ok {
		delete(users, userID)
	}
}
