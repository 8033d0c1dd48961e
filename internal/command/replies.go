package command

import (
	"sync"

	"github.com/codernetes/hub/internal/models"
)

// ReplyStore maps job IDs to the chat address their outcome must reach.
// Targets are one-shot: the first Consume removes the entry, so a job's
// first terminal status wins and late duplicates find nothing.
type ReplyStore struct {
	mu      sync.Mutex
	targets map[string]models.ReplyTarget
}

// NewReplyStore creates an empty ReplyStore.
func NewReplyStore() *ReplyStore {
	return &ReplyStore{targets: make(map[string]models.ReplyTarget)}
}

// Record stores the reply target for a job, replacing any previous one.
func (s *ReplyStore) Record(jobID string, target models.ReplyTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[jobID] = target
}

// Consume removes and returns the target for a job.
func (s *ReplyStore) Consume(jobID string) (models.ReplyTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.targets[jobID]
	if ok {
		delete(s.targets, jobID)
	}
	return target, ok
}

// Peek returns the target without consuming it, for progress updates.
func (s *ReplyStore) Peek(jobID string) (models.ReplyTarget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.targets[jobID]
	return target, ok
}

// Pending returns the job IDs that still have a reply target recorded.
func (s *ReplyStore) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of stored targets.
func (s *ReplyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}
