package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convergehq/converge/pkg/engine"
)

// MemoryStore is an in-process state backend for tests and dev runs. It
// honors the same lock and serial semantics as the SQLite backend.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot *engine.StateSnapshot
	lock     *LockInfo
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshot: engine.NewSnapshot("")}
}

// Load returns a copy of the current snapshot.
func (s *MemoryStore) Load(_ context.Context) (*engine.StateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone(), nil
}

// Lock takes the store lock, failing fast when it is already held.
func (s *MemoryStore) Lock(holder string) (*LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil, lockConflict(*s.lock)
	}
	s.lock = &LockInfo{
		ID:         uuid.New().String(),
		Holder:     holder,
		AcquiredAt: time.Now().UTC(),
	}
	return s.lock, nil
}

// Unlock releases the lock if info matches the current holder.
func (s *MemoryStore) Unlock(info *LockInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil && info != nil && s.lock.ID == info.ID {
		s.lock = nil
	}
}

// Commit merges the run's results into the prior snapshot and installs the
// successor, all-or-nothing, under the store lock.
func (s *MemoryStore) Commit(
	_ context.Context,
	prior *engine.StateSnapshot,
	changes *engine.ChangeSet,
	results []engine.ApplyResult,
) (*engine.StateSnapshot, error) {
	lock, err := s.Lock("commit")
	if err != nil {
		return nil, err
	}
	defer s.Unlock(lock)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot.Serial != prior.Serial {
		return nil, serialConflict(s.snapshot.Serial, prior.Serial)
	}

	next := engine.MergeResults(prior, changes, results)
	if next.Lineage == "" {
		next.Lineage = uuid.New().String()
	}
	s.snapshot = next
	return next.Clone(), nil
}
