// Package statestore persists state snapshots. Both backends share the
// same commit protocol: take the exclusive store lock (failing fast when it
// is held), verify the stored serial still matches the snapshot the run
// planned against, merge only the successful results, and write the
// successor snapshot atomically.
package statestore

import (
	"fmt"
	"time"

	"github.com/convergehq/converge/pkg/engine"
)

// LockKey is the fixed key guarding snapshot commits.
const LockKey = "state"

// LockInfo describes the holder of the store lock.
type LockInfo struct {
	// ID uniquely identifies this lock acquisition.
	ID string `json:"id"`

	// Holder names the acquiring process or run.
	Holder string `json:"holder"`

	// AcquiredAt is when the lock was taken.
	AcquiredAt time.Time `json:"acquired_at"`
}

// lockConflict builds the fail-fast error for a held lock.
func lockConflict(holder LockInfo) *engine.EngineError {
	return engine.NewConflictError(
		fmt.Sprintf("state is locked by %s since %s",
			holder.Holder, holder.AcquiredAt.Format(time.RFC3339)),
		nil,
	).WithCode(engine.ErrCodeLockConflict).
		WithDetail("lock_id", holder.ID).
		WithDetail("holder", holder.Holder)
}

// serialConflict builds the error for a stale prior serial.
func serialConflict(stored, prior uint64) *engine.EngineError {
	return engine.NewConflictError(
		fmt.Sprintf("stored serial %d does not match planned serial %d; replan from current state",
			stored, prior),
		nil,
	).WithCode(engine.ErrCodeConflict).
		WithDetail("stored_serial", stored).
		WithDetail("prior_serial", prior)
}
