// Package engine implements the reconciliation core: building a resource
// dependency graph from declared specs, diffing it against the last-applied
// snapshot, scheduling the change set into parallel batches, and executing
// the batches against a provider client with classified-error retry.
//
// Everything up to execution is pure and side-effect free; the Executor is
// the only component that mutates external state, and the StateBackend is
// the only component that persists it.
package engine
