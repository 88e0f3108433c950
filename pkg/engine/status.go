package engine

import (
	"encoding/json"
	"fmt"
)

// ChangeAction represents the action required to reconcile a resource.
type ChangeAction string

const (
	// ActionCreate indicates a new resource should be created.
	ActionCreate ChangeAction = "create"

	// ActionUpdate indicates an existing resource should be updated in place.
	ActionUpdate ChangeAction = "update"

	// ActionDelete indicates an existing resource should be deleted.
	ActionDelete ChangeAction = "delete"

	// ActionReplace indicates a resource must be destroyed and recreated
	// because an immutable attribute changed.
	ActionReplace ChangeAction = "replace"

	// ActionNoOp indicates the resource already matches the desired state.
	ActionNoOp ChangeAction = "noop"
)

// IsMutating returns true if the action changes provider-managed state.
func (a ChangeAction) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate ||
		a == ActionDelete || a == ActionReplace
}

// IsDestructive returns true if the action destroys a resource.
func (a ChangeAction) IsDestructive() bool {
	return a == ActionDelete || a == ActionReplace
}

// Validate checks if the change action is valid.
func (a ChangeAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionReplace, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid change action: %s", a)
	}
}

// StepOp is the concrete provider operation performed by a single plan step.
// A Replace change decomposes into a create step and a delete step.
type StepOp string

const (
	// StepCreate creates a new provider resource.
	StepCreate StepOp = "create"

	// StepUpdate updates an existing provider resource in place.
	StepUpdate StepOp = "update"

	// StepDelete deletes an existing provider resource.
	StepDelete StepOp = "delete"
)

// Validate checks if the step operation is valid.
func (o StepOp) Validate() error {
	switch o {
	case StepCreate, StepUpdate, StepDelete:
		return nil
	default:
		return fmt.Errorf("invalid step operation: %s", o)
	}
}

// ReplaceOrder is the per-type policy for decomposing a Replace change.
type ReplaceOrder string

const (
	// CreateBeforeDestroy creates the replacement resource before deleting
	// the old one. This is the default ordering.
	CreateBeforeDestroy ReplaceOrder = "create-before-destroy"

	// DestroyBeforeCreate deletes the old resource before creating the
	// replacement. Required for types with singleton identity constraints.
	DestroyBeforeCreate ReplaceOrder = "destroy-before-create"
)

// Validate checks if the replace ordering is valid.
func (r ReplaceOrder) Validate() error {
	switch r {
	case CreateBeforeDestroy, DestroyBeforeCreate:
		return nil
	default:
		return fmt.Errorf("invalid replace order: %s", r)
	}
}

// Outcome represents the terminal result of applying one node's change.
type Outcome string

const (
	// OutcomeSucceeded indicates the node's action completed successfully.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed indicates the node's action failed after exhausting retries.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped indicates the node's action never ran, because an
	// upstream dependency failed or the run was cancelled.
	OutcomeSkipped Outcome = "skipped"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// EdgeKind represents how a dependency edge was derived.
type EdgeKind string

const (
	// EdgeExplicit is an edge declared directly in configuration (depends_on).
	EdgeExplicit EdgeKind = "explicit"

	// EdgeReference is an edge inferred from an attribute referencing
	// another node's output.
	EdgeReference EdgeKind = "implicit-reference"

	// EdgeOrdering is an edge injected for ordering only, with no data flow.
	EdgeOrdering EdgeKind = "implicit-ordering"
)

// Validate checks if the edge kind is valid.
func (k EdgeKind) Validate() error {
	switch k {
	case EdgeExplicit, EdgeReference, EdgeOrdering:
		return nil
	default:
		return fmt.Errorf("invalid edge kind: %s", k)
	}
}

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusSucceeded indicates every node succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one node failed and none succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates a mix of succeeded and failed/skipped nodes.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (a ChangeAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *ChangeAction) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = ChangeAction(str)
	return a.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}
