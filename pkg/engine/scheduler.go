package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Scheduler turns a change set into an execution plan of ordered parallel
// batches. All steps within a batch are mutually independent; batch size is
// unbounded (the executor bounds concurrency at run time).
type Scheduler struct{}

// NewScheduler creates a plan scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Schedule builds the execution plan for a change set.
//
// Create and update steps follow the desired graph's edges. Delete steps
// follow the prior-state dependency records in reverse: a node's delete runs
// after its dependents have been deleted or moved off it. A Replace change
// decomposes into a create step and a delete step ordered by the type's
// replace policy.
func (s *Scheduler) Schedule(cs *ChangeSet, graph *Graph) (*ExecutionPlan, error) {
	steps := make(map[string]*Step)

	// priorDependents maps an address to the addresses whose prior records
	// depended on it. Needed to order deletes of nodes that no longer
	// appear in the desired graph.
	priorDependents := make(map[Address][]Address)
	for _, c := range cs.Changes {
		if c.PriorRecord == nil {
			continue
		}
		for _, dep := range c.PriorRecord.Dependencies {
			priorDependents[dep] = append(priorDependents[dep], c.Address)
		}
	}

	for _, c := range cs.Changes {
		switch c.Action {
		case ActionCreate:
			addStep(steps, &Step{
				ID:      stepID(c.Address, StepCreate),
				Address: c.Address,
				Op:      StepCreate,
			})
		case ActionUpdate:
			addStep(steps, &Step{
				ID:      stepID(c.Address, StepUpdate),
				Address: c.Address,
				Op:      StepUpdate,
			})
		case ActionDelete:
			addStep(steps, &Step{
				ID:      stepID(c.Address, StepDelete),
				Address: c.Address,
				Op:      StepDelete,
			})
		case ActionReplace:
			create := &Step{
				ID:            stepID(c.Address, StepCreate),
				Address:       c.Address,
				Op:            StepCreate,
				PartOfReplace: true,
			}
			del := &Step{
				ID:            stepID(c.Address, StepDelete),
				Address:       c.Address,
				Op:            StepDelete,
				PartOfReplace: true,
			}
			if c.ReplaceOrder == DestroyBeforeCreate {
				create.DependsOn = append(create.DependsOn, del.ID)
			} else {
				del.DependsOn = append(del.DependsOn, create.ID)
			}
			addStep(steps, create)
			addStep(steps, del)
		}
	}

	// Order create/update steps along the desired graph's edges. A step
	// waits on the step that makes its upstream's new value available.
	for _, c := range cs.Changes {
		forward := forwardStep(steps, cs, c)
		if forward == nil {
			continue
		}
		for _, dep := range graph.Dependencies(c.Address) {
			upstream := forwardStep(steps, cs, cs.Get(dep))
			if upstream != nil {
				forward.DependsOn = append(forward.DependsOn, upstream.ID)
			}
		}
	}

	// Order delete steps against prior dependents: the old resource goes
	// away only after everything that pointed at it has been deleted or
	// moved. Destroy-before-create replaces skip this, the old resource
	// must vacate its identity before anything else happens.
	for _, c := range cs.Changes {
		del := steps[stepID(c.Address, StepDelete)]
		if del == nil || del.Address != c.Address {
			continue
		}
		if c.Action == ActionReplace && c.ReplaceOrder == DestroyBeforeCreate {
			continue
		}
		for _, dependent := range priorDependents[c.Address] {
			if dependent == c.Address {
				continue
			}
			if departing := departingStep(steps, dependent); departing != nil {
				del.DependsOn = append(del.DependsOn, departing.ID)
			}
		}
	}

	for _, step := range steps {
		step.DependsOn = dedupeIDs(step.DependsOn)
	}

	batches, err := batchSteps(steps)
	if err != nil {
		return nil, err
	}

	return &ExecutionPlan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Batches:   batches,
		Summary:   cs.Summary,
		steps:     steps,
	}, nil
}

// addStep indexes a step by ID.
func addStep(steps map[string]*Step, s *Step) {
	steps[s.ID] = s
}

// forwardStep returns the step after which a change's new value exists:
// the create step for Create/Replace, the update step for Update, nil
// otherwise.
func forwardStep(steps map[string]*Step, cs *ChangeSet, c *Change) *Step {
	if c == nil {
		return nil
	}
	switch c.Action {
	case ActionCreate, ActionReplace:
		return steps[stepID(c.Address, StepCreate)]
	case ActionUpdate:
		return steps[stepID(c.Address, StepUpdate)]
	}
	return nil
}

// departingStep returns the step after which an address has let go of its
// old attribute values: its delete step when one exists, its update step
// otherwise.
func departingStep(steps map[string]*Step, addr Address) *Step {
	if s := steps[stepID(addr, StepDelete)]; s != nil {
		return s
	}
	return steps[stepID(addr, StepUpdate)]
}

// batchSteps groups steps into topological levels with Kahn's algorithm.
// The differ and builder should make cycles impossible here; the check is
// kept so a scheduling bug surfaces as an error instead of a stall.
func batchSteps(steps map[string]*Step) ([][]*Step, error) {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id := range steps {
		inDegree[id] = 0
	}
	for id, step := range steps {
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	current := make([]string, 0)
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}

	var batches [][]*Step
	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		batch := make([]*Step, 0, len(current))
		for _, id := range current {
			batch = append(batch, steps[id])
		}
		batches = append(batches, batch)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(steps) {
		unconsumed := make([]string, 0)
		for id, d := range inDegree {
			if d > 0 {
				unconsumed = append(unconsumed, id)
			}
		}
		sort.Strings(unconsumed)
		return nil, NewPermanentError("execution plan contains a cycle", nil).
			WithCode(ErrCodeCycle).WithDetail("steps", unconsumed)
	}
	return batches, nil
}

// dedupeIDs removes duplicate step IDs, preserving sorted order.
func dedupeIDs(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
