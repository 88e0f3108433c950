package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PolicyGate evaluates an execution plan before apply. A non-nil error
// blocks the run.
type PolicyGate interface {
	Check(ctx context.Context, plan *ExecutionPlan, changes *ChangeSet) error
}

// Runner wires the reconciliation phases together. All collaborators are
// injected; the runner holds no global state.
type Runner struct {
	provider ProviderClient
	store    StateBackend
	schemas  *SchemaRegistry
	policy   PolicyGate
}

// NewRunner creates a runner. policy may be nil to skip the policy gate.
// Schemas published by the provider are registered immediately.
func NewRunner(provider ProviderClient, store StateBackend, policy PolicyGate) (*Runner, error) {
	schemas := NewSchemaRegistry()
	if sp, ok := provider.(SchemaProvider); ok {
		for _, s := range sp.Schemas() {
			if err := schemas.Register(s); err != nil {
				return nil, err
			}
		}
	}
	return &Runner{
		provider: provider,
		store:    store,
		schemas:  schemas,
		policy:   policy,
	}, nil
}

// Schemas exposes the registry for callers that register extra schemas.
func (r *Runner) Schemas() *SchemaRegistry {
	return r.schemas
}

// PlanResult bundles everything planning produced, for rendering and apply.
type PlanResult struct {
	Graph   *Graph
	Prior   *StateSnapshot
	Changes *ChangeSet
	Plan    *ExecutionPlan
}

// Plan builds the graph, diffs it against the stored snapshot, and
// schedules the change set. No provider mutations happen here.
func (r *Runner) Plan(ctx context.Context, specs []ResourceSpec) (*PlanResult, error) {
	prior, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		return nil, err
	}

	changes, err := NewDiffer(r.schemas).Diff(graph, prior)
	if err != nil {
		return nil, err
	}

	plan, err := NewScheduler().Schedule(changes, graph)
	if err != nil {
		return nil, err
	}

	return &PlanResult{Graph: graph, Prior: prior, Changes: changes, Plan: plan}, nil
}

// Apply runs the full reconciliation: plan, policy gate, execute, commit.
// Completed results are committed even when the run was cancelled or nodes
// failed; the report's exit code reflects the overall status.
func (r *Runner) Apply(ctx context.Context, specs []ResourceSpec, opts ApplyOptions) (*RunReport, error) {
	pr, err := r.Plan(ctx, specs)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, pr, opts)
}

// Destroy plans and applies the deletion of everything in the snapshot.
func (r *Runner) Destroy(ctx context.Context, opts ApplyOptions) (*RunReport, error) {
	pr, err := r.Plan(ctx, nil)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, pr, opts)
}

// execute runs the policy gate, the executor, and the commit for an
// already-built plan.
func (r *Runner) execute(ctx context.Context, pr *PlanResult, opts ApplyOptions) (*RunReport, error) {
	if r.policy != nil {
		if err := r.policy.Check(ctx, pr.Plan, pr.Changes); err != nil {
			return nil, err
		}
	}

	report := &RunReport{
		RunID:     uuid.New().String(),
		PlanID:    pr.Plan.ID,
		StartedAt: time.Now().UTC(),
		Changes:   pr.Changes.Summary,
	}

	executor := NewExecutor(r.provider, r.schemas)
	results, err := executor.Apply(ctx, pr.Plan, pr.Changes, pr.Prior, opts)
	if err != nil {
		return nil, err
	}

	report.NodeResults = results
	report.Results = summarizeResults(results)
	report.Status = runStatus(report.Results, ctx.Err() != nil)
	report.CompletedAt = time.Now().UTC()

	// A plan with no steps leaves the snapshot untouched, so a no-change
	// apply does not bump the serial.
	if pr.Plan.NumSteps() == 0 || opts.DryRun {
		report.CommittedSerial = pr.Prior.Serial
		return report, nil
	}

	next, err := r.store.Commit(ctx, pr.Prior, pr.Changes, results)
	if err != nil {
		return report, err
	}
	report.CommittedSerial = next.Serial
	return report, nil
}
