package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ApplyOptions configures a single apply run.
type ApplyOptions struct {
	// MaxParallel bounds concurrent provider calls. Zero means the
	// default of 10.
	MaxParallel int

	// DryRun simulates success without calling the provider.
	DryRun bool

	// BaseBackoff overrides the first retry delay. Zero means 1s.
	// Tests shrink this to keep retry paths fast.
	BaseBackoff time.Duration

	// OnResult, when set, receives each node's terminal result as soon
	// as it is known.
	OnResult func(ApplyResult)

	// Events, when set, receives step lifecycle notifications.
	Events EventSink
}

// EventSink receives executor lifecycle events. Implementations must not
// block; the executor calls them inline from worker goroutines.
type EventSink interface {
	StepStarted(step *Step)
	StepRetrying(step *Step, attempt int, err error)
	StepFinished(step *Step, outcome Outcome, err error)
}

// Executor applies an execution plan against a provider client. It is the
// only engine component with external side effects.
type Executor struct {
	provider ProviderClient
	schemas  *SchemaRegistry
}

// NewExecutor creates an executor bound to a provider client and schema
// registry.
func NewExecutor(provider ProviderClient, schemas *SchemaRegistry) *Executor {
	return &Executor{provider: provider, schemas: schemas}
}

// applyState is the mutable bookkeeping for one run, shared by worker
// goroutines under mu.
type applyState struct {
	mu sync.Mutex

	// stepOutcome records each step's terminal outcome.
	stepOutcome map[string]Outcome
	stepErr     map[string]*EngineError

	// outputs holds the attribute sets produced by this run's successful
	// create/update steps, keyed by address. Apply-time reference
	// resolution reads them.
	outputs     map[Address]map[string]interface{}
	providerIDs map[Address]string

	// stepSpans tracks per-step timing and attempts for aggregation.
	stepStarted   map[string]time.Time
	stepCompleted map[string]time.Time
	stepAttempts  map[string]int

	// pendingSteps counts the not-yet-terminal steps per address, so the
	// per-address result is emitted exactly once.
	pendingSteps map[Address]int
	results      []ApplyResult
}

// Apply executes the plan batch by batch. It returns one terminal result
// per node address touched by the plan. Per-node failures are reported in
// the results, not as an error; the error return is reserved for
// plan-level defects.
//
// Cancellation is graceful: once ctx is done no new step starts, but
// in-flight provider calls run to completion and their results are kept.
func (e *Executor) Apply(
	ctx context.Context,
	plan *ExecutionPlan,
	changes *ChangeSet,
	prior *StateSnapshot,
	opts ApplyOptions,
) ([]ApplyResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 10
	}

	st := &applyState{
		stepOutcome:   make(map[string]Outcome),
		stepErr:       make(map[string]*EngineError),
		outputs:       make(map[Address]map[string]interface{}),
		providerIDs:   make(map[Address]string),
		stepStarted:   make(map[string]time.Time),
		stepCompleted: make(map[string]time.Time),
		stepAttempts:  make(map[string]int),
		pendingSteps:  make(map[Address]int),
	}
	for _, batch := range plan.Batches {
		for _, step := range batch {
			st.pendingSteps[step.Address]++
		}
	}

	for _, batch := range plan.Batches {
		cancelled := ctx.Err() != nil

		runnable := make([]*Step, 0, len(batch))
		for _, step := range batch {
			if cancelled {
				e.finishStep(st, changes, opts, step, OutcomeSkipped,
					NewPermanentError("run cancelled", ctx.Err()).
						WithCode(ErrCodeCancelled).WithAddress(step.Address))
				continue
			}
			if blocked, cause := e.blockedBy(st, step); blocked {
				e.finishStep(st, changes, opts, step, OutcomeSkipped,
					NewPermanentError(
						fmt.Sprintf("upstream step %s did not succeed", cause), nil).
						WithCode(ErrCodeDependencyFailed).WithAddress(step.Address))
				continue
			}
			runnable = append(runnable, step)
		}

		g, _ := errgroup.WithContext(context.Background())
		g.SetLimit(maxParallel)
		for _, step := range runnable {
			step := step
			g.Go(func() error {
				e.runStep(ctx, st, changes, prior, opts, step)
				return nil
			})
		}
		// Steps report failure through their results.
		_ = g.Wait()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.results, nil
}

// blockedBy reports whether any of the step's upstream steps failed to
// succeed, and names the first offender.
func (e *Executor) blockedBy(st *applyState, step *Step) (bool, string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, dep := range step.DependsOn {
		if st.stepOutcome[dep] != OutcomeSucceeded {
			return true, dep
		}
	}
	return false, ""
}

// runStep executes one step with retry, recording its terminal outcome.
func (e *Executor) runStep(
	ctx context.Context,
	st *applyState,
	changes *ChangeSet,
	prior *StateSnapshot,
	opts ApplyOptions,
	step *Step,
) {
	change := changes.Get(step.Address)
	if change == nil {
		e.finishStep(st, changes, opts, step, OutcomeFailed,
			NewPermanentError("step has no matching change", nil).
				WithCode(ErrCodeInternal).WithAddress(step.Address))
		return
	}

	if opts.Events != nil {
		opts.Events.StepStarted(step)
	}
	st.mu.Lock()
	st.stepStarted[step.ID] = time.Now().UTC()
	st.mu.Unlock()

	schema := e.schemas.Lookup(step.Address.Type())
	maxAttempts := schema.Attempts()

	// Retry state lives on this goroutine's stack; nothing else mutates it.
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		st.mu.Lock()
		st.stepAttempts[step.ID] = attempt
		st.mu.Unlock()

		err := e.attemptStep(ctx, st, change, prior, opts, step, schema)
		if err == nil {
			e.finishStep(st, changes, opts, step, OutcomeSucceeded, nil)
			return
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}
		if opts.Events != nil {
			opts.Events.StepRetrying(step, attempt, err)
		}

		select {
		case <-time.After(backoffDelay(attempt, err, opts.BaseBackoff)):
		case <-ctx.Done():
			// No new attempt after cancellation.
			e.finishStep(st, changes, opts, step, OutcomeFailed,
				AsEngineError(lastErr).WithAddress(step.Address).
					WithAction(string(step.Op)))
			return
		}
	}

	e.finishStep(st, changes, opts, step, OutcomeFailed,
		AsEngineError(lastErr).WithAddress(step.Address).WithAction(string(step.Op)))
}

// attemptStep makes a single provider call for the step. The attempt
// context is detached from run cancellation so an in-flight call always
// completes, but it is bounded by the type's per-attempt timeout.
func (e *Executor) attemptStep(
	ctx context.Context,
	st *applyState,
	change *Change,
	prior *StateSnapshot,
	opts ApplyOptions,
	step *Step,
	schema *TypeSchema,
) error {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), schema.Timeout())
	defer cancel()

	switch step.Op {
	case StepCreate, StepUpdate:
		attrs, err := e.resolveDesired(st, change, prior)
		if err != nil {
			return err
		}
		var resp *ProviderResponse
		if opts.DryRun {
			resp = &ProviderResponse{ID: dryRunID(step.Address), Attrs: attrs}
		} else if step.Op == StepCreate {
			resp, err = e.provider.Create(attemptCtx, CreateRequest{
				Address: step.Address,
				Type:    step.Address.Type(),
				Attrs:   attrs,
			})
		} else {
			rec := change.PriorRecord
			if rec == nil {
				return NewPermanentError("update without prior record", nil).
					WithCode(ErrCodeInternal).WithAddress(step.Address)
			}
			resp, err = e.provider.Update(attemptCtx, UpdateRequest{
				Address:    step.Address,
				Type:       step.Address.Type(),
				ID:         rec.ID,
				PriorAttrs: rec.Attrs,
				Attrs:      attrs,
			})
		}
		if err != nil {
			return classifyAttemptError(attemptCtx, err)
		}
		st.mu.Lock()
		st.outputs[step.Address] = resp.Attrs
		st.providerIDs[step.Address] = resp.ID
		st.mu.Unlock()
		return nil

	case StepDelete:
		rec := change.PriorRecord
		if rec == nil {
			return NewPermanentError("delete without prior record", nil).
				WithCode(ErrCodeInternal).WithAddress(step.Address)
		}
		if opts.DryRun {
			return nil
		}
		err := e.provider.Delete(attemptCtx, DeleteRequest{
			Address:    step.Address,
			Type:       step.Address.Type(),
			ID:         rec.ID,
			PriorAttrs: rec.Attrs,
		})
		if err != nil {
			return classifyAttemptError(attemptCtx, err)
		}
		return nil
	}

	return NewPermanentError(fmt.Sprintf("unknown step op %q", step.Op), nil).
		WithCode(ErrCodeInternal).WithAddress(step.Address)
}

// resolveDesired resolves the change's desired attributes for a provider
// call. References read this run's outputs first, then the prior snapshot.
func (e *Executor) resolveDesired(
	st *applyState,
	change *Change,
	prior *StateSnapshot,
) (map[string]interface{}, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	attrs := make(map[string]interface{}, len(change.Desired))
	for name, value := range change.Desired {
		ref := value.Reference()
		if ref == nil {
			attrs[name] = value.Literal()
			continue
		}
		if out, ok := st.outputs[ref.Address]; ok {
			attrs[name] = out[ref.Attribute]
			continue
		}
		if rec := prior.Record(ref.Address); rec != nil {
			attrs[name] = rec.Attrs[ref.Attribute]
			continue
		}
		return nil, NewPermanentError(
			fmt.Sprintf("reference %s has no resolved value", ref), nil).
			WithCode(ErrCodeUnresolvedReference).WithAddress(change.Address)
	}
	return attrs, nil
}

// finishStep records a step's terminal outcome and, when the address has no
// steps left, emits the aggregated per-address result.
func (e *Executor) finishStep(
	st *applyState,
	changes *ChangeSet,
	opts ApplyOptions,
	step *Step,
	outcome Outcome,
	stepErr *EngineError,
) {
	if opts.Events != nil {
		opts.Events.StepFinished(step, outcome, errOrNil(stepErr))
	}

	st.mu.Lock()
	now := time.Now().UTC()
	st.stepOutcome[step.ID] = outcome
	if stepErr != nil {
		st.stepErr[step.ID] = stepErr
	}
	if _, ok := st.stepStarted[step.ID]; !ok {
		st.stepStarted[step.ID] = now
	}
	st.stepCompleted[step.ID] = now

	st.pendingSteps[step.Address]--
	done := st.pendingSteps[step.Address] == 0
	var result ApplyResult
	if done {
		result = e.aggregateResult(st, changes, step.Address)
		st.results = append(st.results, result)
	}
	st.mu.Unlock()

	if done && opts.OnResult != nil {
		opts.OnResult(result)
	}
}

// aggregateResult folds an address's step outcomes into one ApplyResult.
// A Replace address succeeds only when both its steps did; any failed step
// fails the address, and an address whose steps were all skipped is
// Skipped. Called with st.mu held.
func (e *Executor) aggregateResult(
	st *applyState,
	changes *ChangeSet,
	addr Address,
) ApplyResult {
	change := changes.Get(addr)
	result := ApplyResult{Address: addr, Attempts: 0}
	if change != nil {
		result.Action = change.Action
	}

	allSkipped := true
	var failure *EngineError
	for id, outcome := range st.stepOutcome {
		step := strStepAddress(id)
		if step != addr {
			continue
		}
		result.Attempts += st.stepAttempts[id]
		if started := st.stepStarted[id]; result.StartedAt.IsZero() || started.Before(result.StartedAt) {
			result.StartedAt = started
		}
		if completed := st.stepCompleted[id]; completed.After(result.CompletedAt) {
			result.CompletedAt = completed
		}
		switch outcome {
		case OutcomeSucceeded:
			allSkipped = false
		case OutcomeFailed:
			allSkipped = false
			if failure == nil {
				failure = st.stepErr[id]
			}
		case OutcomeSkipped:
			if failure == nil && st.stepErr[id] != nil {
				failure = st.stepErr[id]
			}
		}
	}

	switch {
	case failure != nil && allSkipped:
		result.Outcome = OutcomeSkipped
		result.Error = failure
	case failure != nil:
		result.Outcome = OutcomeFailed
		result.Error = failure
	default:
		result.Outcome = OutcomeSucceeded
		if result.Action != ActionDelete {
			result.Attrs = st.outputs[addr]
			result.ProviderID = st.providerIDs[addr]
		}
	}
	return result
}

// strStepAddress recovers the address from a step ID ("address:op").
func strStepAddress(id string) Address {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			return Address(id[:i])
		}
	}
	return Address(id)
}

// classifyAttemptError maps a provider error to an EngineError, treating an
// exceeded per-attempt timeout as transient.
func classifyAttemptError(attemptCtx context.Context, err error) error {
	if attemptCtx.Err() == context.DeadlineExceeded {
		return NewTransientError("provider call timed out", err).
			WithCode(ErrCodeTimeout)
	}
	return AsEngineError(err)
}

// backoffDelay computes exponential backoff with jitter. Throttled errors
// start from a larger base than plain transient failures.
func backoffDelay(attempt int, err error, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if IsThrottled(err) {
		base *= 5
	} else if IsConflict(err) {
		base *= 2
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > time.Minute {
		delay = time.Minute
	}

	// ±25% jitter keeps retrying workers from synchronizing.
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}

// dryRunID builds a deterministic placeholder identity for dry runs.
func dryRunID(addr Address) string {
	return "dry-run:" + string(addr)
}

func errOrNil(e *EngineError) error {
	if e == nil {
		return nil
	}
	return e
}
