// Package memory is an in-process provider backed by a map. It backs
// tests, dry runs, and the dev command: deterministic identities, optional
// per-type latency, and failure injection for exercising retry paths.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convergehq/converge/pkg/engine"
)

// Name is the provider binding name.
const Name = "memory"

// Config configures the in-memory provider.
type Config struct {
	// Schemas are the type schemas the provider publishes. May be nil;
	// unknown types get default schema behavior.
	Schemas []*engine.TypeSchema

	// Latency is a per-type artificial delay applied to every call.
	Latency map[string]time.Duration
}

// injectedFailure is one scripted failure for an address and operation.
type injectedFailure struct {
	err       *engine.EngineError
	remaining int
}

// storedResource is one live resource.
type storedResource struct {
	id    string
	typ   string
	attrs map[string]interface{}
}

// Provider implements engine.ProviderClient and engine.SchemaProvider.
type Provider struct {
	mu        sync.Mutex
	config    Config
	resources map[engine.Address]*storedResource
	nextSeq   map[string]int
	failures  map[string]*injectedFailure
	calls     []string
}

// New creates an empty in-memory provider.
func New(cfg Config) *Provider {
	return &Provider{
		config:    cfg,
		resources: make(map[engine.Address]*storedResource),
		nextSeq:   make(map[string]int),
		failures:  make(map[string]*injectedFailure),
	}
}

// Schemas implements engine.SchemaProvider.
func (p *Provider) Schemas() []*engine.TypeSchema {
	return p.config.Schemas
}

// FailNTimes scripts the next n calls of op against addr to fail with err.
// After n failures the operation succeeds.
func (p *Provider) FailNTimes(addr engine.Address, op engine.StepOp, err *engine.EngineError, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[failureKey(addr, op)] = &injectedFailure{err: err, remaining: n}
}

// FailAlways scripts every call of op against addr to fail with err.
func (p *Provider) FailAlways(addr engine.Address, op engine.StepOp, err *engine.EngineError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[failureKey(addr, op)] = &injectedFailure{err: err, remaining: -1}
}

func failureKey(addr engine.Address, op engine.StepOp) string {
	return string(addr) + ":" + string(op)
}

// Create implements engine.ProviderClient.
func (p *Provider) Create(ctx context.Context, req engine.CreateRequest) (*engine.ProviderResponse, error) {
	if err := p.beforeCall(ctx, req.Type, req.Address, engine.StepCreate); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSeq[req.Type]++
	id := fmt.Sprintf("mem-%s-%d", req.Type, p.nextSeq[req.Type])

	attrs := copyAttrs(req.Attrs)
	attrs["id"] = id

	p.resources[req.Address] = &storedResource{
		id:    id,
		typ:   req.Type,
		attrs: attrs,
	}

	return &engine.ProviderResponse{ID: id, Attrs: copyAttrs(attrs)}, nil
}

// Update implements engine.ProviderClient.
func (p *Provider) Update(ctx context.Context, req engine.UpdateRequest) (*engine.ProviderResponse, error) {
	if err := p.beforeCall(ctx, req.Type, req.Address, engine.StepUpdate); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[req.Address]
	if !ok || res.id != req.ID {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s with id %s does not exist", req.Address, req.ID), nil).
			WithCode(engine.ErrCodeNotFound).WithAddress(req.Address)
	}

	attrs := copyAttrs(req.Attrs)
	attrs["id"] = res.id
	res.attrs = attrs

	return &engine.ProviderResponse{ID: res.id, Attrs: copyAttrs(attrs)}, nil
}

// Delete implements engine.ProviderClient. Deleting an unknown resource
// is not an error.
func (p *Provider) Delete(ctx context.Context, req engine.DeleteRequest) error {
	if err := p.beforeCall(ctx, req.Type, req.Address, engine.StepDelete); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.resources[req.Address]
	if ok && res.id == req.ID {
		delete(p.resources, req.Address)
	}
	return nil
}

// beforeCall applies latency, records the call, and consumes any scripted
// failure.
func (p *Provider) beforeCall(ctx context.Context, typ string, addr engine.Address, op engine.StepOp) error {
	if delay := p.config.Latency[typ]; delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.NewTransientError("provider call interrupted", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).WithAddress(addr)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, string(op)+" "+string(addr))

	f, ok := p.failures[failureKey(addr, op)]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// Get returns a copy of a live resource's attributes, or nil when the
// address is unknown.
func (p *Provider) Get(addr engine.Address) map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.resources[addr]
	if !ok {
		return nil
	}
	return copyAttrs(res.attrs)
}

// Len returns the number of live resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// Calls returns the recorded call log, each entry "op address" in call
// order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func copyAttrs(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
