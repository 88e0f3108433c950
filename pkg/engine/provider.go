package engine

import "context"

// ProviderClient is the engine's only gateway to external side effects.
// Implementations run in-process; all calls must honor the context and
// return classified errors (EngineError) so the executor can decide
// whether to retry.
type ProviderClient interface {
	// Create creates a new resource and returns its provider-assigned
	// identity and final attribute set, including computed outputs.
	Create(ctx context.Context, req CreateRequest) (*ProviderResponse, error)

	// Update mutates an existing resource in place.
	Update(ctx context.Context, req UpdateRequest) (*ProviderResponse, error)

	// Delete removes an existing resource. Deleting a resource the
	// provider no longer knows about is not an error.
	Delete(ctx context.Context, req DeleteRequest) error
}

// SchemaProvider is implemented by provider clients that publish type
// schemas. The runner registers them before planning.
type SchemaProvider interface {
	// Schemas returns the type schemas this provider manages.
	Schemas() []*TypeSchema
}

// CreateRequest asks a provider to create a resource.
type CreateRequest struct {
	// Address identifies the resource node being created.
	Address Address `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Attrs is the fully resolved desired attribute set. No references
	// remain by the time a provider sees it.
	Attrs map[string]interface{} `json:"attrs"`
}

// UpdateRequest asks a provider to update a resource in place.
type UpdateRequest struct {
	// Address identifies the resource node being updated.
	Address Address `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// ID is the provider-assigned identity from the prior record.
	ID string `json:"id"`

	// PriorAttrs is the last-applied attribute set.
	PriorAttrs map[string]interface{} `json:"prior_attrs"`

	// Attrs is the fully resolved desired attribute set.
	Attrs map[string]interface{} `json:"attrs"`
}

// DeleteRequest asks a provider to delete a resource.
type DeleteRequest struct {
	// Address identifies the resource node being deleted.
	Address Address `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// ID is the provider-assigned identity from the prior record.
	ID string `json:"id"`

	// PriorAttrs is the last-applied attribute set.
	PriorAttrs map[string]interface{} `json:"prior_attrs"`
}

// ProviderResponse is the result of a successful create or update.
type ProviderResponse struct {
	// ID is the provider-assigned identity.
	ID string `json:"id"`

	// Attrs is the final attribute set, including computed outputs.
	Attrs map[string]interface{} `json:"attrs"`
}

// StateBackend persists state snapshots. Implementations serialize commits
// under an exclusive lock and write atomically.
type StateBackend interface {
	// Load reads the current snapshot. An empty store yields a snapshot
	// at serial zero with no resources.
	Load(ctx context.Context) (*StateSnapshot, error)

	// Commit merges the run's results into the prior snapshot and
	// persists the successor atomically under the store lock. It fails
	// fast with a lock-conflict error if the lock is held, and with a
	// conflict error if the stored serial no longer matches prior.Serial.
	Commit(ctx context.Context, prior *StateSnapshot, changes *ChangeSet, results []ApplyResult) (*StateSnapshot, error)
}
