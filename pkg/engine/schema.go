package engine

import (
	"fmt"
	"time"
)

// Defaults applied when a type schema leaves a field unset.
const (
	// DefaultActionTimeout bounds a single provider attempt.
	DefaultActionTimeout = 5 * time.Minute

	// DefaultMaxAttempts is the per-action attempt ceiling, including the
	// first attempt.
	DefaultMaxAttempts = 3
)

// TypeSchema declares the engine-visible capabilities of a resource type.
// Providers register one schema per type they manage; the differ and the
// executor consult it, the engine never interprets attribute semantics.
type TypeSchema struct {
	// Type is the resource type this schema describes.
	Type string `json:"type" validate:"required"`

	// RequiresReplacement lists attributes whose change forces a Replace
	// instead of an in-place Update.
	RequiresReplacement []string `json:"requires_replacement,omitempty"`

	// DestroyBeforeCreate flips the Replace decomposition order for types
	// with singleton identity constraints (e.g. a uniquely named DNS zone).
	DestroyBeforeCreate bool `json:"destroy_before_create,omitempty"`

	// ActionTimeout bounds a single provider attempt for this type.
	// Zero means DefaultActionTimeout.
	ActionTimeout time.Duration `json:"action_timeout,omitempty"`

	// MaxAttempts is the retry ceiling for this type, including the first
	// attempt. Zero means DefaultMaxAttempts.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// ForcesReplacement returns true if changing the named attribute requires
// recreating the resource.
func (s *TypeSchema) ForcesReplacement(attr string) bool {
	if s == nil {
		return false
	}
	for _, a := range s.RequiresReplacement {
		if a == attr {
			return true
		}
	}
	return false
}

// ReplaceOrder returns the Replace decomposition order for this type.
func (s *TypeSchema) ReplaceOrder() ReplaceOrder {
	if s != nil && s.DestroyBeforeCreate {
		return DestroyBeforeCreate
	}
	return CreateBeforeDestroy
}

// Timeout returns the per-attempt timeout, falling back to the default.
func (s *TypeSchema) Timeout() time.Duration {
	if s != nil && s.ActionTimeout > 0 {
		return s.ActionTimeout
	}
	return DefaultActionTimeout
}

// Attempts returns the attempt ceiling, falling back to the default.
func (s *TypeSchema) Attempts() int {
	if s != nil && s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

// SchemaRegistry holds the type schemas known to a run. The registry is
// populated before planning and read-only afterwards.
type SchemaRegistry struct {
	schemas map[string]*TypeSchema
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*TypeSchema)}
}

// Register adds a type schema, rejecting duplicates.
func (r *SchemaRegistry) Register(s *TypeSchema) error {
	if s.Type == "" {
		return NewPermanentError("schema has empty type", nil).
			WithCode(ErrCodeValidation)
	}
	if _, ok := r.schemas[s.Type]; ok {
		return NewPermanentError(
			fmt.Sprintf("schema for type %q already registered", s.Type), nil).
			WithCode(ErrCodeValidation)
	}
	r.schemas[s.Type] = s
	return nil
}

// Lookup returns the schema for a resource type, or nil if none is
// registered. A nil schema yields default capabilities everywhere it is
// consulted.
func (r *SchemaRegistry) Lookup(resourceType string) *TypeSchema {
	if r == nil {
		return nil
	}
	return r.schemas[resourceType]
}
