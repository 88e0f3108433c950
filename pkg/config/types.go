package config

import (
	"time"

	"github.com/convergehq/converge/pkg/engine"
)

// Document is the on-disk configuration shape, shared by the YAML and CUE
// front ends.
type Document struct {
	// Resources declares the desired resources.
	Resources []ResourceDoc `yaml:"resources" json:"resources"`

	// Schemas declares per-type capabilities (replacement attributes,
	// replace ordering, retry limits).
	Schemas map[string]SchemaDoc `yaml:"schemas,omitempty" json:"schemas,omitempty"`
}

// ResourceDoc is one declared resource before conversion into an engine
// spec. Attribute values are raw: strings of the form
// "${type.name.attr}" become references, everything else stays literal.
type ResourceDoc struct {
	Type      string                 `yaml:"type" json:"type" validate:"required,nodots"`
	Name      string                 `yaml:"name" json:"name" validate:"required,nodots"`
	Provider  string                 `yaml:"provider,omitempty" json:"provider,omitempty"`
	Attrs     map[string]interface{} `yaml:"attrs,omitempty" json:"attrs,omitempty"`
	DependsOn []string               `yaml:"depends_on,omitempty" json:"depends_on,omitempty" validate:"dive,address"`
	Labels    map[string]string      `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// SchemaDoc is a per-type capability declaration.
type SchemaDoc struct {
	RequiresReplacement []string `yaml:"requires_replacement,omitempty" json:"requires_replacement,omitempty"`
	DestroyBeforeCreate bool     `yaml:"destroy_before_create,omitempty" json:"destroy_before_create,omitempty"`
	ActionTimeout       string   `yaml:"action_timeout,omitempty" json:"action_timeout,omitempty"`
	MaxAttempts         int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" validate:"gte=0,lte=20"`
}

// toTypeSchema converts the document form into an engine schema.
func (d SchemaDoc) toTypeSchema(resourceType string) (*engine.TypeSchema, error) {
	schema := &engine.TypeSchema{
		Type:                resourceType,
		RequiresReplacement: d.RequiresReplacement,
		DestroyBeforeCreate: d.DestroyBeforeCreate,
		MaxAttempts:         d.MaxAttempts,
	}
	if d.ActionTimeout != "" {
		timeout, err := time.ParseDuration(d.ActionTimeout)
		if err != nil {
			return nil, err
		}
		schema.ActionTimeout = timeout
	}
	return schema, nil
}

// Config is the loaded and validated configuration.
type Config struct {
	// Specs are the declared resources in engine form.
	Specs []engine.ResourceSpec

	// Schemas are the declared type capabilities.
	Schemas []*engine.TypeSchema

	// Files lists the source files that contributed, in load order.
	Files []string
}
