// Package config loads declarative resource documents from YAML and CUE
// files into engine resource specs. The engine never sees the file grammar;
// it only receives already-typed specs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/convergehq/converge/pkg/engine"
)

// referencePattern matches "${type.name.attr}" attribute values. The
// attribute part may itself be dotted.
var referencePattern = regexp.MustCompile(`^\$\{([^.${}]+)\.([^.${}]+)\.([^${}]+)\}$`)

// Loader parses configuration files into engine specs.
type Loader struct {
	cue      *cue.Context
	validate *validator.Validate
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	v := validator.New()
	// Resource types and names must not contain the address separator.
	_ = v.RegisterValidation("nodots", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), ".")
	})
	_ = v.RegisterValidation("address", func(fl validator.FieldLevel) bool {
		return engine.Address(fl.Field().String()).Validate() == nil
	})
	return &Loader{
		cue:      cuecontext.New(),
		validate: v,
	}
}

// Load reads the given files or directories and merges them into one
// configuration. Directories are walked for .yaml, .yml, and .cue files.
func (l *Loader) Load(paths ...string) (*Config, error) {
	files, err := collectFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, engine.NewPermanentError("no configuration files found", nil).
			WithCode(engine.ErrCodeParse)
	}

	cfg := &Config{Files: files}
	schemaTypes := make(map[string]bool)
	for _, file := range files {
		doc, err := l.loadFile(file)
		if err != nil {
			return nil, err
		}
		if err := l.appendDocument(cfg, schemaTypes, doc, file); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadFile parses a single file by extension.
func (l *Loader) loadFile(path string) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read configuration file", err).
			WithCode(engine.ErrCodeParse).WithDetail("file", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc Document
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return nil, engine.NewPermanentError("failed to parse YAML", err).
				WithCode(engine.ErrCodeParse).WithDetail("file", path)
		}
		return &doc, nil

	case ".cue":
		val := l.cue.CompileString(string(content), cue.Filename(path))
		if err := val.Err(); err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("failed to compile CUE: %s", cueerrors.Details(err, nil)), err).
				WithCode(engine.ErrCodeParse).WithDetail("file", path)
		}
		var doc Document
		if err := val.Decode(&doc); err != nil {
			return nil, engine.NewPermanentError("failed to decode CUE document", err).
				WithCode(engine.ErrCodeParse).WithDetail("file", path)
		}
		return &doc, nil
	}

	return nil, engine.NewPermanentError(
		fmt.Sprintf("unsupported configuration file %s", path), nil).
		WithCode(engine.ErrCodeParse).WithDetail("file", path)
}

// appendDocument validates a document and folds it into the config.
func (l *Loader) appendDocument(cfg *Config, schemaTypes map[string]bool, doc *Document, file string) error {
	for i := range doc.Resources {
		res := doc.Resources[i]
		if err := l.validate.Struct(res); err != nil {
			return engine.NewPermanentError(
				fmt.Sprintf("invalid resource %s.%s", res.Type, res.Name), err).
				WithCode(engine.ErrCodeValidation).WithDetail("file", file)
		}
		spec, err := toSpec(res)
		if err != nil {
			return engine.AsEngineError(err).WithDetail("file", file)
		}
		cfg.Specs = append(cfg.Specs, spec)
	}

	for _, resourceType := range sortedSchemaTypes(doc.Schemas) {
		if schemaTypes[resourceType] {
			return engine.NewPermanentError(
				fmt.Sprintf("schema for type %q declared twice", resourceType), nil).
				WithCode(engine.ErrCodeValidation).WithDetail("file", file)
		}
		schemaDoc := doc.Schemas[resourceType]
		if err := l.validate.Struct(schemaDoc); err != nil {
			return engine.NewPermanentError(
				fmt.Sprintf("invalid schema for type %q", resourceType), err).
				WithCode(engine.ErrCodeValidation).WithDetail("file", file)
		}
		schema, err := schemaDoc.toTypeSchema(resourceType)
		if err != nil {
			return engine.NewPermanentError(
				fmt.Sprintf("invalid action_timeout for type %q", resourceType), err).
				WithCode(engine.ErrCodeValidation).WithDetail("file", file)
		}
		schemaTypes[resourceType] = true
		cfg.Schemas = append(cfg.Schemas, schema)
	}
	return nil
}

// toSpec converts a document resource into an engine spec, turning
// "${type.name.attr}" strings into reference values.
func toSpec(res ResourceDoc) (engine.ResourceSpec, error) {
	spec := engine.ResourceSpec{
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Attrs:    make(map[string]engine.AttrValue, len(res.Attrs)),
		Labels:   res.Labels,
	}
	for _, dep := range res.DependsOn {
		spec.DependsOn = append(spec.DependsOn, engine.Address(dep))
	}
	for name, raw := range res.Attrs {
		spec.Attrs[name] = toAttrValue(raw)
	}
	return spec, nil
}

// toAttrValue classifies a raw attribute value as reference or literal.
func toAttrValue(raw interface{}) engine.AttrValue {
	if s, ok := raw.(string); ok {
		if m := referencePattern.FindStringSubmatch(s); m != nil {
			return engine.ReferenceValue(engine.MakeAddress(m[1], m[2]), m[3])
		}
	}
	return engine.LiteralValue(raw)
}

// collectFiles expands paths into a deterministic list of config files.
func collectFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, engine.NewPermanentError("failed to stat configuration path", err).
				WithCode(engine.ErrCodeParse).WithDetail("file", path)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(p)) {
			case ".yaml", ".yml", ".cue":
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, engine.NewPermanentError("failed to walk configuration directory", err).
				WithCode(engine.ErrCodeParse).WithDetail("file", path)
		}
	}
	sort.Strings(files)
	return files, nil
}

func sortedSchemaTypes(m map[string]SchemaDoc) []string {
	types := make([]string, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
