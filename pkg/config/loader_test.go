package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/convergehq/converge/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoader_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.yaml", `
resources:
  - type: network
    name: vpc0
    provider: memory
    attrs:
      cidr: 10.0.0.0/16
  - type: server
    name: web
    attrs:
      network_id: ${network.vpc0.id}
      port: 8080
    depends_on: [network.vpc0]
    labels:
      env: prod
schemas:
  network:
    requires_replacement: [cidr]
    action_timeout: 90s
    max_attempts: 5
`)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Specs) != 2 {
		t.Fatalf("Expected 2 specs, got %d", len(cfg.Specs))
	}

	network := cfg.Specs[0]
	if network.Address() != "network.vpc0" || network.Provider != "memory" {
		t.Errorf("Unexpected network spec: %+v", network)
	}
	if network.Attrs["cidr"].Literal() != "10.0.0.0/16" {
		t.Errorf("Expected literal cidr, got %+v", network.Attrs["cidr"])
	}

	server := cfg.Specs[1]
	ref := server.Attrs["network_id"].Reference()
	if ref == nil || ref.Address != "network.vpc0" || ref.Attribute != "id" {
		t.Errorf("Expected reference to network.vpc0.id, got %+v", ref)
	}
	if server.Attrs["port"].IsReference() {
		t.Error("Expected port to be a literal")
	}
	if len(server.DependsOn) != 1 || server.DependsOn[0] != "network.vpc0" {
		t.Errorf("Expected explicit dependency, got %v", server.DependsOn)
	}
	if server.Labels["env"] != "prod" {
		t.Errorf("Expected label env=prod, got %v", server.Labels)
	}

	if len(cfg.Schemas) != 1 {
		t.Fatalf("Expected 1 schema, got %d", len(cfg.Schemas))
	}
	schema := cfg.Schemas[0]
	if schema.Type != "network" || !schema.ForcesReplacement("cidr") {
		t.Errorf("Unexpected schema: %+v", schema)
	}
	if schema.Timeout() != 90*time.Second || schema.Attempts() != 5 {
		t.Errorf("Expected 90s/5 attempts, got %v/%d", schema.Timeout(), schema.Attempts())
	}
}

func TestLoader_CUE(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.cue", `
resources: [
	{
		type: "network"
		name: "vpc0"
		attrs: cidr: "10.0.0.0/16"
	},
	{
		type: "server"
		name: "web"
		attrs: network_id: "${network.vpc0.id}"
	},
]
`)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Specs) != 2 {
		t.Fatalf("Expected 2 specs, got %d", len(cfg.Specs))
	}
	if !cfg.Specs[1].Attrs["network_id"].IsReference() {
		t.Error("Expected reference attr from CUE document")
	}
}

func TestLoader_Directory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "network.yaml", `
resources:
  - type: network
    name: vpc0
`)
	writeFile(t, dir, "server.yaml", `
resources:
  - type: server
    name: web
`)

	cfg, err := NewLoader().Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Specs) != 2 {
		t.Errorf("Expected 2 specs from directory, got %d", len(cfg.Specs))
	}
	if len(cfg.Files) != 2 {
		t.Errorf("Expected 2 source files, got %v", cfg.Files)
	}
}

func TestLoader_ParseErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broken.yaml", "resources: [unclosed")

	_, err := NewLoader().Load(path)
	if err == nil {
		t.Fatal("Expected parse error")
	}
	engineErr := engine.AsEngineError(err)
	if engineErr.Code != engine.ErrCodeParse {
		t.Errorf("Expected parse code, got %s", engineErr.Code)
	}
	if engineErr.Details["file"] != path {
		t.Errorf("Expected offending file in details, got %v", engineErr.Details)
	}
}

func TestLoader_RejectsDottedNames(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", `
resources:
  - type: network
    name: vpc.0
`)

	_, err := NewLoader().Load(path)
	if err == nil {
		t.Fatal("Expected validation error for dotted name")
	}
	if engine.AsEngineError(err).Code != engine.ErrCodeValidation {
		t.Errorf("Expected validation code, got %s", engine.AsEngineError(err).Code)
	}
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestToAttrValue_ReferenceForms(t *testing.T) {
	tests := []struct {
		in    string
		isRef bool
	}{
		{"${network.vpc0.id}", true},
		{"${network.vpc0.subnet.cidr}", true},
		{"plain string", false},
		{"${incomplete", false},
		{"${toofew.parts}", false},
	}
	for _, tt := range tests {
		v := toAttrValue(tt.in)
		if v.IsReference() != tt.isRef {
			t.Errorf("toAttrValue(%q): expected isRef=%v", tt.in, tt.isRef)
		}
	}
}
