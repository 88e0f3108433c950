package engine

import (
	"strings"
	"testing"
)

func specWithAttrs(resType, name string, attrs map[string]AttrValue, deps ...Address) ResourceSpec {
	if attrs == nil {
		attrs = map[string]AttrValue{}
	}
	return ResourceSpec{
		Type:      resType,
		Name:      name,
		Attrs:     attrs,
		DependsOn: deps,
	}
}

func TestGraphBuilder_Empty(t *testing.T) {
	graph, err := NewGraphBuilder().Build(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty specs, got: %v", err)
	}
	if graph.Len() != 0 {
		t.Errorf("Expected 0 nodes, got %d", graph.Len())
	}
	if len(graph.Levels()) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(graph.Levels()))
	}
}

func TestGraphBuilder_OneNodePerResource(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.0.0.0/16"),
		}),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
		specWithAttrs("server", "db", nil, "network.vpc0"),
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Len() != 3 {
		t.Fatalf("Expected 3 nodes, got %d", graph.Len())
	}
	for _, addr := range []Address{"network.vpc0", "server.web", "server.db"} {
		if graph.Node(addr) == nil {
			t.Errorf("Expected node %s in graph", addr)
		}
	}

	if len(graph.Edges()) != 2 {
		t.Errorf("Expected 2 edges, got %d", len(graph.Edges()))
	}
	deps := graph.Dependencies("server.web")
	if len(deps) != 1 || deps[0] != "network.vpc0" {
		t.Errorf("Expected server.web to depend on network.vpc0, got %v", deps)
	}
}

func TestGraphBuilder_EdgeKinds(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("network", "vpc0", nil),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
		specWithAttrs("server", "db", nil, "network.vpc0"),
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	kinds := make(map[Address]EdgeKind)
	for _, e := range graph.Edges() {
		kinds[e.To] = e.Kind
	}
	if kinds["server.web"] != EdgeReference {
		t.Errorf("Expected reference edge for server.web, got %s", kinds["server.web"])
	}
	if kinds["server.db"] != EdgeExplicit {
		t.Errorf("Expected explicit edge for server.db, got %s", kinds["server.db"])
	}
}

func TestGraphBuilder_DeduplicatesEdges(t *testing.T) {
	// Both an explicit depends_on and an attribute reference to the same
	// upstream yield a single edge.
	specs := []ResourceSpec{
		specWithAttrs("network", "vpc0", nil),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}, "network.vpc0"),
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(graph.Edges()) != 1 {
		t.Errorf("Expected 1 deduplicated edge, got %d", len(graph.Edges()))
	}
}

func TestGraphBuilder_DuplicateAddress(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("server", "web", nil),
		specWithAttrs("server", "web", nil),
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("Expected duplicate address error")
	}
	engineErr := AsEngineError(err)
	if engineErr.Code != ErrCodeDuplicateAddress {
		t.Errorf("Expected code %s, got %s", ErrCodeDuplicateAddress, engineErr.Code)
	}
}

func TestGraphBuilder_UnresolvedReference(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.missing", "id"),
		}),
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("Expected unresolved reference error")
	}
	engineErr := AsEngineError(err)
	if engineErr.Code != ErrCodeUnresolvedReference {
		t.Errorf("Expected code %s, got %s", ErrCodeUnresolvedReference, engineErr.Code)
	}
	if !strings.Contains(engineErr.Error(), "network.missing") {
		t.Errorf("Expected error to name the missing address, got: %v", engineErr)
	}
}

func TestGraphBuilder_UndeclaredDependsOn(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("server", "web", nil, "network.missing"),
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("Expected error for undeclared depends_on target")
	}
	if AsEngineError(err).Code != ErrCodeUnresolvedReference {
		t.Errorf("Expected unresolved reference code, got %s", AsEngineError(err).Code)
	}
}

func TestGraphBuilder_CycleDetection(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("server", "a", nil, "server.b"),
		specWithAttrs("server", "b", nil, "server.a"),
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !IsCycleError(err) {
		t.Errorf("Expected cycle error classification, got: %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "server.a") || !strings.Contains(msg, "server.b") {
		t.Errorf("Expected cycle path in error, got: %s", msg)
	}
}

func TestGraphBuilder_SelfReference(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("server", "a", map[string]AttrValue{
			"peer": ReferenceValue("server.a", "id"),
		}),
	}

	_, err := NewGraphBuilder().Build(specs)
	if err == nil {
		t.Fatal("Expected self-reference error")
	}
	if !IsCycleError(err) {
		t.Errorf("Expected cycle classification, got: %v", err)
	}
}

func TestGraphBuilder_TopologicalLevels(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("network", "vpc0", nil),
		specWithAttrs("subnet", "a", nil, "network.vpc0"),
		specWithAttrs("subnet", "b", nil, "network.vpc0"),
		specWithAttrs("server", "web", nil, "subnet.a", "subnet.b"),
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	levels := graph.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	if len(levels[0]) != 1 || levels[0][0] != "network.vpc0" {
		t.Errorf("Expected network.vpc0 alone at level 0, got %v", levels[0])
	}
	if len(levels[1]) != 2 {
		t.Errorf("Expected 2 subnets at level 1, got %v", levels[1])
	}
	if len(levels[2]) != 1 || levels[2][0] != "server.web" {
		t.Errorf("Expected server.web at level 2, got %v", levels[2])
	}
}

func TestGraph_ToDOT(t *testing.T) {
	specs := []ResourceSpec{
		specWithAttrs("network", "vpc0", nil),
		specWithAttrs("server", "web", nil, "network.vpc0"),
	}

	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()
	if !strings.Contains(dot, "digraph") {
		t.Error("Expected DOT header")
	}
	if !strings.Contains(dot, `"network.vpc0" -> "server.web"`) {
		t.Errorf("Expected edge in DOT output, got:\n%s", dot)
	}
}

func TestAddress_Parts(t *testing.T) {
	addr := MakeAddress("network", "vpc0")
	if addr != "network.vpc0" {
		t.Errorf("Expected network.vpc0, got %s", addr)
	}
	if addr.Type() != "network" {
		t.Errorf("Expected type network, got %s", addr.Type())
	}
	if addr.Name() != "vpc0" {
		t.Errorf("Expected name vpc0, got %s", addr.Name())
	}
	if err := addr.Validate(); err != nil {
		t.Errorf("Expected valid address, got: %v", err)
	}
	if err := Address("nodot").Validate(); err == nil {
		t.Error("Expected error for address without separator")
	}
}
