package engine

import (
	"testing"
	"time"
)

func snapshotWith(records ...*ResourceRecord) *StateSnapshot {
	snap := NewSnapshot("test-lineage")
	snap.Serial = 1
	for _, r := range records {
		snap.Resources[r.Address] = r
	}
	return snap
}

func record(addr Address, attrs map[string]interface{}, deps ...Address) *ResourceRecord {
	return &ResourceRecord{
		Address:      addr,
		Type:         addr.Type(),
		ID:           "id-" + string(addr),
		Attrs:        NormalizeAttrs(attrs),
		Dependencies: deps,
		AppliedAt:    time.Now(),
	}
}

func mustBuild(t *testing.T, specs []ResourceSpec) *Graph {
	t.Helper()
	graph, err := NewGraphBuilder().Build(specs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return graph
}

func TestDiffer_CreateForNewResource(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.0.0.0/16"),
		}),
	})

	cs, err := NewDiffer(nil).Diff(graph, NewSnapshot(""))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if cs.Summary.Total != 1 || cs.Summary.Create != 1 {
		t.Fatalf("Expected 1 create, got %+v", cs.Summary)
	}
	c := cs.Get("network.vpc0")
	if c == nil || c.Action != ActionCreate {
		t.Fatalf("Expected create for network.vpc0, got %+v", c)
	}
}

func TestDiffer_DeleteForRemovedResource(t *testing.T) {
	graph := mustBuild(t, nil)
	prior := snapshotWith(record("network.vpc0", map[string]interface{}{
		"cidr": "10.0.0.0/16",
	}))

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	c := cs.Get("network.vpc0")
	if c == nil || c.Action != ActionDelete {
		t.Fatalf("Expected delete for network.vpc0, got %+v", c)
	}
	if c.PriorRecord == nil {
		t.Error("Expected delete change to carry the prior record")
	}
}

func TestDiffer_NoOpWhenEqual(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.0.0.0/16"),
		}),
	})
	prior := snapshotWith(record("network.vpc0", map[string]interface{}{
		"cidr": "10.0.0.0/16",
	}))

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if cs.HasChanges() {
		t.Errorf("Expected all no-op, got %+v", cs.Summary)
	}
}

func TestDiffer_NormalizesNumericValues(t *testing.T) {
	// Config carries an int, the stored snapshot a float64 from JSON.
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("server", "web", map[string]AttrValue{
			"port": LiteralValue(80),
		}),
	})
	prior := snapshotWith(record("server.web", map[string]interface{}{
		"port": float64(80),
	}))

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if cs.Get("server.web").Action != ActionNoOp {
		t.Errorf("Expected no-op for numerically equal values, got %s",
			cs.Get("server.web").Action)
	}
}

func TestDiffer_UpdateForChangedAttr(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("server", "web", map[string]AttrValue{
			"image": LiteralValue("v2"),
		}),
	})
	prior := snapshotWith(record("server.web", map[string]interface{}{
		"image": "v1",
	}))

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	c := cs.Get("server.web")
	if c.Action != ActionUpdate {
		t.Fatalf("Expected update, got %s", c.Action)
	}
	if len(c.Diffs) != 1 || c.Diffs[0].Name != "image" {
		t.Fatalf("Expected one diff on image, got %+v", c.Diffs)
	}
	if c.Diffs[0].Before != "v1" || c.Diffs[0].After != "v2" {
		t.Errorf("Expected v1 -> v2, got %v -> %v", c.Diffs[0].Before, c.Diffs[0].After)
	}
}

func TestDiffer_ReplaceForImmutableAttr(t *testing.T) {
	schemas := NewSchemaRegistry()
	if err := schemas.Register(&TypeSchema{
		Type:                "network",
		RequiresReplacement: []string{"cidr"},
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.1.0.0/16"),
		}),
	})
	prior := snapshotWith(record("network.vpc0", map[string]interface{}{
		"cidr": "10.0.0.0/16",
	}))

	cs, err := NewDiffer(schemas).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	c := cs.Get("network.vpc0")
	if c.Action != ActionReplace {
		t.Fatalf("Expected replace, got %s", c.Action)
	}
	if c.ReplaceOrder != CreateBeforeDestroy {
		t.Errorf("Expected create-before-destroy default, got %s", c.ReplaceOrder)
	}
	if !c.Diffs[0].ForcesReplacement {
		t.Error("Expected diff marked as forcing replacement")
	}
}

func TestDiffer_ReplaceOrderPerType(t *testing.T) {
	schemas := NewSchemaRegistry()
	if err := schemas.Register(&TypeSchema{
		Type:                "dns_zone",
		RequiresReplacement: []string{"name"},
		DestroyBeforeCreate: true,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("dns_zone", "main", map[string]AttrValue{
			"name": LiteralValue("new.example.com"),
		}),
	})
	prior := snapshotWith(record("dns_zone.main", map[string]interface{}{
		"name": "old.example.com",
	}))

	cs, err := NewDiffer(schemas).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if cs.Get("dns_zone.main").ReplaceOrder != DestroyBeforeCreate {
		t.Errorf("Expected destroy-before-create, got %s",
			cs.Get("dns_zone.main").ReplaceOrder)
	}
}

func TestDiffer_UnknownReferenceForcesUpdate(t *testing.T) {
	// The upstream network changes, so the server's reference to its id
	// is unknown until apply and the server must be updated.
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.1.0.0/16"),
		}),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
	})
	prior := snapshotWith(
		record("network.vpc0", map[string]interface{}{"cidr": "10.0.0.0/16", "id": "net-1"}),
		record("server.web", map[string]interface{}{"network_id": "net-1"}, "network.vpc0"),
	)

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	server := cs.Get("server.web")
	if server.Action != ActionUpdate {
		t.Fatalf("Expected update forced by unknown reference, got %s", server.Action)
	}
	if len(server.Diffs) != 1 || !server.Diffs[0].Unknown {
		t.Errorf("Expected one unknown diff, got %+v", server.Diffs)
	}
}

func TestDiffer_ReferenceResolvesToPriorWhenUpstreamNoOp(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.0.0.0/16"),
		}),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
	})
	prior := snapshotWith(
		record("network.vpc0", map[string]interface{}{"cidr": "10.0.0.0/16", "id": "net-1"}),
		record("server.web", map[string]interface{}{"network_id": "net-1"}, "network.vpc0"),
	)

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if cs.HasChanges() {
		t.Errorf("Expected all no-op when the reference resolves unchanged, got %+v",
			cs.Summary)
	}
}

func TestDiffer_OneEntryPerAddress(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("server", "kept", nil),
		specWithAttrs("server", "new", nil),
	})
	prior := snapshotWith(
		record("server.kept", map[string]interface{}{}),
		record("server.gone", map[string]interface{}{}),
	)

	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	if len(cs.Changes) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(cs.Changes))
	}
	seen := make(map[Address]int)
	for _, c := range cs.Changes {
		seen[c.Address]++
	}
	for addr, n := range seen {
		if n != 1 {
			t.Errorf("Expected exactly one change for %s, got %d", addr, n)
		}
	}
}

func TestDiffer_IdempotentAfterApply(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.0.0.0/16"),
		}),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
	})

	differ := NewDiffer(nil)
	first, err := differ.Diff(graph, NewSnapshot("lineage"))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if first.Summary.Create != 2 {
		t.Fatalf("Expected 2 creates, got %+v", first.Summary)
	}

	// Simulate a fully successful apply and merge the results.
	now := time.Now().UTC()
	results := []ApplyResult{
		{
			Address: "network.vpc0", Action: ActionCreate, Outcome: OutcomeSucceeded,
			ProviderID: "net-1",
			Attrs:      map[string]interface{}{"cidr": "10.0.0.0/16", "id": "net-1"},
			StartedAt:  now, CompletedAt: now,
		},
		{
			Address: "server.web", Action: ActionCreate, Outcome: OutcomeSucceeded,
			ProviderID: "srv-1",
			Attrs:      map[string]interface{}{"network_id": "net-1"},
			StartedAt:  now, CompletedAt: now,
		},
	}
	next := MergeResults(NewSnapshot("lineage"), first, results)

	second, err := differ.Diff(graph, next)
	if err != nil {
		t.Fatalf("Second diff failed: %v", err)
	}
	if second.HasChanges() {
		t.Errorf("Expected all no-op after successful apply, got %+v", second.Summary)
	}
}
