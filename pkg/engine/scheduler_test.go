package engine

import "testing"

func batchIndex(t *testing.T, plan *ExecutionPlan, id string) int {
	t.Helper()
	for i, batch := range plan.Batches {
		for _, step := range batch {
			if step.ID == id {
				return i
			}
		}
	}
	t.Fatalf("step %s not found in plan", id)
	return -1
}

func mustSchedule(t *testing.T, cs *ChangeSet, graph *Graph) *ExecutionPlan {
	t.Helper()
	plan, err := NewScheduler().Schedule(cs, graph)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	return plan
}

func TestScheduler_CreatesFollowGraphOrder(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "vpc0", map[string]AttrValue{
			"cidr": LiteralValue("10.0.0.0/16"),
		}),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
	})
	cs, err := NewDiffer(nil).Diff(graph, NewSnapshot(""))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	plan := mustSchedule(t, cs, graph)
	if plan.NumSteps() != 2 {
		t.Fatalf("Expected 2 steps, got %d", plan.NumSteps())
	}

	networkBatch := batchIndex(t, plan, "network.vpc0:create")
	serverBatch := batchIndex(t, plan, "server.web:create")
	if networkBatch != 0 {
		t.Errorf("Expected network create in batch 0, got %d", networkBatch)
	}
	if serverBatch != 1 {
		t.Errorf("Expected server create in batch 1, got %d", serverBatch)
	}
}

func TestScheduler_IndependentStepsShareBatch(t *testing.T) {
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("server", "a", nil),
		specWithAttrs("server", "b", nil),
	})
	cs, err := NewDiffer(nil).Diff(graph, NewSnapshot(""))
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	plan := mustSchedule(t, cs, graph)
	if len(plan.Batches) != 1 {
		t.Fatalf("Expected 1 batch for independent creates, got %d", len(plan.Batches))
	}
	if len(plan.Batches[0]) != 2 {
		t.Errorf("Expected 2 steps in batch 0, got %d", len(plan.Batches[0]))
	}
}

func TestScheduler_DeletesRunInReverseOrder(t *testing.T) {
	// Prior state has server.web depending on network.vpc0; both removed
	// from the desired graph. The server must be deleted first.
	graph := mustBuild(t, nil)
	prior := snapshotWith(
		record("network.vpc0", map[string]interface{}{"cidr": "10.0.0.0/16"}),
		record("server.web", map[string]interface{}{"network_id": "net-1"}, "network.vpc0"),
	)
	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	plan := mustSchedule(t, cs, graph)
	serverBatch := batchIndex(t, plan, "server.web:delete")
	networkBatch := batchIndex(t, plan, "network.vpc0:delete")
	if serverBatch >= networkBatch {
		t.Errorf("Expected server delete (batch %d) before network delete (batch %d)",
			serverBatch, networkBatch)
	}
}

func TestScheduler_DeleteWaitsForDependentUpdate(t *testing.T) {
	// server.web moves off network.old; the old network's delete must wait
	// for the server's update.
	graph := mustBuild(t, []ResourceSpec{
		specWithAttrs("network", "new", map[string]AttrValue{
			"cidr": LiteralValue("10.1.0.0/16"),
		}),
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.new", "id"),
		}),
	})
	prior := snapshotWith(
		record("network.old", map[string]interface{}{"cidr": "10.0.0.0/16"}),
		record("server.web", map[string]interface{}{"network_id": "net-old"}, "network.old"),
	)
	cs, err := NewDiffer(nil).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	plan := mustSchedule(t, cs, graph)
	updateBatch := batchIndex(t, plan, "server.web:update")
	deleteBatch := batchIndex(t, plan, "network.old:delete")
	if updateBatch >= deleteBatch {
		t.Errorf("Expected server update (batch %d) before old network delete (batch %d)",
			updateBatch, deleteBatch)
	}
}

func TestScheduler_ReplaceCreateBeforeDestroy(t *testing.T) {
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

	plan := mustSchedule(t, cs, graph)
	if plan.NumSteps() != 2 {
		t.Fatalf("Expected replace to decompose into 2 steps, got %d", plan.NumSteps())
	}
	createBatch := batchIndex(t, plan, "network.vpc0:create")
	deleteBatch := batchIndex(t, plan, "network.vpc0:delete")
	if createBatch >= deleteBatch {
		t.Errorf("Expected create (batch %d) before delete (batch %d)",
			createBatch, deleteBatch)
	}
	if !plan.Step("network.vpc0:create").PartOfReplace {
		t.Error("Expected create step marked as part of replace")
	}
}

func TestScheduler_ReplaceDestroyBeforeCreate(t *testing.T) {
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

	plan := mustSchedule(t, cs, graph)
	createBatch := batchIndex(t, plan, "dns_zone.main:create")
	deleteBatch := batchIndex(t, plan, "dns_zone.main:delete")
	if deleteBatch >= createBatch {
		t.Errorf("Expected delete (batch %d) before create (batch %d)",
			deleteBatch, createBatch)
	}
}

func TestScheduler_NoOpsProduceNoSteps(t *testing.T) {
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

	plan := mustSchedule(t, cs, graph)
	if plan.NumSteps() != 0 {
		t.Errorf("Expected empty plan for all no-op, got %d steps", plan.NumSteps())
	}
}

func TestScheduler_DependentCreateWaitsForUpstreamReplace(t *testing.T) {
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
		specWithAttrs("server", "web", map[string]AttrValue{
			"network_id": ReferenceValue("network.vpc0", "id"),
		}),
	})
	prior := snapshotWith(record("network.vpc0", map[string]interface{}{
		"cidr": "10.0.0.0/16", "id": "net-1",
	}))
	cs, err := NewDiffer(schemas).Diff(graph, prior)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	plan := mustSchedule(t, cs, graph)
	networkCreate := batchIndex(t, plan, "network.vpc0:create")
	serverCreate := batchIndex(t, plan, "server.web:create")
	if networkCreate >= serverCreate {
		t.Errorf("Expected network replace-create (batch %d) before server create (batch %d)",
			networkCreate, serverCreate)
	}
}
