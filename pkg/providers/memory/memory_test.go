package memory

import (
	"context"
	"testing"
	"time"

	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/statestore"
)

func TestProvider_CreateAssignsDeterministicIDs(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	first, err := p.Create(ctx, engine.CreateRequest{
		Address: "file.a",
		Type:    "file",
		Attrs:   map[string]interface{}{"path": "/tmp/a"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := p.Create(ctx, engine.CreateRequest{
		Address: "file.b",
		Type:    "file",
		Attrs:   map[string]interface{}{"path": "/tmp/b"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if first.ID != "mem-file-1" {
		t.Errorf("Expected first id mem-file-1, got %s", first.ID)
	}
	if second.ID != "mem-file-2" {
		t.Errorf("Expected second id mem-file-2, got %s", second.ID)
	}
	if first.Attrs["id"] != first.ID {
		t.Errorf("Expected computed id attr %s, got %v", first.ID, first.Attrs["id"])
	}
	if p.Len() != 2 {
		t.Errorf("Expected 2 live resources, got %d", p.Len())
	}
}

func TestProvider_UpdateUnknownResource(t *testing.T) {
	p := New(Config{})

	_, err := p.Update(context.Background(), engine.UpdateRequest{
		Address: "file.gone",
		Type:    "file",
		ID:      "mem-file-1",
		Attrs:   map[string]interface{}{"path": "/tmp/x"},
	})
	if err == nil {
		t.Fatal("Expected update of unknown resource to fail")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	if engine.AsEngineError(err).Code != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", engine.AsEngineError(err).Code)
	}
}

func TestProvider_DeleteUnknownIsNoop(t *testing.T) {
	p := New(Config{})

	err := p.Delete(context.Background(), engine.DeleteRequest{
		Address: "file.gone",
		Type:    "file",
		ID:      "mem-file-9",
	})
	if err != nil {
		t.Fatalf("Expected delete of unknown resource to succeed, got %v", err)
	}
}

func TestProvider_FailNTimesThenSucceeds(t *testing.T) {
	p := New(Config{})
	addr := engine.Address("file.flaky")
	p.FailNTimes(addr, engine.StepCreate,
		engine.NewTransientError("scripted failure", nil), 2)

	req := engine.CreateRequest{
		Address: addr,
		Type:    "file",
		Attrs:   map[string]interface{}{"path": "/tmp/f"},
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := p.Create(ctx, req); err == nil {
			t.Fatalf("Expected attempt %d to fail", i+1)
		}
	}
	if _, err := p.Create(ctx, req); err != nil {
		t.Fatalf("Expected third attempt to succeed, got %v", err)
	}
	if got := len(p.Calls()); got != 3 {
		t.Errorf("Expected 3 recorded calls, got %d", got)
	}
}

func TestProvider_LatencyHonorsContext(t *testing.T) {
	p := New(Config{Latency: map[string]time.Duration{"slow": time.Minute}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Create(ctx, engine.CreateRequest{
		Address: "slow.one",
		Type:    "slow",
		Attrs:   map[string]interface{}{},
	})
	if err == nil {
		t.Fatal("Expected timed-out create to fail")
	}
	if !engine.IsRetryable(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}
}

func newRunner(t *testing.T, p *Provider) (*engine.Runner, *statestore.MemoryStore) {
	t.Helper()
	store := statestore.NewMemoryStore()
	runner, err := engine.NewRunner(p, store, nil)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	return runner, store
}

func fastOpts() engine.ApplyOptions {
	return engine.ApplyOptions{MaxParallel: 4, BaseBackoff: time.Millisecond}
}

func TestRunner_EndToEndApply(t *testing.T) {
	p := New(Config{})
	runner, _ := newRunner(t, p)
	ctx := context.Background()

	specs := []engine.ResourceSpec{
		{
			Type: "network", Name: "main", Provider: Name,
			Attrs: map[string]engine.AttrValue{
				"cidr": engine.LiteralValue("10.0.0.0/16"),
			},
		},
		{
			Type: "server", Name: "web", Provider: Name,
			Attrs: map[string]engine.AttrValue{
				"network_id": engine.ReferenceValue("network.main", "id"),
				"size":       engine.LiteralValue("small"),
			},
		},
	}

	report, err := runner.Apply(ctx, specs, fastOpts())
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected run to succeed, got %s", report.Status)
	}
	if report.CommittedSerial != 1 {
		t.Errorf("Expected committed serial 1, got %d", report.CommittedSerial)
	}
	if p.Len() != 2 {
		t.Errorf("Expected 2 live resources, got %d", p.Len())
	}

	web := p.Get("server.web")
	if web == nil {
		t.Fatal("Expected server.web to exist")
	}
	network := p.Get("network.main")
	if web["network_id"] != network["id"] {
		t.Errorf("Expected network_id %v, got %v", network["id"], web["network_id"])
	}

	// A second apply of the same config is a no-op and must not bump
	// the serial.
	report, err = runner.Apply(ctx, specs, fastOpts())
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if report.CommittedSerial != 1 {
		t.Errorf("Expected serial to stay at 1, got %d", report.CommittedSerial)
	}
	if got := len(p.Calls()); got != 2 {
		t.Errorf("Expected no provider calls on second apply, got %d total", got)
	}
}

func TestRunner_DestroyRemovesEverything(t *testing.T) {
	p := New(Config{})
	runner, _ := newRunner(t, p)
	ctx := context.Background()

	specs := []engine.ResourceSpec{
		{
			Type: "network", Name: "main", Provider: Name,
			Attrs: map[string]engine.AttrValue{
				"cidr": engine.LiteralValue("10.0.0.0/16"),
			},
		},
		{
			Type: "server", Name: "web", Provider: Name,
			Attrs: map[string]engine.AttrValue{
				"network_id": engine.ReferenceValue("network.main", "id"),
			},
		},
	}

	if _, err := runner.Apply(ctx, specs, fastOpts()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	report, err := runner.Destroy(ctx, fastOpts())
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected destroy to succeed, got %s", report.Status)
	}
	if p.Len() != 0 {
		t.Errorf("Expected no live resources after destroy, got %d", p.Len())
	}

	// The server depended on the network, so it must be deleted first.
	calls := p.Calls()
	var serverIdx, networkIdx int
	for i, c := range calls {
		switch c {
		case "delete server.web":
			serverIdx = i
		case "delete network.main":
			networkIdx = i
		}
	}
	if serverIdx > networkIdx {
		t.Errorf("Expected server.web deleted before network.main, calls: %v", calls)
	}
}

func TestRunner_ReplaceRoundTrip(t *testing.T) {
	schemas := []*engine.TypeSchema{{
		Type:                "network",
		RequiresReplacement: []string{"cidr"},
	}}
	p := New(Config{Schemas: schemas})
	runner, _ := newRunner(t, p)
	ctx := context.Background()

	spec := func(cidr string) []engine.ResourceSpec {
		return []engine.ResourceSpec{{
			Type: "network", Name: "main", Provider: Name,
			Attrs: map[string]engine.AttrValue{
				"cidr": engine.LiteralValue(cidr),
			},
		}}
	}

	if _, err := runner.Apply(ctx, spec("10.0.0.0/16"), fastOpts()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	oldID := p.Get("network.main")["id"]

	report, err := runner.Apply(ctx, spec("10.1.0.0/16"), fastOpts())
	if err != nil {
		t.Fatalf("Replace apply failed: %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Fatalf("Expected replace to succeed, got %s", report.Status)
	}

	network := p.Get("network.main")
	if network == nil {
		t.Fatal("Expected network.main to exist after replace")
	}
	if network["cidr"] != "10.1.0.0/16" {
		t.Errorf("Expected new cidr, got %v", network["cidr"])
	}
	if network["id"] == oldID {
		t.Error("Expected replace to assign a new identity")
	}
}
