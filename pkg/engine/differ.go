package engine

import (
	"fmt"
	"reflect"
	"sort"
)

// Differ computes the minimal change set between a desired graph and the
// last-applied snapshot. Diff is pure: no provider calls, no I/O, no
// mutation of its inputs.
type Differ struct {
	schemas *SchemaRegistry
}

// NewDiffer creates a differ consulting the given schema registry for
// replacement and ordering capabilities.
func NewDiffer(schemas *SchemaRegistry) *Differ {
	return &Differ{schemas: schemas}
}

// resolvedAttr is an attribute value after diff-time reference resolution.
type resolvedAttr struct {
	value   interface{}
	unknown bool
}

// Diff produces exactly one change per address present in the desired graph
// or the prior snapshot. Desired nodes are walked in topological order so
// that reference resolution can consult the upstream node's own action.
func (d *Differ) Diff(graph *Graph, prior *StateSnapshot) (*ChangeSet, error) {
	actions := make(map[Address]ChangeAction, graph.Len())
	changes := make([]*Change, 0, graph.Len())

	for _, addr := range graph.TopoOrder() {
		node := graph.Node(addr)
		change, err := d.diffNode(node, prior, actions)
		if err != nil {
			return nil, err
		}
		change.Provider = node.Provider
		change.Dependencies = append([]Address(nil), graph.Dependencies(addr)...)
		change.Labels = node.Labels
		actions[addr] = change.Action
		changes = append(changes, change)
	}

	// Anything recorded in prior state but absent from the desired graph
	// gets deleted.
	for _, addr := range prior.Addresses() {
		if graph.Node(addr) != nil {
			continue
		}
		rec := prior.Record(addr)
		changes = append(changes, &Change{
			Address:     addr,
			Action:      ActionDelete,
			Provider:    rec.Provider,
			PriorRecord: rec,
			Labels:      rec.Labels,
			Diffs:       deleteDiffs(rec),
		})
	}

	return newChangeSet(changes), nil
}

// diffNode computes the change for one desired node.
func (d *Differ) diffNode(
	node *ResourceNode,
	prior *StateSnapshot,
	actions map[Address]ChangeAction,
) (*Change, error) {
	rec := prior.Record(node.Address)
	resolved, err := d.resolveAttrs(node, prior, actions)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return &Change{
			Address: node.Address,
			Action:  ActionCreate,
			Desired: node.Attrs,
			Diffs:   createDiffs(resolved),
		}, nil
	}

	schema := d.schemas.Lookup(node.Type)
	var diffs []AttrDiff
	replace := false

	for _, name := range sortedAttrNames(resolved) {
		rv := resolved[name]
		before, hadBefore := rec.Attrs[name]

		if rv.unknown {
			diffs = append(diffs, AttrDiff{
				Name:    name,
				Before:  before,
				Unknown: true,
			})
			continue
		}
		if hadBefore && valuesEqual(before, rv.value) {
			continue
		}
		forces := schema.ForcesReplacement(name)
		diffs = append(diffs, AttrDiff{
			Name:              name,
			Before:            before,
			After:             rv.value,
			ForcesReplacement: forces,
		})
		if forces {
			replace = true
		}
	}

	// Stored attributes absent from the desired set are computed outputs
	// (provider-assigned ids and the like) and do not count as drift.

	if len(diffs) == 0 {
		return &Change{
			Address:     node.Address,
			Action:      ActionNoOp,
			PriorRecord: rec,
			Desired:     node.Attrs,
		}, nil
	}

	if replace {
		return &Change{
			Address:      node.Address,
			Action:       ActionReplace,
			PriorRecord:  rec,
			Desired:      node.Attrs,
			Diffs:        diffs,
			ReplaceOrder: schema.ReplaceOrder(),
		}, nil
	}

	return &Change{
		Address:     node.Address,
		Action:      ActionUpdate,
		PriorRecord: rec,
		Desired:     node.Attrs,
		Diffs:       diffs,
	}, nil
}

// resolveAttrs resolves each attribute at diff time. A reference whose
// upstream node's action is anything but NoOp is unknown until apply;
// otherwise it resolves to the upstream prior record's value.
func (d *Differ) resolveAttrs(
	node *ResourceNode,
	prior *StateSnapshot,
	actions map[Address]ChangeAction,
) (map[string]resolvedAttr, error) {
	out := make(map[string]resolvedAttr, len(node.Attrs))
	for name, value := range node.Attrs {
		ref := value.Reference()
		if ref == nil {
			out[name] = resolvedAttr{value: value.Literal()}
			continue
		}

		upstreamAction, ok := actions[ref.Address]
		if !ok {
			// Topological walk order guarantees the upstream was
			// visited first; missing means a builder bug.
			return nil, NewPermanentError(
				fmt.Sprintf("reference to unvisited node %s", ref.Address), nil).
				WithCode(ErrCodeInternal).WithAddress(node.Address)
		}
		if upstreamAction != ActionNoOp {
			out[name] = resolvedAttr{unknown: true}
			continue
		}

		rec := prior.Record(ref.Address)
		if rec == nil {
			return nil, NewPermanentError(
				fmt.Sprintf("no-op node %s has no prior record", ref.Address), nil).
				WithCode(ErrCodeInternal).WithAddress(node.Address)
		}
		out[name] = resolvedAttr{value: rec.Attrs[ref.Attribute]}
	}
	return out, nil
}

// createDiffs renders the attribute diffs for a create.
func createDiffs(resolved map[string]resolvedAttr) []AttrDiff {
	diffs := make([]AttrDiff, 0, len(resolved))
	for _, name := range sortedAttrNames(resolved) {
		rv := resolved[name]
		diffs = append(diffs, AttrDiff{
			Name:    name,
			After:   rv.value,
			Unknown: rv.unknown,
		})
	}
	return diffs
}

// deleteDiffs renders the attribute diffs for a delete.
func deleteDiffs(rec *ResourceRecord) []AttrDiff {
	diffs := make([]AttrDiff, 0, len(rec.Attrs))
	for _, name := range sortedAttrKeys(rec.Attrs) {
		diffs = append(diffs, AttrDiff{Name: name, Before: rec.Attrs[name]})
	}
	return diffs
}

// valuesEqual compares two normalized attribute values.
func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalizeValue(a), normalizeValue(b))
}

func sortedAttrNames(m map[string]resolvedAttr) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedAttrKeys(m map[string]interface{}) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
