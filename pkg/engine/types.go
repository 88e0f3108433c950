package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Address uniquely identifies a resource node as "type.name",
// e.g. "network.vpc0" or "server.web".
type Address string

// MakeAddress builds an address from a resource type and name.
func MakeAddress(resourceType, name string) Address {
	return Address(resourceType + "." + name)
}

// Type returns the resource type portion of the address.
func (a Address) Type() string {
	if i := strings.LastIndex(string(a), "."); i >= 0 {
		return string(a)[:i]
	}
	return string(a)
}

// Name returns the resource name portion of the address.
func (a Address) Name() string {
	if i := strings.LastIndex(string(a), "."); i >= 0 {
		return string(a)[i+1:]
	}
	return ""
}

// Validate checks that the address has both a type and a name.
func (a Address) Validate() error {
	if a == "" {
		return fmt.Errorf("empty address")
	}
	i := strings.LastIndex(string(a), ".")
	if i <= 0 || i == len(a)-1 {
		return fmt.Errorf("invalid address %q: want type.name", a)
	}
	return nil
}

// Reference points at another node's output attribute.
type Reference struct {
	// Address is the referenced node's address.
	Address Address `json:"address"`

	// Attribute is the name of the referenced output attribute.
	Attribute string `json:"attribute"`
}

// String renders the reference in configuration syntax.
func (r Reference) String() string {
	return fmt.Sprintf("${%s.%s}", r.Address, r.Attribute)
}

// AttrValue is a tagged union: either a concrete literal or an unresolved
// reference to another node's output. Exactly one arm is set; references are
// resolved during apply, never left ambiguous past planning.
type AttrValue struct {
	literal interface{}
	ref     *Reference
}

// LiteralValue wraps a concrete value.
func LiteralValue(v interface{}) AttrValue {
	return AttrValue{literal: normalizeValue(v)}
}

// ReferenceValue wraps an unresolved reference to addr's output attribute.
func ReferenceValue(addr Address, attribute string) AttrValue {
	return AttrValue{ref: &Reference{Address: addr, Attribute: attribute}}
}

// IsReference returns true if the value is an unresolved reference.
func (v AttrValue) IsReference() bool {
	return v.ref != nil
}

// Literal returns the literal value, or nil for references.
func (v AttrValue) Literal() interface{} {
	return v.literal
}

// Reference returns the reference, or nil for literals.
func (v AttrValue) Reference() *Reference {
	return v.ref
}

// attrValueJSON is the serialized form of AttrValue.
type attrValueJSON struct {
	Literal interface{} `json:"literal,omitempty"`
	Ref     *Reference  `json:"ref,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v AttrValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(attrValueJSON{Literal: v.literal, Ref: v.ref})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *AttrValue) UnmarshalJSON(data []byte) error {
	var raw attrValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.literal = raw.Literal
	v.ref = raw.Ref
	return nil
}

// ResourceSpec is a single declared resource as handed to the graph builder.
// The configuration front end produces these; the grammar that produced them
// is not the engine's concern.
type ResourceSpec struct {
	// Type is the resource type (e.g. "network", "server").
	Type string `json:"type"`

	// Name is the per-type unique resource name.
	Name string `json:"name"`

	// Provider is the provider binding for this resource.
	Provider string `json:"provider,omitempty"`

	// Attrs is the desired attribute set. Values are literals or
	// unresolved references to other nodes' outputs.
	Attrs map[string]AttrValue `json:"attrs"`

	// DependsOn lists explicit dependency addresses beyond those inferred
	// from attribute references.
	DependsOn []Address `json:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`
}

// Address returns the node address for this spec.
func (s ResourceSpec) Address() Address {
	return MakeAddress(s.Type, s.Name)
}

// ResourceNode is a validated node in the dependency graph. Nodes are owned
// by the graph builder and read-only once the graph is built.
type ResourceNode struct {
	// Address is the unique node address.
	Address Address `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Name is the resource name.
	Name string `json:"name"`

	// Provider is the provider binding.
	Provider string `json:"provider,omitempty"`

	// Attrs is the desired attribute set.
	Attrs map[string]AttrValue `json:"attrs"`

	// Labels are key-value pairs attached to the node.
	Labels map[string]string `json:"labels,omitempty"`
}

// DependencyEdge is a directed relation between two nodes: To depends on From.
type DependencyEdge struct {
	// From is the dependency (must be reconciled first on create).
	From Address `json:"from"`

	// To is the dependent.
	To Address `json:"to"`

	// Kind records how the edge was derived.
	Kind EdgeKind `json:"kind"`
}

// AttrDiff describes a single attribute difference between prior and desired.
type AttrDiff struct {
	// Name is the attribute name.
	Name string `json:"name"`

	// Before is the prior value (nil on create).
	Before interface{} `json:"before,omitempty"`

	// After is the desired value; nil when it is only known after apply.
	After interface{} `json:"after,omitempty"`

	// Unknown marks values that depend on an upstream change and are only
	// known after apply.
	Unknown bool `json:"unknown,omitempty"`

	// ForcesReplacement marks attributes whose change requires recreating
	// the resource.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

// Change is one ChangeSet entry: the action required for a single address.
type Change struct {
	// Address is the node address this change applies to.
	Address Address `json:"address"`

	// Action is the required reconciliation action.
	Action ChangeAction `json:"action"`

	// Provider is the provider binding from the desired node, empty for
	// pure deletes.
	Provider string `json:"provider,omitempty"`

	// Dependencies are the desired-graph dependency addresses, recorded
	// into the state so deletes of removed nodes stay ordered.
	Dependencies []Address `json:"dependencies,omitempty"`

	// Labels are the node's labels, for policy evaluation. Deletes of
	// undeclared nodes carry the prior record's labels.
	Labels map[string]string `json:"labels,omitempty"`

	// PriorRecord is the last-applied record, nil for create.
	PriorRecord *ResourceRecord `json:"prior_record,omitempty"`

	// Desired is the desired attribute set, nil for delete.
	Desired map[string]AttrValue `json:"desired,omitempty"`

	// Diffs lists the attribute-level differences.
	Diffs []AttrDiff `json:"diffs,omitempty"`

	// ReplaceOrder is the decomposition policy, set only for replace.
	ReplaceOrder ReplaceOrder `json:"replace_order,omitempty"`
}

// ChangeSummary counts changes by action.
type ChangeSummary struct {
	Total   int `json:"total"`
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// ChangeSet is the minimal set of per-node actions required to reconcile
// desired state with the prior snapshot. Read-only after construction.
type ChangeSet struct {
	// Changes is ordered: desired nodes in topological order, then deletes.
	Changes []*Change `json:"changes"`

	// Summary counts changes by action.
	Summary ChangeSummary `json:"summary"`

	byAddress map[Address]*Change
}

// newChangeSet builds a ChangeSet from an ordered change list.
func newChangeSet(changes []*Change) *ChangeSet {
	cs := &ChangeSet{
		Changes:   changes,
		byAddress: make(map[Address]*Change, len(changes)),
	}
	for _, c := range changes {
		cs.byAddress[c.Address] = c
		cs.Summary.Total++
		switch c.Action {
		case ActionCreate:
			cs.Summary.Create++
		case ActionUpdate:
			cs.Summary.Update++
		case ActionDelete:
			cs.Summary.Delete++
		case ActionReplace:
			cs.Summary.Replace++
		case ActionNoOp:
			cs.Summary.NoOp++
		}
	}
	return cs
}

// Get returns the change for an address, or nil.
func (cs *ChangeSet) Get(addr Address) *Change {
	return cs.byAddress[addr]
}

// HasChanges returns true if any entry is mutating.
func (cs *ChangeSet) HasChanges() bool {
	return cs.Summary.Total > cs.Summary.NoOp
}

// Step is a single provider operation in the execution plan. A Replace
// change contributes two steps for the same address.
type Step struct {
	// ID uniquely identifies the step within the plan ("address:op").
	ID string `json:"id"`

	// Address is the node address this step operates on.
	Address Address `json:"address"`

	// Op is the provider operation to perform.
	Op StepOp `json:"op"`

	// DependsOn lists step IDs that must succeed before this step starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// PartOfReplace marks steps that belong to a Replace decomposition.
	PartOfReplace bool `json:"part_of_replace,omitempty"`
}

// stepID builds the canonical step identifier.
func stepID(addr Address, op StepOp) string {
	return string(addr) + ":" + string(op)
}

/// ExecutionPlan is the scheduled change set: an ordered list of batches,
// where all steps within a batch are mutually independent and may run
// concurrently. Read-only after construction.
type ExecutionPlan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CreatedAt is when the plan was scheduled.
	CreatedAt time.Time `json:"created_at"`

	// Batches are the ordered parallel batches.
	Batches [][]*Step `json:"batches"`

	// Summary counts the underlying change set by action.
	Summary ChangeSummary `json:"summary"`

	steps map[string]*Step
}

// NumSteps returns the total number of steps in the plan.
func (p *ExecutionPlan) NumSteps() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b)
	}
	return n
}

// Step returns the step with the given ID, or nil.
func (p *ExecutionPlan) Step(id string) *Step {
	return p.steps[id]
}

// ApplyResult is the terminal result for one node address within a run.
// Results are append-only: created by the executor, consumed by the state
// store, never mutated afterwards.
type ApplyResult struct {
	// Address is the node address.
	Address Address `json:"address"`

	// Action is the change action that was attempted.
	Action ChangeAction `json:"action"`

	// Outcome is the terminal outcome.
	Outcome Outcome `json:"outcome"`

	// Error carries the failure detail, nil on success.
	Error *EngineError `json:"error,omitempty"`

	// Attrs is the resulting attribute set on success (nil after delete).
	Attrs map[string]interface{} `json:"attrs,omitempty"`

	// ProviderID is the provider-assigned identity on success.
	ProviderID string `json:"provider_id,omitempty"`

	// StartedAt is when the first attempt began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the terminal outcome was reached.
	CompletedAt time.Time `json:"completed_at"`

	// Attempts is the total number of provider attempts made.
	Attempts int `json:"attempts"`
}

// ResourceRecord is the last-applied state of one resource.
type ResourceRecord struct {
	// Address is the node address.
	Address Address `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Provider is the provider binding the record was applied with.
	Provider string `json:"provider,omitempty"`

	// ID is the provider-assigned identity.
	ID string `json:"id"`

	// Attrs is the resolved attribute set as applied.
	Attrs map[string]interface{} `json:"attrs"`

	// Dependencies lists the addresses this record depended on when applied.
	// Kept so deletions of removed nodes can still be ordered.
	Dependencies []Address `json:"dependencies,omitempty"`

	// Labels are the labels the node carried when applied. Kept so policy
	// can still see them on deletes of undeclared nodes.
	Labels map[string]string `json:"labels,omitempty"`

	// AppliedAt is when the record was last written by a successful action.
	AppliedAt time.Time `json:"applied_at"`
}

// Clone returns a deep-enough copy of the record for snapshot mutation.
func (r *ResourceRecord) Clone() *ResourceRecord {
	cp := *r
	cp.Attrs = make(map[string]interface{}, len(r.Attrs))
	for k, v := range r.Attrs {
		cp.Attrs[k] = v
	}
	cp.Dependencies = append([]Address(nil), r.Dependencies...)
	if r.Labels != nil {
		cp.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

/// StateSnapshot is the versioned last-applied state: single writer,
// many readers, persisted atomically with a monotonically increasing serial.
type StateSnapshot struct {
	// Serial increments by one on every committed apply run.
	Serial uint64 `json:"serial"`

	// Lineage identifies the state's history; it never changes once set.
	Lineage string `json:"lineage"`

	// TakenAt is when the snapshot was committed.
	TakenAt time.Time `json:"taken_at"`

	// Resources maps node addresses to their last-applied records.
	Resources map[Address]*ResourceRecord `json:"resources"`
}

// NewSnapshot returns an empty snapshot at serial zero.
func NewSnapshot(lineage string) *StateSnapshot {
	return &StateSnapshot{
		Lineage:   lineage,
		Resources: make(map[Address]*ResourceRecord),
	}
}

// Record returns the record for an address, or nil.
func (s *StateSnapshot) Record(addr Address) *ResourceRecord {
	if s == nil {
		return nil
	}
	return s.Resources[addr]
}

// Addresses returns all recorded addresses in sorted order.
func (s *StateSnapshot) Addresses() []Address {
	if s == nil {
		return nil
	}
	addrs := make([]Address, 0, len(s.Resources))
	for a := range s.Resources {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Clone returns a deep copy safe for independent mutation.
func (s *StateSnapshot) Clone() *StateSnapshot {
	cp := &StateSnapshot{
		Serial:    s.Serial,
		Lineage:   s.Lineage,
		TakenAt:   s.TakenAt,
		Resources: make(map[Address]*ResourceRecord, len(s.Resources)),
	}
	for a, r := range s.Resources {
		cp.Resources[a] = r.Clone()
	}
	return cp
}

// normalizeValue canonicalizes a value through a JSON round trip so that
// values parsed from configuration compare equal to values read back from
// the state store (e.g. int vs float64).
func normalizeValue(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// NormalizeAttrs canonicalizes every value in an attribute map.
func NormalizeAttrs(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = normalizeValue(v)
	}
	return out
}
