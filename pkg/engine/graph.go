package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated resource dependency graph. It is immutable after
// Build returns and safe for concurrent reads.
type Graph struct {
	nodes map[Address]*ResourceNode
	edges []DependencyEdge

	// dependencies maps a node to the addresses it depends on;
	// dependents is the reverse relation.
	dependencies map[Address][]Address
	dependents   map[Address][]Address

	// levels are the topological levels; nodes at the same level have no
	// ordering relation between them.
	levels [][]Address
}

// Node returns the node at an address, or nil.
func (g *Graph) Node(addr Address) *ResourceNode {
	return g.nodes[addr]
}

// Nodes returns all node addresses in sorted order.
func (g *Graph) Nodes() []Address {
	addrs := make([]Address, 0, len(g.nodes))
	for a := range g.nodes {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Edges returns the deduplicated dependency edges.
func (g *Graph) Edges() []DependencyEdge {
	return g.edges
}

// Dependencies returns the addresses a node depends on.
func (g *Graph) Dependencies(addr Address) []Address {
	return g.dependencies[addr]
}

// Dependents returns the addresses that depend on a node.
func (g *Graph) Dependents(addr Address) []Address {
	return g.dependents[addr]
}

// Levels returns the topological levels. Nodes in level i only depend on
// nodes in levels < i.
func (g *Graph) Levels() [][]Address {
	return g.levels
}

// TopoOrder returns all addresses in a deterministic topological order.
func (g *Graph) TopoOrder() []Address {
	order := make([]Address, 0, len(g.nodes))
	for _, level := range g.levels {
		order = append(order, level...)
	}
	return order
}

// GraphBuilder constructs a dependency graph from resource specs. It
// validates addresses and references, derives edges, detects cycles, and
// computes topological levels.
type GraphBuilder struct {
	nodes map[Address]*ResourceNode

	// adjacency maps a node to its dependents (edges point from
	// dependency to dependent).
	adjacency map[Address][]Address
	reverse   map[Address][]Address
	inDegree  map[Address]int

	edges   []DependencyEdge
	edgeSet map[string]bool
	levels  [][]Address
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes:     make(map[Address]*ResourceNode),
		adjacency: make(map[Address][]Address),
		reverse:   make(map[Address][]Address),
		inDegree:  make(map[Address]int),
		edgeSet:   make(map[string]bool),
	}
}

// Build constructs a validated graph from resource specs. It is pure:
// no provider calls, no I/O.
func (b *GraphBuilder) Build(specs []ResourceSpec) (*Graph, error) {
	if err := b.indexNodes(specs); err != nil {
		return nil, err
	}
	if err := b.deriveEdges(specs); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return &Graph{
		nodes:        b.nodes,
		edges:        b.edges,
		dependencies: b.reverse,
		dependents:   b.adjacency,
		levels:       b.levels,
	}, nil
}

// indexNodes validates and indexes every spec, rejecting duplicates.
func (b *GraphBuilder) indexNodes(specs []ResourceSpec) error {
	for i := range specs {
		spec := &specs[i]
		addr := spec.Address()
		if err := addr.Validate(); err != nil {
			return NewPermanentError("invalid resource address", err).
				WithCode(ErrCodeParse)
		}

		if _, exists := b.nodes[addr]; exists {
			return NewPermanentError(
				fmt.Sprintf("duplicate resource address: %s", addr), nil).
				WithCode(ErrCodeDuplicateAddress).WithAddress(addr)
		}

		b.nodes[addr] = &ResourceNode{
			Address:  addr,
			Type:     spec.Type,
			Name:     spec.Name,
			Provider: spec.Provider,
			Attrs:    spec.Attrs,
			Labels:   spec.Labels,
		}
		b.adjacency[addr] = make([]Address, 0)
		b.reverse[addr] = make([]Address, 0)
		b.inDegree[addr] = 0
	}
	return nil
}

// deriveEdges builds the edge set from explicit depends_on declarations and
// implicit attribute references, deduplicating as it goes.
func (b *GraphBuilder) deriveEdges(specs []ResourceSpec) error {
	for i := range specs {
		spec := &specs[i]
		addr := spec.Address()

		for _, dep := range spec.DependsOn {
			if _, exists := b.nodes[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("resource %s depends on undeclared resource %s", addr, dep),
					nil,
				).WithCode(ErrCodeUnresolvedReference).WithAddress(addr)
			}
			b.addEdge(dep, addr, EdgeExplicit)
		}

		for name, value := range spec.Attrs {
			ref := value.Reference()
			if ref == nil {
				continue
			}
			if _, exists := b.nodes[ref.Address]; !exists {
				return NewPermanentError(
					fmt.Sprintf("resource %s attribute %q references undeclared resource %s",
						addr, name, ref.Address),
					nil,
				).WithCode(ErrCodeUnresolvedReference).WithAddress(addr)
			}
			if ref.Address == addr {
				return NewPermanentError(
					fmt.Sprintf("resource %s attribute %q references itself", addr, name),
					nil,
				).WithCode(ErrCodeCycle).WithAddress(addr)
			}
			b.addEdge(ref.Address, addr, EdgeReference)
		}
	}
	return nil
}

// addEdge records a deduplicated edge from dependency to dependent.
// An explicit edge is not downgraded when a reference edge already exists.
func (b *GraphBuilder) addEdge(from, to Address, kind EdgeKind) {
	key := string(from) + "->" + string(to)
	if b.edgeSet[key] {
		return
	}
	b.edgeSet[key] = true
	b.edges = append(b.edges, DependencyEdge{From: from, To: to, Kind: kind})
	b.adjacency[from] = append(b.adjacency[from], to)
	b.reverse[to] = append(b.reverse[to], from)
	b.inDegree[to]++
}

// detectCycles uses depth-first search to detect circular dependencies,
// reporting the full cycle path.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[Address]bool)
	recStack := make(map[Address]bool)

	for _, addr := range sortedAddresses(b.nodes) {
		if visited[addr] {
			continue
		}
		if cycle := b.findCycle(addr, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("dependency cycle detected: %s", formatCycle(cycle)), nil).
				WithCode(ErrCodeCycle).WithDetail("cycle", cycle)
		}
	}
	return nil
}

// findCycle performs DFS along dependent edges, returning the cycle path
// when one is found.
func (b *GraphBuilder) findCycle(
	addr Address,
	visited map[Address]bool,
	recStack map[Address]bool,
	path []Address,
) []Address {
	visited[addr] = true
	recStack[addr] = true
	path = append(path, addr)

	for _, dependent := range b.adjacency[addr] {
		if !visited[dependent] {
			if cycle := b.findCycle(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, a := range path {
				if a == dependent {
					return append(path[i:], dependent)
				}
			}
		}
	}

	recStack[addr] = false
	return nil
}

// computeLevels runs Kahn's algorithm, grouping nodes into topological
// levels. Levels and the nodes within them are deterministic (sorted).
func (b *GraphBuilder) computeLevels() error {
	inDegree := make(map[Address]int, len(b.inDegree))
	for addr, d := range b.inDegree {
		inDegree[addr] = d
	}

	current := make([]Address, 0)
	for addr, d := range inDegree {
		if d == 0 {
			current = append(current, addr)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]Address, 0)
		for _, addr := range current {
			for _, dependent := range b.adjacency[addr] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	// Cycle detection already ran; a mismatch here is a builder bug.
	if processed != len(b.nodes) {
		return NewPermanentError("topological sort did not consume all nodes", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, addrs := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, addr := range addrs {
			sb.WriteString(fmt.Sprintf("    %q;\n", string(addr)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n",
			string(edge.From), string(edge.To), edgeStyle(edge.Kind)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// edgeStyle returns a DOT style string for an edge kind.
func edgeStyle(kind EdgeKind) string {
	switch kind {
	case EdgeExplicit:
		return "style=solid, color=black"
	case EdgeReference:
		return "style=dashed, color=blue"
	case EdgeOrdering:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []Address) string {
	parts := make([]string, len(cycle))
	for i, a := range cycle {
		parts[i] = string(a)
	}
	return strings.Join(parts, " -> ")
}

// sortedAddresses returns map keys in sorted order for deterministic walks.
func sortedAddresses(m map[Address]*ResourceNode) []Address {
	addrs := make([]Address, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
