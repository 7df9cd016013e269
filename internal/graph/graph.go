// Package graph provides the dependency graph used for subtask scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/ShayCichocki/weft/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the subtask graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of subtask dependencies.
// Subtasks are nodes; an edge A -> B means A depends on B.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps subtask ID to the subtask itself.
	nodes map[string]*models.Subtask
	// edges maps subtask ID to the IDs it depends on.
	edges map[string][]string
	// completed tracks which subtasks have reached terminal success.
	completed map[string]bool
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Subtask),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build constructs the graph from a slice of subtasks.
// Returns an error if a cycle is detected or a dependency references an
// unknown subtask. On error the graph is left empty: construction is
// all-or-nothing so a rejected edge set creates zero nodes.
func (g *DependencyGraph) Build(subtasks []*models.Subtask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := make(map[string]*models.Subtask, len(subtasks))
	edges := make(map[string][]string, len(subtasks))

	for _, st := range subtasks {
		if _, dup := nodes[st.ID]; dup {
			return fmt.Errorf("duplicate subtask id %s", st.ID)
		}
		nodes[st.ID] = st
		edges[st.ID] = nil
	}

	for _, st := range subtasks {
		for _, depID := range st.Dependencies {
			if _, exists := nodes[depID]; !exists {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", st.ID, depID)
			}
			edges[st.ID] = append(edges[st.ID], depID)
		}
	}

	if _, err := topoOrder(nodes, edges); err != nil {
		return err
	}

	g.nodes = nodes
	g.edges = edges
	g.completed = make(map[string]bool)
	return nil
}

// Add injects a single subtask into an already-built graph, re-validating
// acyclicity against the full existing edge set. Used for dynamic mid-run
// injection; a rejected subtask leaves the graph untouched.
func (g *DependencyGraph) Add(st *models.Subtask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.nodes[st.ID]; dup {
		return fmt.Errorf("duplicate subtask id %s", st.ID)
	}
	for _, depID := range st.Dependencies {
		if _, exists := g.nodes[depID]; !exists {
			return fmt.Errorf("subtask %s depends on unknown subtask %s", st.ID, depID)
		}
	}

	g.nodes[st.ID] = st
	g.edges[st.ID] = append([]string(nil), st.Dependencies...)

	if _, err := topoOrder(g.nodes, g.edges); err != nil {
		delete(g.nodes, st.ID)
		delete(g.edges, st.ID)
		return err
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := topoOrder(g.nodes, g.edges)
	return err != nil
}

// topoOrder computes a dependency-first ordering over the given node and
// edge sets, or ErrCycleDetected when none exists. It is the single
// acyclicity check: Build and Add accept an edge set only if it sorts.
func topoOrder(nodes map[string]*models.Subtask, edges map[string][]string) ([]string, error) {
	var es []toposort.Edge
	for id := range nodes {
		if len(edges[id]) == 0 {
			// Edge from nil keeps isolated nodes in the sort result.
			es = append(es, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range edges[id] {
			es = append(es, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(es)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(nodes))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(nodes) {
		return nil, fmt.Errorf("topological sort lost %d subtasks", len(nodes)-len(order))
	}
	return order, nil
}

// TopologicalSort returns subtask IDs ordered so every dependency comes
// before the subtasks that depend on it. Returns ErrCycleDetected if the
// graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return topoOrder(g.nodes, g.edges)
}

// Layers partitions the graph into dependency layers: every subtask in layer
// N depends only on subtasks in layers < N, so each layer is safe to run
// concurrently. IDs within a layer are sorted by insertion order for
// deterministic output. Returns ErrCycleDetected for cyclic graphs.
func (g *DependencyGraph) Layers() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.edges[id])
	}

	var layers [][]string
	remaining := len(g.nodes)
	for remaining > 0 {
		var layer []string
		for id, deg := range indegree {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, ErrCycleDetected
		}
		sort.Slice(layer, func(i, j int) bool {
			return g.nodes[layer[i]].Seq < g.nodes[layer[j]].Seq
		})
		for _, id := range layer {
			delete(indegree, id)
		}
		for id := range indegree {
			for _, depID := range g.edges[id] {
				if g.contains(layer, depID) {
					indegree[id]--
				}
			}
		}
		layers = append(layers, layer)
		remaining -= len(layer)
	}
	return layers, nil
}

func (g *DependencyGraph) contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// GetReady returns subtask IDs whose dependencies are all completed and
// which have not themselves settled. These are eligible for dispatch.
func (g *DependencyGraph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, st := range g.nodes {
		if g.completed[id] || st.Status.Settled() {
			continue
		}

		allDone := true
		for _, depID := range g.edges[id] {
			if g.completed[depID] {
				continue
			}
			dep, exists := g.nodes[depID]
			if !exists || dep.Status != models.StatusCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkComplete marks a subtask as completed, unblocking its dependents in
// subsequent GetReady calls.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// Get returns the subtask for a given ID, or nil if not found.
func (g *DependencyGraph) Get(id string) *models.Subtask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of subtasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs the given subtask depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs of subtasks that depend on the given subtask.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for nodeID, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, nodeID)
				break
			}
		}
	}
	return dependents
}

// Roots returns the IDs no other subtask depends on; these produce the
// session's final outputs.
func (g *DependencyGraph) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	depended := make(map[string]bool)
	for _, deps := range g.edges {
		for _, depID := range deps {
			depended[depID] = true
		}
	}
	var roots []string
	for id := range g.nodes {
		if !depended[id] {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}
