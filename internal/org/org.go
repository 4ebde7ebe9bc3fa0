// Package org maintains the organization hierarchy as an in-memory
// queryable forest and answers ancestor/descendant/path queries for the
// permission resolver.
//
// Organizational visibility is a downward-only reachability question, so
// the graph keeps an explicit parent/children adjacency index instead of
// anything polymorphic. Structural mutations (insert, reparent, remove)
// validate the no-cycle and max-depth invariants before touching state.
package org

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxDepth is the maximum allowed depth of the organization tree.
// Roots have depth 1, so at most five levels exist.
const MaxDepth = 5

// Status of an organization.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var (
	// ErrNotFound indicates the organization does not exist in the graph.
	ErrNotFound = errors.New("organization not found")

	// ErrCycle indicates a parent reassignment would create a cycle.
	ErrCycle = errors.New("organization cycle detected")

	// ErrDepthExceeded indicates an insertion or reparenting would push
	// part of the tree beyond MaxDepth.
	ErrDepthExceeded = errors.New("organization depth exceeded")

	// ErrHasChildren indicates a removal was rejected because the
	// organization still has live children.
	ErrHasChildren = errors.New("organization has children")

	// ErrDuplicate indicates an organization with the same id already
	// exists in the graph.
	ErrDuplicate = errors.New("organization already exists")
)

// Organization is a node in the hierarchy. ParentID is nil for roots.
// Depth is derived: roots have depth 1, children depth(parent)+1.
type Organization struct {
	ID        uuid.UUID
	Name      string
	Code      string
	Type      string
	ParentID  *uuid.UUID
	Status    Status
	Depth     int
	UpdatedAt time.Time
}

// Graph is the queryable organization forest.
// It is safe for concurrent use by multiple goroutines.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[uuid.UUID]*Organization
	children map[uuid.UUID][]uuid.UUID
}

// NewGraph builds a graph from a flat list of organizations, recomputing
// depths. It fails if the list references unknown parents, contains a
// cycle, or exceeds MaxDepth.
func NewGraph(orgs []Organization) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[uuid.UUID]*Organization, len(orgs)),
		children: make(map[uuid.UUID][]uuid.UUID),
	}

	for i := range orgs {
		o := orgs[i]
		if _, exists := g.nodes[o.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
		}
		g.nodes[o.ID] = &o
	}

	for id, o := range g.nodes {
		if o.ParentID == nil {
			continue
		}
		if _, ok := g.nodes[*o.ParentID]; !ok {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrNotFound, *o.ParentID, id)
		}
		g.children[*o.ParentID] = append(g.children[*o.ParentID], id)
	}

	if err := g.recomputeDepths(); err != nil {
		return nil, err
	}
	return g, nil
}

// Org returns a copy of the organization with the given id.
func (g *Graph) Org(id uuid.UUID) (Organization, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	o, ok := g.nodes[id]
	if !ok {
		return Organization{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *o, nil
}

// IsAncestor reports whether a is a strict ancestor of b.
func (g *Graph) IsAncestor(a, b uuid.UUID) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[a]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, a)
	}
	node, ok := g.nodes[b]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, b)
	}

	for node.ParentID != nil {
		if *node.ParentID == a {
			return true, nil
		}
		node = g.nodes[*node.ParentID]
	}
	return false, nil
}

// Descendants returns the set of all strict descendants of the given
// organization.
func (g *Graph) Descendants(id uuid.UUID) (map[uuid.UUID]struct{}, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := make(map[uuid.UUID]struct{})
	stack := append([]uuid.UUID(nil), g.children[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out[cur] = struct{}{}
		stack = append(stack, g.children[cur]...)
	}
	return out, nil
}

// Path returns the ordered sequence of organization ids from the root
// down to (and including) the given organization.
func (g *Graph) Path(id uuid.UUID) ([]uuid.UUID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Walk up, then reverse. Depth is bounded by MaxDepth.
	path := []uuid.UUID{id}
	for node.ParentID != nil {
		path = append(path, *node.ParentID)
		node = g.nodes[*node.ParentID]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Insert adds a new organization. The parent, when set, must exist, and
// the resulting depth must not exceed MaxDepth.
func (g *Graph) Insert(o Organization) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
	}

	depth := 1
	if o.ParentID != nil {
		parent, ok := g.nodes[*o.ParentID]
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, *o.ParentID)
		}
		depth = parent.Depth + 1
	}
	if depth > MaxDepth {
		return fmt.Errorf("%w: depth %d", ErrDepthExceeded, depth)
	}

	o.Depth = depth
	g.nodes[o.ID] = &o
	if o.ParentID != nil {
		g.children[*o.ParentID] = append(g.children[*o.ParentID], o.ID)
	}
	return nil
}

// Reparent moves an organization under a new parent (nil = make root).
// It rejects moves that would create a cycle or push the subtree beyond
// MaxDepth, and recomputes depths of the moved subtree on success.
func (g *Graph) Reparent(id uuid.UUID, newParent *uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	newDepth := 1
	if newParent != nil {
		if *newParent == id {
			return fmt.Errorf("%w: %s cannot be its own parent", ErrCycle, id)
		}
		parent, ok := g.nodes[*newParent]
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, *newParent)
		}
		// A cycle arises exactly when the new parent sits inside the
		// moved subtree.
		if g.inSubtree(id, *newParent) {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, *newParent, id)
		}
		newDepth = parent.Depth + 1
	}

	if newDepth+g.subtreeHeight(id) > MaxDepth {
		return fmt.Errorf("%w: subtree would reach depth %d", ErrDepthExceeded, newDepth+g.subtreeHeight(id))
	}

	g.detachFromParent(node)
	node.ParentID = newParent
	if newParent != nil {
		g.children[*newParent] = append(g.children[*newParent], id)
	}
	g.setSubtreeDepth(id, newDepth)
	return nil
}

// Remove deletes an organization. Removal is rejected while the node
// still has children.
func (g *Graph) Remove(id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(g.children[id]) > 0 {
		return fmt.Errorf("%w: %s has %d children", ErrHasChildren, id, len(g.children[id]))
	}

	g.detachFromParent(node)
	delete(g.children, id)
	delete(g.nodes, id)
	return nil
}

// Len returns the number of organizations in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// inSubtree reports whether candidate lies in the subtree rooted at
// root (excluding root itself). Caller must hold the lock.
func (g *Graph) inSubtree(root, candidate uuid.UUID) bool {
	stack := append([]uuid.UUID(nil), g.children[root]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == candidate {
			return true
		}
		stack = append(stack, g.children[cur]...)
	}
	return false
}

// subtreeHeight returns the height of the subtree rooted at id, where a
// leaf has height 0. Caller must hold the lock.
func (g *Graph) subtreeHeight(id uuid.UUID) int {
	max := 0
	for _, child := range g.children[id] {
		if h := g.subtreeHeight(child) + 1; h > max {
			max = h
		}
	}
	return max
}

// setSubtreeDepth assigns depth to id and propagates down the subtree.
// Caller must hold the lock.
func (g *Graph) setSubtreeDepth(id uuid.UUID, depth int) {
	g.nodes[id].Depth = depth
	for _, child := range g.children[id] {
		g.setSubtreeDepth(child, depth+1)
	}
}

// detachFromParent removes node from its current parent's child list.
// Caller must hold the lock.
func (g *Graph) detachFromParent(node *Organization) {
	if node.ParentID == nil {
		return
	}
	siblings := g.children[*node.ParentID]
	for i, sib := range siblings {
		if sib == node.ID {
			g.children[*node.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
}

// recomputeDepths walks every root and assigns depths, detecting cycles
// (nodes never reached from a root) and depth violations.
func (g *Graph) recomputeDepths() error {
	visited := make(map[uuid.UUID]struct{}, len(g.nodes))

	for id, o := range g.nodes {
		if o.ParentID != nil {
			continue
		}
		if err := g.assignDepth(id, 1, visited); err != nil {
			return err
		}
	}

	// Any node not reached from a root participates in a cycle.
	if len(visited) != len(g.nodes) {
		for id := range g.nodes {
			if _, ok := visited[id]; !ok {
				return fmt.Errorf("%w: involving %s", ErrCycle, id)
			}
		}
	}
	return nil
}

func (g *Graph) assignDepth(id uuid.UUID, depth int, visited map[uuid.UUID]struct{}) error {
	if depth > MaxDepth {
		return fmt.Errorf("%w: %s at depth %d", ErrDepthExceeded, id, depth)
	}
	visited[id] = struct{}{}
	g.nodes[id].Depth = depth
	for _, child := range g.children[id] {
		if err := g.assignDepth(child, depth+1, visited); err != nil {
			return err
		}
	}
	return nil
}
