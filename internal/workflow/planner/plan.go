package planner

import (
	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
)

// Node is one node of a plan tree. Plans are produced by the Planner
// and consumed by dispatchers; they reference task rows by value at
// planning time, execution always reloads authoritative state from the
// store.
type Node interface {
	isPlanNode()
}

// Leaf executes a single task row through the task runtime.
type Leaf struct {
	Task *types.Task
}

// Chain executes its nodes strictly in order and halts on the first
// failure; node k+1 observes all writes made by node k.
type Chain struct {
	Nodes []Node
}

// Group executes all nodes concurrently with no ordering guarantee and
// reports the first failure only after every sibling has terminated.
type Group struct {
	Nodes []Node
}

func (Leaf) isPlanNode()  {}
func (Chain) isPlanNode() {}
func (Group) isPlanNode() {}

// compose wraps nodes in the step's composition operator: GROUP for
// parallel steps, CHAIN otherwise. Empty input collapses to nil and a
// single node is returned bare.
func compose(parallel bool, nodes []Node) Node {
	filtered := nodes[:0]
	for _, n := range nodes {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}
	if parallel {
		return Group{Nodes: filtered}
	}
	return Chain{Nodes: filtered}
}

// sequence chains the non-nil parts in order, collapsing like compose.
func sequence(parts ...Node) Node {
	return compose(false, parts)
}

// Leaves returns the leaf nodes of a plan in declaration order.
func Leaves(n Node) []*types.Task {
	var out []*types.Task
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Leaf:
			out = append(out, v.Task)
		case Chain:
			for _, c := range v.Nodes {
				walk(c)
			}
		case Group:
			for _, c := range v.Nodes {
				walk(c)
			}
		}
	}
	if n != nil {
		walk(n)
	}
	return out
}
