package mirror

import (
	"math"

	"github.com/c360/labctrl/tree"
)

// ageTree records the age each part of a cached tree is current at. A
// node's age covers every descendant without an entry of its own. Zero
// means unknown.
type ageTree struct {
	age uint64
	sub map[string]*ageTree
}

// set marks path as current at age. A scalar path covers the whole node.
func (a *ageTree) set(path tree.Node, age uint64) {
	pb, ok := path.(tree.Branch)
	if !ok {
		a.age = age
		a.sub = nil
		return
	}
	for k, p := range pb {
		child, ok := a.sub[k]
		if !ok {
			child = &ageTree{age: a.age}
			if a.sub == nil {
				a.sub = make(map[string]*ageTree)
			}
			a.sub[k] = child
		}
		child.set(p, age)
	}
}

// min returns the oldest age anywhere under path.
func (a *ageTree) min(path tree.Node) uint64 {
	if a == nil {
		return 0
	}
	pb, ok := path.(tree.Branch)
	if !ok {
		m := a.age
		for _, child := range a.sub {
			if v := child.min(nil); v < m {
				m = v
			}
		}
		return m
	}
	if len(pb) == 0 {
		return a.age
	}
	m := uint64(math.MaxUint64)
	for k, p := range pb {
		v := a.age
		if child, ok := a.sub[k]; ok {
			v = child.min(p)
		}
		if v < m {
			m = v
		}
	}
	return m
}

// ages returns a tree shaped like path holding the age of every scalar
// element of path.
func (a *ageTree) ages(path tree.Node) tree.Node {
	pb, ok := path.(tree.Branch)
	if !ok {
		return tree.Leaf{Value: float64(a.min(nil))}
	}
	out := make(tree.Branch, len(pb))
	for k, p := range pb {
		child, ok := a.sub[k]
		if !ok {
			child = &ageTree{age: a.age}
		}
		out[k] = child.ages(p)
	}
	return out
}
