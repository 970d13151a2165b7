package tree

// Watch records which parts of a tree a subscriber follows. All means the
// whole subtree at this node; otherwise only the children in Sub.
type Watch struct {
	All bool
	Sub map[string]*Watch
}

// NewWatch returns an empty watch tree
func NewWatch() *Watch {
	return &Watch{}
}

// Empty reports whether nothing is watched
func (w *Watch) Empty() bool {
	return w == nil || !w.All && len(w.Sub) == 0
}

// Add merges path into the watch tree and returns the portion of path that
// was not covered before, or nil. A scalar path (any Leaf) watches the whole
// node.
func (w *Watch) Add(path Node) Node {
	if w.All {
		return nil
	}
	pb, ok := path.(Branch)
	if !ok {
		w.All = true
		w.Sub = nil
		return Leaf{Value: true}
	}

	var added Branch
	for k, sub := range pb {
		child, ok := w.Sub[k]
		if !ok {
			child = &Watch{}
		}
		a := child.Add(sub)
		if child.Empty() {
			continue
		}
		if w.Sub == nil {
			w.Sub = make(map[string]*Watch)
		}
		w.Sub[k] = child
		if a != nil {
			if added == nil {
				added = make(Branch)
			}
			added[k] = a
		}
	}
	if added == nil {
		return nil
	}
	return added
}

// Uncovered returns the portion of path this tree does not watch, or nil
// when path is fully covered. The tree is not modified.
func (w *Watch) Uncovered(path Node) Node {
	if w == nil {
		return path
	}
	if w.All {
		return nil
	}
	pb, ok := path.(Branch)
	if !ok {
		return path
	}

	var out Branch
	for k, sub := range pb {
		u := w.Sub[k].Uncovered(sub)
		if u == nil {
			continue
		}
		if b, ok := u.(Branch); ok && len(b) == 0 {
			continue
		}
		if out == nil {
			out = make(Branch)
		}
		out[k] = u
	}
	if out == nil {
		return nil
	}
	return out
}

// Remove drops path from the watch tree, pruning nodes left with nothing
// watched. A scalar path removes the whole node. A Branch path below an All
// node is ignored since the node stays fully watched. Returns true when the
// tree is now empty.
func (w *Watch) Remove(path Node) bool {
	pb, ok := path.(Branch)
	if !ok {
		w.All = false
		w.Sub = nil
		return true
	}
	if w.All {
		return false
	}
	for k, sub := range pb {
		child, ok := w.Sub[k]
		if !ok {
			continue
		}
		if child.Remove(sub) {
			delete(w.Sub, k)
		}
	}
	return w.Empty()
}

// Filter folds a diff through the watch tree and returns the part the
// subscriber should see, or nil. Below an All node the diff is copied
// whole. A scalar or Tombstone replacing a partially watched node is
// forwarded as a Tombstone since the watched children are gone.
func (w *Watch) Filter(diff Node) Node {
	if w == nil || diff == nil {
		return nil
	}
	if w.All {
		return Clone(diff)
	}
	if len(w.Sub) == 0 {
		return nil
	}
	db, ok := diff.(Branch)
	if !ok {
		return Tombstone{}
	}

	var out Branch
	for k, child := range w.Sub {
		sub, ok := db[k]
		if !ok {
			continue
		}
		if f := child.Filter(sub); f != nil {
			if out == nil {
				out = make(Branch)
			}
			out[k] = f
		}
	}
	if out == nil {
		return nil
	}
	return out
}

// Path converts the watch tree back into a path request: true leaves for
// All nodes, Branches otherwise.
func (w *Watch) Path() Node {
	if w.Empty() {
		return nil
	}
	if w.All {
		return Leaf{Value: true}
	}
	out := make(Branch, len(w.Sub))
	for k, child := range w.Sub {
		if p := child.Path(); p != nil {
			out[k] = p
		}
	}
	return out
}

// Clone returns a deep copy
func (w *Watch) Clone() *Watch {
	if w == nil {
		return nil
	}
	out := &Watch{All: w.All}
	if len(w.Sub) > 0 {
		out.Sub = make(map[string]*Watch, len(w.Sub))
		for k, child := range w.Sub {
			out.Sub[k] = child.Clone()
		}
	}
	return out
}
