package tree

// Merge applies update to dst in place and returns what changed, or nil when
// nothing did.
//
// A Tombstone in update deletes the key. A scalar replaces the existing
// value only when it differs. A Branch recurses; when the existing value is
// a scalar or absent a fresh Branch is used and only kept if something ends
// up in it. A Branch emptied by deletions is removed from its parent.
//
// Deleting an existing Branch is reported as a Branch of Tombstones for its
// children rather than a single Tombstone, so that a later diff recreating
// the key composes without resurrecting the old children. Applying either
// form with Merge yields the same tree.
func Merge(dst Branch, update Node) Node {
	upd, ok := update.(Branch)
	if !ok || dst == nil {
		return nil
	}
	if diff := mergeBranch(dst, upd); len(diff) > 0 {
		return diff
	}
	return nil
}

func mergeBranch(dst, upd Branch) Branch {
	var diff Branch
	record := func(k string, n Node) {
		if diff == nil {
			diff = make(Branch)
		}
		diff[k] = n
	}

	for k, nv := range upd {
		cur, exists := dst[k]
		switch v := nv.(type) {
		case nil, Tombstone:
			if !exists {
				continue
			}
			delete(dst, k)
			record(k, deletion(cur))

		case Leaf:
			if old, ok := cur.(Leaf); ok && sameValue(old.Value, v.Value) {
				continue
			}
			dst[k] = v
			record(k, v)

		case Branch:
			sub, isBranch := cur.(Branch)
			if !isBranch {
				sub = make(Branch)
			}
			subDiff := mergeBranch(sub, v)
			if len(subDiff) == 0 {
				continue
			}
			switch {
			case len(sub) == 0:
				delete(dst, k)
			case !isBranch:
				dst[k] = sub
			}
			record(k, subDiff)
		}
	}
	return diff
}

func deletion(old Node) Node {
	b, ok := old.(Branch)
	if !ok || len(b) == 0 {
		return Tombstone{}
	}
	out := make(Branch, len(b))
	for k := range b {
		out[k] = Tombstone{}
	}
	return out
}

// Compose folds next onto an earlier diff prev so that applying the result
// equals applying prev then next. prev is modified in place when it is a
// Branch; the composed diff is returned.
func Compose(prev, next Node) Node {
	nb, ok := next.(Branch)
	if !ok {
		if next == nil {
			return prev
		}
		return next
	}
	pb, ok := prev.(Branch)
	if !ok {
		return Clone(nb)
	}
	for k, sub := range nb {
		pb[k] = Compose(pb[k], sub)
	}
	return pb
}

// Project returns a copy of the parts of n selected by path. A nil or
// scalar path selects everything. A Branch path selects the named children;
// names that do not exist are left out.
func Project(n Node, path Node) Node {
	pb, ok := path.(Branch)
	if !ok {
		return Clone(n)
	}
	b, ok := n.(Branch)
	if !ok {
		return nil
	}
	out := make(Branch, len(pb))
	for k, sub := range pb {
		child, ok := b[k]
		if !ok {
			continue
		}
		proj := Project(child, sub)
		if proj == nil {
			continue
		}
		if pbr, ok := proj.(Branch); ok && len(pbr) == 0 && isBranch(sub) {
			continue
		}
		out[k] = proj
	}
	return out
}

func isBranch(n Node) bool {
	_, ok := n.(Branch)
	return ok
}
