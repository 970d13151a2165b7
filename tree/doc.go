// Package tree implements the hierarchical value trees shared by sources
// and client mirrors.
//
// A tree is built from three node kinds: Leaf (a scalar or opaque value),
// Branch (named children) and Tombstone (a deletion inside a diff, null on
// the wire). Merge applies a partial tree and reports the diff, Project
// extracts the parts named by a path request, and Watch tracks which paths
// a subscriber follows so diffs can be filtered per subscriber.
package tree
