// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.

// Package plane provides the structurally-shared containers that back a
// published GraphSnapshot. An Index is an immutable value: Inserted and
// Removed return a new Index that shares its unaffected backing nodes with
// the receiver, so publishing a new snapshot version never mutates anything
// an older snapshot's readers can see. Index is backed by a copy-on-write
// google/btree.BTreeG, the same structure the shard coordinator uses for its
// transaction table, so Inserted/Removed clone the tree's root in O(1) and
// mutate the clone in O(log n) rather than rebuilding the whole backing
// slice on every write. The atomic publish point itself lives one level up,
// in the engine's single atomic.Pointer[*Snapshot] — this package only has
// to guarantee that two Index values never alias mutable state.
package plane

import (
	"github.com/google/btree"
	"golang.org/x/exp/constraints"
)

// Keyed is implemented by any value stored in an Index.
type Keyed[K constraints.Ordered] interface {
	Key() K
}

// entry is the btree element: val is never mutated once stored, only
// replaced wholesale by Inserted.
type entry[T Keyed[K], K constraints.Ordered] struct {
	key K
	val *T
}

func lessEntry[T Keyed[K], K constraints.Ordered](a, b entry[T, K]) bool {
	return a.key < b.key
}

// btreeDegree is the branching factor passed to btree.NewG; the same value
// the shard coordinator's transaction table uses.
const btreeDegree = 32

// Index is an immutable, structurally-shared sorted map. Its zero value is
// not ready for use; construct one with NewIndex.
type Index[T Keyed[K], K constraints.Ordered] struct {
	tree *btree.BTreeG[entry[T, K]]
}

// NewIndex returns an empty Index ready for use.
func NewIndex[T Keyed[K], K constraints.Ordered]() *Index[T, K] {
	return &Index[T, K]{tree: btree.NewG(btreeDegree, lessEntry[T, K])}
}

// Snapshot returns the backing entries in ascending key order. Callers must
// treat it as read-only: Index never mutates a node it has already handed
// out, but it also never defensively copies *T on read, so a caller that
// mutates a returned value breaks that guarantee for every Index sharing it.
func (idx *Index[T, K]) Snapshot() []*T {
	out := make([]*T, 0, idx.tree.Len())
	idx.tree.Ascend(func(e entry[T, K]) bool {
		out = append(out, e.val)
		return true
	})
	return out
}

// Len reports the number of entries.
func (idx *Index[T, K]) Len() int {
	return idx.tree.Len()
}

// Get looks up key.
func (idx *Index[T, K]) Get(key K) (*T, bool) {
	e, ok := idx.tree.Get(entry[T, K]{key: key})
	if !ok {
		return nil, false
	}
	return e.val, true
}

// Inserted returns a new Index with v inserted or replacing the prior entry
// for v.Key(). The receiver is left untouched, so any Snapshot taken from it
// earlier remains valid and unchanged: Clone gives the new Index its own
// root sharing every unaffected node with idx, and only the O(log n) path
// down to v.Key() is ever copied.
func (idx *Index[T, K]) Inserted(v *T) *Index[T, K] {
	next := idx.tree.Clone()
	next.ReplaceOrInsert(entry[T, K]{key: (*v).Key(), val: v})
	return &Index[T, K]{tree: next}
}

// Removed returns a new Index with key's entry removed, and the removed
// value if one was present. The receiver is left untouched.
func (idx *Index[T, K]) Removed(key K) (*Index[T, K], *T) {
	next := idx.tree.Clone()
	removed, ok := next.Delete(entry[T, K]{key: key})
	if !ok {
		return idx, nil
	}
	return &Index[T, K]{tree: next}, removed.val
}
