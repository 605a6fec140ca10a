// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package graph

import (
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

// Association is a typed directed edge. Its identity is (Source, Target,
// TypeTag); inserting a duplicate identity replaces Strength monotonically
// (see EdgeIndex.upsert).
type Association struct {
	Source   ident.ConceptId
	Target   ident.ConceptId
	TypeTag  uint32
	Strength float64
}

// edgeBucket holds one source concept's outbound edges, keyed for the plane
// Index by the source's hex id; the bucket itself keeps per-source edges in
// insertion order so query_neighbors returns them in insertion order.
type edgeBucket struct {
	source ident.ConceptId
	edges  []Association // insertion order; duplicates by (target, typeTag) are not possible once Upsert is used exclusively
}

func (b edgeBucket) Key() string { return b.source.Key() }

func (b *edgeBucket) clone() *edgeBucket {
	return &edgeBucket{source: b.source, edges: append([]Association(nil), b.edges...)}
}

func (b *edgeBucket) indexOf(target ident.ConceptId, typeTag uint32) int {
	for i, e := range b.edges {
		if e.Target == target && e.TypeTag == typeTag {
			return i
		}
	}
	return -1
}
