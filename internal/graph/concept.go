// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package graph holds the read-visible state of the knowledge graph: the
// Concept and Association value types, and the immutable GraphSnapshot that
// publishes them atomically to readers.
package graph

import (
	"encoding/json"

	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

// Content is a shared immutable byte buffer. Multiple snapshots reference
// the same backing array; nothing ever mutates it in place.
type Content = []byte

// Vector is a shared immutable sequence of 32-bit floats.
type Vector = []float32

// Concept is a content+optional-vector record identified by a ConceptId.
type Concept struct {
	Id         ident.ConceptId
	Content    Content
	Vector     Vector // nil when the concept carries no embedding
	Strength   float64
	Confidence float64
	CreatedAt  int64 // microseconds since epoch
	ModifiedAt int64 // microseconds since epoch
	Semantic   json.RawMessage // opaque pass-through metadata, never interpreted here
	Neighbors  []ident.ConceptId
}

// Key satisfies plane.Keyed. Value receiver so Concept (not just *Concept)
// satisfies the constraint plane.Index[Concept, string] requires.
func (c Concept) Key() string { return c.Id.Key() }

// Clone returns a shallow copy suitable for copy-on-write mutation: Content,
// Vector, and Semantic are shared (never mutated in place, so sharing is
// safe); Neighbors is deep-copied because callers append to it.
func (c *Concept) Clone() *Concept {
	clone := *c
	clone.Neighbors = append([]ident.ConceptId(nil), c.Neighbors...)
	return &clone
}
