// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package graph

import (
	"errors"

	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
	"github.com/nranjan2code/sutra-memory-sub007/internal/plane"
)

var (
	// ErrSelfEdge is returned when source == target for an association.
	ErrSelfEdge = errors.New("graph: self-edges are rejected")
	// ErrDanglingEdge is returned when an edge endpoint has no concept.
	ErrDanglingEdge = errors.New("graph: edge endpoint not present in snapshot")
)

// EdgeIndex is the persistent, structurally-shared outbound-adjacency map:
// ConceptId -> ordered sequence of (target, strength, typeTag).
type EdgeIndex struct {
	buckets *plane.Index[edgeBucket, string]
}

func newEdgeIndex() *EdgeIndex {
	return &EdgeIndex{buckets: plane.NewIndex[edgeBucket, string]()}
}

// Outbound returns the outbound edges of source in insertion order. The
// returned slice must not be mutated by the caller.
func (e *EdgeIndex) Outbound(source ident.ConceptId) []Association {
	b, ok := e.buckets.Get(source.Key())
	if !ok {
		return nil
	}
	return (*b).edges
}

// upsert inserts or monotonically strengthens the edge, returning a new
// EdgeIndex that shares every untouched bucket with e.
func (e *EdgeIndex) upsert(a Association) *EdgeIndex {
	var bucket *edgeBucket
	if existing, ok := e.buckets.Get(a.Source.Key()); ok {
		bucket = existing.clone()
	} else {
		bucket = &edgeBucket{source: a.Source}
	}
	if i := bucket.indexOf(a.Target, a.TypeTag); i >= 0 {
		if a.Strength > bucket.edges[i].Strength {
			bucket.edges[i].Strength = a.Strength
		}
	} else {
		bucket.edges = append(bucket.edges, a)
	}
	return &EdgeIndex{buckets: e.buckets.Inserted(bucket)}
}

// removeEndpoint strips every edge (inbound or outbound) touching id, used
// when a concept is deleted. It is O(concepts) because every bucket must be
// checked for an inbound reference to id; callers run it off the read hot
// path (inside the reconciler), same as the rest of mutation.
func (e *EdgeIndex) removeEndpoint(id ident.ConceptId) *EdgeIndex {
	buckets, _ := e.buckets.Removed(id.Key())
	for _, bp := range e.buckets.Snapshot() {
		b := *bp
		if b.source == id {
			continue // already removed above
		}
		filtered := b.edges[:0:0]
		changed := false
		for _, edge := range b.edges {
			if edge.Target == id {
				changed = true
				continue
			}
			filtered = append(filtered, edge)
		}
		if changed {
			clone := &edgeBucket{source: b.source, edges: filtered}
			buckets = buckets.Inserted(clone)
		}
	}
	return &EdgeIndex{buckets: buckets}
}

func (e *EdgeIndex) removeEdge(source, target ident.ConceptId, typeTag uint32) *EdgeIndex {
	existing, ok := e.buckets.Get(source.Key())
	if !ok {
		return e
	}
	i := existing.indexOf(target, typeTag)
	if i < 0 {
		return e
	}
	bucket := existing.clone()
	bucket.edges = append(bucket.edges[:i], bucket.edges[i+1:]...)
	return &EdgeIndex{buckets: e.buckets.Inserted(bucket)}
}

// Snapshot is the entire read-visible graph state at a publication point.
// It is immutable: every mutating operation returns a new Snapshot that
// shares untouched sub-structures with its predecessor.
type Snapshot struct {
	concepts *plane.Index[Concept, string]
	edges    *EdgeIndex
	// inbound records the target shard's half of a cross-shard association:
	// an entry keyed by the local concept holding the remote source and type
	// tag of an edge whose outbound record lives on another shard. It lets
	// DeleteConcept on the target endpoint find the remote edge to strip
	// without the source concept ever needing to exist in this snapshot.
	inbound *EdgeIndex
}

// Empty returns a snapshot with no concepts and no edges, the engine's
// initial state before any WAL replay.
func Empty() *Snapshot {
	return &Snapshot{
		concepts: plane.NewIndex[Concept, string](),
		edges:    newEdgeIndex(),
		inbound:  newEdgeIndex(),
	}
}

// GetConcept returns the concept for id, or ok=false if absent.
func (s *Snapshot) GetConcept(id ident.ConceptId) (*Concept, bool) {
	c, ok := s.concepts.Get(id.Key())
	if !ok {
		return nil, false
	}
	return c, true
}

// Contains reports whether id names a concept in this snapshot.
func (s *Snapshot) Contains(id ident.ConceptId) bool {
	_, ok := s.concepts.Get(id.Key())
	return ok
}

// ConceptCount returns the number of concepts visible in this snapshot.
func (s *Snapshot) ConceptCount() int { return s.concepts.Len() }

// EdgeCount returns the number of associations visible in this snapshot.
func (s *Snapshot) EdgeCount() int {
	var n int
	for _, b := range s.edges.buckets.Snapshot() {
		n += len((*b).edges)
	}
	return n
}

// Concepts returns every concept currently visible, in no particular order.
// Used by full rebuilds (ANN index rebuild, mmap image flush).
func (s *Snapshot) Concepts() []*Concept {
	items := s.concepts.Snapshot()
	out := make([]*Concept, len(items))
	copy(out, items)
	return out
}

// Associations returns every outbound edge currently visible, in no
// particular order. Used by full rebuilds (mmap image flush).
func (s *Snapshot) Associations() []Association {
	var out []Association
	for _, b := range s.edges.buckets.Snapshot() {
		out = append(out, (*b).edges...)
	}
	return out
}

// InboundEdgeRecords returns every cross-shard inbound bookkeeping record
// held by this snapshot, each restated as the original association it
// tracks (Source is the remote sender, Target is the local concept it
// points at). Used by full rebuilds.
func (s *Snapshot) InboundEdgeRecords() []Association {
	var out []Association
	for _, b := range s.inbound.buckets.Snapshot() {
		for _, flipped := range (*b).edges {
			out = append(out, Association{Source: flipped.Target, Target: flipped.Source, TypeTag: flipped.TypeTag, Strength: flipped.Strength})
		}
	}
	return out
}

// QueryNeighbors returns the outbound neighbor ids of id in insertion order.
func (s *Snapshot) QueryNeighbors(id ident.ConceptId) []ident.ConceptId {
	edges := s.edges.Outbound(id)
	out := make([]ident.ConceptId, len(edges))
	for i, e := range edges {
		out[i] = e.Target
	}
	return out
}

// WeightedNeighbor is one entry of QueryNeighborsWeighted's result.
type WeightedNeighbor struct {
	Neighbor ident.ConceptId
	Strength float64
	TypeTag  uint32
}

// QueryNeighborsWeighted returns the outbound edges of id with strength and
// type tag, in insertion order.
func (s *Snapshot) QueryNeighborsWeighted(id ident.ConceptId) []WeightedNeighbor {
	edges := s.edges.Outbound(id)
	out := make([]WeightedNeighbor, len(edges))
	for i, e := range edges {
		out[i] = WeightedNeighbor{Neighbor: e.Target, Strength: e.Strength, TypeTag: e.TypeTag}
	}
	return out
}

// WithConcept returns a new Snapshot with c inserted or replaced. It does
// not validate invariants (size/dimension limits); callers validate before
// reaching the reconciler, per the spec's "validated at ingest" contract.
func (s *Snapshot) WithConcept(c *Concept) *Snapshot {
	return &Snapshot{concepts: s.concepts.Inserted(c), edges: s.edges, inbound: s.inbound}
}

// WithAssociation returns a new Snapshot with the association upserted.
// Self-edges and edges to a missing endpoint are rejected. Both endpoints
// must exist in this same snapshot, which holds for same-shard edges; a
// cross-shard edge's target-shard half is recorded separately via
// WithInboundEdge, which does not require the source to exist here.
func (s *Snapshot) WithAssociation(a Association) (*Snapshot, error) {
	if a.Source == a.Target {
		return s, ErrSelfEdge
	}
	if !s.Contains(a.Source) || !s.Contains(a.Target) {
		return s, ErrDanglingEdge
	}
	return &Snapshot{concepts: s.concepts, edges: s.edges.upsert(a), inbound: s.inbound}, nil
}

// WithInboundEdge records, on a's target's shard, that a's source (which may
// live on another shard entirely and need not exist in this snapshot) holds
// an edge to a.Target. This is the target shard's half of a cross-shard
// association: the source shard holds the real outbound edge via
// WithAssociation, and this bookkeeping lets DeleteConcept on the target
// endpoint find and strip that remote edge symmetrically.
func (s *Snapshot) WithInboundEdge(a Association) *Snapshot {
	flipped := Association{Source: a.Target, Target: a.Source, TypeTag: a.TypeTag, Strength: a.Strength}
	return &Snapshot{concepts: s.concepts, edges: s.edges, inbound: s.inbound.upsert(flipped)}
}

// WithoutInboundEdge removes the bookkeeping WithInboundEdge recorded for
// (source, target, typeTag); absent is a no-op.
func (s *Snapshot) WithoutInboundEdge(source, target ident.ConceptId, typeTag uint32) *Snapshot {
	return &Snapshot{concepts: s.concepts, edges: s.edges, inbound: s.inbound.removeEdge(target, source, typeTag)}
}

// InboundEdges returns the remote edges recorded against target by
// WithInboundEdge, each restated as the original association (Source is the
// remote sender, Target is target).
func (s *Snapshot) InboundEdges(target ident.ConceptId) []Association {
	flipped := s.inbound.Outbound(target)
	out := make([]Association, len(flipped))
	for i, f := range flipped {
		out[i] = Association{Source: f.Target, Target: f.Source, TypeTag: f.TypeTag, Strength: f.Strength}
	}
	return out
}

// WithoutConcept returns a new Snapshot with id and every edge referencing
// it (inbound or outbound, including cross-shard inbound bookkeeping)
// removed. Deleting an absent id is a no-op, preserving the spec's
// idempotent-delete contract. Stripping the remote half of a cross-shard
// edge is the coordinator's job (it alone can reach the other shard); this
// only ever touches state local to this snapshot.
func (s *Snapshot) WithoutConcept(id ident.ConceptId) *Snapshot {
	if !s.Contains(id) {
		return s
	}
	concepts, _ := s.concepts.Removed(id.Key())
	return &Snapshot{
		concepts: concepts,
		edges:    s.edges.removeEndpoint(id),
		inbound:  s.inbound.removeEndpoint(id),
	}
}

// WithoutAssociation removes the edge (source, target, typeTag) if present;
// absent edges are a no-op.
func (s *Snapshot) WithoutAssociation(source, target ident.ConceptId, typeTag uint32) *Snapshot {
	return &Snapshot{concepts: s.concepts, edges: s.edges.removeEdge(source, target, typeTag), inbound: s.inbound}
}
