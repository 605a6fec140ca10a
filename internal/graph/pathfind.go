// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package graph

import (
	"errors"
	"math"

	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

// MaxPathDepth is the hard ceiling on max_depth for any pathfinding call.
const MaxPathDepth = 20

// ErrPathLimitExceeded is returned when max_depth exceeds MaxPathDepth.
var ErrPathLimitExceeded = errors.New("graph: max_depth exceeds MaxPathDepth")

// Path is one edge-hop sequence, carrying both endpoints' ids and the
// cumulative confidence assigned by the caller's decay function.
type Path struct {
	Nodes      []ident.ConceptId
	TypeTags   []uint32 // len(TypeTags) == len(Nodes)-1, TypeTags[i] labels the hop Nodes[i]->Nodes[i+1]
	Strengths  []float64
	Confidence float64
}

// FindPath performs a breadth-first search for the shortest edge-count path
// from -> to, breaking ties by the higher product of edge strengths along
// the path. max_depth must be <= MaxPathDepth.
func (s *Snapshot) FindPath(from, to ident.ConceptId, maxDepth int) (Path, bool, error) {
	if maxDepth < 0 || maxDepth > MaxPathDepth {
		return Path{}, false, ErrPathLimitExceeded
	}
	if from == to {
		return Path{Nodes: []ident.ConceptId{from}, Confidence: 1}, true, nil
	}
	if maxDepth == 0 {
		return Path{}, false, nil
	}

	type frame struct {
		node       ident.ConceptId
		path       []ident.ConceptId
		typeTags   []uint32
		strengths  []float64
		product    float64
	}
	visited := map[string]float64{from.Key(): 1} // best product seen at this depth class
	queue := []frame{{node: from, path: []ident.ConceptId{from}, product: 1}}
	var best *frame
	bestDepth := -1

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		depth := len(cur.path) - 1
		if bestDepth != -1 && depth > bestDepth {
			break // BFS level exceeded the first solution's depth; stop
		}
		if depth >= maxDepth {
			continue
		}
		for _, e := range s.edges.Outbound(cur.node) {
			nextProduct := cur.product * e.Strength
			if e.Target == to {
				if best == nil || depth+1 < bestDepth || (depth+1 == bestDepth && nextProduct > best.product) {
					candidate := frame{
						node:      e.Target,
						path:      append(append([]ident.ConceptId(nil), cur.path...), e.Target),
						typeTags:  append(append([]uint32(nil), cur.typeTags...), e.TypeTag),
						strengths: append(append([]float64(nil), cur.strengths...), e.Strength),
						product:   nextProduct,
					}
					best = &candidate
					bestDepth = depth + 1
				}
				continue
			}
			// avoid revisiting a node at a worse or equal product within the same traversal
			if prevBest, seen := visited[e.Target.Key()]; seen && prevBest >= nextProduct {
				continue
			}
			visited[e.Target.Key()] = nextProduct
			queue = append(queue, frame{
				node:      e.Target,
				path:      append(append([]ident.ConceptId(nil), cur.path...), e.Target),
				typeTags:  append(append([]uint32(nil), cur.typeTags...), e.TypeTag),
				strengths: append(append([]float64(nil), cur.strengths...), e.Strength),
				product:   nextProduct,
			})
		}
	}
	if best == nil {
		return Path{}, false, nil
	}
	return Path{Nodes: best.path, TypeTags: best.typeTags, Strengths: best.strengths, Confidence: best.product}, true, nil
}

// FindPathsParallel enumerates up to maxPaths simple paths from -> to within
// max_depth hops. Each returned path's Confidence is
// product(strength_i) * decay^depth. Results are unordered; the caller
// ranks them. Differently-typed parallel edges between the same two nodes
// count as distinct path steps (per the spec's resolved open question),
// unless collapseTypes is set.
func (s *Snapshot) FindPathsParallel(from, to ident.ConceptId, maxDepth int, maxPaths int, decay float64, collapseTypes bool) ([]Path, error) {
	if maxDepth < 0 || maxDepth > MaxPathDepth {
		return nil, ErrPathLimitExceeded
	}
	if maxPaths <= 0 {
		return nil, nil
	}
	var results []Path
	seen := map[string]bool{} // only used when collapseTypes is set, to dedupe identical node sequences

	var visiting map[string]bool = map[string]bool{from.Key(): true}
	var walk func(node ident.ConceptId, path []ident.ConceptId, typeTags []uint32, strengths []float64, product float64)
	walk = func(node ident.ConceptId, path []ident.ConceptId, typeTags []uint32, strengths []float64, product float64) {
		if len(results) >= maxPaths {
			return
		}
		if len(path)-1 >= maxDepth {
			return
		}
		for _, e := range s.edges.Outbound(node) {
			if visiting[e.Target.Key()] {
				continue // keep paths simple (no repeated nodes)
			}
			nextPath := append(append([]ident.ConceptId(nil), path...), e.Target)
			nextTags := append(append([]uint32(nil), typeTags...), e.TypeTag)
			nextStrengths := append(append([]float64(nil), strengths...), e.Strength)
			nextProduct := product * e.Strength
			if e.Target == to {
				depth := len(nextPath) - 1
				conf := nextProduct * math.Pow(decay, float64(depth))
				if collapseTypes {
					key := pathKey(nextPath)
					if seen[key] {
						continue
					}
					seen[key] = true
				}
				results = append(results, Path{Nodes: nextPath, TypeTags: nextTags, Strengths: nextStrengths, Confidence: conf})
				if len(results) >= maxPaths {
					return
				}
				continue
			}
			visiting[e.Target.Key()] = true
			walk(e.Target, nextPath, nextTags, nextStrengths, nextProduct)
			delete(visiting, e.Target.Key())
			if len(results) >= maxPaths {
				return
			}
		}
	}
	walk(from, []ident.ConceptId{from}, nil, nil, 1)
	return results, nil
}

func pathKey(nodes []ident.ConceptId) string {
	b := make([]byte, 0, len(nodes)*17)
	for _, n := range nodes {
		b = append(b, n[:]...)
		b = append(b, '|')
	}
	return string(b)
}
