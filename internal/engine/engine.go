// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine composes the write-ahead log, the bounded write-plane
// queue, the adaptive reconciler, the mmap content image, and the ANN index
// into a single concurrent, single-shard knowledge graph engine. Its shape
// mirrors the storage engine's own per-shard lifecycle: validate config,
// replay durable state, start a background rebuild loop, and expose a small
// set of read/write entry points that never block on each other.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nranjan2code/sutra-memory-sub007/internal/annindex"
	"github.com/nranjan2code/sutra-memory-sub007/internal/archive"
	"github.com/nranjan2code/sutra-memory-sub007/internal/config"
	"github.com/nranjan2code/sutra-memory-sub007/internal/graph"
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
	"github.com/nranjan2code/sutra-memory-sub007/internal/reconciler"
	"github.com/nranjan2code/sutra-memory-sub007/internal/store"
	"github.com/nranjan2code/sutra-memory-sub007/internal/telemetry"
	"github.com/nranjan2code/sutra-memory-sub007/internal/wal"
	"github.com/nranjan2code/sutra-memory-sub007/internal/writelog"
)

var (
	// ErrClosed is returned by any call made after Close.
	ErrClosed = errors.New("engine: closed")
)

// learnConceptPayload is the WAL/queue wire shape for a concept mutation.
type learnConceptPayload struct {
	Id         ident.ConceptId `json:"id"`
	Content    []byte          `json:"content"`
	Vector     []float32       `json:"vector,omitempty"`
	Strength   float64         `json:"strength"`
	Confidence float64         `json:"confidence"`
	Semantic   json.RawMessage `json:"semantic,omitempty"`
}

type learnAssociationPayload struct {
	Source   ident.ConceptId `json:"source"`
	Target   ident.ConceptId `json:"target"`
	TypeTag  uint32          `json:"type_tag"`
	Strength float64         `json:"strength"`
}

type deleteConceptPayload struct {
	Id ident.ConceptId `json:"id"`
}

type deleteAssociationPayload struct {
	Source  ident.ConceptId `json:"source"`
	Target  ident.ConceptId `json:"target"`
	TypeTag uint32          `json:"type_tag"`
}

// imageRecord is the wire shape persisted into the mmap image by Flush, one
// per concept / outbound association / cross-shard inbound bookkeeping
// entry, and read back by loadImage on Open before the WAL is replayed on
// top of it.
type imageRecord struct {
	Kind        string                   `json:"kind"` // "concept", "association", or "inbound"
	Concept     *learnConceptPayload     `json:"concept,omitempty"`
	Association *learnAssociationPayload `json:"association,omitempty"`
}

// Engine is a single-shard concurrent knowledge graph store.
type Engine struct {
	cfg config.Resolved

	snapshot atomic.Pointer[graph.Snapshot] // the read plane's publication point

	log      *wal.Log
	queue    *writelog.Queue
	recon    *reconciler.Reconciler[writelog.Entry]
	image    *store.Image
	ann      *annindex.Index
	nextTxn  atomic.Uint64
	cancel   context.CancelFunc

	telemetry telemetry.Sink     // defaults to telemetry.NoopSink{}; see SetTelemetrySink
	archiver  *archive.Archiver  // nil unless SetArchiver is called
}

// SetTelemetrySink replaces the engine's telemetry sink. Telemetry is never
// on the correctness path: callers that never invoke this keep the default
// no-op sink.
func (e *Engine) SetTelemetrySink(sink telemetry.Sink) { e.telemetry = sink }

// SetArchiver attaches an off-host archival backend. Flush ships the
// rotated WAL segment to it in the background after a successful local
// flush; a nil archiver (the default) disables off-host archival entirely.
func (e *Engine) SetArchiver(a *archive.Archiver) { e.archiver = a }

// Open loads the mmap image, replays the WAL on top of it, builds the ANN
// index, and starts the background reconciler. The returned Engine is immediately
// usable for reads and writes.
func Open(cfg config.Resolved) (*Engine, error) {
	e := &Engine{cfg: cfg, telemetry: telemetry.NoopSink{}}
	e.snapshot.Store(graph.Empty())

	var err error
	e.image, err = store.Open(cfg.StoragePath+"/storage.dat", false)
	if err != nil {
		return nil, fmt.Errorf("engine: open image: %w", err)
	}
	if err := e.loadImage(); err != nil {
		return nil, fmt.Errorf("engine: load image: %w", err)
	}
	e.log, err = wal.Open(cfg.StoragePath+"/wal.log", wal.Options{
		Fsync: cfg.WALFsync,
		OnSegmentRotated: func(rotatedPath string) {
			if e.archiver != nil {
				e.archiver.ArchiveFile(filepath.Base(rotatedPath), rotatedPath)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open wal: %w", err)
	}
	if err := e.replay(); err != nil {
		return nil, fmt.Errorf("engine: replay: %w", err)
	}

	e.ann, err = annindex.OpenOrBuild(cfg.StoragePath+"/storage", cfg.VectorDimension, func() ([]ident.ConceptId, [][]float32, error) {
		snap := e.snapshot.Load()
		var ids []ident.ConceptId
		var vectors [][]float32
		for _, c := range snap.Concepts() {
			if c.Vector != nil {
				ids = append(ids, c.Id)
				vectors = append(vectors, c.Vector)
			}
		}
		return ids, vectors, nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: build ann index: %w", err)
	}

	e.queue = writelog.New(cfg.WriteLogCapacity)
	e.recon = reconciler.New(reconciler.Config{
		MinInterval:           cfg.ReconcilerMinTick,
		BaseInterval:          cfg.ReconcilerBaseTick,
		MaxInterval:           cfg.ReconcilerMaxTick,
		QueueWarningThreshold: cfg.QueueWarningThreshold,
		EMAAlpha:              cfg.EMAAlpha,
		TrendWindowSize:       cfg.TrendWindowSize,
		MaxBatchSize:          cfg.MaxBatchSize,
	}, reconciler.QueueDrainer{Queue: e.queue}, e.applyBatch)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.recon.Run(ctx)

	return e, nil
}

// loadImage rebuilds the snapshot from the durable mmap image before the WAL
// is replayed on top of it. The image only ever holds what the most recent
// successful Flush committed, so this always runs first; the WAL then
// reapplies whatever mutations happened after that flush.
func (e *Engine) loadImage() error {
	records, err := e.image.Records()
	if err != nil {
		return err
	}
	for _, raw := range records {
		var rec imageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		switch rec.Kind {
		case "concept":
			p := rec.Concept
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				return s.WithConcept(&graph.Concept{
					Id: p.Id, Content: p.Content, Vector: p.Vector,
					Strength: p.Strength, Confidence: p.Confidence, Semantic: p.Semantic,
				})
			})
		case "association":
			p := rec.Association
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				next, err := s.WithAssociation(graph.Association{Source: p.Source, Target: p.Target, TypeTag: p.TypeTag, Strength: p.Strength})
				if err != nil {
					return s
				}
				return next
			})
		case "inbound":
			p := rec.Association
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				return s.WithInboundEdge(graph.Association{Source: p.Source, Target: p.Target, TypeTag: p.TypeTag, Strength: p.Strength})
			})
		}
	}
	return nil
}

func (e *Engine) replay() error {
	return e.log.Replay(func(rec wal.Record) error {
		switch rec.Op {
		case wal.OpLearnConcept:
			var p learnConceptPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				return s.WithConcept(&graph.Concept{
					Id: p.Id, Content: p.Content, Vector: p.Vector,
					Strength: p.Strength, Confidence: p.Confidence, Semantic: p.Semantic,
				})
			})
		case wal.OpLearnAssociation:
			var p learnAssociationPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				next, err := s.WithAssociation(graph.Association{Source: p.Source, Target: p.Target, TypeTag: p.TypeTag, Strength: p.Strength})
				if err != nil {
					return s
				}
				return next
			})
		case wal.OpDeleteConcept:
			var p deleteConceptPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot { return s.WithoutConcept(p.Id) })
		case wal.OpDeleteAssociation:
			var p deleteAssociationPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				return s.WithoutAssociation(p.Source, p.Target, p.TypeTag)
			})
		case wal.OpLearnInboundEdge:
			var p learnAssociationPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				return s.WithInboundEdge(graph.Association{Source: p.Source, Target: p.Target, TypeTag: p.TypeTag, Strength: p.Strength})
			})
		case wal.OpDeleteInboundEdge:
			var p deleteAssociationPayload
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
				return s.WithoutInboundEdge(p.Source, p.Target, p.TypeTag)
			})
		}
		return nil
	})
}

// mutateSnapshot applies fn to the current snapshot and publishes the
// result with a single atomic store. It is only ever called from the
// replay path or the reconciler's single-goroutine apply callback, so no
// CAS retry loop is needed here: there is exactly one writer to this
// pointer at a time by construction.
func (e *Engine) mutateSnapshot(fn func(*graph.Snapshot) *graph.Snapshot) {
	e.snapshot.Store(fn(e.snapshot.Load()))
}

// applyBatch runs each entry's Apply in queue order. Every Apply publishes
// its own snapshot, so a reader can observe a batch partly applied.
func (e *Engine) applyBatch(batch []writelog.Entry) error {
	for _, entry := range batch {
		entry.Apply()
	}
	return nil
}

// Snapshot returns the currently published read-only graph view. Acquiring
// it never blocks on a concurrent writer.
func (e *Engine) Snapshot() *graph.Snapshot {
	return e.snapshot.Load()
}

// LearnConcept durably records c via the WAL, then enqueues its merge into
// the next published snapshot. It returns once the WAL append is durable
// (subject to cfg.WALFsync); the merge itself happens asynchronously.
func (e *Engine) LearnConcept(c graph.Concept) error {
	payload, err := json.Marshal(learnConceptPayload{
		Id: c.Id, Content: c.Content, Vector: c.Vector,
		Strength: c.Strength, Confidence: c.Confidence, Semantic: c.Semantic,
	})
	if err != nil {
		return err
	}
	seq, err := e.log.Append(0, wal.OpLearnConcept, payload)
	if err != nil {
		return err
	}
	concept := c
	e.queue.Push(writelog.Entry{Sequence: seq, Apply: func() {
		e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot { return s.WithConcept(&concept) })
		if concept.Vector != nil {
			e.ann.Insert(concept.Id, concept.Vector)
		}
	}})
	return nil
}

// LearnAssociation durably records the association and enqueues its merge.
func (e *Engine) LearnAssociation(a graph.Association) error {
	payload, err := json.Marshal(learnAssociationPayload{Source: a.Source, Target: a.Target, TypeTag: a.TypeTag, Strength: a.Strength})
	if err != nil {
		return err
	}
	seq, err := e.log.Append(0, wal.OpLearnAssociation, payload)
	if err != nil {
		return err
	}
	e.queue.Push(writelog.Entry{Sequence: seq, Apply: func() {
		e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot {
			next, err := s.WithAssociation(a)
			if err != nil {
				return s
			}
			return next
		})
	}})
	return nil
}

// DeleteConcept durably records the deletion and enqueues its merge.
func (e *Engine) DeleteConcept(id ident.ConceptId) error {
	payload, err := json.Marshal(deleteConceptPayload{Id: id})
	if err != nil {
		return err
	}
	seq, err := e.log.Append(0, wal.OpDeleteConcept, payload)
	if err != nil {
		return err
	}
	e.queue.Push(writelog.Entry{Sequence: seq, Apply: func() {
		e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot { return s.WithoutConcept(id) })
		e.ann.Remove(id)
	}})
	return nil
}

// DeleteAssociation durably records the deletion and enqueues its merge.
func (e *Engine) DeleteAssociation(source, target ident.ConceptId, typeTag uint32) error {
	payload, err := json.Marshal(deleteAssociationPayload{Source: source, Target: target, TypeTag: typeTag})
	if err != nil {
		return err
	}
	seq, err := e.log.Append(0, wal.OpDeleteAssociation, payload)
	if err != nil {
		return err
	}
	e.queue.Push(writelog.Entry{Sequence: seq, Apply: func() {
		e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot { return s.WithoutAssociation(source, target, typeTag) })
	}})
	return nil
}

// LearnInboundEdge durably records, on this shard, the target-side
// bookkeeping half of a cross-shard association whose real outbound edge is
// recorded on a's source shard by LearnAssociation. It does not require a's
// source to exist in this engine's snapshot.
func (e *Engine) LearnInboundEdge(a graph.Association) error {
	payload, err := json.Marshal(learnAssociationPayload{Source: a.Source, Target: a.Target, TypeTag: a.TypeTag, Strength: a.Strength})
	if err != nil {
		return err
	}
	seq, err := e.log.Append(0, wal.OpLearnInboundEdge, payload)
	if err != nil {
		return err
	}
	e.queue.Push(writelog.Entry{Sequence: seq, Apply: func() {
		e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot { return s.WithInboundEdge(a) })
	}})
	return nil
}

// DeleteInboundEdge durably records the removal of a cross-shard inbound
// bookkeeping entry previously recorded by LearnInboundEdge.
func (e *Engine) DeleteInboundEdge(source, target ident.ConceptId, typeTag uint32) error {
	payload, err := json.Marshal(deleteAssociationPayload{Source: source, Target: target, TypeTag: typeTag})
	if err != nil {
		return err
	}
	seq, err := e.log.Append(0, wal.OpDeleteInboundEdge, payload)
	if err != nil {
		return err
	}
	e.queue.Push(writelog.Entry{Sequence: seq, Apply: func() {
		e.mutateSnapshot(func(s *graph.Snapshot) *graph.Snapshot { return s.WithoutInboundEdge(source, target, typeTag) })
	}})
	return nil
}

// VectorSearch returns the k nearest concepts to query by embedding distance.
func (e *Engine) VectorSearch(query []float32, k int) ([]annindex.Neighbor, error) {
	started := time.Now()
	neighbors, err := e.ann.Search(query, k)
	e.telemetry.Emit(telemetry.Event{
		Kind:      "vector_search",
		Timestamp: time.Now(),
		Fields: map[string]interface{}{
			"k":           k,
			"latency_us":  time.Since(started).Microseconds(),
			"result_count": len(neighbors),
			"error":       err != nil,
		},
	})
	return neighbors, err
}

// Stats is a point-in-time summary of engine health and occupancy.
type Stats struct {
	ConceptCount int
	EdgeCount    int
	WriteLog     writelog.Metrics
	Reconciler   reconciler.Health
}

// Stats reports the engine's current counters.
func (e *Engine) Stats() Stats {
	snap := e.Snapshot()
	return Stats{
		ConceptCount: snap.ConceptCount(),
		EdgeCount:    snap.EdgeCount(),
		WriteLog:     e.queue.Stats(),
		Reconciler:   e.recon.HealthScore(),
	}
}

// Flush blocks until every currently-queued mutation has been merged into
// the published snapshot, persists the ANN index if dirty, and rotates the
// WAL now that its entries are reflected in durable state.
func (e *Engine) Flush(ctx context.Context) error {
	deadline := time.Now().Add(30 * time.Second)
	for e.queue.Len() > 0 {
		if time.Now().After(deadline) {
			return errors.New("engine: flush timed out waiting for the reconciler to drain")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	if e.ann.IsDirty() {
		if err := e.ann.Save(); err != nil {
			return fmt.Errorf("engine: save ann index: %w", err)
		}
	}
	snapshot := e.Snapshot()
	records := make([][]byte, 0, snapshot.ConceptCount()+snapshot.EdgeCount())
	for _, c := range snapshot.Concepts() {
		body, err := json.Marshal(imageRecord{Kind: "concept", Concept: &learnConceptPayload{
			Id: c.Id, Content: c.Content, Vector: c.Vector,
			Strength: c.Strength, Confidence: c.Confidence, Semantic: c.Semantic,
		}})
		if err != nil {
			return fmt.Errorf("engine: encode concept for flush: %w", err)
		}
		records = append(records, body)
	}
	for _, a := range snapshot.Associations() {
		body, err := json.Marshal(imageRecord{Kind: "association", Association: &learnAssociationPayload{
			Source: a.Source, Target: a.Target, TypeTag: a.TypeTag, Strength: a.Strength,
		}})
		if err != nil {
			return fmt.Errorf("engine: encode association for flush: %w", err)
		}
		records = append(records, body)
	}
	for _, a := range snapshot.InboundEdgeRecords() {
		body, err := json.Marshal(imageRecord{Kind: "inbound", Association: &learnAssociationPayload{
			Source: a.Source, Target: a.Target, TypeTag: a.TypeTag, Strength: a.Strength,
		}})
		if err != nil {
			return fmt.Errorf("engine: encode inbound edge for flush: %w", err)
		}
		records = append(records, body)
	}
	// The image must hold the full snapshot before the WAL is truncated: a
	// crash between these two steps must still be able to recover every
	// concept and edge, either from the freshly-compacted image or, if the
	// crash happens first, from the untruncated WAL.
	if err := e.image.Compact(records); err != nil {
		return fmt.Errorf("engine: compact image: %w", err)
	}
	if err := e.log.Truncate(e.cfg.StoragePath + fmt.Sprintf("/wal.log.%d", time.Now().UnixNano()%1_000_000_000)); err != nil {
		return err
	}
	e.telemetry.Emit(telemetry.Event{
		Kind:      "flush",
		Timestamp: time.Now(),
		Fields: map[string]interface{}{
			"concept_count": snapshot.ConceptCount(),
			"edge_count":    snapshot.EdgeCount(),
		},
	})
	return nil
}

// Close stops the reconciler and closes every underlying resource.
func (e *Engine) Close() error {
	e.cancel()
	e.recon.Stop()
	if err := e.log.Close(); err != nil {
		return err
	}
	return e.image.Close()
}
