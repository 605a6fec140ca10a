// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package shard routes concepts across N single-shard engines by plain
// modulo hashing and coordinates cross-shard associations with a two-phase
// commit protocol. The deterministic lock ordering in Prepare — participants
// sorted by a stable key before any shard is touched — mirrors the storage
// engine's own ACID commit path, which sorts shard UUIDs before acquiring
// their locks specifically to make concurrent cross-shard transactions
// deadlock-free without a global lock.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/nranjan2code/sutra-memory-sub007/internal/annindex"
	"github.com/nranjan2code/sutra-memory-sub007/internal/engine"
	"github.com/nranjan2code/sutra-memory-sub007/internal/graph"
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

var (
	// ErrUnknownShard is returned when a shard index is out of range.
	ErrUnknownShard = errors.New("shard: shard index out of range")
	// ErrTransactionTimedOut is returned when a 2PC transaction's deadline
	// elapses before every participant prepares.
	ErrTransactionTimedOut = errors.New("shard: transaction deadline exceeded during prepare")
	// ErrTransactionAborted is wrapped into the error a cross-shard
	// transaction returns when its prepare phase fails; no participant
	// commits in that case.
	ErrTransactionAborted = errors.New("shard: transaction was aborted during prepare")
)

// DefaultPrepareDeadline bounds how long a cross-shard transaction's
// participants are given to prepare before the coordinator aborts it.
const DefaultPrepareDeadline = 5 * time.Second

// Route returns the shard index responsible for id, by plain modulo over
// id's bytes — no consistent-hash ring, matching the spec's choice to keep
// resharding an explicit, offline operation rather than a live rebalance.
func Route(id ident.ConceptId, numShards int) int {
	var sum uint64
	for _, b := range id {
		sum = sum*31 + uint64(b)
	}
	return int(sum % uint64(numShards))
}

// Coordinator owns a fixed set of per-shard engines and dispatches
// operations to the shard(s) they touch.
type Coordinator struct {
	engines []*engine.Engine

	mu   sync.Mutex
	txns *btree.BTreeG[*transaction]
	byID map[string]*transaction
}

// transactionLess orders transactions by deadline so the coordinator can
// cheaply find and abort the next one to expire.
func transactionLess(a, b *transaction) bool {
	if a.deadline.Equal(b.deadline) {
		return a.id < b.id
	}
	return a.deadline.Before(b.deadline)
}

// New constructs a Coordinator over an already-open set of per-shard
// engines. The caller owns opening and closing each engine.
func New(engines []*engine.Engine) *Coordinator {
	return &Coordinator{
		engines: engines,
		txns:    btree.NewG(32, transactionLess),
		byID:    map[string]*transaction{},
	}
}

// NumShards reports how many shards this coordinator spans.
func (c *Coordinator) NumShards() int { return len(c.engines) }

// EngineAt returns the shard engine at idx, for callers (such as the
// dispatcher) that have already resolved a concept to its owning shard via
// Route and want direct access to that shard's read or admin operations.
func (c *Coordinator) EngineAt(idx int) *engine.Engine { return c.engines[idx] }

// VectorSearch scatters the query across every shard's ANN index and
// merges the results, since embeddings are not routed by concept id and so
// the nearest neighbors may live on any shard.
func (c *Coordinator) VectorSearch(query []float32, k int) ([]annindex.Neighbor, error) {
	var all []annindex.Neighbor
	for _, e := range c.engines {
		n, err := e.VectorSearch(query, k)
		if err != nil {
			return nil, err
		}
		all = append(all, n...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func (c *Coordinator) shardFor(id ident.ConceptId) (*engine.Engine, int, error) {
	idx := Route(id, len(c.engines))
	if idx < 0 || idx >= len(c.engines) {
		return nil, 0, ErrUnknownShard
	}
	return c.engines[idx], idx, nil
}

// LearnConcept routes c to its owning shard.
func (c *Coordinator) LearnConcept(concept graph.Concept) error {
	e, _, err := c.shardFor(concept.Id)
	if err != nil {
		return err
	}
	return e.LearnConcept(concept)
}

// DeleteConcept routes the deletion to id's owning shard, first stripping
// every edge that crosses a shard boundary so the remaining shards never
// hold a reference to a concept that no longer exists anywhere: outbound
// edges from id that land on another shard have their target shard's
// inbound bookkeeping record removed, and inbound edges recorded against id
// have their source shard's real outbound edge removed.
func (c *Coordinator) DeleteConcept(id ident.ConceptId) error {
	e, shardIdx, err := c.shardFor(id)
	if err != nil {
		return err
	}
	snap := e.Snapshot()

	for _, nb := range snap.QueryNeighborsWeighted(id) {
		dstEngine, dstShard, err := c.shardFor(nb.Neighbor)
		if err != nil {
			return err
		}
		if dstShard == shardIdx {
			continue
		}
		if err := dstEngine.DeleteInboundEdge(id, nb.Neighbor, nb.TypeTag); err != nil {
			return fmt.Errorf("shard: strip cross-shard outbound edge %s->%s: %w", id, nb.Neighbor, err)
		}
	}
	for _, in := range snap.InboundEdges(id) {
		srcEngine, srcShard, err := c.shardFor(in.Source)
		if err != nil {
			return err
		}
		if srcShard == shardIdx {
			continue
		}
		if err := srcEngine.DeleteAssociation(in.Source, id, in.TypeTag); err != nil {
			return fmt.Errorf("shard: strip cross-shard inbound edge %s->%s: %w", in.Source, id, err)
		}
	}

	return e.DeleteConcept(id)
}

// LearnAssociation applies a within-shard association directly, or runs a
// two-phase commit across the source and target shards when they differ.
// The real edge is recorded on the source shard (outbound adjacency is
// always indexed by source); the destination shard commits a durable
// inbound bookkeeping record of the same edge, so that DeleteConcept on
// either endpoint can find and strip the edge's other half without a
// cross-shard scan. Both commits are gated on the same prepare phase, which
// confirms both endpoints still exist before either write lands, so a
// dangling cross-shard edge can never be recorded if either concept is
// concurrently deleted mid-transaction.
func (c *Coordinator) LearnAssociation(ctx context.Context, a graph.Association) error {
	srcEngine, srcShard, err := c.shardFor(a.Source)
	if err != nil {
		return err
	}
	dstEngine, dstShard, err := c.shardFor(a.Target)
	if err != nil {
		return err
	}
	if srcShard == dstShard {
		return srcEngine.LearnAssociation(a)
	}
	return c.twoPhaseCommit(ctx, []int{srcShard, dstShard},
		func(shardIdx int) error {
			var e *engine.Engine
			var id ident.ConceptId
			if shardIdx == srcShard {
				e, id = srcEngine, a.Source
			} else {
				e, id = dstEngine, a.Target
			}
			if !e.Snapshot().Contains(id) {
				return fmt.Errorf("shard: concept %s not present on shard %d", id, shardIdx)
			}
			return nil
		},
		func(shardIdx int) error {
			if shardIdx == srcShard {
				return srcEngine.LearnAssociation(a)
			}
			return dstEngine.LearnInboundEdge(a)
		},
	)
}

// DeleteAssociation removes a within-shard edge directly, or symmetrically
// strips both halves of a cross-shard edge: the real outbound edge on the
// source shard and the inbound bookkeeping record on the target shard.
func (c *Coordinator) DeleteAssociation(source, target ident.ConceptId, typeTag uint32) error {
	srcEngine, srcShard, err := c.shardFor(source)
	if err != nil {
		return err
	}
	dstEngine, dstShard, err := c.shardFor(target)
	if err != nil {
		return err
	}
	if srcShard == dstShard {
		return srcEngine.DeleteAssociation(source, target, typeTag)
	}
	if err := srcEngine.DeleteAssociation(source, target, typeTag); err != nil {
		return err
	}
	return dstEngine.DeleteInboundEdge(source, target, typeTag)
}

// transaction is the coordinator's bookkeeping for one in-flight 2PC.
type transaction struct {
	id       string
	deadline time.Time
}

// twoPhaseCommit runs Begin/Prepare/Commit/Abort across participants,
// sorted into a deterministic order before any shard is touched so that two
// concurrent cross-shard transactions sharing participants never deadlock
// waiting on each other's locks in opposite orders. prepare validates each
// participant independently (read-only); only if every participant's
// prepare succeeds does commit run, once per participant, to apply whatever
// write (if any) that shard owns. If any prepare fails or times out, no
// commit runs at all and the whole transaction is aborted.
func (c *Coordinator) twoPhaseCommit(ctx context.Context, participants []int, prepare func(shardIdx int) error, commit func(shardIdx int) error) error {
	ordered := append([]int(nil), participants...)
	sort.Ints(ordered)

	txn := &transaction{id: uuid.NewString(), deadline: time.Now().Add(DefaultPrepareDeadline)}
	c.mu.Lock()
	c.txns.ReplaceOrInsert(txn)
	c.byID[txn.id] = txn
	c.mu.Unlock()
	defer c.finishTxn(txn)

	deadlineCtx, cancel := context.WithDeadline(ctx, txn.deadline)
	defer cancel()

	type result struct {
		shard int
		err   error
	}

	var prepareErr error
	WithTransaction(txn.id, func() {
		results := make(chan result, len(ordered))
		for _, shardIdx := range ordered {
			shardIdx := shardIdx
			go func() {
				select {
				case <-deadlineCtx.Done():
					results <- result{shard: shardIdx, err: ErrTransactionTimedOut}
				case results <- result{shard: shardIdx, err: prepare(shardIdx)}:
				}
			}()
		}
		for range ordered {
			r := <-results
			if r.err != nil && prepareErr == nil {
				prepareErr = r.err
			}
		}
	})
	if prepareErr != nil {
		return fmt.Errorf("shard: cross-shard transaction %s: %w: %w", txn.id, ErrTransactionAborted, prepareErr)
	}

	var commitErr error
	WithTransaction(txn.id, func() {
		for _, shardIdx := range ordered {
			if err := commit(shardIdx); err != nil && commitErr == nil {
				commitErr = err
			}
		}
	})
	if commitErr != nil {
		return fmt.Errorf("shard: cross-shard transaction %s failed during commit: %w", txn.id, commitErr)
	}
	return nil
}

func (c *Coordinator) finishTxn(txn *transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txns.Delete(txn)
	delete(c.byID, txn.id)
}

// PendingTransactions reports in-flight cross-shard transactions whose
// deadline has not yet elapsed, ordered soonest-to-expire first. Used by
// recovery/diagnostics, not the hot path.
func (c *Coordinator) PendingTransactions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	c.txns.Ascend(func(t *transaction) bool {
		ids = append(ids, t.id)
		return true
	})
	return ids
}
