package shard

import (
	"context"
	"testing"
	"time"

	"github.com/nranjan2code/sutra-memory-sub007/internal/config"
	"github.com/nranjan2code/sutra-memory-sub007/internal/engine"
	"github.com/nranjan2code/sutra-memory-sub007/internal/graph"
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

func newTestCoordinator(t *testing.T, numShards int) *Coordinator {
	t.Helper()
	var engines []*engine.Engine
	for i := 0; i < numShards; i++ {
		cfg := config.Default()
		cfg.StoragePath = t.TempDir()
		cfg.VectorDimension = 3
		resolved, err := cfg.Resolve()
		if err != nil {
			t.Fatalf("resolve config: %v", err)
		}
		e, err := engine.Open(resolved)
		if err != nil {
			t.Fatalf("open engine %d: %v", i, err)
		}
		t.Cleanup(func() { e.Close() })
		engines = append(engines, e)
	}
	return New(engines)
}

func waitForCount(t *testing.T, c *Coordinator, shardIdx int, concepts int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.engines[shardIdx].Snapshot().ConceptCount() >= concepts {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for shard %d to reach %d concepts", shardIdx, concepts)
}

func TestRouteIsDeterministic(t *testing.T) {
	id := ident.FromContentHash([]byte("stable"))
	a := Route(id, 4)
	b := Route(id, 4)
	if a != b {
		t.Fatalf("expected deterministic routing, got %d and %d", a, b)
	}
	if a < 0 || a >= 4 {
		t.Fatalf("route out of range: %d", a)
	}
}

func TestLearnConceptRoutesToOwningShard(t *testing.T) {
	c := newTestCoordinator(t, 3)
	id := ident.FromContentHash([]byte("alpha"))
	if err := c.LearnConcept(graph.Concept{Id: id, Content: []byte("alpha")}); err != nil {
		t.Fatalf("learn concept: %v", err)
	}
	owning := Route(id, 3)
	waitForCount(t, c, owning, 1)
}

func TestCrossShardAssociationAppliesToBothShards(t *testing.T) {
	c := newTestCoordinator(t, 4)

	// find two ids that route to different shards
	var srcID, dstID ident.ConceptId
	var srcShard, dstShard int
	for i := 0; ; i++ {
		candidate := ident.FromContentHash([]byte{byte(i)})
		shardIdx := Route(candidate, 4)
		if srcID == (ident.ConceptId{}) {
			srcID, srcShard = candidate, shardIdx
			continue
		}
		if shardIdx != srcShard {
			dstID, dstShard = candidate, shardIdx
			break
		}
		if i > 64 {
			t.Fatalf("could not find two concepts routing to different shards")
		}
	}

	if err := c.LearnConcept(graph.Concept{Id: srcID, Content: []byte("src")}); err != nil {
		t.Fatalf("learn src: %v", err)
	}
	if err := c.LearnConcept(graph.Concept{Id: dstID, Content: []byte("dst")}); err != nil {
		t.Fatalf("learn dst: %v", err)
	}
	waitForCount(t, c, srcShard, 1)
	waitForCount(t, c, dstShard, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.LearnAssociation(ctx, graph.Association{Source: srcID, Target: dstID, TypeTag: 1, Strength: 0.5}); err != nil {
		t.Fatalf("cross-shard learn association: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.engines[srcShard].Snapshot().EdgeCount() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c.engines[srcShard].Snapshot().EdgeCount() != 1 {
		t.Fatalf("expected the association recorded on the source shard")
	}
}

func findTwoConceptsOnDifferentShards(t *testing.T, numShards int) (srcID, dstID ident.ConceptId, srcShard, dstShard int) {
	t.Helper()
	for i := 0; ; i++ {
		candidate := ident.FromContentHash([]byte{byte(i)})
		shardIdx := Route(candidate, numShards)
		if srcID == (ident.ConceptId{}) {
			srcID, srcShard = candidate, shardIdx
			continue
		}
		if shardIdx != srcShard {
			dstID, dstShard = candidate, shardIdx
			return
		}
		if i > 64 {
			t.Fatalf("could not find two concepts routing to different shards")
		}
	}
}

func TestCrossShardAssociationRecordsInboundBookkeeping(t *testing.T) {
	c := newTestCoordinator(t, 4)
	srcID, dstID, srcShard, dstShard := findTwoConceptsOnDifferentShards(t, 4)

	if err := c.LearnConcept(graph.Concept{Id: srcID, Content: []byte("src")}); err != nil {
		t.Fatalf("learn src: %v", err)
	}
	if err := c.LearnConcept(graph.Concept{Id: dstID, Content: []byte("dst")}); err != nil {
		t.Fatalf("learn dst: %v", err)
	}
	waitForCount(t, c, srcShard, 1)
	waitForCount(t, c, dstShard, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.LearnAssociation(ctx, graph.Association{Source: srcID, Target: dstID, TypeTag: 1, Strength: 0.5}); err != nil {
		t.Fatalf("cross-shard learn association: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.engines[dstShard].Snapshot().InboundEdges(dstID)) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	inbound := c.engines[dstShard].Snapshot().InboundEdges(dstID)
	if len(inbound) != 1 || inbound[0].Source != srcID {
		t.Fatalf("expected target shard to hold an inbound bookkeeping record for %s, got %v", srcID, inbound)
	}
}

func TestDeleteConceptStripsCrossShardEdges(t *testing.T) {
	c := newTestCoordinator(t, 4)
	srcID, dstID, srcShard, dstShard := findTwoConceptsOnDifferentShards(t, 4)

	if err := c.LearnConcept(graph.Concept{Id: srcID, Content: []byte("src")}); err != nil {
		t.Fatalf("learn src: %v", err)
	}
	if err := c.LearnConcept(graph.Concept{Id: dstID, Content: []byte("dst")}); err != nil {
		t.Fatalf("learn dst: %v", err)
	}
	waitForCount(t, c, srcShard, 1)
	waitForCount(t, c, dstShard, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.LearnAssociation(ctx, graph.Association{Source: srcID, Target: dstID, TypeTag: 1, Strength: 0.5}); err != nil {
		t.Fatalf("cross-shard learn association: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.engines[srcShard].Snapshot().EdgeCount() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.DeleteConcept(dstID); err != nil {
		t.Fatalf("delete concept: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.engines[srcShard].Snapshot().EdgeCount() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c.engines[srcShard].Snapshot().EdgeCount() != 0 {
		t.Fatalf("expected deleting the target concept to strip the source shard's real edge")
	}
}

func TestPendingTransactionsEmptyWhenIdle(t *testing.T) {
	c := newTestCoordinator(t, 2)
	if pending := c.PendingTransactions(); len(pending) != 0 {
		t.Fatalf("expected no pending transactions at idle, got %v", pending)
	}
}
