package annindex

import (
	"path/filepath"
	"testing"

	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

func TestOpenOrBuildIndexesSeedVectors(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "concepts")
	ids := []ident.ConceptId{ident.FromContentHash([]byte("a")), ident.FromContentHash([]byte("b"))}
	vectors := [][]float32{{1, 0, 0}, {0, 1, 0}}

	idx, err := OpenOrBuild(basePath, 3, func() ([]ident.ConceptId, [][]float32, error) {
		return ids, vectors, nil
	})
	if err != nil {
		t.Fatalf("open_or_build: %v", err)
	}
	neighbors, err := idx.Search([]float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Id != ids[0] {
		t.Fatalf("expected nearest neighbor to be the seeded vector closest to the query, got %+v", neighbors)
	}
}

func TestSearchOrdersBySimilarityDescending(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "concepts")
	ids := []ident.ConceptId{
		ident.FromContentHash([]byte("a")),
		ident.FromContentHash([]byte("b")),
		ident.FromContentHash([]byte("c")),
	}
	vectors := [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {-1, 0, 0}}

	idx, err := OpenOrBuild(basePath, 3, func() ([]ident.ConceptId, [][]float32, error) {
		return ids, vectors, nil
	})
	if err != nil {
		t.Fatalf("open_or_build: %v", err)
	}
	neighbors, err := idx.Search([]float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for i := 1; i < len(neighbors); i++ {
		if neighbors[i-1].Similarity < neighbors[i].Similarity {
			t.Fatalf("expected descending similarity order, got %+v", neighbors)
		}
	}
	if neighbors[0].Id != ids[0] {
		t.Fatalf("expected the exact match first, got %+v", neighbors[0])
	}
}

func TestInsertRejectsWrongDimension(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "concepts")
	idx, err := OpenOrBuild(basePath, 3, func() ([]ident.ConceptId, [][]float32, error) {
		return nil, nil, nil
	})
	if err != nil {
		t.Fatalf("open_or_build: %v", err)
	}
	if err := idx.Insert(ident.FromContentHash([]byte("x")), []float32{1, 2}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSaveAndLoadMetaRoundTrip(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "concepts")
	id := ident.FromContentHash([]byte("a"))
	idx, err := OpenOrBuild(basePath, 3, func() ([]ident.ConceptId, [][]float32, error) {
		return []ident.ConceptId{id}, [][]float32{{1, 2, 3}}, nil
	})
	if err != nil {
		t.Fatalf("open_or_build: %v", err)
	}
	if !idx.IsDirty() {
		t.Fatalf("expected freshly built index to be dirty")
	}
	if err := idx.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if idx.IsDirty() {
		t.Fatalf("expected Save to clear the dirty flag")
	}

	idx2, err := OpenOrBuild(basePath, 3, func() ([]ident.ConceptId, [][]float32, error) {
		return []ident.ConceptId{id}, [][]float32{{1, 2, 3}}, nil
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if idx2.nextID == 0 {
		t.Fatalf("expected nextID to count the vector inserted by the rebuild on reopen")
	}
}
