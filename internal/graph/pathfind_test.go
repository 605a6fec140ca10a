package graph

import "testing"

func chain(ids ...string) *Snapshot {
	s := Empty()
	for _, id := range ids {
		s = s.WithConcept(concept(id))
	}
	for i := 0; i+1 < len(ids); i++ {
		var err error
		s, err = s.WithAssociation(Association{Source: mustID(ids[i]), Target: mustID(ids[i+1]), TypeTag: 1, Strength: 0.9})
		if err != nil {
			panic(err)
		}
	}
	return s
}

func TestFindPathSameNode(t *testing.T) {
	s := Empty().WithConcept(concept("aa"))
	p, ok, err := s.FindPath(mustID("aa"), mustID("aa"), 5)
	if err != nil || !ok {
		t.Fatalf("expected trivial path, got ok=%v err=%v", ok, err)
	}
	if len(p.Nodes) != 1 {
		t.Fatalf("expected single-node path, got %v", p.Nodes)
	}
}

func TestFindPathShortestHopCount(t *testing.T) {
	// aa -> bb -> cc -> dd, plus a direct aa -> dd shortcut
	s := chain("aa", "bb", "cc", "dd")
	var err error
	s, err = s.WithAssociation(Association{Source: mustID("aa"), Target: mustID("dd"), TypeTag: 2, Strength: 0.1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, ok, err := s.FindPath(mustID("aa"), mustID("dd"), MaxPathDepth)
	if err != nil || !ok {
		t.Fatalf("expected a path, got ok=%v err=%v", ok, err)
	}
	if len(p.Nodes) != 2 {
		t.Fatalf("expected the 1-hop shortcut to win, got path %v", p.Nodes)
	}
}

func TestFindPathNoPath(t *testing.T) {
	s := Empty().WithConcept(concept("aa")).WithConcept(concept("bb"))
	_, ok, err := s.FindPath(mustID("aa"), mustID("bb"), MaxPathDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no path between disconnected concepts")
	}
}

func TestFindPathRejectsOverlongDepth(t *testing.T) {
	s := Empty().WithConcept(concept("aa"))
	_, _, err := s.FindPath(mustID("aa"), mustID("aa"), MaxPathDepth+1)
	if err != ErrPathLimitExceeded {
		t.Fatalf("expected ErrPathLimitExceeded, got %v", err)
	}
}

func TestFindPathsParallelEnumeratesMultipleRoutes(t *testing.T) {
	s := Empty().WithConcept(concept("aa")).WithConcept(concept("bb")).WithConcept(concept("cc")).WithConcept(concept("dd"))
	mustAssoc := func(sn *Snapshot, src, dst string, strength float64) *Snapshot {
		next, err := sn.WithAssociation(Association{Source: mustID(src), Target: mustID(dst), TypeTag: 1, Strength: strength})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return next
	}
	s = mustAssoc(s, "aa", "bb", 0.9)
	s = mustAssoc(s, "bb", "dd", 0.9)
	s = mustAssoc(s, "aa", "cc", 0.5)
	s = mustAssoc(s, "cc", "dd", 0.5)

	paths, err := s.FindPathsParallel(mustID("aa"), mustID("dd"), MaxPathDepth, 10, 0.9, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 distinct routes, got %d: %+v", len(paths), paths)
	}
	for _, p := range paths {
		if len(p.Nodes) != 3 {
			t.Fatalf("expected 2-hop paths, got %v", p.Nodes)
		}
	}
}

func TestFindPathsParallelRespectsMaxPaths(t *testing.T) {
	s := Empty().WithConcept(concept("aa")).WithConcept(concept("bb")).WithConcept(concept("cc")).WithConcept(concept("dd"))
	add := func(sn *Snapshot, src, dst string) *Snapshot {
		next, err := sn.WithAssociation(Association{Source: mustID(src), Target: mustID(dst), TypeTag: 1, Strength: 0.8})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return next
	}
	s = add(s, "aa", "bb")
	s = add(s, "aa", "cc")
	s = add(s, "bb", "dd")
	s = add(s, "cc", "dd")

	paths, err := s.FindPathsParallel(mustID("aa"), mustID("dd"), MaxPathDepth, 1, 1.0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected max_paths to cap the result at 1, got %d", len(paths))
	}
}

func TestFindPathsParallelRejectsOverlongDepth(t *testing.T) {
	s := Empty().WithConcept(concept("aa"))
	_, err := s.FindPathsParallel(mustID("aa"), mustID("aa"), MaxPathDepth+1, 5, 0.9, false)
	if err != ErrPathLimitExceeded {
		t.Fatalf("expected ErrPathLimitExceeded, got %v", err)
	}
}
