package wal

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestAppendAndReplayAutoCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	if _, err := l.Append(0, OpLearnConcept, []byte("concept-a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(0, OpLearnConcept, []byte("concept-b")); err != nil {
		t.Fatalf("append: %v", err)
	}

	var applied [][]byte
	if err := l.Replay(func(r Record) error {
		applied = append(applied, r.Payload)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(applied) != 2 || !bytes.Equal(applied[0], []byte("concept-a")) || !bytes.Equal(applied[1], []byte("concept-b")) {
		t.Fatalf("unexpected replay result: %v", applied)
	}
}

func TestReplaySkipsUncommittedTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	const txn = 42
	l.Append(txn, OpBegin, nil)
	l.Append(txn, OpLearnConcept, []byte("never-committed"))
	// no commit record written: simulates a crash mid-transaction

	var applied []Record
	if err := l.Replay(func(r Record) error {
		applied = append(applied, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected uncommitted txn records to be skipped, got %v", applied)
	}
}

func TestReplaySkipsRolledBackTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	const txn = 7
	l.Append(txn, OpBegin, nil)
	l.Append(txn, OpLearnConcept, []byte("rolled-back"))
	l.Append(txn, OpRollback, nil)

	var applied []Record
	if err := l.Replay(func(r Record) error {
		applied = append(applied, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected rolled-back txn records to be skipped, got %v", applied)
	}
}

func TestReplayAppliesCommittedTransaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.wal")
	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	const txn = 9
	l.Append(txn, OpBegin, nil)
	l.Append(txn, OpLearnConcept, []byte("committed-a"))
	l.Append(txn, OpLearnAssociation, []byte("committed-b"))
	l.Append(txn, OpCommit, nil)

	var applied []Record
	if err := l.Replay(func(r Record) error {
		applied = append(applied, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied records, got %d", len(applied))
	}
}

func TestTruncateStartsFreshSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.wal")
	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Append(0, OpLearnConcept, []byte("old"))
	rotated := filepath.Join(dir, "log.wal.1")
	if err := l.Truncate(rotated); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	l.Append(0, OpLearnConcept, []byte("new"))

	var applied []Record
	if err := l.Replay(func(r Record) error {
		applied = append(applied, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(applied) != 1 || string(applied[0].Payload) != "new" {
		t.Fatalf("expected only the post-truncate record, got %v", applied)
	}
}
