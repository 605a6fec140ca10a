package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.skg")
	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer img.Close()

	payloads := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	var offsets []uint64
	for _, p := range payloads {
		off, err := img.Append(p)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		offsets = append(offsets, off)
	}
	for i, off := range offsets {
		got, err := img.Read(off)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("payload %d mismatch: got %d bytes, want %d bytes", i, len(got), len(payloads[i]))
		}
	}
	if img.RecordCount() != uint64(len(payloads)) {
		t.Fatalf("record count = %d, want %d", img.RecordCount(), len(payloads))
	}
}

func TestImageSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.skg")
	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	off, err := img.Append([]byte("persisted"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := img.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := img.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	img2, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer img2.Close()
	got, err := img2.Read(off)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q, want %q", got, "persisted")
	}
}

func TestImageGrowsPastInitialMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.skg")
	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer img.Close()

	big := bytes.Repeat([]byte{0x5A}, 2<<20) // 2 MiB, larger than the initial 1 MiB mapping
	off, err := img.Append(big)
	if err != nil {
		t.Fatalf("append large payload: %v", err)
	}
	got, err := img.Read(off)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("large payload mismatch after growth")
	}
}

func TestLZ4RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.skg")
	img, err := Open(path, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer img.Close()

	payload := bytes.Repeat([]byte("compressible-text-"), 500)
	off, err := img.Append(payload)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := img.Read(off)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("lz4 round trip mismatch")
	}
}

func TestOpenRejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.skg")
	img, err := Open(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := img.Append([]byte("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	img.Close()

	// corrupt the magic bytes directly on disk
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, 0); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	if _, err := Open(path, false); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
