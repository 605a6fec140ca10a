package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateRejectsMissingStoragePath(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing storage_path")
	}
}

func TestValidateRejectsBadArchiveBackend(t *testing.T) {
	cfg := Default()
	cfg.StoragePath = "/tmp/x"
	cfg.ArchiveEnabled = true
	cfg.ArchiveBackend = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unrecognized archive_backend")
	}
}

func TestResolveParsesHumanSizesAndDurations(t *testing.T) {
	cfg := Default()
	cfg.StoragePath = "/tmp/x"
	cfg.MaxMessageSize = "16MB"
	cfg.ReconcilerMinTick = "10ms"

	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.MaxMessageSize != 16*1000*1000 && resolved.MaxMessageSize != 16<<20 {
		t.Fatalf("unexpected max message size: %d", resolved.MaxMessageSize)
	}
	if resolved.ReconcilerMinTick != 10*time.Millisecond {
		t.Fatalf("unexpected min tick: %v", resolved.ReconcilerMinTick)
	}
}

func TestWatchFileRejectsUnsafeChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	initial := Default()
	initial.StoragePath = dir

	data, _ := json.Marshal(initial)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	warnings := make(chan string, 8)
	w, err := WatchFile(path, initial, func(msg string) { warnings <- msg })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	changed := initial
	changed.NumShards = initial.NumShards + 1
	data, _ = json.Marshal(changed)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-warnings:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a warning about the rejected unsafe reload")
	}
	if w.Current().NumShards != initial.NumShards {
		t.Fatalf("unsafe option change should not have been applied")
	}
}
