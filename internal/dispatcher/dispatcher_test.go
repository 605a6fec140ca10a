package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nranjan2code/sutra-memory-sub007/internal/config"
	"github.com/nranjan2code/sutra-memory-sub007/internal/engine"
	"github.com/nranjan2code/sutra-memory-sub007/internal/graph"
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
	"github.com/nranjan2code/sutra-memory-sub007/internal/shard"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *shard.Coordinator) {
	t.Helper()
	cfg := config.Default()
	cfg.StoragePath = t.TempDir()
	cfg.VectorDimension = 3
	resolved, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	e, err := engine.Open(resolved)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	coord := shard.New([]*engine.Engine{e})
	return New(coord, resolved), coord
}

func encodeRequest(tag Tag, body interface{}) []byte {
	data, _ := json.Marshal(body)
	return append([]byte{byte(tag)}, data...)
}

func TestHandleLearnAndDeleteConceptRoundTrip(t *testing.T) {
	d, coord := newTestDispatcher(t)
	id := ident.FromContentHash([]byte("alpha"))

	resp := d.Handle(context.Background(), encodeRequest(TagLearnConcept, LearnConceptRequest{
		Concept: graph.Concept{Id: id, Content: []byte("alpha")},
	}))
	if Tag(resp[0]) != TagOK {
		t.Fatalf("expected TagOK, got tag %d body %s", resp[0], resp[1:])
	}

	deadlinePoll(t, func() bool { return coord.EngineAt(0).Snapshot().ConceptCount() == 1 })

	resp = d.Handle(context.Background(), encodeRequest(TagDeleteConcept, DeleteConceptRequest{Id: id}))
	if Tag(resp[0]) != TagOK {
		t.Fatalf("expected TagOK for delete, got tag %d body %s", resp[0], resp[1:])
	}
}

func TestHandleUnknownTagReturnsError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), []byte{255})
	if Tag(resp[0]) != TagError {
		t.Fatalf("expected TagError for unknown tag, got %d", resp[0])
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(resp[1:], &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Message == "" {
		t.Fatalf("expected a non-empty error message")
	}
}

func TestHandleEmptyPayloadReturnsError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), nil)
	if Tag(resp[0]) != TagError {
		t.Fatalf("expected TagError for empty payload, got %d", resp[0])
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.maxMessageSize = 4
	var buf bytes.Buffer
	WriteFrame(&buf, []byte("this payload is longer than four bytes"))
	if _, err := d.ReadFrame(&buf); err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestWriteFrameThenReadFrameRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	var buf bytes.Buffer
	payload := []byte("hello")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := d.ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func deadlinePoll(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
