// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package dispatcher reads and writes [length: u32 LE][payload] frames
// (Dispatcher.ReadFrame, WriteFrame), decodes each payload into a tagged
// request, invokes the shard coordinator, and encodes a tagged response.
// The TCP accept loop is an external collaborator; this package owns the
// frame helpers, the payload codec and the request/response shapes, mirroring the storage engine's own practice of
// keeping its socket loop thin and pushing decoding into a dedicated layer.
package dispatcher

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nranjan2code/sutra-memory-sub007/internal/annindex"
	"github.com/nranjan2code/sutra-memory-sub007/internal/config"
	"github.com/nranjan2code/sutra-memory-sub007/internal/engine"
	"github.com/nranjan2code/sutra-memory-sub007/internal/graph"
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
	"github.com/nranjan2code/sutra-memory-sub007/internal/shard"
)

// Tag identifies a request or response variant within a framed payload.
type Tag uint8

const (
	TagLearnConcept Tag = iota + 1
	TagLearnAssociation
	TagDeleteConcept
	TagDeleteAssociation
	TagVectorSearch
	TagFindPath
	TagFindPathsParallel
	TagQueryNeighbors
	TagQueryNeighborsWeighted
	TagGetStats
	TagFlush
	TagHealthCheck

	TagOK
	TagError
)

// Resource limits enforced at dispatch, matching the spec's per-request
// bounds: a request that would exceed one of these is rejected before it
// ever reaches the shard coordinator.
const (
	MaxContentSize = 10 << 20 // 10 MiB
	MaxEmbeddingDim = 2048
	MaxSearchK      = 1000
	MaxPathDepth    = 20
	MaxBatchSize    = 1000
)

var (
	// ErrMessageTooLarge is returned before any allocation is attempted for
	// a frame declaring a length over MaxMessageSize.
	ErrMessageTooLarge = errors.New("dispatcher: message exceeds max message size")
	// ErrUnknownTag is returned for a payload whose leading tag byte does
	// not match any known request variant.
	ErrUnknownTag = errors.New("dispatcher: unknown request tag")
	// ErrEmptyPayload is returned for a frame with no tag byte at all.
	ErrEmptyPayload = errors.New("dispatcher: empty payload")
	// ErrContentTooLarge is returned when a concept's content exceeds
	// MaxContentSize.
	ErrContentTooLarge = errors.New("dispatcher: content exceeds max content size")
	// ErrEmbeddingTooLarge is returned when a concept's vector exceeds
	// MaxEmbeddingDim.
	ErrEmbeddingTooLarge = errors.New("dispatcher: embedding exceeds max embedding dimension")
	// ErrSearchKTooLarge is returned when a vector search's k exceeds
	// MaxSearchK.
	ErrSearchKTooLarge = errors.New("dispatcher: search k exceeds max search k")
	// ErrPathDepthExceeded is returned when a path query's max_depth
	// exceeds MaxPathDepth.
	ErrPathDepthExceeded = errors.New("dispatcher: max_depth exceeds max path depth")
)

// Dispatcher decodes framed requests and routes them to a shard coordinator.
type Dispatcher struct {
	coord          *shard.Coordinator
	maxMessageSize int64
}

// New constructs a Dispatcher bound to coord, enforcing cfg.MaxMessageSize.
func New(coord *shard.Coordinator, cfg config.Resolved) *Dispatcher {
	return &Dispatcher{coord: coord, maxMessageSize: cfg.MaxMessageSize}
}

// ReadFrame reads one [length: u32 LE][payload] frame from r, rejecting an
// oversized declared length before allocating the payload buffer.
func (d *Dispatcher) ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if int64(n) > d.maxMessageSize {
		return nil, ErrMessageTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w with its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Handle decodes one payload, dispatches it, and returns the encoded
// tagged response. It never returns an error itself: a malformed request or
// a failed operation both become a TagError response payload, so a caller
// can always write Handle's result straight back over the wire.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) []byte {
	resp, err := d.dispatch(ctx, payload)
	if err != nil {
		return encodeError(err)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	tag := Tag(payload[0])
	body := payload[1:]

	switch tag {
	case TagLearnConcept:
		var req LearnConceptRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if len(req.Concept.Content) > MaxContentSize {
			return nil, ErrContentTooLarge
		}
		if len(req.Concept.Vector) > MaxEmbeddingDim {
			return nil, ErrEmbeddingTooLarge
		}
		if err := d.coord.LearnConcept(req.Concept); err != nil {
			return nil, err
		}
		return encodeOK(nil)

	case TagLearnAssociation:
		var req LearnAssociationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if err := d.coord.LearnAssociation(ctx, req.Association); err != nil {
			return nil, err
		}
		return encodeOK(nil)

	case TagDeleteConcept:
		var req DeleteConceptRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if err := d.coord.DeleteConcept(req.Id); err != nil {
			return nil, err
		}
		return encodeOK(nil)

	case TagDeleteAssociation:
		var req DeleteAssociationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if err := d.coord.DeleteAssociation(req.Source, req.Target, req.TypeTag); err != nil {
			return nil, err
		}
		return encodeOK(nil)

	case TagVectorSearch:
		var req VectorSearchRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if req.K > MaxSearchK {
			return nil, ErrSearchKTooLarge
		}
		neighbors, err := d.coord.VectorSearch(req.Query, req.K)
		if err != nil {
			return nil, err
		}
		return encodeOK(VectorSearchResponse{Neighbors: neighbors})

	case TagFindPath:
		var req FindPathRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if req.MaxDepth > MaxPathDepth {
			return nil, ErrPathDepthExceeded
		}
		e := d.engineOwning(req.From)
		path, found, err := e.Snapshot().FindPath(req.From, req.To, req.MaxDepth)
		if err != nil {
			return nil, err
		}
		return encodeOK(FindPathResponse{Path: path, Found: found})

	case TagFindPathsParallel:
		var req FindPathsParallelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if req.MaxDepth > MaxPathDepth {
			return nil, ErrPathDepthExceeded
		}
		e := d.engineOwning(req.From)
		paths, err := e.Snapshot().FindPathsParallel(req.From, req.To, req.MaxDepth, req.MaxPaths, req.Decay, req.CollapseTypes)
		if err != nil {
			return nil, err
		}
		return encodeOK(FindPathsParallelResponse{Paths: paths})

	case TagQueryNeighbors:
		var req QueryNeighborsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		e := d.engineOwning(req.Id)
		return encodeOK(QueryNeighborsResponse{Neighbors: e.Snapshot().QueryNeighbors(req.Id)})

	case TagQueryNeighborsWeighted:
		var req QueryNeighborsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		e := d.engineOwning(req.Id)
		return encodeOK(QueryNeighborsWeightedResponse{Neighbors: e.Snapshot().QueryNeighborsWeighted(req.Id)})

	case TagGetStats:
		var total StatsResponse
		for i := 0; i < d.coord.NumShards(); i++ {
			s := d.coord.EngineAt(i).Stats()
			total.ConceptCount += s.ConceptCount
			total.EdgeCount += s.EdgeCount
		}
		return encodeOK(total)

	case TagFlush:
		for i := 0; i < d.coord.NumShards(); i++ {
			if err := d.coord.EngineAt(i).Flush(ctx); err != nil {
				return nil, err
			}
		}
		return encodeOK(nil)

	case TagHealthCheck:
		return encodeOK(nil)

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

// engineOwning returns the shard engine that would own id under the
// coordinator's routing function. Path and neighbor queries only ever
// traverse one shard's local snapshot; a traversal that would need to cross
// shard boundaries is outside this engine's scope, matching the
// distillation's per-shard adjacency model.
func (d *Dispatcher) engineOwning(id ident.ConceptId) *engine.Engine {
	idx := shard.Route(id, d.coord.NumShards())
	return d.coord.EngineAt(idx)
}

func encodeOK(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(TagOK)}, body...), nil
}

func encodeError(err error) []byte {
	body, _ := json.Marshal(ErrorResponse{Message: err.Error()})
	return append([]byte{byte(TagError)}, body...)
}

// Request/response payload shapes. All are JSON-encoded after the leading
// tag byte, the same self-describing-binary-over-JSON approach the engine
// already uses for its own WAL record payloads.

type LearnConceptRequest struct {
	Concept graph.Concept `json:"concept"`
}

type LearnAssociationRequest struct {
	Association graph.Association `json:"association"`
}

type DeleteConceptRequest struct {
	Id ident.ConceptId `json:"id"`
}

type DeleteAssociationRequest struct {
	Source  ident.ConceptId `json:"source"`
	Target  ident.ConceptId `json:"target"`
	TypeTag uint32          `json:"type_tag"`
}

type VectorSearchRequest struct {
	Query []float32 `json:"query"`
	K     int       `json:"k"`
}

type VectorSearchResponse struct {
	Neighbors []annindex.Neighbor `json:"neighbors"`
}

type FindPathRequest struct {
	From     ident.ConceptId `json:"from"`
	To       ident.ConceptId `json:"to"`
	MaxDepth int             `json:"max_depth"`
}

type FindPathResponse struct {
	Path  graph.Path `json:"path"`
	Found bool       `json:"found"`
}

type FindPathsParallelRequest struct {
	From          ident.ConceptId `json:"from"`
	To            ident.ConceptId `json:"to"`
	MaxDepth      int             `json:"max_depth"`
	MaxPaths      int             `json:"max_paths"`
	Decay         float64         `json:"decay"`
	CollapseTypes bool            `json:"collapse_types"`
}

type FindPathsParallelResponse struct {
	Paths []graph.Path `json:"paths"`
}

type QueryNeighborsRequest struct {
	Id ident.ConceptId `json:"id"`
}

type QueryNeighborsResponse struct {
	Neighbors []ident.ConceptId `json:"neighbors"`
}

type QueryNeighborsWeightedResponse struct {
	Neighbors []graph.WeightedNeighbor `json:"neighbors"`
}

type StatsResponse struct {
	ConceptCount int `json:"concept_count"`
	EdgeCount    int `json:"edge_count"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}
