// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ingest bulk-imports rows from an existing relational table into
// the graph as concepts, grounded directly on the storage engine's own
// storage/mysql_import.go job (which does the equivalent "pull an external
// table into memcp" work, just against its own columnar tables instead of a
// concept/association graph). Two database/sql drivers are wired the same
// way the teacher wires its MySQL one: imported purely for registration
// side effects, never referenced by name afterwards.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/nranjan2code/sutra-memory-sub007/internal/graph"
	"github.com/nranjan2code/sutra-memory-sub007/internal/ident"
)

// ErrNoContentColumn is returned by Import if the mapping does not name a
// content column, since every concept requires content.
var ErrNoContentColumn = errors.New("ingest: column mapping must name a content column")

// Driver selects which database/sql driver name to open the DSN with.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
)

// ColumnMapping selects which source columns become which concept fields.
// VectorColumn, when set, must name a column holding a JSON float array.
type ColumnMapping struct {
	ContentColumn  string
	VectorColumn   string
	SemanticColumn string
}

// Learner is the subset of the engine/shard coordinator surface Import
// needs, satisfied by both *engine.Engine and *shard.Coordinator.
type Learner interface {
	LearnConcept(graph.Concept) error
}

// Stats reports how an Import went.
type Stats struct {
	RowsRead    int
	RowsLearned int
	RowsSkipped int
}

// maxImportBatchSize caps the per-batch row count a caller may request,
// matching the wire protocol's own MAX_BATCH_SIZE.
const maxImportBatchSize = 1000

// Import runs SELECT mapping.columns FROM table and learns each row as it
// is read rather than buffering the whole table in memory; maxBatchSize
// (clamped to 1..maxImportBatchSize) is how many rows are learned between
// checks of ctx for cancellation. A row that fails to
// decode (e.g. a non-numeric vector column) is skipped and counted rather
// than aborting the whole import, matching the distilled spec's policy for
// a bulk-ingest validation failure.
func Import(ctx context.Context, driver Driver, dsn string, table string, mapping ColumnMapping, maxBatchSize int, sink Learner) (Stats, error) {
	if mapping.ContentColumn == "" {
		return Stats{}, ErrNoContentColumn
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}
	if maxBatchSize > maxImportBatchSize {
		maxBatchSize = maxImportBatchSize
	}

	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: open %s: %w", driver, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return Stats{}, fmt.Errorf("ingest: ping %s: %w", driver, err)
	}

	cols := []string{mapping.ContentColumn}
	if mapping.VectorColumn != "" {
		cols = append(cols, mapping.VectorColumn)
	}
	if mapping.SemanticColumn != "" {
		cols = append(cols, mapping.SemanticColumn)
	}
	query := "SELECT " + joinColumns(cols) + " FROM " + table

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: query %s: %w", table, err)
	}
	defer rows.Close()

	var stats Stats
	inFlight := 0
	for rows.Next() {
		stats.RowsRead++
		c, err := scanRow(rows, mapping)
		if err != nil {
			stats.RowsSkipped++
			continue
		}
		if err := sink.LearnConcept(c); err != nil {
			stats.RowsSkipped++
			continue
		}
		stats.RowsLearned++
		inFlight++
		if inFlight >= maxBatchSize {
			inFlight = 0
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("ingest: row iteration: %w", err)
	}
	return stats, nil
}

func scanRow(rows *sql.Rows, mapping ColumnMapping) (graph.Concept, error) {
	var content sql.NullString
	var vectorJSON sql.NullString
	var semanticJSON sql.NullString

	dest := []interface{}{&content}
	var vectorIdx, semanticIdx = -1, -1
	if mapping.VectorColumn != "" {
		vectorIdx = len(dest)
		dest = append(dest, &vectorJSON)
	}
	if mapping.SemanticColumn != "" {
		semanticIdx = len(dest)
		dest = append(dest, &semanticJSON)
	}
	if err := rows.Scan(dest...); err != nil {
		return graph.Concept{}, err
	}
	if !content.Valid {
		return graph.Concept{}, errors.New("ingest: content column is NULL")
	}

	c := graph.Concept{
		Id:      ident.FromContentHash([]byte(content.String)),
		Content: []byte(content.String),
	}
	if vectorIdx >= 0 && vectorJSON.Valid && vectorJSON.String != "" {
		var vec []float32
		if err := json.Unmarshal([]byte(vectorJSON.String), &vec); err != nil {
			return graph.Concept{}, fmt.Errorf("ingest: decode vector column: %w", err)
		}
		c.Vector = vec
	}
	if semanticIdx >= 0 && semanticJSON.Valid && semanticJSON.String != "" {
		c.Semantic = json.RawMessage(semanticJSON.String)
	}
	return c, nil
}

func joinColumns(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}
