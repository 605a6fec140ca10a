// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package telemetry emits opaque operational events about reconciliation
// ticks, queue depth, health score, vector-search latency, and pathfinding
// outcomes. The contract is "emit if configured, otherwise no-op" — neither
// the Sink interface nor any concrete implementation sits on the
// correctness path, matching the distilled spec's treatment of the
// telemetry sink as an external collaborator. Process-exit quiescing is
// wired through github.com/dc0d/onexit, the same library and pattern the
// storage engine uses in storage/settings.go to flush its trace file on a
// normal process exit.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/dc0d/onexit"
)

// Event is one opaque telemetry record. Kind names the event type (the
// engine emits "vector_search" and "flush"); Fields carries whatever that
// event type wants to report.
type Event struct {
	Kind      string                 `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields"`
}

// Sink receives telemetry events. Emit must not block the caller for long;
// a sink backed by a slow transport should buffer and drop rather than
// stall the reconciler or dispatcher that is reporting the event.
type Sink interface {
	Emit(Event)
}

// NoopSink discards every event. It is the default when no sink is
// configured, keeping the "no sink configured" path a true no-op.
type NoopSink struct{}

// Emit implements Sink by doing nothing.
func (NoopSink) Emit(Event) {}

// RegisterShutdownHooks wires stop and flush into the process's normal-exit
// path via onexit, so a clean shutdown always quiesces the reconciler and
// durably closes the WAL before the process actually exits.
func RegisterShutdownHooks(stopReconciler func(), flushWAL func() error) {
	onexit.Register(func() {
		stopReconciler()
		_ = flushWAL()
	})
}

// marshalFields is a small helper most Sink implementations use to render
// Fields for a wire transport; kept here so every sink serializes events
// identically.
func marshalFields(e Event) ([]byte, error) {
	return json.Marshal(e)
}
