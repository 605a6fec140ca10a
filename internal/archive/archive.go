// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package archive ships a finished mmap-image flush or a rotated WAL
// segment off-host for an additional durability tier. It is never a
// correctness dependency: a failed upload is passed to the Archiver's
// onError callback (if any) and otherwise ignored,
// exactly as storage/persistence-s3.go and storage/persistence-ceph.go are
// themselves just one of several interchangeable PersistenceEngine
// backends behind the same interface, none of which the teacher's core
// commit path depends on synchronously succeeding.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// defaultUploadTimeout bounds a single background upload so a stalled
// connection to off-host storage cannot leak goroutines indefinitely.
const defaultUploadTimeout = 5 * time.Minute

// Backend uploads a local file to off-host storage under key.
type Backend interface {
	Upload(ctx context.Context, key string, r io.Reader) error
}

// Archiver asynchronously ships finished files to a Backend, never
// blocking or failing the caller that produced them.
type Archiver struct {
	backend Backend
	onError func(error)
}

// New constructs an Archiver. onError (if non-nil) is called from the
// background goroutine whenever an upload fails; it must not block.
func New(backend Backend, onError func(error)) *Archiver {
	return &Archiver{backend: backend, onError: onError}
}

// ArchiveFile reads path and uploads its bytes under key in the
// background, returning immediately. A read or upload failure is reported
// via onError and otherwise swallowed: the local flush or WAL truncation
// that produced path has already committed by the time ArchiveFile is
// called, so archival failing cannot and must not undo it.
func (a *Archiver) ArchiveFile(key, path string) {
	go func() {
		data, err := os.ReadFile(path)
		if err != nil {
			a.reportError(fmt.Errorf("archive: read %s: %w", path, err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultUploadTimeout)
		defer cancel()
		if err := a.backend.Upload(ctx, key, bytes.NewReader(data)); err != nil {
			a.reportError(fmt.Errorf("archive: upload %s: %w", key, err))
		}
	}()
}

func (a *Archiver) reportError(err error) {
	if a.onError != nil {
		a.onError(err)
	}
}
