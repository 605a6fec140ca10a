// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wal

import (
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// XZArchiver returns an ArchiveFunc that xz-compresses a rotated-out segment
// into destDir and removes the uncompressed original. Failures are passed
// to onError (when non-nil) and otherwise swallowed, because archival is
// best-effort and must never be allowed to
// affect the WAL's own durability: a failed archive leaves the uncompressed
// segment in place rather than losing it.
func XZArchiver(destDir string, onError func(error)) ArchiveFunc {
	return func(segmentPath string) {
		if err := archiveOne(segmentPath, destDir); err != nil && onError != nil {
			onError(err)
		}
	}
}

func archiveOne(segmentPath, destDir string) error {
	src, err := os.Open(segmentPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dstPath := destDir + string(os.PathSeparator) + baseName(segmentPath) + ".xz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	w, err := xz.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(segmentPath)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == os.PathSeparator {
			return path[i+1:]
		}
	}
	return path
}
