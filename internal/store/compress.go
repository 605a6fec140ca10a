// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
)

// compressLZ4 prefixes the compressed block with the uncompressed length so
// decompressLZ4 can size its destination buffer without a second pass.
func compressLZ4(src []byte) []byte {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(dst[0:4], uint32(len(src)))
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[4:])
	if err != nil || n == 0 {
		// incompressible or too small for the block format; store raw with a
		// sentinel uncompressed-length of 0 so decompressLZ4 passes it through.
		raw := make([]byte, 4+len(src))
		binary.LittleEndian.PutUint32(raw[0:4], 0)
		copy(raw[4:], src)
		return raw
	}
	return dst[:4+n]
}

func decompressLZ4(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, ErrCorrupt
	}
	uncompressedLen := binary.LittleEndian.Uint32(src[0:4])
	if uncompressedLen == 0 {
		out := make([]byte, len(src)-4)
		copy(out, src[4:])
		return out, nil
	}
	dst := make([]byte, uncompressedLen)
	n, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}
