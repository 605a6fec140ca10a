// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ident defines the 16-byte opaque ConceptId that is the primary
// key for every concept and association endpoint in the graph.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidHex is returned by FromHex when s contains a non-hex character.
var ErrInvalidHex = errors.New("ident: invalid hex string")

// Size is the fixed byte width of a ConceptId.
const Size = 16

// ConceptId is a 16-byte opaque identifier, compared as raw bytes.
type ConceptId [Size]byte

// Zero is the all-zero id, never assigned to a real concept.
var Zero ConceptId

// FromHex parses 1-32 hex characters into a ConceptId, left-padding an
// odd-length input with one zero nibble. Non-hex input is rejected with
// ErrInvalidHex; callers that want a lenient fallback to content hashing
// must do so explicitly at the API surface, never inside FromHex itself.
func FromHex(s string) (ConceptId, error) {
	if len(s) == 0 || len(s) > 2*Size {
		return Zero, ErrInvalidHex
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, ErrInvalidHex
	}
	var id ConceptId
	copy(id[Size-len(raw):], raw)
	return id, nil
}

// FromContentHash derives a deterministic id from arbitrary content bytes.
// Content is first passed through NFC normalization so canonically-equal
// text (differing only in composed/decomposed Unicode form) always yields
// the same id, which is what makes re-learning idempotent for callers that
// pass text through different encoding pipelines.
func FromContentHash(content []byte) ConceptId {
	normalized := norm.NFC.Bytes(content)
	sum := sha256.Sum256(normalized)
	var id ConceptId
	copy(id[:], sum[:Size])
	return id
}

// FromUserString is the "lenient" entrypoint mentioned in the spec: it
// hex-parses when possible, otherwise falls back to content hashing. It is
// total over all inputs.
func FromUserString(s string) ConceptId {
	if id, err := FromHex(s); err == nil {
		return id
	}
	return FromContentHash([]byte(s))
}

// ToHex renders the id as a lowercase 32-character hex string.
func (id ConceptId) ToHex() string {
	return hex.EncodeToString(id[:])
}

func (id ConceptId) String() string { return id.ToHex() }

// Less provides a total byte-wise order over ids. The shard coordinator
// orders participants by shard index and plane.Index orders ids by Key,
// so neither uses it.
func (id ConceptId) Less(other ConceptId) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Key satisfies plane.Keyed via the id's hex form, which is Go-comparable
// and ordered, unlike the fixed-size array itself under generic Ordered
// constraints.
func (id ConceptId) Key() string { return id.ToHex() }
