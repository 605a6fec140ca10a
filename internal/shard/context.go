// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package shard

import "github.com/jtolds/gls"

// gls is used here exactly as the storage engine's own scm.GetCurrentTx
// used it: twoPhaseCommit records the id of the cross-shard transaction it
// is running for code on its own goroutine, without threading a context
// value through every call. Goroutines started inside WithTransaction with
// a plain go statement (such as the prepare callbacks) do not see it.
var glsMgr = gls.NewContextManager()

const currentTxnKey = "current_txn_id"

// WithTransaction runs fn with txnID recorded as the current goroutine's
// active transaction, recoverable via CurrentTransaction from anywhere
// fn's call stack reaches, including code that doesn't have a context.Context
// parameter available to it.
func WithTransaction(txnID string, fn func()) {
	glsMgr.SetValues(gls.Values{currentTxnKey: txnID}, fn)
}

// CurrentTransaction returns the active transaction id for the calling
// goroutine, or "" if none is set.
func CurrentTransaction() string {
	if v, ok := glsMgr.GetValue(currentTxnKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
