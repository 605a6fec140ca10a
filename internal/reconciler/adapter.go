// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package reconciler

import "github.com/nranjan2code/sutra-memory-sub007/internal/writelog"

// QueueDrainer adapts a *writelog.Queue to the Drainer[writelog.Entry]
// interface the generic Reconciler expects.
type QueueDrainer struct {
	Queue *writelog.Queue
}

func (d QueueDrainer) Drain(max int) []writelog.Entry { return d.Queue.Drain(max) }

func (d QueueDrainer) Requeue(entries []writelog.Entry) { d.Queue.Requeue(entries) }

func (d QueueDrainer) StatsFor() QueueStats {
	stats := d.Queue.Stats()
	return QueueStats{Pending: stats.Pending, Capacity: stats.Capacity}
}
