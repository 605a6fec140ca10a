// Copyright (C) 2026 The Project Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package reconciler drains the write-plane queue into the read plane on an
// adaptively-tuned tick interval. Its drain-merge-publish cycle mirrors the
// storage engine's own delta-into-main rebuild: entries accumulate in a
// write-side structure, and a background pass periodically folds them into
// the structure readers actually see. Each drained batch is handed to the
// apply callback; whether readers see a batch all at once or entry by entry
// is decided by that callback, not by this package.
package reconciler

import (
	"sync"
	"sync/atomic"
	"time"

	"context"
)

// Config tunes the adaptive interval selection, naming the same options the
// engine's own configuration record resolves: a floor, a steady-state base,
// and a ceiling tick interval, the EMA smoothing factor, the depth of the
// trend history used for the predictive saturation check, and the per-tick
// drain ceiling.
type Config struct {
	MinInterval  time.Duration // floor on the tick interval, however saturated the queue
	BaseInterval time.Duration // steady-state interval held across the mid utilization band
	MaxInterval  time.Duration // ceiling on the tick interval, however idle the queue

	// QueueWarningThreshold is the predicted-utilization fraction above
	// which the reconciler treats utilization as already in the high band,
	// even before the raw reading crosses it.
	QueueWarningThreshold float64
	// EMAAlpha weights the exponential moving averages of queue depth and
	// drain rate; smaller values smooth more aggressively.
	EMAAlpha float64
	// TrendWindowSize bounds the circular history of queue-depth samples
	// used by the predictive saturation check.
	TrendWindowSize int
	// MaxBatchSize caps how many entries a single tick drains from the
	// write-plane queue.
	MaxBatchSize int
}

// DefaultConfig returns the reconciler's out-of-the-box tuning.
func DefaultConfig() Config {
	return Config{
		MinInterval:           5 * time.Millisecond,
		BaseInterval:          50 * time.Millisecond,
		MaxInterval:           1 * time.Second,
		QueueWarningThreshold: 0.70,
		EMAAlpha:              0.3,
		TrendWindowSize:       50,
		MaxBatchSize:          10_000,
	}
}

// QueueStats is the minimal view of the write-plane queue the reconciler
// needs; QueueDrainer.StatsFor builds it from internal/writelog.Queue's
// Stats.
type QueueStats struct {
	Pending  int
	Capacity int
}

// Drainer is the write-plane side: Drain removes and returns up to max
// currently pending entries, Requeue puts a failed batch back at the front, and StatsFor reports current occupancy for interval tuning.
type Drainer[T any] interface {
	Drain(max int) []T
	Requeue([]T)
	StatsFor() QueueStats
}

// Health is a point-in-time self-report of the reconciler's own condition.
type Health struct {
	Score          float64 // in [0,1]; 1 is perfectly healthy
	Recommendation string  // "healthy", "warn", or "critical"
	Interval       time.Duration
	EMAUtilization float64
	RateEMA        float64 // smoothed entries/sec drained
	Ticks          uint64
	Failures       uint64
}

// Reconciler runs the adaptive drain loop. Construct with New and start it
// with Run in its own goroutine; Stop is safe to call once, from any other
// goroutine, and idempotent after the loop has already exited.
type Reconciler[T any] struct {
	cfg     Config
	drainer Drainer[T]
	apply   func([]T) error

	mu           sync.Mutex
	queueEMA     float64 // smoothed pending-depth reading, in entries
	rateEMA      float64 // smoothed drain rate, in entries/sec
	history      []int   // trailing pending-depth samples, capped at cfg.TrendWindowSize
	lastCapacity int
	lastTickAt   time.Time
	interval     time.Duration

	ticks    atomic.Uint64
	failures atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Reconciler. apply receives each drained batch and is
// responsible for folding it into the published read plane; if apply
// returns an error, the batch is requeued via drainer.Requeue and retried
// on the next tick, and the failure is counted in Health.Failures (the
// health score itself is computed from utilization alone).
func New[T any](cfg Config, drainer Drainer[T], apply func([]T) error) *Reconciler[T] {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.BaseInterval <= 0 || cfg.BaseInterval < cfg.MinInterval || cfg.BaseInterval > cfg.MaxInterval {
		// A caller that only set Min/Max (the common case for tests exercising
		// a narrow range) gets a base interval that still respects
		// min <= base <= max, rather than blindly inheriting the package
		// default's absolute 50ms, which could fall outside that range.
		cfg.BaseInterval = cfg.MinInterval + (cfg.MaxInterval-cfg.MinInterval)/2
	}
	if cfg.QueueWarningThreshold <= 0 {
		cfg.QueueWarningThreshold = def.QueueWarningThreshold
	}
	if cfg.EMAAlpha <= 0 {
		cfg.EMAAlpha = def.EMAAlpha
	}
	if cfg.TrendWindowSize <= 0 {
		cfg.TrendWindowSize = def.TrendWindowSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	return &Reconciler[T]{
		cfg:      cfg,
		drainer:  drainer,
		apply:    apply,
		interval: cfg.MaxInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run executes the tick loop until ctx is canceled or Stop is called.
// Intended to be launched with `go r.Run(ctx)`.
func (r *Reconciler[T]) Run(ctx context.Context) {
	defer close(r.doneCh)
	timer := time.NewTimer(r.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-timer.C:
			r.tick()
			timer.Reset(r.currentInterval())
		}
	}
}

// Stop signals the loop to exit and blocks until it has. Safe to call
// multiple times or after ctx has already stopped the loop.
func (r *Reconciler[T]) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *Reconciler[T]) tick() {
	r.ticks.Add(1)
	now := time.Now()

	batch := r.drainer.Drain(r.cfg.MaxBatchSize)
	stats := r.drainer.StatsFor()

	r.mu.Lock()
	var elapsed time.Duration
	if !r.lastTickAt.IsZero() {
		elapsed = now.Sub(r.lastTickAt)
	}
	r.lastTickAt = now
	r.mu.Unlock()

	r.observe(stats, len(batch), elapsed)
	if len(batch) == 0 {
		return
	}
	if err := r.apply(batch); err != nil {
		r.failures.Add(1)
		r.drainer.Requeue(batch)
	}
}

// observe folds the latest reading into the EMAs and trend history, then
// selects the next tick interval: queue_ema and rate_ema are both updated
// with smoothing factor EMAAlpha, a predictive check based on the newest vs.
// oldest five samples in the trend window can force the high utilization
// band early, and the interval then follows the min/base/max bands.
func (r *Reconciler[T]) observe(stats QueueStats, drained int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastCapacity = stats.Capacity
	alpha := r.cfg.EMAAlpha

	if r.queueEMA == 0 && len(r.history) == 0 {
		r.queueEMA = float64(stats.Pending)
	} else {
		r.queueEMA = alpha*float64(stats.Pending) + (1-alpha)*r.queueEMA
	}

	rate := 0.0
	if elapsed > 0 {
		rate = float64(drained) / elapsed.Seconds()
	}
	r.rateEMA = alpha*rate + (1-alpha)*r.rateEMA

	r.history = append(r.history, stats.Pending)
	if len(r.history) > r.cfg.TrendWindowSize {
		r.history = r.history[len(r.history)-r.cfg.TrendWindowSize:]
	}

	util := 0.0
	if stats.Capacity > 0 {
		util = float64(stats.Pending) / float64(stats.Capacity)
	}
	if predicted, ok := r.predictedUtilizationLocked(); ok && predicted > util {
		util = predicted
	}
	r.interval = r.intervalForUtilization(util)
}

// predictedUtilizationLocked linearly extrapolates the trend window's newest
// vs. oldest five samples against the queue-depth EMA, reporting the
// resulting utilization fraction only once it exceeds QueueWarningThreshold;
// below that the prediction has no effect on interval selection. Callers
// must hold r.mu.
func (r *Reconciler[T]) predictedUtilizationLocked() (float64, bool) {
	if len(r.history) < 10 || r.lastCapacity == 0 {
		return 0, false
	}
	n := len(r.history)
	newest := meanInts(r.history[n-5:])
	oldest := meanInts(r.history[:5])
	predictedDepth := r.queueEMA + (newest - oldest)
	predictedUtil := predictedDepth / float64(r.lastCapacity)
	if predictedUtil > r.cfg.QueueWarningThreshold {
		return predictedUtil, true
	}
	return 0, false
}

func meanInts(vs []int) float64 {
	var sum int
	for _, v := range vs {
		sum += v
	}
	return float64(sum) / float64(len(vs))
}

// intervalForUtilization maps utilization to a tick interval: idle below
// 0.20 (hold at MaxInterval), steady at BaseInterval between 0.20 and 0.70,
// and tightening linearly toward MinInterval as utilization climbs from 0.70
// to full saturation.
func (r *Reconciler[T]) intervalForUtilization(u float64) time.Duration {
	switch {
	case u < 0.20:
		return r.cfg.MaxInterval
	case u <= 0.70:
		return r.cfg.BaseInterval
	default:
		p := (u - 0.70) / 0.30
		if p > 1 {
			p = 1
		}
		span := r.cfg.BaseInterval - r.cfg.MinInterval
		return r.cfg.BaseInterval - time.Duration(p*float64(span))
	}
}

func (r *Reconciler[T]) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// HealthScore reports the reconciler's current condition: a [0,1] score
// derived from the smoothed queue utilization via a piecewise curve (1.0
// below 0.30 utilization, down to 0.5 at 0.70, 0.2 at 0.90, and 0.0 at full
// saturation), plus a textual recommendation bucketing that score.
func (r *Reconciler[T]) HealthScore() Health {
	r.mu.Lock()
	queueEMA := r.queueEMA
	rateEMA := r.rateEMA
	capacity := r.lastCapacity
	interval := r.interval
	r.mu.Unlock()

	util := 0.0
	if capacity > 0 {
		util = queueEMA / float64(capacity)
	}
	score := healthFromUtilization(util)

	recommendation := "healthy"
	switch {
	case score < 0.3:
		recommendation = "critical"
	case score < 0.7:
		recommendation = "warn"
	}

	return Health{
		Score:          score,
		Recommendation: recommendation,
		Interval:       interval,
		EMAUtilization: util,
		RateEMA:        rateEMA,
		Ticks:          r.ticks.Load(),
		Failures:       r.failures.Load(),
	}
}

// healthFromUtilization implements the piecewise health curve over
// utilization: 1.0 below 0.30, linearly down to 0.5 at 0.70, to 0.2 at 0.90,
// to 0.0 at 1.00 and beyond.
func healthFromUtilization(u float64) float64 {
	switch {
	case u < 0.30:
		return 1.0
	case u <= 0.70:
		return lerp(u, 0.30, 1.0, 0.70, 0.5)
	case u <= 0.90:
		return lerp(u, 0.70, 0.5, 0.90, 0.2)
	case u <= 1.00:
		return lerp(u, 0.90, 0.2, 1.00, 0.0)
	default:
		return 0.0
	}
}

func lerp(x, x0, y0, x1, y1 float64) float64 {
	t := (x - x0) / (x1 - x0)
	return y0 + t*(y1-y0)
}
