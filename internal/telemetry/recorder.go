// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records best-effort operational metrics: call latency,
// error kinds, token usage and validation rejections. Recording never
// fails a turn; a nil *Recorder is a valid no-op sink.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jeranaias/ideaforge/internal/util"
)

// Common counter and timer names used across the engine.
const (
	MetricGenerateLatency    = "generate.latency"
	MetricGenerateSuccess    = "generate.success"
	MetricTokensConsumed     = "tokens.consumed"
	MetricValidationRejected = "validation.rejected"
	MetricTurnConflicts      = "turn.conflicts"
	MetricErrPrefix          = "generate.error."
)

// Recorder is a mutex-guarded in-memory metrics sink.
type Recorder struct {
	mu        sync.Mutex
	counters  map[string]int64
	timers    map[string]*timerStats
	startedAt time.Time
}

type timerStats struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total_ns"`
	Max   time.Duration `json:"max_ns"`
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters:  make(map[string]int64),
		timers:    make(map[string]*timerStats),
		startedAt: time.Now(),
	}
}

// Count adds delta to the named counter.
func (r *Recorder) Count(name string, delta int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
}

// Observe records one duration sample for the named timer.
func (r *Recorder) Observe(name string, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, ok := r.timers[name]
	if !ok {
		stats = &timerStats{}
		r.timers[name] = stats
	}
	stats.Count++
	stats.Total += d
	if d > stats.Max {
		stats.Max = d
	}
}

// Snapshot is a point-in-time copy of all recorded metrics.
type Snapshot struct {
	StartedAt time.Time             `json:"started_at"`
	TakenAt   time.Time             `json:"taken_at"`
	Counters  map[string]int64      `json:"counters"`
	Timers    map[string]timerStats `json:"timers"`
}

// Snapshot copies the current metric values.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		StartedAt: r.startedAt,
		TakenAt:   time.Now(),
		Counters:  make(map[string]int64, len(r.counters)),
		Timers:    make(map[string]timerStats, len(r.timers)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.timers {
		snap.Timers[k] = *v
	}
	return snap
}

// Counter returns the current value of the named counter.
func (r *Recorder) Counter(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// WriteSnapshot persists a JSON snapshot to path atomically.
func (r *Recorder) WriteSnapshot(path string) error {
	snap := r.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0644)
}
