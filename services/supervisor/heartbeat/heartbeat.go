// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heartbeat detects silently wedged stage executions. A watch is
// armed per attempt; the stage body reports progress through Beat, and if
// the silence window passes with no beat the watch fires an advisory
// timeout signal. The watch never cancels the underlying call itself -
// deciding what to do with the signal is the supervisor's job.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// heartbeatTimeouts counts watches that fired after heartbeat silence
	heartbeatTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_heartbeat_timeouts_total",
		Help: "Total heartbeat watches that expired without a beat",
	}, []string{"stage"})

	// watchesActive tracks currently armed watches
	watchesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_heartbeat_watches_active",
		Help: "Number of heartbeat watches currently armed",
	})
)

const (
	// minCheckInterval bounds how often a watcher polls its silence window.
	minCheckInterval = 25 * time.Millisecond
	maxCheckInterval = time.Second
)

// Timeout is the advisory signal a watch emits when its silence window
// elapses without a beat.
type Timeout struct {
	// Stage is the supervised stage name.
	Stage string

	// LastBeat is the last observed progress time.
	LastBeat time.Time

	// SilentFor is how long the stage had been silent when the watch fired.
	SilentFor time.Duration

	// At is when the watch fired.
	At time.Time
}

// Monitor arms heartbeat watches for supervised stage executions.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	logger *slog.Logger
}

// NewMonitor creates a heartbeat monitor. A nil logger falls back to
// slog.Default().
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger.With(slog.String("subsystem", "heartbeat")),
	}
}

// Watch arms a watcher for one stage execution attempt.
//
// Description:
//
//	Spawns one background goroutine that checks the time since the last
//	beat every silence/4 (clamped to [25ms, 1s]). If the silence window
//	elapses with no beat, the watch delivers a single Timeout on TimedOut()
//	and the goroutine exits. Stop must be called when the attempt concludes,
//	on every exit path; it is idempotent and always reclaims the goroutine.
//
// Inputs:
//   - stage: Stage name, used in the signal, logs, and metrics.
//   - silence: Silence window. Must be positive.
//
// Outputs:
//   - *Watch: The armed watch. Never nil.
func (m *Monitor) Watch(stage string, silence time.Duration) *Watch {
	if silence <= 0 {
		silence = time.Second
	}

	w := &Watch{
		stage:    stage,
		silence:  silence,
		timedOut: make(chan Timeout, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		logger:   m.logger,
	}
	w.lastBeat.Store(time.Now().UnixNano())

	watchesActive.Inc()
	go w.run()
	return w
}

// Watch is the liveness watcher for a single stage execution attempt.
//
// Thread Safety: Safe for concurrent use. Beat may be called from any
// goroutine, including after the watch fired or stopped.
type Watch struct {
	stage    string
	silence  time.Duration
	lastBeat atomic.Int64 // Unix nano timestamp
	expired  atomic.Bool

	timedOut chan Timeout
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   *slog.Logger
}

// Stage returns the supervised stage name.
func (w *Watch) Stage() string {
	return w.stage
}

// Beat records progress and resets the silence window.
func (w *Watch) Beat() {
	w.lastBeat.Store(time.Now().UnixNano())
}

// LastBeat returns the last observed progress time.
func (w *Watch) LastBeat() time.Time {
	return time.Unix(0, w.lastBeat.Load())
}

// Elapsed returns the time since the last beat.
func (w *Watch) Elapsed() time.Duration {
	return time.Since(w.LastBeat())
}

// Expired reports whether the watch has fired.
func (w *Watch) Expired() bool {
	return w.expired.Load()
}

// TimedOut returns the channel the advisory Timeout is delivered on.
// At most one signal is ever sent per watch.
func (w *Watch) TimedOut() <-chan Timeout {
	return w.timedOut
}

// Stop disarms the watch and waits for its goroutine to exit. Idempotent
// and safe to call after the watch has fired.
func (w *Watch) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.done
}

// run is the watcher loop. Exits on stop or after firing once.
func (w *Watch) run() {
	defer close(w.done)
	defer watchesActive.Dec()

	interval := w.silence / 4
	if interval < minCheckInterval {
		interval = minCheckInterval
	}
	if interval > maxCheckInterval {
		interval = maxCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			elapsed := w.Elapsed()
			if elapsed < w.silence {
				continue
			}

			w.expired.Store(true)
			heartbeatTimeouts.WithLabelValues(w.stage).Inc()
			w.logger.Warn("heartbeat silence window elapsed",
				slog.String("stage", w.stage),
				slog.Duration("silent_for", elapsed),
				slog.Duration("silence_window", w.silence),
			)

			// Buffered; the supervisor may have stopped listening.
			select {
			case w.timedOut <- Timeout{
				Stage:     w.stage,
				LastBeat:  w.LastBeat(),
				SilentFor: elapsed,
				At:        time.Now(),
			}:
			default:
			}
			return
		}
	}
}

// -----------------------------------------------------------------------------
// Context plumbing
// -----------------------------------------------------------------------------

type beatKey struct{}

// ContextWithBeat attaches a watch's beat function to the context so nested
// helpers can report progress without holding a Watch reference.
func ContextWithBeat(ctx context.Context, w *Watch) context.Context {
	return context.WithValue(ctx, beatKey{}, w.Beat)
}

// Beat reports progress from within a stage body.
//
// Description:
//
//	Stage bodies should call this periodically to indicate they are making
//	progress. A no-op when the context carries no watch.
//
// Example:
//
//	func myStage(ctx context.Context, task supervisor.Task) (supervisor.Result, error) {
//	    for _, item := range items {
//	        heartbeat.Beat(ctx)
//	        // ... process item ...
//	    }
//	}
func Beat(ctx context.Context) {
	if beat, ok := ctx.Value(beatKey{}).(func()); ok {
		beat()
	}
}
