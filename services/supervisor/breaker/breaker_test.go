// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Name: "llm", FailureThreshold: 3, Cooldown: time.Second}, false},
		{"missing name", Config{FailureThreshold: 3, Cooldown: time.Second}, true},
		{"zero threshold", Config{Name: "llm", Cooldown: time.Second}, true},
		{"zero cooldown", Config{Name: "llm", FailureThreshold: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	b := New(Config{Name: "vector-store"})

	if b.threshold != 5 {
		t.Errorf("threshold = %d, want 5", b.threshold)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 3, Cooldown: time.Hour})

	for i := 0; i < 3; i++ {
		if allowed, _ := b.Allow(); !allowed {
			t.Fatalf("call %d should be allowed while closed", i)
		}
		b.RecordFailure()
	}

	if b.State() != StateOpen {
		t.Errorf("State = %v, want open", b.State())
	}

	allowed, _ := b.Allow()
	if allowed {
		t.Error("should reject while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 3, Cooldown: time.Hour})

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()

	b.Allow()
	b.RecordSuccess()

	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed (failures were reset)", b.State())
	}

	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Errorf("State = %v, want open", b.State())
	}
}

func TestBreaker_SingleProbeAfterCooldown(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("State = %v, want open", b.State())
	}

	time.Sleep(20 * time.Millisecond)

	allowed1, release1 := b.Allow()
	if !allowed1 {
		t.Fatal("first caller after cooldown should get the probe")
	}
	if release1 == nil {
		t.Fatal("probe caller should receive a release func")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("State = %v, want half-open", b.State())
	}

	// Probe slot is taken: everyone else is rejected as if open.
	allowed2, _ := b.Allow()
	if allowed2 {
		t.Error("second caller should be rejected while probe is in flight")
	}

	release1()

	allowed3, release3 := b.Allow()
	if !allowed3 {
		t.Error("probe slot should be free again after release")
	}
	if release3 != nil {
		release3()
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	allowed, release := b.Allow()
	if !allowed {
		t.Fatal("probe should be allowed")
	}
	b.RecordSuccess()
	release()

	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed after probe success", b.State())
	}

	if allowed, _ := b.Allow(); !allowed {
		t.Error("calls should flow freely after the circuit closes")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	allowed, release := b.Allow()
	if !allowed {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure()
	release()

	if b.State() != StateOpen {
		t.Errorf("State = %v, want open after probe failure", b.State())
	}

	// Cooldown restarted: an immediate call is rejected again.
	if allowed, _ := b.Allow(); allowed {
		t.Error("should reject during the fresh cooldown")
	}

	// And after another cooldown a new probe is granted.
	time.Sleep(20 * time.Millisecond)
	allowed, release = b.Allow()
	if !allowed {
		t.Error("new probe should be granted after the fresh cooldown")
	}
	if release != nil {
		release()
	}
}

func TestBreaker_StaleReleaseDoesNotFreeNewProbe(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: 5 * time.Millisecond})

	b.Allow()
	b.RecordFailure()
	time.Sleep(10 * time.Millisecond)

	_, release1 := b.Allow()
	b.RecordFailure() // reopens, probe slot re-armed
	time.Sleep(10 * time.Millisecond)

	allowed2, _ := b.Allow()
	if !allowed2 {
		t.Fatal("second probe should be allowed")
	}

	// Releasing the first (stale) probe must not free the slot under
	// the second probe.
	release1()

	allowed3, _ := b.Allow()
	if allowed3 {
		t.Error("stale release freed the probe slot for a third caller")
	}
}

func TestBreaker_Execute_RejectsWithoutInvoking(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: time.Hour})

	b.Execute(context.Background(), func() error {
		return errors.New("fail")
	})

	err := b.Execute(context.Background(), func() error {
		t.Error("fn must not be invoked while the circuit is open")
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute returned %v, want ErrCircuitOpen", err)
	}

	snap := b.Snapshot()
	if snap.TotalRejections != 1 {
		t.Errorf("TotalRejections = %d, want 1", snap.TotalRejections)
	}
}

func TestBreaker_Execute_ClassifierSkipsNonFailures(t *testing.T) {
	sentinel := errors.New("business failure")
	b := New(Config{
		Name:             "dep",
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		Classifier: func(err error) bool {
			return !errors.Is(err, sentinel)
		},
	})

	err := b.Execute(context.Background(), func() error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Execute returned %v, want sentinel", err)
	}

	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed (error was not a breaker failure)", b.State())
	}
}

func TestBreaker_Execute_CanceledContext(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func() error {
		t.Error("fn must not run on a canceled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Execute returned %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed", b.State())
	}
}

func TestIsFailure(t *testing.T) {
	if IsFailure(nil) {
		t.Error("nil error must not count as a failure")
	}
	if IsFailure(context.Canceled) {
		t.Error("context.Canceled must not count as a failure")
	}
	if !IsFailure(errors.New("boom")) {
		t.Error("ordinary errors must count as failures")
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	var mu sync.Mutex
	var got [][2]State

	var b *Breaker
	b = New(Config{
		Name:             "dep",
		FailureThreshold: 1,
		Cooldown:         10 * time.Millisecond,
		OnTransition: func(name string, from, to State) {
			// Reading state here would deadlock if the hook ran under
			// the breaker lock.
			_ = b.State()
			mu.Lock()
			got = append(got, [2]State{from, to})
			mu.Unlock()
		},
	})

	b.Allow()
	b.RecordFailure() // closed -> open
	time.Sleep(20 * time.Millisecond)
	_, release := b.Allow() // open -> half-open
	b.RecordSuccess()       // half-open -> closed
	release()

	mu.Lock()
	defer mu.Unlock()
	want := [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d transitions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v -> %v, want %v -> %v",
				i, got[i][0], got[i][1], want[i][0], want[i][1])
		}
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 2, Cooldown: time.Hour})

	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordFailure()

	snap := b.Snapshot()
	if snap.Name != "dep" {
		t.Errorf("Name = %s, want dep", snap.Name)
	}
	if snap.State != "closed" {
		t.Errorf("State = %s, want closed", snap.State)
	}
	if snap.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d, want 2", snap.TotalCalls)
	}
	if snap.Failures != 1 {
		t.Errorf("Failures = %d, want 1", snap.Failures)
	}
	if snap.RetryInMillis != 0 {
		t.Errorf("RetryInMillis = %d, want 0 while closed", snap.RetryInMillis)
	}

	b.Allow()
	b.RecordFailure()

	snap = b.Snapshot()
	if snap.State != "open" {
		t.Errorf("State = %s, want open", snap.State)
	}
	if snap.OpenedAt.IsZero() {
		t.Error("OpenedAt should be set while open")
	}
	if snap.RetryInMillis <= 0 {
		t.Errorf("RetryInMillis = %d, want positive while open", snap.RetryInMillis)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: time.Hour})

	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("circuit should be open")
	}

	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("State = %v, want closed", b.State())
	}
	if allowed, _ := b.Allow(); !allowed {
		t.Error("should allow after reset")
	}
}

func TestBreaker_ConcurrentHalfOpenAdmitsOneProbe(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	b.Allow()
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	const numGoroutines = 50
	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			allowed, release := b.Allow()
			if allowed {
				admitted.Add(1)
				// Hold the slot so the others observe it taken.
				time.Sleep(5 * time.Millisecond)
				release()
			}
		}()
	}

	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Errorf("admitted %d probes, want exactly 1", got)
	}
}

func TestBreaker_Concurrency(t *testing.T) {
	b := New(Config{Name: "dep", FailureThreshold: 100, Cooldown: time.Hour})

	const numGoroutines = 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			allowed, release := b.Allow()
			if allowed {
				if idx%2 == 0 {
					b.RecordSuccess()
				} else {
					b.RecordFailure()
				}
				if release != nil {
					release()
				}
			}
		}(i)
	}

	wg.Wait()

	snap := b.Snapshot()
	if snap.TotalCalls != numGoroutines {
		t.Errorf("TotalCalls = %d, want %d", snap.TotalCalls, numGoroutines)
	}
}
