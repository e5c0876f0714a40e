// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	if p.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", p.MaxRetries)
	}
	if p.Backoff != BackoffExponential {
		t.Errorf("Backoff = %s, want exponential", p.Backoff)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default policy should validate, got %v", err)
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	valid := DefaultRetryPolicy()

	tests := []struct {
		name    string
		mutate  func(*RetryPolicy)
		wantErr bool
	}{
		{"default", func(p *RetryPolicy) {}, false},
		{"zero retries ok", func(p *RetryPolicy) { p.MaxRetries = 0 }, false},
		{"zero delay ok", func(p *RetryPolicy) { p.RetryDelay = 0 }, false},
		{"negative retries", func(p *RetryPolicy) { p.MaxRetries = -1 }, true},
		{"negative delay", func(p *RetryPolicy) { p.RetryDelay = -time.Second }, true},
		{"zero timeout", func(p *RetryPolicy) { p.Timeout = 0 }, true},
		{"zero breaker threshold", func(p *RetryPolicy) { p.CircuitBreakerThreshold = 0 }, true},
		{"jitter above one", func(p *RetryPolicy) { p.JitterFactor = 1.5 }, true},
		{"unknown backoff", func(p *RetryPolicy) { p.Backoff = "quadratic" }, true},
		{"factor below one", func(p *RetryPolicy) { p.BackoffFactor = 0.5 }, true},
		{"fixed backoff", func(p *RetryPolicy) { p.Backoff = BackoffFixed }, false},
		{"linear backoff", func(p *RetryPolicy) { p.Backoff = BackoffLinear }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	p := RetryPolicy{MaxRetries: 0}
	if p.Attempts() != 1 {
		t.Errorf("Attempts() = %d, want 1", p.Attempts())
	}
	p.MaxRetries = 3
	if p.Attempts() != 4 {
		t.Errorf("Attempts() = %d, want 4", p.Attempts())
	}
}

func TestRetryPolicy_IsExpectedFailure(t *testing.T) {
	p := RetryPolicy{ExpectedFailures: []string{"no_solution", "skipped_by_review"}}

	if !p.IsExpectedFailure("no_solution") {
		t.Error("no_solution should be expected")
	}
	if p.IsExpectedFailure("disk_on_fire") {
		t.Error("disk_on_fire should not be expected")
	}
}

func TestRetryPolicy_DelayFor_Fixed(t *testing.T) {
	p := RetryPolicy{
		RetryDelay: 100 * time.Millisecond,
		Backoff:    BackoffFixed,
		MaxDelay:   time.Second,
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if d := p.DelayFor(attempt); d != 100*time.Millisecond {
			t.Errorf("DelayFor(%d) = %v, want 100ms", attempt, d)
		}
	}
}

func TestRetryPolicy_DelayFor_Linear(t *testing.T) {
	p := RetryPolicy{
		RetryDelay: 100 * time.Millisecond,
		Backoff:    BackoffLinear,
		MaxDelay:   time.Second,
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if d := p.DelayFor(i + 1); d != w {
			t.Errorf("DelayFor(%d) = %v, want %v", i+1, d, w)
		}
	}
}

func TestRetryPolicy_DelayFor_Exponential(t *testing.T) {
	p := RetryPolicy{
		RetryDelay:    100 * time.Millisecond,
		Backoff:       BackoffExponential,
		BackoffFactor: 2.0,
		MaxDelay:      time.Second,
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if d := p.DelayFor(i + 1); d != w {
			t.Errorf("DelayFor(%d) = %v, want %v", i+1, d, w)
		}
	}

	// Capped at MaxDelay from the fifth retry on.
	if d := p.DelayFor(5); d != time.Second {
		t.Errorf("DelayFor(5) = %v, want capped at 1s", d)
	}
	if d := p.DelayFor(50); d != time.Second {
		t.Errorf("DelayFor(50) = %v, want capped at 1s", d)
	}
}

func TestRetryPolicy_DelayFor_ZeroDelay(t *testing.T) {
	p := RetryPolicy{Backoff: BackoffExponential, BackoffFactor: 2.0, JitterFactor: 0.5}

	if d := p.DelayFor(3); d != 0 {
		t.Errorf("DelayFor with zero RetryDelay = %v, want 0", d)
	}
}

func TestRetryPolicy_DelayFor_JitterBounds(t *testing.T) {
	p := RetryPolicy{
		RetryDelay:   100 * time.Millisecond,
		Backoff:      BackoffFixed,
		MaxDelay:     time.Second,
		JitterFactor: 0.2,
	}

	lo := 80 * time.Millisecond
	hi := 120 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := p.DelayFor(1)
		if d < lo || d > hi {
			t.Fatalf("DelayFor(1) = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestRetryPolicy_ApplyDefaults(t *testing.T) {
	p := RetryPolicy{MaxRetries: 1, Timeout: 10 * time.Second}
	p = p.applyDefaults()

	if p.SilenceWindow != 10*time.Second {
		t.Errorf("SilenceWindow = %v, want Timeout (10s)", p.SilenceWindow)
	}
	if p.CircuitBreakerThreshold != 5 {
		t.Errorf("CircuitBreakerThreshold = %d, want 5", p.CircuitBreakerThreshold)
	}
	if p.Backoff != BackoffExponential {
		t.Errorf("Backoff = %s, want exponential", p.Backoff)
	}
	if p.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1 (explicit value preserved)", p.MaxRetries)
	}
}
