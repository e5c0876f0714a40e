// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"strings"
	"testing"
)

func TestNewSignature_EquivalentFailuresCollide(t *testing.T) {
	a := NewSignature("codegen", "FAILED", "COMPLETED",
		"request 7f3a9b2c-1234-4cde-8f00-aabbccddeeff failed after 1523ms: connection refused")
	b := NewSignature("codegen", "FAILED", "COMPLETED",
		"request 00112233-4455-4677-8899-aabbccddee00 failed after 98ms: connection refused")

	if a.Hash() != b.Hash() {
		t.Errorf("expected equivalent failures to share a hash:\n  a=%q\n  b=%q", a.Summary, b.Summary)
	}
}

func TestNewSignature_DistinctFailuresDiffer(t *testing.T) {
	a := NewSignature("codegen", "FAILED", "COMPLETED", "connection refused")
	b := NewSignature("codegen", "FAILED", "COMPLETED", "model returned malformed json")

	if a.Hash() == b.Hash() {
		t.Error("expected distinct failure summaries to produce distinct hashes")
	}

	c := NewSignature("review", "FAILED", "COMPLETED", "connection refused")
	if a.Hash() == c.Hash() {
		t.Error("expected different stages to produce distinct hashes")
	}
}

func TestNormalizeSummary_Masking(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"uuid", "trace 8a7b6c5d-1e2f-4a3b-9c8d-7e6f5a4b3c2d lost", "trace <uuid> lost"},
		{"hex literal", "panic at 0xdeadbeef", "panic at <hex>"},
		{"long hex id", "commit a1b2c3d4e5f60718 missing", "commit <hex> missing"},
		{"numbers", "retry 3 of 10 after 250ms", "retry <n> of <n> after <n>ms"},
		{"case folded", "Connection REFUSED", "connection refused"},
		{"whitespace collapsed", "a  b\t\nc", "a b c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeSummary(tt.in)
			if got != tt.want {
				t.Errorf("normalizeSummary(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeSummary_Truncates(t *testing.T) {
	long := strings.Repeat("x", 1000)
	got := normalizeSummary(long)
	if len([]rune(got)) != maxSummaryRunes {
		t.Errorf("expected %d runes, got %d", maxSummaryRunes, len([]rune(got)))
	}
}

func TestSignature_Text(t *testing.T) {
	sig := NewSignature("Review", "FAILED", "COMPLETED,TIMED_OUT", "boom")
	want := "stage=review observed=failed expected=completed,timed_out boom"
	if sig.Text() != want {
		t.Errorf("Text() = %q, want %q", sig.Text(), want)
	}
}

func TestRemedyKind_Valid(t *testing.T) {
	for _, k := range []RemedyKind{RemedyRetry, RemedySkip, RemedyDegrade, RemedyManual} {
		if !k.Valid() {
			t.Errorf("expected %q to be valid", k)
		}
	}
	if RemedyKind("reboot").Valid() {
		t.Error("expected unknown kind to be invalid")
	}
	if RemedyKind("").Valid() {
		t.Error("expected empty kind to be invalid")
	}
}

func TestSolution_Validate(t *testing.T) {
	sig := NewSignature("codegen", "FAILED", "COMPLETED", "boom")

	valid := NewSolution(sig, "codegen fails on refused connection",
		Remedy{Kind: RemedyRetry}, 0.8, SourceLearned)
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid solution, got %v", err)
	}
	if valid.ID == "" {
		t.Error("expected NewSolution to assign an ID")
	}
	if valid.SignatureHash != sig.Hash() {
		t.Error("expected solution to carry the signature hash")
	}

	tests := []struct {
		name   string
		mutate func(*Solution)
	}{
		{"missing id", func(s *Solution) { s.ID = "" }},
		{"missing hash", func(s *Solution) { s.SignatureHash = "" }},
		{"bad remedy", func(s *Solution) { s.Remedy.Kind = "reboot" }},
		{"confidence too high", func(s *Solution) { s.Confidence = 1.5 }},
		{"confidence negative", func(s *Solution) { s.Confidence = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sol := valid
			tt.mutate(&sol)
			if err := sol.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
