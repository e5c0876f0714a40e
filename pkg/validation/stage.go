// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for caller-provided identifiers that end up
// in metric labels, structured log fields, journal payloads, and knowledge-store
// queries. Using these validators prevents label-cardinality abuse and injection
// into downstream query languages.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// stagePattern matches valid pipeline stage names.
// Allows: letters, digits, then dots, hyphens, underscores.
// Max length: 64 characters.
var stagePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]{0,63}$`)

// cardPattern matches valid work card identifiers. Cards are looser than
// stage names (they may carry slashes for repo-style paths) but still must
// not smuggle whitespace or control characters into log fields.
var cardPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./:\-]{0,127}$`)

// ValidateStageName validates a pipeline stage name.
//
// Valid stage names:
//   - 1-64 characters
//   - Letters A-Z, a-z and digits 0-9
//   - Dots (.), hyphens (-), and underscores (_) after the first character
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateStageName(name); err != nil {
//	    return fmt.Errorf("invalid stage: %w", err)
//	}
//	// Safe to use as a metric label or journal key
func ValidateStageName(name string) error {
	if name == "" {
		return fmt.Errorf("stage name cannot be empty")
	}

	if !stagePattern.MatchString(name) {
		return fmt.Errorf("invalid stage name: %q (must be 1-64 alphanumeric chars, dots, hyphens, or underscores)", name)
	}

	return nil
}

// ValidateStageNames validates multiple stage names.
// Returns an error listing all invalid names if any fail validation.
func ValidateStageNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateStageName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid stage names: %v", invalid)
	}
	return nil
}

// ValidateCard validates a work card identifier. Cards identify the unit of
// work a stage run is processing and are recorded verbatim in the journal,
// so they get the same treatment as stage names with a looser charset.
func ValidateCard(card string) error {
	if card == "" {
		return nil // cards are optional
	}

	if !cardPattern.MatchString(card) {
		return fmt.Errorf("invalid card identifier: %q", card)
	}

	return nil
}

// SanitizeStageName normalizes and validates a stage name.
// Returns the lowercase name if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	safeName, err := validation.SanitizeStageName(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeName is lowercase and validated
func SanitizeStageName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateStageName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
