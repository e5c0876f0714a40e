// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact scrubs credentials and personal data out of text
// before it leaves the process.
//
// Failure context loves to carry connection strings, bearer tokens,
// and key material, and the recovery engine ships that context to a
// model backend that may be remote. The rules are embedded at compile
// time so a deployment cannot be configured into leaking.
package redact

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Redactor holds the compiled redaction rules and applies them to text.
//
// Thread Safety: Safe for concurrent use after construction.
type Redactor struct {
	categories []Category
}

// New initializes a Redactor from the rules embedded in the binary.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all regex patterns.
// 3. Sorts categories by priority.
//
// Returns an error if the embedded YAML is malformed or contains an
// invalid regex; both are programmer errors, not runtime conditions.
func New() (*Redactor, error) {
	var file ruleFile
	if err := yaml.Unmarshal(redactionRules, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rules file: %w", err)
	}

	if err := file.compileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}

	file.sortByPriority()

	return &Redactor{categories: file.Categories}, nil
}

// Redact replaces every rule match in text with a [REDACTED:<id>]
// marker and reports what was found.
//
// Higher priority categories run first, so a token that is both a
// credential and superficially PII is labeled as the credential. The
// markers contain only the pattern id, never the matched text.
func (r *Redactor) Redact(text string) (string, []Finding) {
	var findings []Finding
	for _, category := range r.categories {
		for _, pattern := range category.Patterns {
			count := len(pattern.compiled.FindAllStringIndex(text, -1))
			if count == 0 {
				continue
			}
			text = pattern.compiled.ReplaceAllString(text, "[REDACTED:"+pattern.Id+"]")
			findings = append(findings, Finding{
				Category:   category.Name,
				PatternId:  pattern.Id,
				Confidence: pattern.Confidence,
				Count:      count,
			})
		}
	}
	return text, findings
}

// Classify performs a quick check on text and returns the name of the
// highest-priority category that matches, or "public" when none does.
//
// This is the fast path for callers that only gate on sensitivity and
// do not need the scrubbed text.
func (r *Redactor) Classify(text string) string {
	for _, category := range r.categories {
		for _, pattern := range category.Patterns {
			if pattern.compiled.MatchString(text) {
				return category.Name
			}
		}
	}
	return "public"
}
