// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package redact

import (
	_ "embed"
)

// redactionRules holds the raw byte content of the 'redaction_rules.yaml'
// file.
//
// The rules are baked into the binary at compile time so they are
// immutable at runtime and travel with the executable. A host cannot
// weaken the redaction by editing a file.
//
//go:embed redaction_rules.yaml
var redactionRules []byte
