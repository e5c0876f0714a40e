// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"

	"github.com/AleutianAI/AleutianForge/services/supervisor/health"
	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
	"github.com/AleutianAI/AleutianForge/services/supervisor/llm"
)

// Probes go around the guards on purpose: a health check must not
// consume breaker failure budget or trip a circuit. A failing probe
// already surfaces as an unhealthy component in the probe results.

// storePinger probes the knowledge store with a minimal query.
type storePinger struct {
	store knowledge.Store
}

func (p storePinger) Name() string { return "knowledge-store" }

func (p storePinger) Ping(ctx context.Context) error {
	_, err := p.store.QuerySimilar(ctx, knowledge.Signature{
		Stage:    "probe",
		Observed: "probe",
		Expected: "probe",
	}, 1)
	return err
}

// modelPinger asks the model backend for a single token. Named after
// the model guard so probe results line up with the component report.
type modelPinger struct {
	client llm.Client
}

func (p modelPinger) Name() string { return ModelGuardName }

func (p modelPinger) Ping(ctx context.Context) error {
	_, err := p.client.Complete(ctx, &llm.Request{
		Prompt:    "ping",
		MaxTokens: 1,
	})
	return err
}

var _ health.Pinger = storePinger{}
var _ health.Pinger = modelPinger{}
