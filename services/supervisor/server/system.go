// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server assembles the supervision components into a running
// service and exposes them over the HTTP status API.
//
// System is the composition root: it builds the breaker registry, the
// model guard and auxiliary dependency guards, the knowledge store
// tiers, the recovery engine, the journal, the heartbeat monitor, the
// notification emitter, the stage supervisor, and the health
// aggregator from one Config. Handlers and RegisterRoutes put the
// read-only surface of that assembly on a gin router.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/AleutianAI/AleutianForge/services/supervisor"
	"github.com/AleutianAI/AleutianForge/services/supervisor/breaker"
	"github.com/AleutianAI/AleutianForge/services/supervisor/config"
	"github.com/AleutianAI/AleutianForge/services/supervisor/guard"
	"github.com/AleutianAI/AleutianForge/services/supervisor/health"
	"github.com/AleutianAI/AleutianForge/services/supervisor/heartbeat"
	"github.com/AleutianAI/AleutianForge/services/supervisor/journal"
	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
	"github.com/AleutianAI/AleutianForge/services/supervisor/llm"
	"github.com/AleutianAI/AleutianForge/services/supervisor/notify"
	"github.com/AleutianAI/AleutianForge/services/supervisor/recovery"
)

// ModelGuardName is the breaker name of the one critical dependency.
const ModelGuardName = "model-backend"

// System owns every supervision component for one serving process.
//
// Build it with NewSystem, hand its supervisor to the pipeline driver,
// and close it when the process shuts down. All accessors return the
// live component; none of them copy.
type System struct {
	cfg    config.Config
	logger *slog.Logger

	registry *breaker.Registry
	guards   []*guard.Guard
	model    *guard.Guard // nil when the model backend is "none"
	client   llm.Client   // nil when the model backend is "none"

	store   knowledge.Store
	journal *journal.Journal
	monitor *heartbeat.Monitor
	emitter *notify.Emitter
	engine  *recovery.Engine // nil when recovery is disabled

	supervisor *supervisor.Supervisor
	health     *health.Aggregator
}

// NewSystem builds the full supervision assembly from cfg.
//
// Description:
//
//	Construction is all-or-nothing for the pieces the configuration
//	demands: a backend that fails to initialize or a knowledge store
//	that cannot open is an error, not a degraded start. The one
//	exception is the semantic knowledge tier: an unreachable or
//	malformed Weaviate URL logs a warning and the store runs on the
//	local tier alone, matching how the rest of the platform treats a
//	missing vector database.
//
// Inputs:
//   - cfg: Validated configuration. Call cfg.Validate() first.
//   - logger: Destination for component logs. Nil uses slog.Default().
//
// Outputs:
//   - *System: The assembled system with every stage in cfg.Stages
//     registered.
//   - error: Non-nil if any required component fails to build.
func NewSystem(cfg config.Config, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sys := &System{
		cfg:      cfg,
		logger:   logger,
		registry: breaker.NewRegistry(),
		journal:  journal.New(),
		monitor:  heartbeat.NewMonitor(logger),
		emitter:  notify.NewEmitter(notify.WithLogger(logger)),
	}

	if err := sys.buildModelBackend(); err != nil {
		return nil, err
	}
	if err := sys.buildDependencyGuards(); err != nil {
		return nil, err
	}
	if err := sys.buildKnowledgeStore(); err != nil {
		return nil, err
	}
	if err := sys.buildRecoveryEngine(); err != nil {
		return nil, err
	}

	opts := []supervisor.Option{
		supervisor.WithJournal(sys.journal),
		supervisor.WithHeartbeatMonitor(sys.monitor),
		supervisor.WithNotifier(sys.emitter),
		supervisor.WithLogger(logger),
	}
	if sys.engine != nil {
		opts = append(opts, supervisor.WithRecoveryEngine(sys.engine))
	}
	sys.supervisor = supervisor.New(opts...)

	if err := sys.ApplyStages(cfg.Stages); err != nil {
		return nil, err
	}

	sys.health = health.New(health.Config{
		Guards:  sys.guards,
		Stages:  sys.supervisor,
		Pingers: sys.buildPingers(),
	})

	return sys, nil
}

// buildModelBackend creates the LLM client and its critical guard.
func (s *System) buildModelBackend() error {
	var (
		client llm.Client
		err    error
	)
	switch s.cfg.Model.Backend {
	case "ollama":
		client, err = llm.NewOllamaClient()
		s.logger.Info("using Ollama model backend")
	case "openai":
		client, err = llm.NewOpenAIClient()
		s.logger.Info("using OpenAI model backend")
	case "none":
		s.logger.Info("model backend disabled, recovery runs knowledge-only")
		return nil
	default:
		return fmt.Errorf("unknown model backend %q", s.cfg.Model.Backend)
	}
	if err != nil {
		return fmt.Errorf("initialize %s backend: %w", s.cfg.Model.Backend, err)
	}

	g, err := guard.New(guard.Config{
		Name:  ModelGuardName,
		Class: guard.ClassCritical,
		Breaker: breaker.Config{
			FailureThreshold: s.cfg.Model.FailureThreshold,
			Cooldown:         s.cfg.Model.Cooldown,
		},
		Logger: s.logger,
	}, s.registry)
	if err != nil {
		return fmt.Errorf("model guard: %w", err)
	}

	s.client = client
	s.model = g
	s.guards = append(s.guards, g)
	return nil
}

// buildDependencyGuards creates a degradable guard per configured
// auxiliary dependency.
func (s *System) buildDependencyGuards() error {
	for _, dep := range s.cfg.Dependencies {
		g, err := guard.New(guard.Config{
			Name:  dep.Name,
			Class: guard.ClassDegradable,
			Breaker: breaker.Config{
				FailureThreshold: dep.FailureThreshold,
				Cooldown:         dep.Cooldown,
			},
			Logger: s.logger,
		}, s.registry)
		if err != nil {
			return fmt.Errorf("dependency guard %q: %w", dep.Name, err)
		}
		s.guards = append(s.guards, g)
	}
	return nil
}

// buildKnowledgeStore opens the local tier and, when a Weaviate URL is
// configured and parseable, layers the semantic tier on top.
func (s *System) buildKnowledgeStore() error {
	local, err := knowledge.NewLocalStore(knowledge.LocalConfig{
		Path:       expandHome(s.cfg.Knowledge.Path),
		InMemory:   s.cfg.Knowledge.InMemory,
		SyncWrites: s.cfg.Knowledge.SyncWrites,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("open local knowledge store: %w", err)
	}
	s.store = local

	semantic := s.buildSemanticStore()
	if semantic == nil {
		return nil
	}

	tiered, err := knowledge.NewTieredStore(local, semantic, s.logger)
	if err != nil {
		// The local tier already opened; close it before bailing.
		local.Close()
		return fmt.Errorf("tiered knowledge store: %w", err)
	}
	s.store = tiered
	return nil
}

// buildSemanticStore returns the Weaviate-backed tier or nil when the
// URL is unset or unusable. Unusable never fails the boot.
func (s *System) buildSemanticStore() knowledge.Store {
	rawURL := strings.Trim(s.cfg.Knowledge.WeaviateURL, "\"' ")
	if rawURL == "" {
		s.logger.Info("weaviate URL not set, knowledge store runs on the local tier only")
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		s.logger.Warn("weaviate URL is invalid, knowledge store runs on the local tier only",
			"url", rawURL, "error", err)
		return nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		s.logger.Warn("weaviate client creation failed, knowledge store runs on the local tier only",
			"error", err)
		return nil
	}

	semantic, err := knowledge.NewSemanticStore(client, knowledge.SemanticConfig{
		Namespace: s.cfg.Knowledge.Namespace,
	})
	if err != nil {
		s.logger.Warn("semantic knowledge tier unavailable, continuing with the local tier",
			"error", err)
		return nil
	}

	// A reachable Weaviate without the solution class would fail on the
	// first write, so settle the schema now. Unreachable is not fatal.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := semantic.EnsureSchema(ctx); err != nil {
		s.logger.Warn("weaviate schema check failed, knowledge store runs on the local tier only",
			"url", rawURL, "error", err)
		return nil
	}
	return semantic
}

// buildRecoveryEngine wires the engine when enabled. With the model
// backend set to "none" the engine runs knowledge-only.
func (s *System) buildRecoveryEngine() error {
	if !s.cfg.Recovery.Enabled {
		s.logger.Info("recovery engine disabled, unexpected states go straight to manual review")
		return nil
	}

	engine, err := recovery.NewEngine(s.store, s.model, s.client, recovery.Config{
		MinConfidence: s.cfg.Recovery.MinConfidence,
		QueryLimit:    s.cfg.Recovery.QueryLimit,
		ConsultEvery:  s.cfg.Recovery.ConsultEvery,
		ConsultBurst:  s.cfg.Recovery.ConsultBurst,
		MaxTokens:     s.cfg.Recovery.MaxTokens,
		Temperature:   s.cfg.Recovery.Temperature,
		Logger:        s.logger,
	})
	if err != nil {
		return fmt.Errorf("recovery engine: %w", err)
	}
	s.engine = engine
	return nil
}

// buildPingers returns the active probes for the health aggregator.
func (s *System) buildPingers() []health.Pinger {
	pingers := []health.Pinger{storePinger{store: s.store}}
	if s.client != nil {
		pingers = append(pingers, modelPinger{client: s.client})
	}
	return pingers
}

// ApplyStages registers or updates every stage policy in stages.
//
// Description:
//
//	Registration is idempotent: re-applying a policy whose breaker
//	settings did not change keeps the stage's circuit and history, so
//	the config watcher can call this on every reload.
//
// Inputs:
//   - stages: Stage name to policy. Nil or empty is a no-op.
//
// Outputs:
//   - error: The first registration failure, with the stage named.
func (s *System) ApplyStages(stages map[string]supervisor.RetryPolicy) error {
	for name, policy := range stages {
		if err := s.supervisor.Register(name, policy); err != nil {
			return fmt.Errorf("register stage %q: %w", name, err)
		}
	}
	return nil
}

// Supervisor returns the stage supervisor.
func (s *System) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

// Health returns the health aggregator.
func (s *System) Health() *health.Aggregator {
	return s.health
}

// Journal returns the pipeline state journal.
func (s *System) Journal() *journal.Journal {
	return s.journal
}

// Emitter returns the notification emitter.
func (s *System) Emitter() *notify.Emitter {
	return s.emitter
}

// Registry returns the breaker registry.
func (s *System) Registry() *breaker.Registry {
	return s.registry
}

// Store returns the knowledge store, tiered when Weaviate is attached.
func (s *System) Store() knowledge.Store {
	return s.store
}

// Close releases resources held by the system, primarily the local
// knowledge store's files.
func (s *System) Close() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close knowledge store: %w", err)
	}
	return nil
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
