// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// seed_knowledge loads operator-curated remediations into the knowledge
// store, so the recovery engine has answers before it has scars.
//
// Usage:
//
//	go run scripts/seed_knowledge.go -file remediations.yaml -path ~/.aleutian/forge/knowledge
//	go run scripts/seed_knowledge.go -file remediations.yaml -path /var/forge/knowledge -weaviate http://localhost:8080
//
// The input file holds one entry per failure class:
//
//	remediations:
//	  - stage: deploy
//	    observed: FAILED
//	    expected: COMPLETED
//	    error: "disk quota exceeded on artifact volume"
//	    summary: "artifact volume out of space"
//	    kind: retry
//	    instruction: "prune the artifact cache, then retry with a cold pull"
//	    confidence: 0.8
//
// Stop the serving process first: the local tier is a single-writer
// badger directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianForge/services/supervisor/knowledge"
)

// RemediationFileYAML is the root structure for YAML deserialization.
type RemediationFileYAML struct {
	Remediations []RemediationEntryYAML `yaml:"remediations"`
}

// RemediationEntryYAML is a single curated remediation.
type RemediationEntryYAML struct {
	Stage       string  `yaml:"stage"`
	Observed    string  `yaml:"observed"`
	Expected    string  `yaml:"expected"`
	Error       string  `yaml:"error"`
	Summary     string  `yaml:"summary"`
	Kind        string  `yaml:"kind"`
	Instruction string  `yaml:"instruction,omitempty"`
	Confidence  float64 `yaml:"confidence"`
}

func main() {
	var (
		filePath    = flag.String("file", "", "YAML file of remediations (required)")
		storePath   = flag.String("path", "", "badger directory of the local tier (required)")
		weaviateURL = flag.String("weaviate", "", "Weaviate URL for the semantic tier (optional)")
		namespace   = flag.String("namespace", "forge", "solution namespace")
		dryRun      = flag.Bool("dry-run", false, "validate the file without writing")
	)
	flag.Parse()

	if *filePath == "" || *storePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	entries, err := loadRemediations(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *filePath, err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "%s holds no remediations\n", *filePath)
		os.Exit(1)
	}

	solutions, err := buildSolutions(entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		fmt.Printf("OK: %d remediations validated\n", len(solutions))
		return
	}

	store, err := openStore(*storePath, *weaviateURL, *namespace, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open knowledge store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	saved := 0
	for i, sol := range solutions {
		if err := store.Save(ctx, sol); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save remediation %d (%s): %v\n", i+1, sol.Stage, err)
			os.Exit(1)
		}
		saved++
	}
	fmt.Printf("Seeded %d remediations into %s\n", saved, *storePath)
}

func loadRemediations(path string) ([]RemediationEntryYAML, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file RemediationFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return file.Remediations, nil
}

func buildSolutions(entries []RemediationEntryYAML) ([]knowledge.Solution, error) {
	solutions := make([]knowledge.Solution, 0, len(entries))
	for i, e := range entries {
		if e.Stage == "" {
			return nil, fmt.Errorf("remediation %d: stage is required", i+1)
		}
		kind := knowledge.RemedyKind(strings.ToLower(e.Kind))
		sig := knowledge.NewSignature(e.Stage, e.Observed, e.Expected, e.Error)
		sol := knowledge.NewSolution(sig, e.Summary, knowledge.Remedy{
			Kind:        kind,
			Instruction: e.Instruction,
		}, e.Confidence, knowledge.SourceOperator)
		if err := sol.Validate(); err != nil {
			return nil, fmt.Errorf("remediation %d (%s): %w", i+1, e.Stage, err)
		}
		solutions = append(solutions, sol)
	}
	return solutions, nil
}

func openStore(path, weaviateRaw, namespace string, logger *slog.Logger) (knowledge.Store, error) {
	local, err := knowledge.NewLocalStore(knowledge.LocalConfig{
		Path:       path,
		SyncWrites: true,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if weaviateRaw == "" {
		return local, nil
	}

	parsed, err := url.Parse(strings.Trim(weaviateRaw, "\"' "))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		local.Close()
		return nil, fmt.Errorf("weaviate URL %q is not usable", weaviateRaw)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	semantic, err := knowledge.NewSemanticStore(client, knowledge.SemanticConfig{Namespace: namespace})
	if err != nil {
		local.Close()
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := semantic.EnsureSchema(ctx); err != nil {
		local.Close()
		return nil, fmt.Errorf("weaviate schema: %w", err)
	}
	return knowledge.NewTieredStore(local, semantic, logger)
}
