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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// defaultQueryLimit caps QuerySimilar results when the caller passes <= 0.
const defaultQueryLimit = 5

// LocalConfig holds configuration for the warm-tier BadgerDB store.
type LocalConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for store operations.
	// If nil, slog.Default() is used and BadgerDB's internal logging is
	// disabled.
	Logger *slog.Logger
}

// DefaultLocalConfig returns sensible defaults for production use.
func DefaultLocalConfig(path string) LocalConfig {
	return LocalConfig{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryLocalConfig returns configuration optimized for testing.
func InMemoryLocalConfig() LocalConfig {
	return LocalConfig{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// LocalStore is the warm-tier solution store backed by BadgerDB.
//
// Description:
//
//	Serves exact signature-hash lookups from embedded storage that survives
//	process restarts. Several solutions may share one signature hash; they
//	are returned ordered by confidence.
//
// Key format: "sol:{signature_hash}:{solution_id}"
// Value format: JSON-encoded Solution
//
// Thread Safety: Safe for concurrent use.
type LocalStore struct {
	db     *badger.DB
	logger *slog.Logger
	closed atomic.Bool
}

// NewLocalStore opens the warm-tier store with the given configuration.
//
// Inputs:
//
//	cfg - Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*LocalStore - The opened store. Caller must call Close() when done.
//	error - Non-nil if the database cannot be opened.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "knowledge.local"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logger.Info("knowledge store opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory))

	return &LocalStore{db: db, logger: logger}, nil
}

func solutionKey(hash, id string) []byte {
	return []byte("sol:" + hash + ":" + id)
}

func solutionPrefix(hash string) []byte {
	return []byte("sol:" + hash + ":")
}

// QuerySimilar implements the Store interface with exact hash lookup.
//
// The warm tier knows nothing about similarity; it returns only solutions
// stored under exactly this signature hash, with Certainty 1.0.
func (s *LocalStore) QuerySimilar(ctx context.Context, sig Signature, limit int) ([]Match, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	prefix := solutionPrefix(sig.Hash())
	matches := make([]Match, 0, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var sol Solution
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sol)
			})
			if err != nil {
				s.logger.Warn("skipping undecodable solution",
					slog.String("key", string(it.Item().Key())),
					slog.String("error", err.Error()))
				continue
			}
			matches = append(matches, Match{Solution: sol, Certainty: 1.0, Tier: TierLocal})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query solutions: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Solution.Confidence > matches[j].Solution.Confidence
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Save implements the Store interface.
func (s *LocalStore) Save(ctx context.Context, sol Solution) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sol.Validate(); err != nil {
		return fmt.Errorf("invalid solution: %w", err)
	}

	data, err := json.Marshal(sol)
	if err != nil {
		return fmt.Errorf("encode solution: %w", err)
	}

	key := solutionKey(sol.SignatureHash, sol.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("write solution: %w", err)
	}

	s.logger.Debug("solution saved",
		slog.String("id", sol.ID),
		slog.String("stage", sol.Stage),
		slog.String("remedy", string(sol.Remedy.Kind)))
	return nil
}

// MarkUsed implements the Store interface with a read-modify-write.
func (s *LocalStore) MarkUsed(ctx context.Context, sol Solution) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := solutionKey(sol.SignatureHash, sol.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSolutionNotFound
		}
		if err != nil {
			return fmt.Errorf("read solution: %w", err)
		}

		var stored Solution
		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
		if err != nil {
			return fmt.Errorf("decode solution: %w", err)
		}

		stored.UseCount++
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode solution: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Close implements the Store interface. Safe to call multiple times.
func (s *LocalStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
