// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quota tracks per-user usage against a fixed ceiling.
//
// The tracker is consulted before any streaming state is entered: a user at
// the ceiling gets a structured denial, never a half-open stream. Counts
// live in an embedded BadgerDB so they survive restarts without an external
// dependency.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// Ceiling is the fixed per-user usage limit.
const Ceiling = 10

const usageKeyPrefix = "usage:"

// Tracker is the quota boundary consumed by the handlers.
type Tracker interface {
	// GetUsage returns the user's current usage count.
	GetUsage(ctx context.Context, userID string) (int, error)

	// IncrementUsage adds one use and returns the new count.
	IncrementUsage(ctx context.Context, userID string) (int, error)
}

// Allowed reports whether a user at the given count may start another
// generation.
func Allowed(count int) bool {
	return count < Ceiling
}

// BadgerTracker implements Tracker on an embedded BadgerDB.
type BadgerTracker struct {
	db *badger.DB
}

// Open opens a persistent tracker at the given directory, creating it if
// needed.
func Open(path string) (*BadgerTracker, error) {
	if path == "" {
		return nil, errors.New("quota: path is required")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create quota directory %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open quota database: %w", err)
	}
	slog.Info("Quota tracker opened", "path", path, "ceiling", Ceiling)
	return &BadgerTracker{db: db}, nil
}

// OpenInMemory opens a non-persistent tracker, used in tests.
func OpenInMemory() (*BadgerTracker, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory quota database: %w", err)
	}
	return &BadgerTracker{db: db}, nil
}

// Close releases the underlying database.
func (t *BadgerTracker) Close() error {
	return t.db.Close()
}

func usageKey(userID string) []byte {
	return []byte(usageKeyPrefix + userID)
}

// GetUsage implements Tracker. A user with no record has usage 0.
func (t *BadgerTracker) GetUsage(_ context.Context, userID string) (int, error) {
	var count int
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usageKey(userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, perr := strconv.Atoi(string(val))
			if perr != nil {
				return fmt.Errorf("corrupt usage value for %s: %w", userID, perr)
			}
			count = parsed
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("read usage for %s: %w", userID, err)
	}
	return count, nil
}

// IncrementUsage implements Tracker. The read-modify-write runs in one
// transaction, so concurrent requests from the same user cannot lose
// increments.
func (t *BadgerTracker) IncrementUsage(_ context.Context, userID string) (int, error) {
	var next int
	err := t.db.Update(func(txn *badger.Txn) error {
		current := 0
		item, err := txn.Get(usageKey(userID))
		if err == nil {
			verr := item.Value(func(val []byte) error {
				parsed, perr := strconv.Atoi(string(val))
				if perr != nil {
					return fmt.Errorf("corrupt usage value for %s: %w", userID, perr)
				}
				current = parsed
				return nil
			})
			if verr != nil {
				return verr
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		next = current + 1
		return txn.Set(usageKey(userID), []byte(strconv.Itoa(next)))
	})
	if err != nil {
		return 0, fmt.Errorf("increment usage for %s: %w", userID, err)
	}
	return next, nil
}

var _ Tracker = (*BadgerTracker)(nil)
