// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP request handlers for the orchestrator
// service.
//
// This file implements secure accumulation of streamed answer fragments.
// Fragments are stored in mlocked memory so a generated answer is never
// swapped to disk, and hashed incrementally for integrity.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// AnswerBufferSize bounds one accumulated answer. 512 KB covers long
	// responses with room to spare.
	AnswerBufferSize = 512 * 1024

	// minMlockLimitKB is the minimum mlock limit required for the secure
	// accumulator.
	minMlockLimitKB = 512
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// AnswerAccumulator collects streamed fragments into the final answer.
//
// Implementations are safe for concurrent use. Finalize returns the full
// answer and its SHA-256 hex hash and wipes the buffer; Destroy wipes
// without returning data and is idempotent.
type AnswerAccumulator interface {
	Write(fragment string) error
	Finalize() (answer string, hash string, err error)
	Destroy()
	ID() string
}

// NewAnswerAccumulator allocates an accumulator backed by mlocked memory.
// If the system's mlock limit is too low, it falls back to ordinary memory
// only when ALEUTIAN_INSECURE_MEMORY=true; otherwise it returns an error.
func NewAnswerAccumulator() (AnswerAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv("ALEUTIAN_INSECURE_MEMORY") == "true" {
			slog.Warn("Using insecure answer accumulator due to mlock limits",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
			return newPlainAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. "+
				"Raise the limit or set ALEUTIAN_INSECURE_MEMORY=true",
			currentMlockLimitKB, minMlockLimitKB)
	}

	buf := memguard.NewBuffer(AnswerBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", AnswerBufferSize)
	}
	buf.Melt()

	return &secureAccumulator{
		id:     uuid.New().String(),
		buffer: buf,
		hasher: sha256.New(),
	}, nil
}

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if !mlockSufficient {
			slog.Warn("mlock limit too low for secure accumulation",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", minMlockLimitKB)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= minMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Called during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}

// secureAccumulator stores fragments in an mlocked, guard-paged buffer.
type secureAccumulator struct {
	id        string
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func (a *secureAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - response too large")
	}
	b := []byte(fragment)
	if a.offset+len(b) > AnswerBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(b), AnswerBufferSize-a.offset)
	}
	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	a.hasher.Write(b)
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}
	answer := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *secureAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

func (a *secureAccumulator) ID() string { return a.id }

// plainAccumulator is the fallback for systems without adequate mlock.
// Same contract, ordinary memory, best-effort zeroing.
type plainAccumulator struct {
	id        string
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

func newPlainAccumulator() AnswerAccumulator {
	return &plainAccumulator{
		id:     uuid.New().String(),
		data:   make([]byte, 0, AnswerBufferSize),
		hasher: sha256.New(),
	}
}

func (a *plainAccumulator) Write(fragment string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - response too large")
	}
	b := []byte(fragment)
	if len(a.data)+len(b) > AnswerBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(b), AnswerBufferSize-len(a.data))
	}
	a.data = append(a.data, b...)
	a.hasher.Write(b)
	return nil
}

func (a *plainAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}
	answer := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return answer, hashStr, nil
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *plainAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

func (a *plainAccumulator) ID() string { return a.id }
