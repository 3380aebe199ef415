// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"errors"
	"testing"
	"time"
)

// newTestKeyring builds a keyring with a controllable clock.
func newTestKeyring(secrets map[ProviderClass][]string) (*Keyring, *time.Time) {
	k := NewKeyring(secrets)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }
	return k, &now
}

func TestSelectCredential_EmptyPoolReturnsExhausted(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{})

	_, err := k.SelectCredential(ProviderPrimary)
	var exhausted *ErrPoolExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ErrPoolExhausted, got %v", err)
	}
	if exhausted.Class != ProviderPrimary {
		t.Errorf("Expected class %q, got %q", ProviderPrimary, exhausted.Class)
	}
}

func TestSelectCredential_CyclesThroughPool(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"key-a", "key-b", "key-c"},
	})

	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		cred, err := k.SelectCredential(ProviderPrimary)
		if err != nil {
			t.Fatalf("SelectCredential returned error: %v", err)
		}
		seen = append(seen, cred.Secret)
	}
	want := []string{"key-a", "key-b", "key-c", "key-a"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Selection %d: expected %q, got %q", i, want[i], seen[i])
		}
	}
}

func TestSelectCredential_SkipsTrippedCredential(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"key-a", "key-b"},
	})

	first, _ := k.SelectCredential(ProviderPrimary)
	for i := 0; i < maxCredentialFailures; i++ {
		k.ReportFailure(first)
	}

	// key-a is cooling down; every selection should return key-b.
	for i := 0; i < 3; i++ {
		cred, err := k.SelectCredential(ProviderPrimary)
		if err != nil {
			t.Fatalf("SelectCredential returned error: %v", err)
		}
		if cred.Secret != "key-b" {
			t.Errorf("Selection %d: expected key-b while key-a cools down, got %q", i, cred.Secret)
		}
	}
}

func TestSelectCredential_LazyResetAfterCooldown(t *testing.T) {
	k, now := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"key-a"},
	})

	cred, _ := k.SelectCredential(ProviderPrimary)
	for i := 0; i < maxCredentialFailures; i++ {
		k.ReportFailure(cred)
	}

	*now = now.Add(credentialCooldown + time.Second)

	got, err := k.SelectCredential(ProviderPrimary)
	if err != nil {
		t.Fatalf("SelectCredential returned error: %v", err)
	}
	if got.Secret != "key-a" {
		t.Errorf("Expected key-a after cooldown expiry, got %q", got.Secret)
	}
	if got.failureCount != 0 {
		t.Errorf("Expected failure count reset to 0, got %d", got.failureCount)
	}
}

func TestSelectCredential_AllCoolingDownClearsClass(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"key-a", "key-b"},
	})

	a, _ := k.SelectCredential(ProviderPrimary)
	b, _ := k.SelectCredential(ProviderPrimary)
	for i := 0; i < maxCredentialFailures; i++ {
		k.ReportFailure(a)
		k.ReportFailure(b)
	}

	// Cooldown has not expired, yet selection must not block: the
	// whole class resets and the first credential is handed out.
	got, err := k.SelectCredential(ProviderPrimary)
	if err != nil {
		t.Fatalf("SelectCredential returned error: %v", err)
	}
	if got.Secret != "key-a" {
		t.Errorf("Expected first credential after class reset, got %q", got.Secret)
	}
	if a.failureCount != 0 || b.failureCount != 0 {
		t.Errorf("Expected all failure counts cleared, got a=%d b=%d", a.failureCount, b.failureCount)
	}
}

func TestSelectCredential_NeverReturnsTrippedUnlessAllTripped(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"key-a", "key-b", "key-c"},
	})

	a, _ := k.SelectCredential(ProviderPrimary)
	for i := 0; i < maxCredentialFailures; i++ {
		k.ReportFailure(a)
	}

	for i := 0; i < 20; i++ {
		cred, err := k.SelectCredential(ProviderPrimary)
		if err != nil {
			t.Fatalf("SelectCredential returned error: %v", err)
		}
		if cred.Secret == "key-a" {
			t.Fatalf("Selection %d returned a credential over the failure limit", i)
		}
	}
}

func TestReportFailure_NilCredentialIsNoop(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"key-a"},
	})
	k.ReportFailure(nil) // must not panic

	if _, err := k.SelectCredential(ProviderPrimary); err != nil {
		t.Fatalf("SelectCredential returned error: %v", err)
	}
}

func TestNewKeyring_SkipsEmptySecrets(t *testing.T) {
	k, _ := newTestKeyring(map[ProviderClass][]string{
		ProviderPrimary: {"", "key-a", ""},
	})
	if got := k.PoolSize(ProviderPrimary); got != 1 {
		t.Errorf("Expected pool size 1, got %d", got)
	}
}
