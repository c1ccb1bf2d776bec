// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store persists rotation cycles and rotation claims.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/m2mgate/pkg/rotation"
)

// timedEntry wraps a claim with its expiry.
type timedEntry struct {
	expiresAt time.Time
}

// MemoryStore keeps cycles in process. It is thread-safe and suitable for
// local runs and tests; claims do not coordinate across processes.
type MemoryStore struct {
	mu     sync.RWMutex
	cycles map[string]rotation.Cycle
	claims map[string]timedEntry
	now    func() time.Time
}

var _ rotation.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles: make(map[string]rotation.Cycle),
		claims: make(map[string]timedEntry),
		now:    time.Now,
	}
}

// Get returns a copy of the client's cycle.
func (s *MemoryStore) Get(_ context.Context, clientID string) (*rotation.Cycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cycles[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rotation.ErrCycleNotFound, clientID)
	}
	return &c, nil
}

// Put stores a copy of cycle.
func (s *MemoryStore) Put(_ context.Context, cycle *rotation.Cycle) error {
	if cycle == nil || cycle.ClientID == "" {
		return errors.New("cycle with client id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles[cycle.ClientID] = *cycle
	return nil
}

// Delete removes the client's cycle. Deleting an unknown client succeeds.
func (s *MemoryStore) Delete(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cycles, clientID)
	return nil
}

// ClaimRotation takes the claim unless an unexpired one exists.
func (s *MemoryStore) ClaimRotation(_ context.Context, clientID string, rotateAt time.Time, ttl time.Duration) (bool, error) {
	key := claimKey(clientID, rotateAt)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.claims[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	s.claims[key] = timedEntry{expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseRotation drops a claim.
func (s *MemoryStore) ReleaseRotation(_ context.Context, clientID string, rotateAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, claimKey(clientID, rotateAt))
	return nil
}

func claimKey(clientID string, rotateAt time.Time) string {
	return fmt.Sprintf("%s:%d", clientID, rotateAt.UTC().Unix())
}
