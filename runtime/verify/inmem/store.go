// Package inmem provides an in-memory implementation of verify.Store.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/complyline/complyline/runtime/verify"
)

// Store is an in-memory implementation of verify.Store.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	records map[string]verify.Evidence
}

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]verify.Evidence)}
}

// Insert implements verify.Store.
func (s *Store) Insert(_ context.Context, ev verify.Evidence) error {
	if ev.ID == "" {
		return errors.New("evidence id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[ev.ID]; ok {
		return errors.New("evidence already exists")
	}
	s.records[ev.ID] = cloneEvidence(ev)
	return nil
}

// Load implements verify.Store.
func (s *Store) Load(_ context.Context, id string) (verify.Evidence, error) {
	if id == "" {
		return verify.Evidence{}, errors.New("evidence id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.records[id]
	if !ok {
		return verify.Evidence{}, verify.ErrEvidenceNotFound
	}
	return cloneEvidence(ev), nil
}

// Update implements verify.Store.
func (s *Store) Update(_ context.Context, ev verify.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[ev.ID]; !ok {
		return verify.ErrEvidenceNotFound
	}
	s.records[ev.ID] = cloneEvidence(ev)
	return nil
}

func cloneEvidence(in verify.Evidence) verify.Evidence {
	out := in
	if in.ReviewedAt != nil {
		at := *in.ReviewedAt
		out.ReviewedAt = &at
	}
	return out
}
