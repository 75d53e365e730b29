// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation (for example features/session/mongo).
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/complyline/complyline/runtime/session"
)

// Store is an in-memory implementation of session.Store.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	s    session.Session
	msgs []session.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// Resolve implements session.Store.
func (s *Store) Resolve(_ context.Context, key, owner string) (session.Session, bool, error) {
	if owner == "" {
		return session.Session{}, false, errors.New("owner is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if key != "" {
		if ent, ok := s.sessions[key]; ok {
			if ent.s.Owner != owner {
				return session.Session{}, false, session.ErrNotSessionOwner
			}
			if !ent.s.Active {
				return session.Session{}, false, session.ErrSessionInactive
			}
			return cloneSession(ent.s), false, nil
		}
	}
	if key == "" {
		key = uuid.NewString()
	}
	now := time.Now().UTC()
	created := session.Session{
		Key:          key,
		Owner:        owner,
		Active:       true,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[key] = &entry{s: created}
	return cloneSession(created), true, nil
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, key string) (session.Session, error) {
	if key == "" {
		return session.Session{}, errors.New("session key is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.sessions[key]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(ent.s), nil
}

// AppendMessages implements session.Store.
func (s *Store) AppendMessages(_ context.Context, key string, msgs []session.Message) error {
	if key == "" {
		return errors.New("session key is required")
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.sessions[key]
	if !ok {
		return session.ErrSessionNotFound
	}
	if !ent.s.Active {
		return session.ErrSessionInactive
	}
	ent.msgs = append(ent.msgs, cloneMessages(msgs)...)
	ent.s.LastActivity = time.Now().UTC()
	return nil
}

// Messages implements session.Store.
func (s *Store) Messages(_ context.Context, key string) ([]session.Message, error) {
	if key == "" {
		return nil, errors.New("session key is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.sessions[key]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return cloneMessages(ent.msgs), nil
}

// SetTitle implements session.Store.
func (s *Store) SetTitle(_ context.Context, key, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.sessions[key]
	if !ok {
		return session.ErrSessionNotFound
	}
	ent.s.Title = title
	return nil
}

// Deactivate implements session.Store.
func (s *Store) Deactivate(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.sessions[key]
	if !ok {
		return session.ErrSessionNotFound
	}
	ent.s.Active = false
	return nil
}

func cloneSession(in session.Session) session.Session {
	out := in
	if in.Context != nil {
		out.Context = make(map[string]any, len(in.Context))
		for k, v := range in.Context {
			out.Context[k] = v
		}
	}
	return out
}

func cloneMessages(in []session.Message) []session.Message {
	out := make([]session.Message, len(in))
	copy(out, in)
	for i, m := range in {
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = make([]session.ToolCallRef, len(m.ToolCalls))
			copy(out[i].ToolCalls, m.ToolCalls)
		}
	}
	return out
}
