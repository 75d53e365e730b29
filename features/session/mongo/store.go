package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/complyline/complyline/features/session/mongo/clients/mongo"
	"github.com/complyline/complyline/runtime/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Resolve returns the session under key, creating one when the key is
// unknown or empty.
func (s *Store) Resolve(ctx context.Context, key, owner string) (session.Session, bool, error) {
	return s.client.ResolveSession(ctx, key, owner)
}

// Load retrieves session metadata from storage.
func (s *Store) Load(ctx context.Context, key string) (session.Session, error) {
	return s.client.LoadSession(ctx, key)
}

// AppendMessages appends to the session's message log.
func (s *Store) AppendMessages(ctx context.Context, key string, msgs []session.Message) error {
	return s.client.AppendMessages(ctx, key, msgs)
}

// Messages returns the full ordered message log.
func (s *Store) Messages(ctx context.Context, key string) ([]session.Message, error) {
	return s.client.ListMessages(ctx, key)
}

// SetTitle updates the session's human-readable label.
func (s *Store) SetTitle(ctx context.Context, key, title string) error {
	return s.client.SetSessionTitle(ctx, key, title)
}

// Deactivate marks the session inactive.
func (s *Store) Deactivate(ctx context.Context, key string) error {
	return s.client.DeactivateSession(ctx, key)
}
