package pinguard

import (
	"context"
	"sync"

	"carbsmart/internal/models"
)

// UpdateFunc receives the current credential (nil when none is stored) and
// returns the credential to write. Returning nil with a nil error writes
// nothing. Returning an error aborts the update.
type UpdateFunc func(current *models.PinCredential) (*models.PinCredential, error)

// CredentialStore persists one PIN credential per user. UpdateCredential must
// run the read, fn and write as a single atomic step per user.
type CredentialStore interface {
	LoadCredential(ctx context.Context, userID string) (*models.PinCredential, error)
	UpdateCredential(ctx context.Context, userID string, fn UpdateFunc) (*models.PinCredential, error)
}

// MemoryStore keeps credentials in process memory, useful for tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*models.PinCredential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*models.PinCredential)}
}

// LoadCredential implements CredentialStore.
func (s *MemoryStore) LoadCredential(ctx context.Context, userID string) (*models.PinCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds[userID].Clone(), nil
}

// UpdateCredential implements CredentialStore.
func (s *MemoryStore) UpdateCredential(ctx context.Context, userID string, fn UpdateFunc) (*models.PinCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	current := s.creds[userID].Clone()
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	s.creds[userID] = next.Clone()
	return next.Clone(), nil
}
