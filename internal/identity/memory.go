package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// passwordBytes yields a 32 character hex password.
const passwordBytes = 16

// MemoryStore keeps identities in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{passwords: make(map[string]string)}
}

// Register implements Store.
//
// Postcondition: the returned ConnectionID is not held by any other live identity.
func (s *MemoryStore) Register(_ context.Context) (ID, error) {
	password, err := GeneratePassword()
	if err != nil {
		return ID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := s.passwords[id]; taken {
			continue
		}
		s.passwords[id] = password
		return ID{ConnectionID: id, Password: password}, nil
	}
}

// IsAuthorized implements Store.
func (s *MemoryStore) IsAuthorized(_ context.Context, candidate ID) (AuthorizationResult, error) {
	s.mu.RLock()
	password, ok := s.passwords[candidate.ConnectionID]
	s.mu.RUnlock()

	if !ok {
		return NotFound, nil
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(candidate.Password)) != 1 {
		return NotAuthorized, nil
	}
	return Authorized, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.passwords[connectionID]; !ok {
		return fmt.Errorf("removing %q: %w", connectionID, ErrNotFound)
	}
	delete(s.passwords, connectionID)
	return nil
}

// Len returns the number of live identities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.passwords)
}

// GeneratePassword returns a random 32 character hex secret.
func GeneratePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
