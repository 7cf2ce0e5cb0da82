package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps everything in process-local maps. Expiry is checked
// lazily on lookup: an expired entry is removed and absence is returned.
type MemoryStore struct {
	mu            sync.Mutex
	clients       map[string]*Client
	accessTokens  map[string]*Token
	refreshTokens map[string]*Token
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[string]*Client),
		accessTokens:  make(map[string]*Token),
		refreshTokens: make(map[string]*Token),
		now:           time.Now,
	}
}

func (s *MemoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, nil
	}
	copied := *client
	return &copied, nil
}

func (s *MemoryStore) SaveClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *client
	s.clients[client.ClientID] = &copied
	return nil
}

func (s *MemoryStore) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientID)
	return nil
}

func (s *MemoryStore) ListDynamicClients(_ context.Context) ([]*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dynamic []*Client
	for _, client := range s.clients {
		if client.Dynamic {
			copied := *client
			dynamic = append(dynamic, &copied)
		}
	}
	return dynamic, nil
}

func (s *MemoryStore) GetAccessToken(_ context.Context, hash string) (*Token, error) {
	return s.getToken(s.accessTokens, hash)
}

func (s *MemoryStore) SaveAccessToken(_ context.Context, token *Token) error {
	return s.saveToken(s.accessTokens, token)
}

func (s *MemoryStore) DeleteAccessToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accessTokens, hash)
	return nil
}

func (s *MemoryStore) GetRefreshToken(_ context.Context, hash string) (*Token, error) {
	return s.getToken(s.refreshTokens, hash)
}

func (s *MemoryStore) SaveRefreshToken(_ context.Context, token *Token) error {
	return s.saveToken(s.refreshTokens, token)
}

func (s *MemoryStore) DeleteRefreshToken(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, hash)
	return nil
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, oldHash string, replacement *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[oldHash]; !ok {
		return fmt.Errorf("refresh token not found")
	}
	delete(s.refreshTokens, oldHash)
	copied := *replacement
	s.refreshTokens[replacement.Hash] = &copied
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for hash, token := range s.accessTokens {
		if token.Expired(now) {
			delete(s.accessTokens, hash)
		}
	}
	for hash, token := range s.refreshTokens {
		if token.Expired(now) {
			delete(s.refreshTokens, hash)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) getToken(tokens map[string]*Token, hash string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := tokens[hash]
	if !ok {
		return nil, nil
	}
	if token.Expired(s.now()) {
		delete(tokens, hash)
		return nil, nil
	}
	copied := *token
	return &copied, nil
}

func (s *MemoryStore) saveToken(tokens map[string]*Token, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *token
	tokens[token.Hash] = &copied
	return nil
}
