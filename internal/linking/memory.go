package linking

import (
	"context"
	"sync"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-node dev runs.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*Token
	codes  map[string]*Code
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*Token),
		codes:  make(map[string]*Code),
	}
}

func (s *MemoryStore) CreateToken(ctx context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[token.Token]; exists {
		return storage.ErrAlreadyExists
	}
	clone := *token
	s.tokens[token.Token] = &clone
	return nil
}

func (s *MemoryStore) GetToken(ctx context.Context, token string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.Used || !t.ExpiresAt.After(now) {
		return nil, ErrTokenInvalid
	}
	t.Used = true
	clone := *t
	return &clone, nil
}

func (s *MemoryStore) CreateCode(ctx context.Context, code *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.codes[code.Code]; exists {
		return storage.ErrAlreadyExists
	}
	clone := *code
	s.codes[code.Code] = &clone
	return nil
}

func (s *MemoryStore) GetCode(ctx context.Context, code string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryStore) ConsumeCode(ctx context.Context, code string, channel models.ChannelType, externalID string, now time.Time) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok || c.Used || !c.ExpiresAt.After(now) {
		return nil, ErrCodeInvalid
	}
	if c.Channel != channel || c.ExternalID != externalID {
		return nil, ErrCodeInvalid
	}
	delete(s.codes, code)
	clone := *c
	return &clone, nil
}

func (s *MemoryStore) DeleteCodesFor(ctx context.Context, channel models.ChannelType, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for code, c := range s.codes {
		if c.Channel == channel && c.ExternalID == externalID {
			delete(s.codes, code)
		}
	}
	return nil
}
