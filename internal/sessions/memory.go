package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	// activeByKey maps models.SessionKey -> session id for the one
	// active session per key.
	activeByKey map[string]string
	messages    map[string][]*models.Message
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		activeByKey: make(map[string]string),
		messages:    make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) GetOrCreateActive(ctx context.Context, template *models.Session) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := template.Key()
	if id, ok := s.activeByKey[key]; ok {
		clone := *s.sessions[id]
		return &clone, false, nil
	}

	session := newFromTemplate(template, time.Now())
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	s.sessions[session.ID] = session
	s.activeByKey[key] = session.ID

	clone := *session
	return &clone, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *MemoryStore) ActiveForKey(ctx context.Context, tenantID string, channel models.ChannelType, contactID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.activeByKey[models.SessionKey(tenantID, channel, contactID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *s.sessions[id]
	return &clone, nil
}

func (s *MemoryStore) Close(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if session.Status == models.SessionClosed {
		return nil
	}
	now := time.Now()
	session.Status = models.SessionClosed
	session.ClosedAt = &now
	session.UpdatedAt = now
	delete(s.activeByKey, session.Key())
	return nil
}

func (s *MemoryStore) UpdateGuided(ctx context.Context, id string, guided *models.GuidedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	if guided != nil {
		clone := *guided
		if guided.Answers != nil {
			clone.Answers = make(map[string]string, len(guided.Answers))
			for k, v := range guided.Answers {
				clone.Answers[k] = v
			}
		}
		session.Guided = &clone
		session.Mode = models.ModeGuided
	} else {
		session.Guided = nil
		session.Mode = models.ModeFreeform
	}
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordUsage(ctx context.Context, id string, messages, credits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	session.MessageCount += messages
	session.CreditsUsed += credits
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := []*models.Session{}
	for _, session := range s.sessions {
		if session.TenantID == tenantID {
			clone := *session
			all = append(all, &clone)
		}
	}
	if offset >= len(all) {
		return []*models.Session{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	clone := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &clone)
	return nil
}

func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]*models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}
