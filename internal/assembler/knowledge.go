package assembler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one piece of reference material an agent can draw on: a policy
// document, a price list, canned answers for a product line.
type Entry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeStore provides tag-filtered reference lookups.
type KnowledgeStore interface {
	Add(ctx context.Context, entry *Entry) error

	// ByTags returns the tenant's entries sharing at least one tag with
	// the given set, newest first.
	ByTags(ctx context.Context, tenantID string, tags []string) ([]*Entry, error)
}

// MemoryKnowledge is an in-memory KnowledgeStore. The durable knowledge
// base lives outside this service; this implementation backs development
// and tests.
type MemoryKnowledge struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryKnowledge() *MemoryKnowledge {
	return &MemoryKnowledge{}
}

func (m *MemoryKnowledge) Add(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *entry
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	clone.Tags = append([]string(nil), entry.Tags...)

	m.entries = append(m.entries, &clone)
	entry.ID = clone.ID
	return nil
}

func (m *MemoryKnowledge) ByTags(ctx context.Context, tenantID string, tags []string) ([]*Entry, error) {
	if len(tags) == 0 {
		return nil, nil
	}

	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Entry
	for _, entry := range m.entries {
		if entry.TenantID != tenantID {
			continue
		}
		for _, tag := range entry.Tags {
			if _, ok := wanted[tag]; ok {
				clone := *entry
				clone.Tags = append([]string(nil), entry.Tags...)
				matched = append(matched, &clone)
				break
			}
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}
