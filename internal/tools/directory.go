package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
)

// Contact is a person or business the tenant works with.
type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Invoice is a billing document raised against a contact. Amounts are
// integer cents.
type Invoice struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ContactID string    `json:"contact_id"`
	Amount    int       `json:"amount"`
	Currency  string    `json:"currency"`
	Memo      string    `json:"memo,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a calendar entry, optionally tied to a contact.
type Event struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ContactID string    `json:"contact_id,omitempty"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one cross-type search hit.
type Record struct {
	Type    string `json:"type"` // contact, invoice, event
	ID      string `json:"id"`
	Label   string `json:"label"`
	Snippet string `json:"snippet,omitempty"`
}

// Directory is the data-access handle built-in tools operate on. The
// real CRUD subsystem lives outside this service; this in-memory
// implementation backs development and tests.
type Directory struct {
	mu       sync.RWMutex
	contacts map[string]*Contact
	invoices map[string]*Invoice
	events   map[string]*Event
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		contacts: make(map[string]*Contact),
		invoices: make(map[string]*Invoice),
		events:   make(map[string]*Event),
	}
}

// CreateContact stores a contact. Name and tenant are required.
func (d *Directory) CreateContact(ctx context.Context, c *Contact) (*Contact, error) {
	if c.TenantID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("contact requires tenant and name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := *c
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	d.contacts[stored.ID] = &stored
	out := stored
	return &out, nil
}

// GetContact returns a tenant's contact by ID.
func (d *Directory) GetContact(ctx context.Context, tenantID, id string) (*Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	if !ok || c.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	out := *c
	return &out, nil
}

// SearchContacts returns the tenant's contacts whose name, email or
// phone contains the query, case-insensitively. An empty query matches
// everything.
func (d *Directory) SearchContacts(ctx context.Context, tenantID, query string, limit int) []*Contact {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	d.mu.RLock()
	defer d.mu.RUnlock()
	var matches []*Contact
	for _, c := range d.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if needle != "" && !containsFold(needle, c.Name, c.Email, c.Phone) {
			continue
		}
		out := *c
		matches = append(matches, &out)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// CreateInvoice stores an invoice. The contact must exist within the
// same tenant.
func (d *Directory) CreateInvoice(ctx context.Context, inv *Invoice) (*Invoice, error) {
	if inv.TenantID == "" || inv.ContactID == "" {
		return nil, fmt.Errorf("invoice requires tenant and contact")
	}
	if inv.Amount <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	contact, ok := d.contacts[inv.ContactID]
	if !ok || contact.TenantID != inv.TenantID {
		return nil, storage.ErrNotFound
	}
	stored := *inv
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Currency == "" {
		stored.Currency = "USD"
	}
	if stored.Status == "" {
		stored.Status = "sent"
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	d.invoices[stored.ID] = &stored
	out := stored
	return &out, nil
}

// CreateEvent stores a calendar event.
func (d *Directory) CreateEvent(ctx context.Context, ev *Event) (*Event, error) {
	if ev.TenantID == "" || strings.TrimSpace(ev.Title) == "" {
		return nil, fmt.Errorf("event requires tenant and title")
	}
	if ev.StartsAt.IsZero() {
		return nil, fmt.Errorf("event requires a start time")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := *ev
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.EndsAt.IsZero() {
		stored.EndsAt = stored.StartsAt.Add(30 * time.Minute)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	d.events[stored.ID] = &stored
	out := stored
	return &out, nil
}

// Search runs a cross-type substring search over the tenant's contacts,
// invoices and events.
func (d *Directory) Search(ctx context.Context, tenantID, query string, limit int) []Record {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	d.mu.RLock()
	defer d.mu.RUnlock()
	var records []Record
	for _, c := range d.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if needle != "" && !containsFold(needle, c.Name, c.Email, c.Phone) {
			continue
		}
		records = append(records, Record{Type: "contact", ID: c.ID, Label: c.Name, Snippet: c.Email})
	}
	for _, inv := range d.invoices {
		if inv.TenantID != tenantID {
			continue
		}
		if needle != "" && !containsFold(needle, inv.Memo, inv.Status, inv.ID) {
			continue
		}
		label := fmt.Sprintf("invoice %d %s", inv.Amount, inv.Currency)
		records = append(records, Record{Type: "invoice", ID: inv.ID, Label: label, Snippet: inv.Memo})
	}
	for _, ev := range d.events {
		if ev.TenantID != tenantID {
			continue
		}
		if needle != "" && !containsFold(needle, ev.Title, ev.Location) {
			continue
		}
		records = append(records, Record{
			Type: "event", ID: ev.ID, Label: ev.Title,
			Snippet: ev.StartsAt.Format(time.RFC3339),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Type != records[j].Type {
			return records[i].Type < records[j].Type
		}
		return records[i].Label < records[j].Label
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records
}

func containsFold(needle string, haystacks ...string) bool {
	for _, h := range haystacks {
		if h != "" && strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}
