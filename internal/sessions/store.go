// Package sessions persists conversation sessions and their transcripts.
//
// A session is keyed by (tenant, channel, contact). At most one session
// per key is active at any time; GetOrCreateActive enforces this under
// concurrent first messages from the same contact.
package sessions

import (
	"context"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

// Store defines session and transcript persistence.
type Store interface {
	// GetOrCreateActive returns the key's active session, creating one
	// from the template when none exists. The bool reports creation.
	GetOrCreateActive(ctx context.Context, template *models.Session) (*models.Session, bool, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	// ActiveForKey returns the active session for a key, ErrNotFound when
	// none is active.
	ActiveForKey(ctx context.Context, tenantID string, channel models.ChannelType, contactID string) (*models.Session, error)
	// Close marks a session closed. Closing an already closed session is
	// a no-op.
	Close(ctx context.Context, id string) error
	// UpdateGuided persists guided-interview progress.
	UpdateGuided(ctx context.Context, id string, guided *models.GuidedState) error
	// RecordUsage bumps the session's message and credit counters.
	RecordUsage(ctx context.Context, id string, messages, credits int) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Session, error)

	// AppendMessage adds one turn to a session's transcript.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// History returns the most recent limit turns in chronological order.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

func newFromTemplate(template *models.Session, now time.Time) *models.Session {
	session := *template
	session.Status = models.SessionActive
	if session.Mode == "" {
		session.Mode = models.ModeFreeform
	}
	session.MessageCount = 0
	session.CreditsUsed = 0
	session.CreatedAt = now
	session.UpdatedAt = now
	session.ClosedAt = nil
	return &session
}
