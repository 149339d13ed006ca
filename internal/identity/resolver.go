package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// DeepLinkPrefix marks a start parameter that names a sub-tenant by slug,
// e.g. "t_acme-east".
const DeepLinkPrefix = "t_"

// Outcome classifies how a contact was resolved, for logs and metrics.
type Outcome string

const (
	// OutcomeLinked means a dashboard-issued link token was redeemed.
	OutcomeLinked Outcome = "linked"
	// OutcomeDeepLink means a sub-tenant deep link routed the contact.
	OutcomeDeepLink Outcome = "deep_link"
	// OutcomeActive means an existing active mapping routed the contact.
	OutcomeActive Outcome = "active"
	// OutcomeOnboarding means an existing mapping still in onboarding.
	OutcomeOnboarding Outcome = "onboarding"
	// OutcomeCreated means no mapping existed and one was created.
	OutcomeCreated Outcome = "created"
)

// Resolution is the routing decision for one inbound message.
type Resolution struct {
	Identity *models.ChannelIdentity
	// TenantID is the tenant whose agent serves this conversation. Empty
	// when Onboarding is true; the platform onboarding agent applies then.
	TenantID   string
	Onboarding bool
	Outcome    Outcome
}

// TokenRedeemer validates and consumes a dashboard-issued link token,
// returning the tenant and user it was issued for.
type TokenRedeemer interface {
	RedeemToken(ctx context.Context, token string, now time.Time) (tenantID, userID string, err error)
}

// TenantLookup resolves deep-link slugs to tenants.
type TenantLookup interface {
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
}

// Granter applies the periodic credit replenishment owed to a tenant.
type Granter interface {
	EnsureDailyGrant(ctx context.Context, tenantID string, now time.Time) error
}

// Resolver maps an inbound message to the tenant that should serve it.
type Resolver struct {
	store   Store
	tenants TenantLookup
	tokens  TokenRedeemer
	granter Granter
	logger  *slog.Logger
}

// NewResolver creates a resolver. tokens and granter may be nil, which
// disables link-token redemption and lazy replenishment respectively.
func NewResolver(store Store, tenants TenantLookup, tokens TokenRedeemer, granter Granter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default().With("component", "resolver")
	}
	return &Resolver{
		store:   store,
		tenants: tenants,
		tokens:  tokens,
		granter: granter,
		logger:  logger,
	}
}

// Resolve applies the routing priority for one inbound message:
//
//  1. start parameter carrying a link token: redeem and activate the
//     mapping against the token's tenant
//  2. start parameter carrying a sub-tenant deep link: activate against
//     that tenant
//  3. existing active mapping: route to its tenant
//  4. existing onboarding (or churned) mapping: route to onboarding
//  5. no mapping: create one in onboarding
//
// Invalid tokens and unknown slugs fall through to 3-5 rather than
// failing; the contact lands in onboarding with a neutral greeting.
func (r *Resolver) Resolve(ctx context.Context, msg *models.Message) (*Resolution, error) {
	now := time.Now()

	if param := strings.TrimSpace(msg.StartParam); param != "" {
		if slug, ok := strings.CutPrefix(param, DeepLinkPrefix); ok {
			if res, err := r.resolveDeepLink(ctx, msg, slug, now); err != nil {
				return nil, err
			} else if res != nil {
				return res, nil
			}
		} else if r.tokens != nil {
			if res, err := r.resolveToken(ctx, msg, param, now); err != nil {
				return nil, err
			} else if res != nil {
				return res, nil
			}
		}
	}

	mapping, created, err := r.store.GetOrCreate(ctx, &models.ChannelIdentity{
		Channel:     msg.Channel,
		ExternalID:  msg.ContactID,
		DisplayName: msg.ContactName,
		Status:      models.IdentityOnboarding,
	})
	if err != nil {
		return nil, err
	}
	if created {
		r.logger.Info("new contact entered onboarding",
			"channel", msg.Channel, "contact_id", msg.ContactID)
		return &Resolution{Identity: mapping, Onboarding: true, Outcome: OutcomeCreated}, nil
	}

	r.touch(ctx, mapping, msg.ContactName, now)

	if mapping.Status == models.IdentityActive && mapping.TenantID != "" {
		if r.granter != nil {
			if err := r.granter.EnsureDailyGrant(ctx, mapping.TenantID, now); err != nil {
				r.logger.Warn("daily grant failed during resolution",
					"tenant_id", mapping.TenantID, "error", err)
			}
		}
		return &Resolution{Identity: mapping, TenantID: mapping.TenantID, Outcome: OutcomeActive}, nil
	}

	// Churned mappings re-enter onboarding rather than dead-ending.
	return &Resolution{Identity: mapping, Onboarding: true, Outcome: OutcomeOnboarding}, nil
}

func (r *Resolver) resolveToken(ctx context.Context, msg *models.Message, token string, now time.Time) (*Resolution, error) {
	tenantID, userID, err := r.tokens.RedeemToken(ctx, token, now)
	if err != nil {
		r.logger.Warn("link token rejected, continuing to onboarding",
			"channel", msg.Channel, "contact_id", msg.ContactID, "error", err)
		return nil, nil
	}

	mapping, err := Activate(ctx, r.store, msg.Channel, msg.ContactID, msg.ContactName, tenantID, userID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("link token redeemed",
		"channel", msg.Channel, "contact_id", msg.ContactID, "tenant_id", tenantID)
	return &Resolution{Identity: mapping, TenantID: tenantID, Outcome: OutcomeLinked}, nil
}

func (r *Resolver) resolveDeepLink(ctx context.Context, msg *models.Message, slug string, now time.Time) (*Resolution, error) {
	if slug == "" || r.tenants == nil {
		return nil, nil
	}
	tenant, err := r.tenants.GetTenantBySlug(ctx, slug)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("deep link names unknown tenant, continuing to onboarding",
			"slug", slug, "channel", msg.Channel, "contact_id", msg.ContactID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tenant.Status != models.TenantActive {
		r.logger.Warn("deep link names deactivated tenant, continuing to onboarding",
			"slug", slug, "tenant_id", tenant.ID)
		return nil, nil
	}

	mapping, err := Activate(ctx, r.store, msg.Channel, msg.ContactID, msg.ContactName, tenant.ID, "")
	if err != nil {
		return nil, err
	}
	return &Resolution{Identity: mapping, TenantID: tenant.ID, Outcome: OutcomeDeepLink}, nil
}

// touch refreshes last-seen and display name. Failures are logged, not
// surfaced; resolution must not fail over bookkeeping.
func (r *Resolver) touch(ctx context.Context, mapping *models.ChannelIdentity, displayName string, now time.Time) {
	mapping.LastSeenAt = now
	if displayName != "" {
		mapping.DisplayName = displayName
	}
	if err := r.store.Update(ctx, mapping); err != nil {
		r.logger.Warn("failed to touch mapping", "mapping_id", mapping.ID, "error", err)
	}
}

// Activate flips the mapping for an external identity to active against
// the given tenant, creating it first if absent. The same single mapping
// is reused whatever tenant it previously pointed at.
func Activate(ctx context.Context, store Store, channel models.ChannelType, externalID, displayName, tenantID, userID string) (*models.ChannelIdentity, error) {
	mapping, _, err := store.GetOrCreate(ctx, &models.ChannelIdentity{
		Channel:     channel,
		ExternalID:  externalID,
		DisplayName: displayName,
		Status:      models.IdentityOnboarding,
	})
	if err != nil {
		return nil, err
	}

	mapping.TenantID = tenantID
	if userID != "" {
		mapping.UserID = userID
	}
	if displayName != "" {
		mapping.DisplayName = displayName
	}
	mapping.Status = models.IdentityActive
	mapping.LastSeenAt = time.Now()
	if err := store.Update(ctx, mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}
