// Package outbound routes assistant replies to a channel provider. For each
// delivery the router resolves a credential source, tenant-connected binding
// first and platform credentials second, then hands the message to the
// channel's sender. Resolution failures and provider failures are distinct
// error types so callers can tell "nowhere to send" from "send bounced".
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// Via identifies which credential source carried a delivery.
type Via string

const (
	// ViaTenant means the tenant's own channel binding was used.
	ViaTenant Via = "tenant"
	// ViaPlatform means shared platform credentials were used.
	ViaPlatform Via = "platform"
)

// Delivery describes one outbound message.
type Delivery struct {
	TenantID  string
	Channel   models.ChannelType
	Recipient string
	Message   *models.Message
}

// Result reports a successful delivery.
type Result struct {
	Success           bool
	ProviderMessageID string
	Via               Via
}

// Sender performs a single delivery over one channel with explicit
// credentials. Channel packages provide implementations; the router stays
// ignorant of provider wire formats.
type Sender interface {
	Channel() models.ChannelType
	Send(ctx context.Context, creds Credentials, recipient string, msg *models.Message) (string, error)
}

// RoutingError reports that no usable delivery path exists for a tenant and
// channel pair.
type RoutingError struct {
	TenantID string
	Channel  models.ChannelType
	Reason   string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no delivery route for tenant %s on %s: %s", e.TenantID, e.Channel, e.Reason)
}

// DeliveryFailure reports that a resolved provider failed the send.
// Conversation state persisted before the send stays persisted; the caller
// decides whether to surface the failure to the contact.
type DeliveryFailure struct {
	Channel models.ChannelType
	Via     Via
	Err     error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery on %s using %s credentials failed: %v", e.Channel, e.Via, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// Router resolves credentials and dispatches deliveries to channel senders.
type Router struct {
	bindings BindingStore
	platform map[models.ChannelType]Credentials
	senders  map[models.ChannelType]Sender
	logger   *slog.Logger
}

// NewRouter creates a router. platform holds the shared fallback credentials
// keyed by channel; entries with no secret material are ignored, so a config
// whose env var expanded to empty never becomes a valid route.
func NewRouter(bindings BindingStore, platform map[models.ChannelType]Credentials, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	fallback := make(map[models.ChannelType]Credentials, len(platform))
	for channel, creds := range platform {
		if creds.configured() {
			fallback[channel] = creds
		}
	}
	return &Router{
		bindings: bindings,
		platform: fallback,
		senders:  make(map[models.ChannelType]Sender),
		logger:   logger.With("component", "outbound"),
	}
}

// Register adds a sender for its channel, replacing any previous one.
func (r *Router) Register(sender Sender) {
	r.senders[sender.Channel()] = sender
}

// Deliver sends one message. Tenant bindings win over platform credentials;
// a binding with no secret material falls through to the platform set.
func (r *Router) Deliver(ctx context.Context, delivery Delivery) (*Result, error) {
	if delivery.Channel == "" || delivery.Recipient == "" || delivery.Message == nil {
		return nil, fmt.Errorf("delivery requires channel, recipient and message")
	}

	sender, ok := r.senders[delivery.Channel]
	if !ok {
		return nil, &RoutingError{
			TenantID: delivery.TenantID,
			Channel:  delivery.Channel,
			Reason:   "no sender registered for channel",
		}
	}

	creds, via, err := r.resolve(ctx, delivery.TenantID, delivery.Channel)
	if err != nil {
		return nil, err
	}

	providerID, err := sender.Send(ctx, creds, delivery.Recipient, delivery.Message)
	if err != nil {
		r.logger.Warn("delivery failed",
			"tenant_id", delivery.TenantID,
			"channel", delivery.Channel,
			"via", via,
			"error", err)
		return nil, &DeliveryFailure{Channel: delivery.Channel, Via: via, Err: err}
	}

	r.logger.Info("message delivered",
		"tenant_id", delivery.TenantID,
		"channel", delivery.Channel,
		"via", via,
		"provider_message_id", providerID)
	return &Result{Success: true, ProviderMessageID: providerID, Via: via}, nil
}

func (r *Router) resolve(ctx context.Context, tenantID string, channel models.ChannelType) (Credentials, Via, error) {
	if tenantID != "" {
		binding, err := r.bindings.Get(ctx, tenantID, channel)
		switch {
		case err == nil:
			if binding.Credentials.configured() {
				return binding.Credentials, ViaTenant, nil
			}
			// A bound row with no secrets does not capture routing.
		case !errors.Is(err, storage.ErrNotFound):
			return nil, "", fmt.Errorf("look up channel binding: %w", err)
		}
	}

	if creds, ok := r.platform[channel]; ok {
		return creds, ViaPlatform, nil
	}

	return nil, "", &RoutingError{
		TenantID: tenantID,
		Channel:  channel,
		Reason:   "no tenant binding and no platform credentials",
	}
}
