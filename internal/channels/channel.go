// Package channels defines the adapter contract between messaging providers
// and the pipeline. Adapters translate provider payloads into models.Message
// and back; nothing downstream of an adapter ever sees a provider wire format.
package channels

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

// Adapter is implemented once per messaging platform.
type Adapter interface {
	// Start connects to the provider and begins producing inbound messages.
	Start(ctx context.Context) error

	// Stop shuts the adapter down, honoring the context deadline.
	Stop(ctx context.Context) error

	// Send delivers one outbound message using the adapter's own credentials.
	Send(ctx context.Context, msg *models.Message) error

	// Messages returns the inbound stream. Closed when the adapter stops.
	Messages() <-chan *models.Message

	// Type returns the channel this adapter serves.
	Type() models.ChannelType

	// Status returns the current connection status.
	Status() Status

	// VerifyWebhook reports whether a pushed payload really came from the
	// provider. Adapters that never receive webhooks return false.
	VerifyWebhook(body []byte, header http.Header) bool

	// TestConnection probes the provider with the configured credentials.
	TestConnection(ctx context.Context) (*ConnectionStatus, error)

	// HealthCheck performs a lightweight connectivity check.
	HealthCheck(ctx context.Context) HealthStatus

	// Metrics returns a snapshot of the adapter's counters.
	Metrics() MetricsSnapshot
}

// WebhookReceiver is implemented by adapters that accept pushed provider
// payloads over HTTP. The gateway mounts the handler behind VerifyWebhook.
type WebhookReceiver interface {
	WebhookHandler() http.Handler
}

// Status represents the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// ConnectionStatus is the result of probing the provider with the
// configured credentials.
type ConnectionStatus struct {
	Success      bool   `json:"success"`
	AccountLabel string `json:"account_label,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HealthStatus is the result of a health check.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`

	// Degraded means operational but with reduced function, for example
	// mid-reconnect.
	Degraded bool `json:"degraded,omitempty"`
}

// Registry holds the adapters a gateway process runs. Registration happens
// during assembly, before Start; the registry is read-only afterwards.
type Registry struct {
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter, replacing any previous one for its channel.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts every adapter, stopping at the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every adapter and returns the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.adapters {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// AggregateMessages fans every adapter's inbound stream into one channel.
// The returned channel closes once all adapter streams have closed or the
// context is cancelled.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.Message {
	out := make(chan *models.Message)

	var wg sync.WaitGroup
	for _, adapter := range r.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
