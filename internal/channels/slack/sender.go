package slack

import (
	"context"
	"sync"

	"github.com/slack-go/slack"

	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/internal/outbound"
	"github.com/attachehq/attache/pkg/models"
)

// CredentialBotToken is the credential key holding the xoxb- token.
const CredentialBotToken = "bot_token"

// Sender delivers messages with per-call credentials, so one instance serves
// both tenant bindings and the platform fallback. API clients are cached per
// token.
type Sender struct {
	mu      sync.Mutex
	clients map[string]*slack.Client
}

// NewSender creates a credential-routing Slack sender.
func NewSender() *Sender {
	return &Sender{clients: make(map[string]*slack.Client)}
}

// Channel returns the channel type this sender serves.
func (s *Sender) Channel() models.ChannelType {
	return models.ChannelSlack
}

// Send posts the message to the recipient channel using the given
// credentials and returns the provider timestamp.
func (s *Sender) Send(ctx context.Context, creds outbound.Credentials, recipient string, msg *models.Message) (string, error) {
	token := creds[CredentialBotToken]
	if token == "" {
		return "", channels.ErrConfig("credentials missing bot_token", nil)
	}

	threadTS, _ := msg.Metadata["slack_thread_ts"].(string)

	ts, err := postText(ctx, s.clientFor(token), recipient, threadTS, msg.Content)
	if err != nil {
		return "", channels.ErrInternal("failed to send slack message", err)
	}
	return ts, nil
}

func (s *Sender) clientFor(token string) *slack.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[token]; ok {
		return client
	}
	client := slack.New(token)
	s.clients[token] = client
	return client
}
