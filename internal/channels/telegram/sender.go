package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-telegram/bot"

	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/internal/outbound"
	"github.com/attachehq/attache/pkg/models"
)

// CredentialBotToken is the binding key holding the bot token.
const CredentialBotToken = "bot_token"

// Sender delivers messages with whichever bot token the router resolved,
// so one instance serves both tenant bindings and the platform fallback.
// Bot clients are cached per token.
type Sender struct {
	mu      sync.Mutex
	bots    map[string]*bot.Bot
	limiter *channels.RateLimiter
}

// NewSender creates a Telegram sender.
func NewSender() *Sender {
	return &Sender{
		bots:    make(map[string]*bot.Bot),
		limiter: channels.NewRateLimiter(30, 20),
	}
}

// Channel returns the channel this sender serves.
func (s *Sender) Channel() models.ChannelType {
	return models.ChannelTelegram
}

// Send delivers msg to recipient using the bot token in creds. The
// recipient is the Telegram chat ID captured at inbound time.
func (s *Sender) Send(ctx context.Context, creds outbound.Credentials, recipient string, msg *models.Message) (string, error) {
	token := creds[CredentialBotToken]
	if token == "" {
		return "", channels.ErrConfig("credentials missing bot_token", nil)
	}

	b, err := s.botFor(token)
	if err != nil {
		return "", channels.ErrAuthentication("failed to create bot", err)
	}

	chatID, err := parseChatID(recipient)
	if err != nil {
		return "", channels.ErrInvalidInput(fmt.Sprintf("bad recipient %q", recipient), err)
	}

	providerID, err := sendText(ctx, b, s.limiter, chatID, msg.Content)
	if err != nil {
		if isRateLimited(err) {
			return "", channels.ErrRateLimit("telegram rate limit exceeded", err)
		}
		return "", channels.ErrInternal("failed to send message", err)
	}
	return providerID, nil
}

func (s *Sender) botFor(token string) (*bot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bots[token]; ok {
		return b, nil
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, err
	}
	s.bots[token] = b
	return b, nil
}
