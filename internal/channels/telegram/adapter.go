package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/pkg/models"
)

// maxMessageLength is Telegram's hard cap per sendMessage call. Longer
// replies are split at natural boundaries.
const maxMessageLength = 4096

// secretTokenHeader carries the webhook secret Telegram echoes back on
// every webhook delivery.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Mode selects how the adapter receives updates.
type Mode string

const (
	ModeLongPolling Mode = "long_polling"
	ModeWebhook     Mode = "webhook"
)

// Config holds configuration for the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	Mode Mode

	// WebhookURL is the public HTTPS endpoint, required in webhook mode.
	WebhookURL string

	// WebhookSecret is sent to Telegram on SetWebhook and checked against
	// the secret token header on every delivery. Required in webhook mode.
	WebhookSecret string

	MaxReconnectAttempts int
	ReconnectDelay       time.Duration

	// RateLimit is outbound API calls per second; Telegram allows ~30.
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.Mode == "" {
		c.Mode = ModeLongPolling
	}
	if c.Mode == ModeWebhook {
		if c.WebhookURL == "" {
			return channels.ErrConfig("webhook_url is required for webhook mode", nil)
		}
		if c.WebhookSecret == "" {
			return channels.ErrConfig("webhook_secret is required for webhook mode", nil)
		}
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram. It runs the platform
// bot: long polling by default, webhook delivery when configured.
type Adapter struct {
	config      Config
	bot         *bot.Bot
	messages    chan *models.Message
	status      channels.Status
	statusMu    sync.RWMutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	rateLimiter *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
	degraded    bool
	degradedMu  sync.RWMutex
}

// NewAdapter creates a Telegram adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:      config,
		messages:    make(chan *models.Message, 100),
		rateLimiter: channels.NewRateLimiter(config.RateLimit, config.RateBurst),
		metrics:     channels.NewMetrics(models.ChannelTelegram),
		logger:      config.Logger.With("adapter", "telegram"),
	}, nil
}

// Start connects the bot and begins producing inbound messages.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting telegram adapter", "mode", a.config.Mode)

	b, err := bot.New(a.config.Token)
	if err != nil {
		a.updateStatus(false, fmt.Sprintf("failed to create bot: %v", err))
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		return channels.ErrAuthentication("failed to create bot", err)
	}
	a.bot = b
	a.bot.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleMessage)
	a.metrics.RecordConnectionOpened()

	a.wg.Add(1)
	go a.runWithReconnection(ctx)

	return nil
}

// runWithReconnection drives the update loop, reconnecting with a fixed
// delay until the attempt budget is spent.
func (a *Adapter) runWithReconnection(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.messages)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			a.updateStatus(false, "")
			a.logger.Info("telegram adapter stopped")
			return
		default:
		}

		if err := a.run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				a.updateStatus(false, "")
				return
			}

			attempts++
			a.metrics.RecordReconnectAttempt()
			a.updateStatus(false, fmt.Sprintf("bot error (attempt %d/%d)", attempts, a.config.MaxReconnectAttempts))
			a.logger.Error("telegram bot error",
				"error", err,
				"attempt", attempts,
				"max_attempts", a.config.MaxReconnectAttempts)

			if attempts >= a.config.MaxReconnectAttempts {
				a.logger.Error("max reconnection attempts reached, stopping adapter")
				a.metrics.RecordError(channels.ErrCodeConnection)
				return
			}

			a.setDegraded(true)
			select {
			case <-ctx.Done():
				a.updateStatus(false, "")
				return
			case <-time.After(a.config.ReconnectDelay):
				a.logger.Info("reconnecting to telegram")
			}
			continue
		}

		a.setDegraded(false)
		a.updateStatus(false, "")
		return
	}
}

func (a *Adapter) run(ctx context.Context) error {
	a.updateStatus(true, "")

	if a.config.Mode == ModeWebhook {
		_, err := a.bot.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:         a.config.WebhookURL,
			SecretToken: a.config.WebhookSecret,
		})
		if err != nil {
			a.metrics.RecordError(channels.ErrCodeConnection)
			return channels.ErrConnection("failed to set webhook", err)
		}
		// Updates arrive through WebhookHandler, mounted by the gateway.
		a.bot.StartWebhook(ctx)
		return nil
	}

	// Long polling blocks until the context is cancelled.
	a.bot.Start(ctx)
	return nil
}

// handleMessage converts one Telegram update into the unified format and
// hands it to the inbound stream.
func (a *Adapter) handleMessage(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil {
		return
	}

	msg := convertMessage(update.Message)
	a.metrics.RecordMessageReceived()

	select {
	case a.messages <- msg:
		a.updateLastPing()
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound buffer full, dropping message", "chat_id", update.Message.Chat.ID)
		a.metrics.RecordMessageDropped()
	}
}

// Stop shuts the adapter down, waiting for the update loop to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping telegram adapter")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.metrics.RecordConnectionClosed()
		return nil
	case <-ctx.Done():
		a.metrics.RecordError(channels.ErrCodeTimeout)
		return channels.ErrTimeout("stop timeout", ctx.Err())
	}
}

// Send delivers one message to the contact's chat, splitting content that
// exceeds Telegram's length cap.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if a.bot == nil {
		a.metrics.RecordMessageFailed()
		return channels.ErrInternal("bot not initialized", nil)
	}

	chatID, err := parseChatID(msg.ContactID)
	if err != nil {
		a.metrics.RecordMessageFailed()
		a.metrics.RecordError(channels.ErrCodeInvalidInput)
		return channels.ErrInvalidInput("no chat id on message", err)
	}

	start := time.Now()
	providerID, err := sendText(ctx, a.bot, a.rateLimiter, chatID, msg.Content)
	if err != nil {
		a.metrics.RecordMessageFailed()
		if isRateLimited(err) {
			a.metrics.RecordError(channels.ErrCodeRateLimit)
			return channels.ErrRateLimit("telegram rate limit exceeded", err)
		}
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send message", err)
	}

	msg.ChannelID = providerID
	a.metrics.RecordMessageSent()
	a.metrics.RecordSendLatency(time.Since(start))
	return nil
}

// Messages returns the inbound stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.messages
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType {
	return models.ChannelTelegram
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// VerifyWebhook checks the secret token header Telegram attaches to every
// webhook delivery.
func (a *Adapter) VerifyWebhook(_ []byte, header http.Header) bool {
	if a.config.WebhookSecret == "" {
		return false
	}
	return header.Get(secretTokenHeader) == a.config.WebhookSecret
}

// WebhookHandler returns the handler that feeds pushed updates into the
// bot. Only used in webhook mode.
func (a *Adapter) WebhookHandler() http.Handler {
	return a.bot.WebhookHandler()
}

// TestConnection verifies the token by calling getMe.
func (a *Adapter) TestConnection(ctx context.Context) (*channels.ConnectionStatus, error) {
	if a.bot == nil {
		b, err := bot.New(a.config.Token)
		if err != nil {
			return &channels.ConnectionStatus{Error: err.Error()}, nil
		}
		a.bot = b
	}

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return &channels.ConnectionStatus{Error: err.Error()}, nil
	}
	return &channels.ConnectionStatus{
		Success:      true,
		AccountLabel: "@" + me.Username,
	}, nil
}

// HealthCheck calls getMe to verify authentication and connectivity.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	if a.bot == nil {
		health.Message = "bot not initialized"
		health.Latency = time.Since(start)
		return health
	}

	if _, err := a.bot.GetMe(ctx); err != nil {
		health.Message = fmt.Sprintf("health check failed: %v", err)
		health.Latency = time.Since(start)
		return health
	}

	health.Healthy = true
	health.Latency = time.Since(start)
	health.Degraded = a.isDegraded()
	if health.Degraded {
		health.Message = "operating in degraded mode"
	}
	return health
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

func (a *Adapter) updateStatus(connected bool, errMsg string) {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.Connected = connected
	a.status.Error = errMsg
}

func (a *Adapter) updateLastPing() {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	a.status.LastPing = time.Now().Unix()
}

func (a *Adapter) setDegraded(degraded bool) {
	a.degradedMu.Lock()
	defer a.degradedMu.Unlock()
	a.degraded = degraded
}

func (a *Adapter) isDegraded() bool {
	a.degradedMu.RLock()
	defer a.degradedMu.RUnlock()
	return a.degraded
}

// parseChatID resolves the destination chat from a contact identifier.
func parseChatID(contactID string) (int64, error) {
	if contactID == "" {
		return 0, errors.New("empty chat id")
	}
	return strconv.ParseInt(contactID, 10, 64)
}

// sendText sends content as one or more messages and returns the provider
// ID of the first one.
func sendText(ctx context.Context, b *bot.Bot, limiter *channels.RateLimiter, chatID int64, content string) (string, error) {
	parts := channels.SplitMessage(content, maxMessageLength)
	if len(parts) == 0 {
		parts = []string{""}
	}

	var firstID string
	for _, part := range parts {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
		sent, err := b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   part,
		})
		if err != nil {
			return "", err
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.ID)
		}
	}
	return firstID, nil
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429")
}

// convertMessage translates a Telegram message into the unified format.
// A leading /start command becomes the deep-link start parameter.
func convertMessage(msg *tgmodels.Message) *models.Message {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	m := &models.Message{
		ID:        fmt.Sprintf("tg_%d_%d", msg.Chat.ID, msg.ID),
		Channel:   models.ChannelTelegram,
		ChannelID: strconv.Itoa(msg.ID),
		ContactID: chatID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   msg.Text,
		Metadata:  map[string]any{"chat_id": msg.Chat.ID},
		CreatedAt: time.Unix(int64(msg.Date), 0),
	}

	if msg.From != nil {
		m.ContactName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		m.Metadata["user_id"] = msg.From.ID
		if msg.From.Username != "" {
			m.Metadata["username"] = msg.From.Username
		}
	}

	if param, ok := startParam(msg.Text); ok {
		m.StartParam = param
		m.Content = ""
	}

	var attachments []models.Attachment
	if len(msg.Photo) > 0 {
		// Sizes arrive smallest first; keep the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		attachments = append(attachments, models.Attachment{
			ID:   photo.FileID,
			Type: "image",
			URL:  photo.FileID,
		})
	}
	if msg.Document != nil {
		attachments = append(attachments, models.Attachment{
			ID:       msg.Document.FileID,
			Type:     "document",
			URL:      msg.Document.FileID,
			Filename: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
		})
	}
	if msg.Voice != nil {
		attachments = append(attachments, models.Attachment{
			ID:       msg.Voice.FileID,
			Type:     "audio",
			URL:      msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
		})
	}
	if len(attachments) > 0 {
		m.Attachments = attachments
	}

	return m
}

// startParam extracts the payload of a /start command. "/start abc" yields
// ("abc", true); a bare "/start" yields ("", true); anything else reports
// false.
func startParam(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "/start" {
		return "", true
	}
	const prefix = "/start "
	if strings.HasPrefix(trimmed, prefix) {
		return strings.TrimSpace(trimmed[len(prefix):]), true
	}
	return "", false
}
