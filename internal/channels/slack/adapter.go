package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/pkg/models"
)

// maxMessageLength keeps single messages inside Slack's recommended cap.
const maxMessageLength = 4000

// Config holds the configuration for the Slack adapter.
type Config struct {
	// BotToken is the xoxb- token for API calls (required).
	BotToken string

	// AppToken is the xapp- token for Socket Mode (required).
	AppToken string

	// SigningSecret verifies pushed payloads on the webhook surface.
	SigningSecret string

	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.ErrConfig("bot_token is required", nil)
	}
	if c.AppToken == "" {
		return channels.ErrConfig("app_token is required for socket mode", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Slack using Socket Mode, so no
// public webhook endpoint is needed for inbound events.
type Adapter struct {
	config       Config
	client       *slack.Client
	socketClient *socketmode.Client
	messages     chan *models.Message
	status       channels.Status
	statusMu     sync.RWMutex
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	metrics      *channels.Metrics
	logger       *slog.Logger
	botUserID    string
	botUserIDMu  sync.RWMutex
}

// NewAdapter creates a Slack adapter from the given configuration.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client := slack.New(config.BotToken, slack.OptionAppLevelToken(config.AppToken))
	return &Adapter{
		config:       config,
		client:       client,
		socketClient: socketmode.New(client),
		messages:     make(chan *models.Message, 100),
		metrics:      channels.NewMetrics(models.ChannelSlack),
		logger:       config.Logger.With("adapter", "slack"),
	}, nil
}

// Start authenticates, then runs the Socket Mode connection and the event
// consumer.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		a.metrics.RecordError(channels.ErrCodeAuthentication)
		return channels.ErrAuthentication("slack auth test failed", err)
	}
	a.botUserIDMu.Lock()
	a.botUserID = auth.UserID
	a.botUserIDMu.Unlock()

	a.logger.Info("starting slack adapter", "bot_user_id", auth.UserID, "team", auth.Team)
	a.metrics.RecordConnectionOpened()

	a.wg.Add(1)
	go a.handleEvents(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socketClient.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.updateStatus(false, fmt.Sprintf("socket mode error: %v", err))
			a.metrics.RecordError(channels.ErrCodeConnection)
			a.logger.Error("socket mode error", "error", err)
		}
	}()

	a.updateStatus(true, "")
	return nil
}

// Stop shuts the adapter down, waiting for the event loops to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	a.logger.Info("stopping slack adapter")

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

// Send posts one message to the contact's Slack channel, threading when the
// inbound message carried a thread timestamp.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	if msg.ContactID == "" {
		a.metrics.RecordMessageFailed()
		return channels.ErrInvalidInput("message has no slack channel", nil)
	}

	threadTS, _ := msg.Metadata["slack_thread_ts"].(string)

	start := time.Now()
	providerID, err := postText(ctx, a.client, msg.ContactID, threadTS, msg.Content)
	if err != nil {
		a.metrics.RecordMessageFailed()
		a.metrics.RecordError(channels.ErrCodeInternal)
		return channels.ErrInternal("failed to send slack message", err)
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
	return models.ChannelSlack
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

// VerifyWebhook validates a pushed payload against the signing secret.
func (a *Adapter) VerifyWebhook(body []byte, header http.Header) bool {
	if a.config.SigningSecret == "" {
		return false
	}
	verifier, err := slack.NewSecretsVerifier(header, a.config.SigningSecret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(body); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}

// TestConnection verifies the tokens with an auth test.
func (a *Adapter) TestConnection(ctx context.Context) (*channels.ConnectionStatus, error) {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return &channels.ConnectionStatus{Error: err.Error()}, nil
	}
	return &channels.ConnectionStatus{
		Success:      true,
		AccountLabel: fmt.Sprintf("%s (%s)", auth.User, auth.Team),
	}, nil
}

// HealthCheck performs an auth test against the Slack API.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	health := channels.HealthStatus{LastCheck: start}

	if _, err := a.client.AuthTestContext(ctx); err != nil {
		health.Message = fmt.Sprintf("health check failed: %v", err)
		health.Latency = time.Since(start)
		return health
	}

	health.Healthy = true
	health.Latency = time.Since(start)
	return health
}

// Metrics returns the current metrics snapshot.
func (a *Adapter) Metrics() channels.MetricsSnapshot {
	return a.metrics.Snapshot()
}

// handleEvents consumes Socket Mode events until the context is done.
func (a *Adapter) handleEvents(ctx context.Context) {
	defer a.wg.Done()
	defer close(a.messages)

	for {
		select {
		case <-ctx.Done():
			a.updateStatus(false, "")
			return
		case event, ok := <-a.socketClient.Events:
			if !ok {
				a.updateStatus(false, "")
				return
			}
			a.updateLastPing()

			switch event.Type {
			case socketmode.EventTypeConnectionError:
				a.updateStatus(false, "connection error")
				a.metrics.RecordReconnectAttempt()

			case socketmode.EventTypeConnected:
				a.updateStatus(true, "")

			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event)

			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				// Acknowledged but not part of the conversation surface.
				a.socketClient.Ack(*event.Request)
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		a.socketClient.Ack(*event.Request)
		return
	}
	a.socketClient.Ack(*event.Request)

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		a.deliver(ctx, &slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})

	case *slackevents.MessageEvent:
		// Ignore our own and other bots' messages, and edits.
		if ev.BotID != "" || ev.SubType != "" {
			return
		}
		a.deliver(ctx, ev)
	}
}

// deliver converts an event and hands it to the inbound stream. Only DMs,
// mentions and thread replies reach the pipeline.
func (a *Adapter) deliver(ctx context.Context, event *slackevents.MessageEvent) {
	a.botUserIDMu.RLock()
	botUserID := a.botUserID
	a.botUserIDMu.RUnlock()

	isDM := strings.HasPrefix(event.Channel, "D")
	isMention := botUserID != "" && strings.Contains(event.Text, fmt.Sprintf("<@%s>", botUserID))
	if !isDM && !isMention && event.ThreadTimeStamp == "" {
		return
	}

	msg := convertMessage(event)
	a.metrics.RecordMessageReceived()

	select {
	case a.messages <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound buffer full, dropping message", "channel", event.Channel)
		a.metrics.RecordMessageDropped()
	}
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

// postText sends content as one or more messages and returns the provider
// timestamp of the first one.
func postText(ctx context.Context, client *slack.Client, channelID, threadTS, content string) (string, error) {
	parts := channels.SplitMessage(content, maxMessageLength)
	if len(parts) == 0 {
		parts = []string{""}
	}

	var firstTS string
	for _, part := range parts {
		options := []slack.MsgOption{slack.MsgOptionText(part, false)}
		if threadTS != "" {
			options = append(options, slack.MsgOptionTS(threadTS))
		}
		_, ts, err := client.PostMessageContext(ctx, channelID, options...)
		if err != nil {
			return "", err
		}
		if firstTS == "" {
			firstTS = ts
		}
	}
	return firstTS, nil
}

// convertMessage translates a Slack message event into the unified format.
// The contact identifier is the Slack channel, which is what replies are
// addressed to.
func convertMessage(event *slackevents.MessageEvent) *models.Message {
	createdAt := time.Now()
	if ts, err := parseTimestamp(event.TimeStamp); err == nil {
		createdAt = ts
	}

	return &models.Message{
		ID:        fmt.Sprintf("slack_%s_%s", event.Channel, event.TimeStamp),
		Channel:   models.ChannelSlack,
		ChannelID: event.TimeStamp,
		ContactID: event.Channel,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   stripMentions(event.Text),
		Metadata: map[string]any{
			"slack_user_id":   event.User,
			"slack_ts":        event.TimeStamp,
			"slack_thread_ts": event.ThreadTimeStamp,
		},
		CreatedAt: createdAt,
	}
}

// stripMentions removes <@USERID> tags so the model sees clean text.
func stripMentions(text string) string {
	for {
		start := strings.Index(text, "<@")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], ">")
		if end == -1 {
			break
		}
		text = text[:start] + text[start+end+1:]
	}
	return strings.TrimSpace(text)
}

// parseTimestamp converts Slack's "1234567890.123456" format.
func parseTimestamp(ts string) (time.Time, error) {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return time.Unix(sec, usec*1000), nil
}
