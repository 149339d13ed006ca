package channels

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

type stubAdapter struct {
	channelType models.ChannelType
	messages    chan *models.Message
	startErr    error
	stopErr     error
	started     bool
	stopped     bool
}

func newStubAdapter(channelType models.ChannelType) *stubAdapter {
	return &stubAdapter{
		channelType: channelType,
		messages:    make(chan *models.Message, 10),
	}
}

func (s *stubAdapter) Start(ctx context.Context) error {
	s.started = true
	return s.startErr
}

func (s *stubAdapter) Stop(ctx context.Context) error {
	s.stopped = true
	return s.stopErr
}

func (s *stubAdapter) Send(ctx context.Context, msg *models.Message) error { return nil }
func (s *stubAdapter) Messages() <-chan *models.Message                    { return s.messages }
func (s *stubAdapter) Type() models.ChannelType                            { return s.channelType }
func (s *stubAdapter) Status() Status                                      { return Status{Connected: s.started} }
func (s *stubAdapter) VerifyWebhook(body []byte, header http.Header) bool  { return false }

func (s *stubAdapter) TestConnection(ctx context.Context) (*ConnectionStatus, error) {
	return &ConnectionStatus{Success: true}, nil
}

func (s *stubAdapter) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Healthy: s.started}
}

func (s *stubAdapter) Metrics() MetricsSnapshot { return MetricsSnapshot{} }

func TestRegistry_RegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	adapter := newStubAdapter(models.ChannelTelegram)

	registry.Register(adapter)

	got, ok := registry.Get(models.ChannelTelegram)
	if !ok {
		t.Fatal("expected adapter to be registered")
	}
	if got.Type() != models.ChannelTelegram {
		t.Errorf("expected telegram, got %s", got.Type())
	}

	if _, ok := registry.Get(models.ChannelSlack); ok {
		t.Error("expected no slack adapter")
	}

	if len(registry.All()) != 1 {
		t.Errorf("expected 1 adapter, got %d", len(registry.All()))
	}
}

func TestRegistry_StartAll(t *testing.T) {
	registry := NewRegistry()
	tg := newStubAdapter(models.ChannelTelegram)
	sl := newStubAdapter(models.ChannelSlack)
	registry.Register(tg)
	registry.Register(sl)

	if err := registry.StartAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tg.started || !sl.started {
		t.Error("expected both adapters started")
	}
}

func TestRegistry_StartAll_Failure(t *testing.T) {
	registry := NewRegistry()
	failing := newStubAdapter(models.ChannelTelegram)
	failing.startErr = errors.New("no token")
	registry.Register(failing)

	if err := registry.StartAll(context.Background()); err == nil {
		t.Error("expected start error to propagate")
	}
}

func TestRegistry_StopAll_ReturnsError(t *testing.T) {
	registry := NewRegistry()
	ok := newStubAdapter(models.ChannelTelegram)
	failing := newStubAdapter(models.ChannelSlack)
	failing.stopErr = errors.New("stop timeout")
	registry.Register(ok)
	registry.Register(failing)

	if err := registry.StopAll(context.Background()); err == nil {
		t.Error("expected stop error to propagate")
	}
	if !ok.stopped || !failing.stopped {
		t.Error("expected every adapter stopped despite the error")
	}
}

func TestRegistry_AggregateMessages(t *testing.T) {
	registry := NewRegistry()
	tg := newStubAdapter(models.ChannelTelegram)
	sl := newStubAdapter(models.ChannelSlack)
	registry.Register(tg)
	registry.Register(sl)

	out := registry.AggregateMessages(context.Background())

	tg.messages <- &models.Message{ID: "tg_1", Channel: models.ChannelTelegram}
	sl.messages <- &models.Message{ID: "slack_1", Channel: models.ChannelSlack}
	close(tg.messages)
	close(sl.messages)

	seen := make(map[string]bool)
	for msg := range out {
		seen[msg.ID] = true
	}

	if !seen["tg_1"] || !seen["slack_1"] {
		t.Errorf("expected messages from both adapters, got %v", seen)
	}
}

func TestRegistry_AggregateMessages_ContextCancel(t *testing.T) {
	registry := NewRegistry()
	registry.Register(newStubAdapter(models.ChannelTelegram))

	ctx, cancel := context.WithCancel(context.Background())
	out := registry.AggregateMessages(ctx)

	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Error("expected aggregate channel to close without messages")
		}
	case <-time.After(time.Second):
		t.Error("aggregate channel did not close after cancel")
	}
}
