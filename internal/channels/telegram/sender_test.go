package telegram

import (
	"context"
	"testing"

	"github.com/attachehq/attache/internal/channels"
	"github.com/attachehq/attache/internal/outbound"
	"github.com/attachehq/attache/pkg/models"
)

func TestSender_Channel(t *testing.T) {
	if got := NewSender().Channel(); got != models.ChannelTelegram {
		t.Errorf("Channel() = %v, want telegram", got)
	}
}

func TestSender_MissingToken(t *testing.T) {
	sender := NewSender()

	_, err := sender.Send(context.Background(), outbound.Credentials{}, "456789", &models.Message{Content: "hi"})
	if err == nil {
		t.Fatal("expected error for missing bot_token")
	}
	if code := channels.GetErrorCode(err); code != channels.ErrCodeConfig {
		t.Errorf("error code = %s, want CONFIG_ERROR", code)
	}
}
