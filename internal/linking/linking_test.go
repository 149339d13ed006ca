package linking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attachehq/attache/internal/identity"
	"github.com/attachehq/attache/internal/tenants"
	"github.com/attachehq/attache/pkg/models"
)

type mailRecorder struct {
	to      []string
	bodies  []string
	failAll bool
}

func (m *mailRecorder) Send(ctx context.Context, to, subject, body string) error {
	if m.failAll {
		return errors.New("mail API down")
	}
	m.to = append(m.to, to)
	m.bodies = append(m.bodies, body)
	return nil
}

func newTestService(t *testing.T) (*Service, *tenants.MemoryStore, *identity.MemoryStore, *mailRecorder) {
	t.Helper()
	users := tenants.NewMemoryStore()
	identities := identity.NewMemoryStore()
	mailer := &mailRecorder{}
	service := NewService(NewMemoryStore(), users, identities, mailer, nil)
	return service, users, identities, mailer
}

func TestTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	token, err := service.IssueToken(ctx, "tenant-1", "user-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if len(token.Token) != TokenLength {
		t.Errorf("token length = %d, want %d", len(token.Token), TokenLength)
	}

	tenantID, userID, err := service.RedeemToken(ctx, token.Token, time.Now())
	if err != nil {
		t.Fatalf("RedeemToken: %v", err)
	}
	if tenantID != "tenant-1" || userID != "user-1" {
		t.Errorf("redeemed (%s, %s), want (tenant-1, user-1)", tenantID, userID)
	}

	// Second redemption of the same token fails.
	if _, _, err := service.RedeemToken(ctx, token.Token, time.Now()); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("second redemption error = %v, want ErrTokenInvalid", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	token, err := service.IssueToken(ctx, "tenant-1", "user-1")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	late := time.Now().Add(TokenTTL + time.Minute)
	if _, _, err := service.RedeemToken(ctx, token.Token, late); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expired redemption error = %v, want ErrTokenInvalid", err)
	}
}

func TestIssueCodeUnknownEmail(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	_, err := service.IssueCode(ctx, "nobody@example.com", models.ChannelTelegram, "C1")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestCodeRedemptionFlow(t *testing.T) {
	ctx := context.Background()
	service, users, identities, mailer := newTestService(t)

	owner := &models.User{Email: "owner@example.com", Name: "Owner", TenantID: "tenant-1"}
	if err := users.CreateUser(ctx, owner); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	code, err := service.IssueCode(ctx, "owner@example.com", models.ChannelTelegram, "C1")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	if len(code.Code) != CodeLength {
		t.Errorf("code length = %d, want %d", len(code.Code), CodeLength)
	}
	if len(mailer.to) != 1 || mailer.to[0] != "owner@example.com" {
		t.Errorf("mail recipients = %v, want [owner@example.com]", mailer.to)
	}

	mapping, err := service.RedeemCode(ctx, code.Code, models.ChannelTelegram, "C1", time.Now())
	if err != nil {
		t.Fatalf("RedeemCode: %v", err)
	}
	if mapping.Status != models.IdentityActive {
		t.Errorf("mapping status = %s, want active", mapping.Status)
	}
	if mapping.TenantID != "tenant-1" || mapping.UserID != owner.ID {
		t.Errorf("mapping bound to (%s, %s), want (tenant-1, %s)", mapping.TenantID, mapping.UserID, owner.ID)
	}

	stored, err := identities.GetByExternal(ctx, models.ChannelTelegram, "C1")
	if err != nil {
		t.Fatalf("GetByExternal: %v", err)
	}
	if stored.Status != models.IdentityActive {
		t.Errorf("persisted mapping status = %s, want active", stored.Status)
	}

	// The code is deleted on redemption.
	if _, err := service.RedeemCode(ctx, code.Code, models.ChannelTelegram, "C1", time.Now()); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("second redemption error = %v, want ErrCodeInvalid", err)
	}
}

func TestCodeExpiry(t *testing.T) {
	ctx := context.Background()
	service, users, identities, _ := newTestService(t)

	if err := users.CreateUser(ctx, &models.User{Email: "owner@example.com", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	code, err := service.IssueCode(ctx, "owner@example.com", models.ChannelTelegram, "C1")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	// Redemption at issue time + 11 minutes is past the 10 minute window.
	late := code.CreatedAt.Add(11 * time.Minute)
	if _, err := service.RedeemCode(ctx, code.Code, models.ChannelTelegram, "C1", late); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("late redemption error = %v, want ErrCodeInvalid", err)
	}

	// Onboarding is unaffected: no mapping was activated.
	if _, err := identities.GetByExternal(ctx, models.ChannelTelegram, "C1"); err == nil {
		t.Error("expired redemption should not create a mapping")
	}
}

func TestCodeIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	service, users, _, _ := newTestService(t)

	if err := users.CreateUser(ctx, &models.User{Email: "owner@example.com", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	code, err := service.IssueCode(ctx, "owner@example.com", models.ChannelTelegram, "C1")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}

	// A different contact cannot redeem a code issued to C1.
	if _, err := service.RedeemCode(ctx, code.Code, models.ChannelTelegram, "C2", time.Now()); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("mismatched redemption error = %v, want ErrCodeInvalid", err)
	}
}

func TestCodeReissueReplaces(t *testing.T) {
	ctx := context.Background()
	service, users, _, _ := newTestService(t)

	if err := users.CreateUser(ctx, &models.User{Email: "owner@example.com", TenantID: "tenant-1"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	first, err := service.IssueCode(ctx, "owner@example.com", models.ChannelTelegram, "C1")
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	second, err := service.IssueCode(ctx, "owner@example.com", models.ChannelTelegram, "C1")
	if err != nil {
		t.Fatalf("IssueCode again: %v", err)
	}

	if _, err := service.RedeemCode(ctx, first.Code, models.ChannelTelegram, "C1", time.Now()); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("replaced code redemption error = %v, want ErrCodeInvalid", err)
	}
	if _, err := service.RedeemCode(ctx, second.Code, models.ChannelTelegram, "C1", time.Now()); err != nil {
		t.Errorf("fresh code redemption failed: %v", err)
	}
}

func TestLooksLikeCode(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"123456", true},
		{"  123456  ", true},
		{"12345", false},
		{"1234567", false},
		{"12345a", false},
		{"please link me", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := LooksLikeCode(tt.content); got != tt.want {
			t.Errorf("LooksLikeCode(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}
