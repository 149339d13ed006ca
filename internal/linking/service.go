package linking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/attachehq/attache/internal/identity"
	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// UserLookup resolves a claimed email to an account-owning user.
type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Service implements both account-linking flows: dashboard tokens and
// emailed codes. It satisfies the resolver's TokenRedeemer.
type Service struct {
	store      Store
	users      UserLookup
	identities identity.Store
	mailer     Mailer
	logger     *slog.Logger

	now  func() time.Time
	rand io.Reader
}

// NewService creates a linking service. mailer may be nil, in which case
// issued codes are only logged (dev mode).
func NewService(store Store, users UserLookup, identities identity.Store, mailer Mailer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "linking")
	}
	return &Service{
		store:      store,
		users:      users,
		identities: identities,
		mailer:     mailer,
		logger:     logger,
		now:        time.Now,
		rand:       rand.Reader,
	}
}

// IssueToken mints a single-use link token for the given tenant. The
// dashboard hands the token to the user as a deep link; the channel
// redeems it.
func (s *Service) IssueToken(ctx context.Context, tenantID, issuedBy string) (*Token, error) {
	now := s.now()
	for attempt := 0; attempt < 5; attempt++ {
		value, err := randomToken(s.rand, TokenLength)
		if err != nil {
			return nil, err
		}
		token := &Token{
			Token:     value,
			TenantID:  tenantID,
			IssuedBy:  issuedBy,
			ExpiresAt: now.Add(TokenTTL),
			CreatedAt: now,
		}
		err = s.store.CreateToken(ctx, token)
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return token, nil
	}
	return nil, errors.New("failed to generate unique link token")
}

// RedeemToken consumes a token and returns the tenant and user it was
// issued for. Unknown, used, and expired tokens all return
// ErrTokenInvalid.
func (s *Service) RedeemToken(ctx context.Context, token string, now time.Time) (string, string, error) {
	t, err := s.store.ConsumeToken(ctx, strings.TrimSpace(token), now)
	if err != nil {
		return "", "", err
	}
	return t.TenantID, t.IssuedBy, nil
}

// IssueCode looks up the account owning the claimed email, mints a
// 6-digit code bound to the claiming identity, and mails it. A fresh
// issue replaces any outstanding code for the same identity.
func (s *Service) IssueCode(ctx context.Context, email string, channel models.ChannelType, externalID string) (*Code, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteCodesFor(ctx, channel, externalID); err != nil {
		return nil, err
	}

	now := s.now()
	var code *Code
	for attempt := 0; attempt < 10; attempt++ {
		value, err := randomDigits(s.rand, CodeLength)
		if err != nil {
			return nil, err
		}
		candidate := &Code{
			Code:       value,
			AccountID:  user.ID,
			TenantID:   user.TenantID,
			Email:      user.Email,
			Channel:    channel,
			ExternalID: externalID,
			ExpiresAt:  now.Add(CodeTTL),
			CreatedAt:  now,
		}
		err = s.store.CreateCode(ctx, candidate)
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		code = candidate
		break
	}
	if code == nil {
		return nil, errors.New("failed to generate unique link code")
	}

	if s.mailer != nil {
		body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.",
			code.Code, int(CodeTTL.Minutes()))
		if err := s.mailer.Send(ctx, user.Email, "Your verification code", body); err != nil {
			// The code stays valid; the user can ask for a fresh one,
			// which replaces it.
			s.logger.Warn("link code mail failed", "email", user.Email, "error", err)
			return code, fmt.Errorf("deliver code: %w", err)
		}
	} else {
		s.logger.Info("link code issued without mailer", "email", user.Email)
	}
	return code, nil
}

// RedeemCode consumes a valid code and flips the claiming identity's
// mapping to active against the account's tenant. Wrong, expired, and
// reused codes return ErrCodeInvalid and leave the mapping untouched.
func (s *Service) RedeemCode(ctx context.Context, value string, channel models.ChannelType, externalID string, now time.Time) (*models.ChannelIdentity, error) {
	code, err := s.store.ConsumeCode(ctx, strings.TrimSpace(value), channel, externalID, now)
	if err != nil {
		return nil, err
	}

	mapping, err := identity.Activate(ctx, s.identities, channel, externalID, "", code.TenantID, code.AccountID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("link code redeemed",
		"channel", channel, "contact_id", externalID, "tenant_id", code.TenantID)
	return mapping, nil
}

// LooksLikeCode reports whether a message consists solely of a 6-digit
// code, the shape the onboarding flow watches for.
func LooksLikeCode(content string) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) != CodeLength {
		return false
	}
	for _, r := range trimmed {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// tokenAlphabet avoids lowercase so a token can never collide with the
// "t_" deep-link prefix, and drops lookalike characters.
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func randomToken(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = tokenAlphabet[int(buf[i])%len(tokenAlphabet)]
	}
	return string(out), nil
}

func randomDigits(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = '0' + buf[i]%10
	}
	return string(out), nil
}
