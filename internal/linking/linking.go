// Package linking issues and redeems the short-lived credentials that
// bind an external channel identity to an existing account: dashboard
// link tokens (redeemed via deep link) and emailed numeric codes
// (redeemed in-conversation).
package linking

import (
	"context"
	"errors"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

const (
	// TokenTTL bounds dashboard-issued link tokens.
	TokenTTL = 15 * time.Minute
	// CodeTTL bounds emailed link codes.
	CodeTTL = 10 * time.Minute
	// CodeLength is the number of digits in a link code.
	CodeLength = 6
	// TokenLength is the number of characters in a link token.
	TokenLength = 24
)

var (
	// ErrTokenInvalid covers expired, already-used, and unknown tokens.
	ErrTokenInvalid = errors.New("link token invalid")
	// ErrCodeInvalid covers expired, used, unknown, and mismatched codes.
	ErrCodeInvalid = errors.New("link code invalid")
	// ErrAccountNotFound means no account owns the claimed email.
	ErrAccountNotFound = errors.New("no account for email")
)

// Token is a dashboard-issued, single-use linking credential. Expiry and
// the used flag are checked at redemption, not by background eviction.
type Token struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	IssuedBy  string    `json:"issued_by"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// Code is an emailed, single-use linking credential bound to the claiming
// external identity at issue time.
type Code struct {
	Code       string             `json:"code"`
	AccountID  string             `json:"account_id"`
	TenantID   string             `json:"tenant_id"`
	Email      string             `json:"email"`
	Channel    models.ChannelType `json:"channel"`
	ExternalID string             `json:"external_id"`
	ExpiresAt  time.Time          `json:"expires_at"`
	Used       bool               `json:"used"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Store persists tokens and codes.
//
// ConsumeToken and ConsumeCode must be atomic check-and-consume: two
// concurrent redemptions of the same credential must not both succeed.
type Store interface {
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, token string) (*Token, error)
	// ConsumeToken marks a valid token used and returns it. Returns
	// ErrTokenInvalid when the token is unknown, used, or expired.
	ConsumeToken(ctx context.Context, token string, now time.Time) (*Token, error)

	CreateCode(ctx context.Context, code *Code) error
	GetCode(ctx context.Context, code string) (*Code, error)
	// ConsumeCode deletes a valid code matching the claiming identity and
	// returns it. Returns ErrCodeInvalid when the code is unknown, used,
	// expired, or bound to a different identity.
	ConsumeCode(ctx context.Context, code string, channel models.ChannelType, externalID string, now time.Time) (*Code, error)
	// DeleteCodesFor removes outstanding codes for an identity so a fresh
	// issue replaces rather than accumulates.
	DeleteCodesFor(ctx context.Context, channel models.ChannelType, externalID string) error
}
