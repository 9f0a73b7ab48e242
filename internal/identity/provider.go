// Package identity verifies the signed credential a client presents during
// the websocket handshake and resolves the user behind it.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"tabletalk/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrUnknownUser  = errors.New("user not found")
)

// UserSource resolves a user id to its stored record.
type UserSource interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// Claims is the token body: the user id rides in the registered subject.
type Claims struct {
	Nickname string `json:"nickname,omitempty"`
	jwt.RegisteredClaims
}

// Provider signs and verifies HS256 tokens and resolves identities.
type Provider struct {
	secret []byte
	issuer string
	users  UserSource
	logger zerolog.Logger
}

func NewProvider(secret, issuer string, users UserSource, logger zerolog.Logger) *Provider {
	return &Provider{
		secret: []byte(secret),
		issuer: issuer,
		users:  users,
		logger: logger,
	}
}

// IssueToken mints a signed token for the user, used by the login endpoint.
func (p *Provider) IssueToken(userID, nickname string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Nickname: nickname,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// VerifyToken validates the signature and expiry, then resolves the identity
// through the user source. Display attributes come from the store, not the
// token, so a stale nickname in an old token never leaks into chat.
func (p *Provider) VerifyToken(ctx context.Context, tokenString string) (*domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	}, jwt.WithIssuer(p.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	user, err := p.users.GetUserByID(ctx, claims.Subject)
	if err != nil {
		p.logger.Error().Err(err).Str("user_id", claims.Subject).Msg("user lookup failed")
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownUser
	}
	return &domain.Identity{ID: user.ID, Nickname: user.Nickname, AvatarURL: user.AvatarURL}, nil
}
