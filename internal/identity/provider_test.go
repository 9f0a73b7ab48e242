package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabletalk/internal/domain"
)

type fakeUserSource struct {
	users map[string]*domain.User
	err   error
}

func (f *fakeUserSource) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.users[id], nil
}

func testProvider(users *fakeUserSource) *Provider {
	return NewProvider("test-secret", "tabletalk-test", users, zerolog.Nop())
}

func TestIssueAndVerify(t *testing.T) {
	users := &fakeUserSource{users: map[string]*domain.User{
		"u1": {ID: "u1", Nickname: "alice", AvatarURL: "https://cdn/a.png"},
	}}
	provider := testProvider(users)

	token, expiresAt, err := provider.IssueToken("u1", "alice", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	ident, err := provider.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", ident.ID)
	assert.Equal(t, "alice", ident.Nickname)
	assert.Equal(t, "https://cdn/a.png", ident.AvatarURL)
}

func TestVerifyUsesStoredNickname(t *testing.T) {
	users := &fakeUserSource{users: map[string]*domain.User{
		"u1": {ID: "u1", Nickname: "alice-renamed"},
	}}
	provider := testProvider(users)

	// token minted before the rename still resolves to the current nickname
	token, _, err := provider.IssueToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	ident, err := provider.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice-renamed", ident.Nickname)
}

func TestVerifyExpiredToken(t *testing.T) {
	users := &fakeUserSource{users: map[string]*domain.User{"u1": {ID: "u1"}}}
	provider := testProvider(users)

	token, _, err := provider.IssueToken("u1", "alice", -time.Minute)
	require.NoError(t, err)

	_, err = provider.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	users := &fakeUserSource{users: map[string]*domain.User{"u1": {ID: "u1"}}}
	provider := testProvider(users)
	other := NewProvider("other-secret", "tabletalk-test", users, zerolog.Nop())

	token, _, err := other.IssueToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	_, err = provider.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongIssuer(t *testing.T) {
	users := &fakeUserSource{users: map[string]*domain.User{"u1": {ID: "u1"}}}
	provider := testProvider(users)
	other := NewProvider("test-secret", "some-other-service", users, zerolog.Nop())

	// same secret, foreign issuer: must not verify
	token, _, err := other.IssueToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	_, err = provider.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	provider := testProvider(&fakeUserSource{})
	_, err := provider.VerifyToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyUnknownUser(t *testing.T) {
	provider := testProvider(&fakeUserSource{users: map[string]*domain.User{}})
	token, _, err := provider.IssueToken("ghost", "ghost", time.Hour)
	require.NoError(t, err)

	_, err = provider.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestVerifyLookupFailure(t *testing.T) {
	lookupErr := errors.New("db down")
	provider := testProvider(&fakeUserSource{err: lookupErr})
	token, _, err := provider.IssueToken("u1", "alice", time.Hour)
	require.NoError(t, err)

	_, err = provider.VerifyToken(context.Background(), token)
	assert.ErrorIs(t, err, lookupErr)
}
