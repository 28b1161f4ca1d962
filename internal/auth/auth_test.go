package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediakit/pkg/models"
)

var key = models.NewStreamKey("", "live", "cam")

func TestTokenIsSingleUse(t *testing.T) {
	m := New()
	token, err := m.GeneratePublishToken(key, 0, "10.0.0.1")
	require.NoError(t, err)
	assert.Len(t, token.Token, 64)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt, time.Minute)

	require.NoError(t, m.ValidateToken(token.Token, key))
	assert.ErrorIs(t, m.Consume(token.Token, models.NewStreamKey("", "live", "other")), ErrWrongStream)
	require.NoError(t, m.Consume(token.Token, key))
	assert.ErrorIs(t, m.Consume(token.Token, key), ErrTokenExpired)
	assert.ErrorIs(t, m.ValidateToken("nope", key), ErrInvalidToken)

	m.CleanupExpiredTokens()
	assert.Zero(t, m.GetTokenCount())
}

func TestExpirationIsCapped(t *testing.T) {
	m := New()
	token, err := m.GeneratePublishToken(key, 7*24*3600, "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), token.ExpiresAt, time.Minute)

	_, err = m.GeneratePublishToken(models.StreamKey{App: "live"}, 0, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevoke(t *testing.T) {
	m := New()
	token, err := m.GeneratePublishToken(key, 60, "")
	require.NoError(t, err)
	m.RevokeToken(token.Token)
	assert.ErrorIs(t, m.ValidateToken(token.Token, key), ErrInvalidToken)
}
