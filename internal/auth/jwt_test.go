package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/great-orion/store/internal/config"
)

func TestGenerateAndParseToken(t *testing.T) {
	cfg := &config.JWTConfig{Secret: "test-secret"}

	token, err := GenerateToken(cfg, 42, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseToken(cfg, token)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.UserID)
	require.Equal(t, "alice", claims.Username)
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := GenerateToken(&config.JWTConfig{Secret: "secret-a"}, 1, "bob")
	require.NoError(t, err)

	_, err = ParseToken(&config.JWTConfig{Secret: "secret-b"}, token)
	require.Error(t, err)
}

func TestParseTokenGarbage(t *testing.T) {
	_, err := ParseToken(&config.JWTConfig{Secret: "s"}, "not-a-token")
	require.Error(t, err)
}

func TestTokenCacheNilRedisIsPassthrough(t *testing.T) {
	c := NewTokenCache(nil, 0)

	_, ok, err := c.Get(context.Background(), "whatever")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(context.Background(), "whatever", &Claims{UserID: 1}))
}
