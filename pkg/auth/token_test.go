package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallerTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, err := IssueCallerToken(secret, 10001, "com.example.app", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseCallerToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, int32(10001), claims.UID)
	assert.Equal(t, "com.example.app", claims.Package)
	assert.Equal(t, "blobvault", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestParseCallerTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueCallerToken([]byte("right-secret"), 10001, "com.example.app", time.Hour)
	require.NoError(t, err)

	_, err = ParseCallerToken([]byte("wrong-secret"), token)
	assert.Error(t, err)
}

func TestParseCallerTokenRejectsExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueCallerToken(secret, 10001, "com.example.app", -time.Minute)
	require.NoError(t, err)

	_, err = ParseCallerToken(secret, token)
	assert.Error(t, err)
}

func TestParseCallerTokenRejectsGarbage(t *testing.T) {
	_, err := ParseCallerToken([]byte("test-secret"), "not.a.token")
	assert.Error(t, err)
}

func TestServiceTokenHashing(t *testing.T) {
	hash, err := HashServiceToken("admin-token")
	require.NoError(t, err)
	assert.NotEqual(t, "admin-token", hash)

	assert.True(t, VerifyServiceToken(hash, "admin-token"))
	assert.False(t, VerifyServiceToken(hash, "other-token"))
	assert.False(t, VerifyServiceToken("", "admin-token"))
}
