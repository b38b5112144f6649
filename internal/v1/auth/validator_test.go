package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeUnsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestMockValidator_ParsesSubject(t *testing.T) {
	mock := &MockValidator{}

	token := makeUnsignedJWT(t, map[string]any{
		"sub":   "user-42",
		"name":  "Ada",
		"email": "ada@example.com",
	})

	claims, err := mock.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, "ada@example.com", claims.Email)
}

func TestMockValidator_FallsBackOnGarbage(t *testing.T) {
	mock := &MockValidator{}

	claims, err := mock.ValidateToken("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user-123", claims.Subject)
	assert.Equal(t, "Dev User", claims.Name)
}

func TestMockValidator_PartialClaims(t *testing.T) {
	mock := &MockValidator{}

	token := makeUnsignedJWT(t, map[string]any{"sub": "partial-user"})

	claims, err := mock.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "partial-user", claims.Subject)
	assert.Equal(t, "Dev User", claims.Name)
	assert.Equal(t, "dev@example.com", claims.Email)
}

func TestGetAllowedOriginsFromEnv_WithValue(t *testing.T) {
	t.Setenv("TEST_ORIGINS", "http://a.example,https://b.example")

	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://default"})
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, origins)
}

func TestGetAllowedOriginsFromEnv_Empty(t *testing.T) {
	defaults := []string{"http://localhost:3000"}

	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS_UNSET", defaults)
	assert.Equal(t, defaults, origins)
}

func TestNewValidator_BadDomain(t *testing.T) {
	_, err := NewValidator(t.Context(), "definitely-not-a-real-jwks-host.invalid", "aud")
	assert.Error(t, err)
}
