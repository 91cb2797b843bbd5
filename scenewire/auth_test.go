package scenewire

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	secret := "secret"

	tokenStr, err := NewSessionToken(secret, "viewer-1", 1*time.Hour)
	assert.Equal(t, err, nil)

	sessionToken, err := VerifySessionToken(secret, tokenStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, sessionToken.ClientName, "viewer-1")

	// the client name is readable without the secret
	unverified, err := ParseSessionTokenUnverified(tokenStr)
	assert.Equal(t, err, nil)
	assert.Equal(t, unverified.ClientName, "viewer-1")
}

func TestSessionTokenRejects(t *testing.T) {
	tokenStr, err := NewSessionToken("secret", "viewer-1", 1*time.Hour)
	assert.Equal(t, err, nil)

	_, err = VerifySessionToken("other-secret", tokenStr)
	assert.NotEqual(t, err, nil)

	_, err = VerifySessionToken("secret", "not-a-token")
	assert.NotEqual(t, err, nil)

	expired, err := NewSessionToken("secret", "viewer-1", -1*time.Hour)
	assert.Equal(t, err, nil)
	_, err = VerifySessionToken("secret", expired)
	assert.NotEqual(t, err, nil)
}
