package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// CSRFToken derives the anti-forgery token for a session. It is stateless:
// the same session always yields the same token, and a token minted for one
// session is useless with another.
func CSRFToken(secret []byte, sessionID string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte("csrf:" + sessionID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyCSRF(secret []byte, sessionID, token string) bool {
	if token == "" || sessionID == "" {
		return false
	}
	return hmac.Equal([]byte(token), []byte(CSRFToken(secret, sessionID)))
}

// SessionKey is what CSRF tokens are bound to: the jti when present,
// otherwise the subject.
func (c Claims) SessionKey() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}
