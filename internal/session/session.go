// Package session implements the signed cookie token used for
// authentication. A token is base64(JSON claims) + "." + hex HMAC-SHA-256
// over the encoded payload, keyed with the process-wide cookie secret.
// Every verifier must share the secret; for a single backend deployment
// that is the whole trust model.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/Lexie101/finalyearproject/internal/model"
)

// Claims is the identity a token asserts. UserID is optional for accounts
// that predate profile rows.
type Claims struct {
	Email    string     `json:"email"`
	Role     model.Role `json:"role"`
	UserID   string     `json:"userId,omitempty"`
	IssuedAt int64      `json:"iat"`
}

// Codec signs and verifies session tokens.
type Codec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

func NewCodec(secret string, maxAge time.Duration) *Codec {
	return &Codec{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Sign serializes the claims and returns the signed token. IssuedAt is
// stamped with the current time when the caller left it zero.
func (c *Codec) Sign(claims Claims) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = c.now().Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(payload)
	return encoded + "." + c.signature(encoded), nil
}

// Verify parses and validates a token. It fails closed: any malformed
// input, signature mismatch or expired issue time yields nil. Callers
// treat nil the same as no token at all.
func (c *Codec) Verify(token string) *Claims {
	if token == "" {
		return nil
	}
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil
	}
	encoded, signature := parts[0], parts[1]

	expected := c.signature(encoded)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}

	if claims.IssuedAt > 0 {
		age := c.now().Unix() - claims.IssuedAt
		if age > int64(c.maxAge.Seconds()) {
			return nil
		}
	}

	return &claims
}

func (c *Codec) signature(message string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
