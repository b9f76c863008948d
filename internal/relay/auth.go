package relay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/docmux/pkg/protocol"
)

// Claims are carried by relay credentials. Channels lists the token
// prefixes the holder may subscribe to; an empty list allows every channel.
type Claims struct {
	Channels []string `json:"channels,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims permit subscribing to token.
func (c *Claims) Allows(token string) bool {
	if len(c.Channels) == 0 {
		return true
	}
	for _, prefix := range c.Channels {
		if strings.HasPrefix(token, prefix) {
			return true
		}
	}
	return false
}

// IssueToken signs a credential for subject valid for ttl.
func IssueToken(secret []byte, subject string, channels []string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("relay: empty signing secret")
	}
	now := time.Now()
	claims := Claims{
		Channels: channels,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}
	return signed, nil
}

// verifier checks Auth frames.
type verifier struct {
	secret []byte
	parser *jwt.Parser
}

func newVerifier(secret []byte) *verifier {
	return &verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// verify parses token and returns its claims, or the error code the client
// is rejected with.
func (v *verifier) verify(token string) (*Claims, protocol.ErrorCode, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case err == nil:
		if claims.Subject == "" {
			return nil, protocol.AuthInvalid, errors.New("token has no subject")
		}
		return claims, 0, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, protocol.AuthExpired, err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, protocol.AuthBadFormat, err
	default:
		return nil, protocol.AuthInvalid, err
	}
}
