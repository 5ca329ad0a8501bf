// Package auth signs and verifies the OAuth handshake state token. The token
// carries the tenant's client credentials between the authorize redirect and
// the callback, replacing the ambient cookie the flow would otherwise need.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidState wraps parsing/validation errors.
var ErrInvalidState = errors.New("invalid state token")

const issuer = "strava-stats"

// HandshakeState is the verified payload of a state token.
type HandshakeState struct {
	ClientID      string
	ClientSecret  string
	CorrelationID string
}

// StateSigner issues and verifies short-lived handshake tokens.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner constructs a signer. TTL bounds how long an authorize
// redirect stays redeemable.
func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{secret: []byte(secret), ttl: ttl}
}

// Issue signs a state token binding the handshake to the tenant credentials.
func (s *StateSigner) Issue(clientID, clientSecret string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":           issuer,
		"jti":           uuid.NewString(),
		"iat":           now.Unix(),
		"exp":           now.Add(s.ttl).Unix(),
		"client_id":     clientID,
		"client_secret": clientSecret,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse validates a state token and returns the handshake payload.
func (s *StateSigner) Parse(token string) (*HandshakeState, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidState
	}

	clientID, _ := claims["client_id"].(string)
	clientSecret, _ := claims["client_secret"].(string)
	correlationID, _ := claims["jti"].(string)
	if clientID == "" || clientSecret == "" {
		return nil, ErrInvalidState
	}

	return &HandshakeState{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		CorrelationID: correlationID,
	}, nil
}
