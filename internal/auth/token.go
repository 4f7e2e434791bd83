package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

// TicketClaims is a short-lived, single-purpose credential minted for
// opening a push stream. Browsers cannot attach an Authorization header to
// an EventSource, so the stream endpoints accept one of these in the query
// string instead of a long-lived bearer token.
type TicketClaims struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Scope string `json:"scope"`
	Exp   int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	return signPayload(secret, payloadBytes), nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	decoded, err := verifyPayload(secret, token)
	if err != nil {
		return Claims{}, err
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func IssueTicket(secret []byte, claims TicketClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal ticket: %w", err)
	}
	return signPayload(secret, payloadBytes), nil
}

// ParseTicket validates a stream ticket. The scope must match the stream
// being opened so a ticket for one scope cannot be replayed on another.
func ParseTicket(secret []byte, ticket, scope string) (TicketClaims, error) {
	decoded, err := verifyPayload(secret, ticket)
	if err != nil {
		return TicketClaims{}, err
	}
	var claims TicketClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return TicketClaims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Scope == "" || claims.Exp == 0 {
		return TicketClaims{}, ErrInvalidToken
	}
	if claims.Scope != scope {
		return TicketClaims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return TicketClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func signPayload(secret, payloadBytes []byte) string {
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload)
}

func verifyPayload(secret []byte, token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}
	expected := sign(secret, parts[0])
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return nil, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	return decoded, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
