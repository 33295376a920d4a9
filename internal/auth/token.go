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

// Claims identify the bearer of an access token.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

// TransferClaims carry a pending project ownership transfer. OwnerID pins the
// owner that started it so a token outlives no ownership change.
type TransferClaims struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	OwnerID   string `json:"owner_id"`
	Exp       int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Each payload family signs under its own salt so a transfer token is never
// accepted as a bearer token and the reverse.
const (
	saltAccess   = "access"
	saltTransfer = "project-transfer"
)

var now = time.Now

func IssueToken(secret []byte, claims Claims) (string, error) {
	return issue(secret, saltAccess, claims)
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	if err := parse(secret, saltAccess, token, &claims); err != nil {
		return Claims{}, err
	}
	if claims.Sub == "" || claims.Name == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func IssueTransferToken(secret []byte, claims TransferClaims) (string, error) {
	return issue(secret, saltTransfer, claims)
}

func ParseTransferToken(secret []byte, token string) (TransferClaims, error) {
	var claims TransferClaims
	if err := parse(secret, saltTransfer, token, &claims); err != nil {
		return TransferClaims{}, err
	}
	if claims.ProjectID == "" || claims.UserID == "" || claims.OwnerID == "" || claims.Exp == 0 {
		return TransferClaims{}, ErrInvalidToken
	}
	if now().Unix() >= claims.Exp {
		return TransferClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func issue(secret []byte, salt string, claims any) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, salt, payload), nil
}

func parse(secret []byte, salt, token string, dest any) error {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return ErrInvalidToken
	}
	expected := sign(secret, salt, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return ErrInvalidToken
	}
	if err := json.Unmarshal(decoded, dest); err != nil {
		return ErrInvalidToken
	}
	return nil
}

func sign(secret []byte, salt, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(salt))
	_, _ = sum.Write([]byte{0})
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
