package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityIDKey contextKey = "identity_id"

const tokenExpDays = 365

// Tokens issues and validates the bearer tokens the capture/UI layer uses
// against the companion API.
type Tokens struct {
	secret string
}

// NewTokens creates a token helper with the given HMAC secret.
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: secret}
}

// Generate issues a token for an identity
func (t *Tokens) Generate(identityID string) (string, error) {
	claims := jwt.MapClaims{
		"identity_id": identityID,
		"exp":         time.Now().AddDate(0, 0, tokenExpDays).Unix(),
		"iat":         time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(t.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns the identity ID
func (t *Tokens) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(t.secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	identityID, ok := claims["identity_id"].(string)
	if !ok {
		return "", fmt.Errorf("identity_id not found in token")
	}
	return identityID, nil
}

// Auth creates a middleware enforcing bearer auth
func Auth(tokens *Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			identityID, err := tokens.Validate(parts[1])
			if err != nil {
				respondError(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), identityIDKey, identityID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentityID extracts the authenticated identity ID from context
func GetIdentityID(ctx context.Context) string {
	id, ok := ctx.Value(identityIDKey).(string)
	if !ok {
		return ""
	}
	return id
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
