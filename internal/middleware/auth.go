package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved handshake credential: who the bearer is.
type Identity struct {
	UserID   string
	Username string
}

const tokenTTL = 30 * 24 * time.Hour

// IssueToken mints a signed bearer token for the user.
func IssueToken(secret, userID, username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      userID,
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}

// ResolveToken validates a bearer token and returns the identity it names.
func ResolveToken(secret, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	username, _ := claims["username"].(string)
	if sub == "" {
		return nil, errors.New("missing subject")
	}
	return &Identity{UserID: sub, Username: username}, nil
}

// BearerToken extracts the credential from an Authorization header or,
// for WebSocket handshakes where headers are awkward to set, the "token"
// query parameter.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// JWTAuth authenticates requests with the shared-secret bearer token and
// stores the identity in the request context. 401 without a valid token.
func JWTAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := BearerToken(r)
			if tokenString == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ident, err := ResolveToken(secret, tokenString)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, ident.UserID)
			ctx = context.WithValue(ctx, UsernameKey, ident.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
