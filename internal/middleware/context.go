package middleware

import "context"

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// GetUserID returns the user id from the context (set by JWTAuth).
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetUsername returns the display name from the context (set by JWTAuth).
func GetUsername(ctx context.Context) string {
	v, _ := ctx.Value(UsernameKey).(string)
	return v
}
