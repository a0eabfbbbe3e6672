package presence

import (
	"context"
	"time"
)

// Store keeps online flags and last-seen timestamps for users.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type Store interface {
	// SetOnline marks the user online with a TTL; called on connect and
	// refreshed by the hub on pong.
	SetOnline(ctx context.Context, userID string) error
	// SetOffline clears the online flag and records last seen.
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	// OnlineAmong filters the given ids down to the currently online ones.
	OnlineAmong(ctx context.Context, userIDs []string) ([]string, error)
	LastSeen(ctx context.Context, userID string) (time.Time, error)
	Close() error
}
