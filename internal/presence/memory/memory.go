package memory

import (
	"context"
	"sync"
	"time"
)

const onlineTTL = 90 * time.Second

type Client struct {
	mu       sync.RWMutex
	online   map[string]time.Time
	lastSeen map[string]time.Time
}

func New() *Client {
	return &Client{
		online:   make(map[string]time.Time),
		lastSeen: make(map[string]time.Time),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID] = time.Now().Add(onlineTTL)
	return nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, userID)
	c.lastSeen[userID] = time.Now().UTC()
	return nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.online[userID]
	return ok && time.Now().Before(exp), nil
}

func (c *Client) OnlineAmong(ctx context.Context, userIDs []string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var online []string
	for _, id := range userIDs {
		if exp, ok := c.online[id]; ok && now.Before(exp) {
			online = append(online, id)
		}
	}
	return online, nil
}

func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen[userID], nil
}
