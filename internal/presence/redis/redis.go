package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Online flag TTL 90 seconds; the hub refreshes it on every pong, so a
// crashed connection goes offline within two ping intervals.
const onlineTTL = 90 * time.Second

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetOnline(ctx context.Context, userID string) error {
	return c.cli.Set(ctx, "online:"+userID, "1", onlineTTL).Err()
}

// SetOffline clears the flag and records last_seen:{id} without a TTL so
// "last seen" survives between sessions.
func (c *Client) SetOffline(ctx context.Context, userID string) error {
	pipe := c.cli.Pipeline()
	pipe.Del(ctx, "online:"+userID)
	pipe.Set(ctx, "last_seen:"+userID, time.Now().UTC().Format(time.RFC3339), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := c.cli.Exists(ctx, "online:"+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) OnlineAmong(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = "online:" + id
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var online []string
	for i, v := range vals {
		if v != nil {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	val, err := c.cli.Get(ctx, "last_seen:"+userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, val)
}
