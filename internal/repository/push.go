package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bubbles/internal/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PushSubscription is one browser's Web Push subscription.
type PushSubscription struct {
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type PushRepository struct {
	pool *pgxpool.Pool
}

func NewPushRepository(pool *pgxpool.Pool) *PushRepository {
	return &PushRepository{pool: pool}
}

func (r *PushRepository) Save(ctx context.Context, s *PushSubscription) error {
	defer logger.DeferLogDuration("push.Save", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (endpoint) DO UPDATE SET user_id = EXCLUDED.user_id,
		   p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		s.UserID, s.Endpoint, s.P256dh, s.Auth, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("pushRepo.Save: %w", err)
	}
	return nil
}

func (r *PushRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	defer logger.DeferLogDuration("push.DeleteByEndpoint", time.Now())()
	_, err := r.pool.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return fmt.Errorf("pushRepo.DeleteByEndpoint: %w", err)
	}
	return nil
}

func (r *PushRepository) GetByUser(ctx context.Context, userID string) ([]PushSubscription, error) {
	defer logger.DeferLogDuration("push.GetByUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, endpoint, p256dh, auth FROM push_subscriptions WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("pushRepo.GetByUser query: %w", err)
	}
	defer rows.Close()

	subs := make([]PushSubscription, 0, 2)
	for rows.Next() {
		var s PushSubscription
		if err := rows.Scan(&s.UserID, &s.Endpoint, &s.P256dh, &s.Auth); err != nil {
			return nil, fmt.Errorf("pushRepo.GetByUser scan: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pushRepo.GetByUser rows: %w", err)
	}
	return subs, nil
}
