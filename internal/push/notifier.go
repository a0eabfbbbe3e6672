package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/internal/metrics"
	"github.com/bubbles/internal/repository"
)

const sendTimeout = 10 * time.Second

// Notifier delivers Web Push notifications to all subscriptions of a
// user. With a nil key pair every method is a no-op.
type Notifier struct {
	repo *repository.PushRepository
	opts *webpush.Options
}

func NewNotifier(repo *repository.PushRepository, keys *VAPIDKeys, subscriber string) *Notifier {
	if keys == nil {
		return &Notifier{}
	}
	return &Notifier{
		repo: repo,
		opts: &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             60,
		},
	}
}

// Notify sends a notification to every registered subscription of the
// user. Endpoints answering 404/410 are dropped. Errors are logged, not
// returned, so a broken push gateway never fails message delivery.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if n.opts == nil {
		return
	}
	subs, err := n.repo.GetByUser(ctx, userID)
	if err != nil {
		logger.Errorf("push: load subscriptions for %s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	for _, sub := range subs {
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.opts)
		if err != nil {
			metrics.IncPushSendError()
			logger.Errorf("push: send %s: %v", truncateEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := n.repo.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				logger.Errorf("push: drop stale endpoint: %v", err)
			}
		}
	}
}

func truncateEndpoint(s string) string {
	if len(s) > 50 {
		return s[:50]
	}
	return s
}
