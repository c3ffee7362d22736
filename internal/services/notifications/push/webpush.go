// Package push dispatches Web Push messages to stored browser
// subscriptions using VAPID authentication.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/coraldesk/coraldesk/internal/services/notifications/delivery"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
)

// Config carries the VAPID key pair and the subscriber contact address
// push providers require.
type Config struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// TTLSeconds bounds how long providers queue an undelivered push.
	TTLSeconds int
}

// Sender resolves stored subscriptions and submits push messages. Stale
// subscriptions reported gone by the provider are pruned from storage.
type Sender struct {
	store storage.PushSubscriptionStore
	cfg   Config
}

// NewSender wires a Sender over the subscription store.
func NewSender(store storage.PushSubscriptionStore, cfg Config) (*Sender, error) {
	if store == nil {
		return nil, fmt.Errorf("push subscription store is required")
	}
	cfg.Subscriber = strings.TrimSpace(cfg.Subscriber)
	cfg.VAPIDPublicKey = strings.TrimSpace(cfg.VAPIDPublicKey)
	cfg.VAPIDPrivateKey = strings.TrimSpace(cfg.VAPIDPrivateKey)
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("vapid key pair is required")
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = 60
	}
	return &Sender{store: store, cfg: cfg}, nil
}

// Subscriptions lists one user's stored push subscriptions.
func (s *Sender) Subscriptions(ctx context.Context, userID string) ([]storage.PushSubscriptionRecord, error) {
	return s.store.ListPushSubscriptionsByUser(ctx, userID)
}

// SubscriptionsBatch resolves subscriptions for all userIDs with one
// grouped lookup.
func (s *Sender) SubscriptionsBatch(ctx context.Context, userIDs []string) (map[string][]storage.PushSubscriptionRecord, error) {
	return s.store.ListPushSubscriptionsByUsers(ctx, userIDs)
}

// SendPush submits one push message per subscription. A failure on one
// subscription does not block the others; the first error is returned
// after every subscription has been attempted.
func (s *Sender) SendPush(ctx context.Context, userID string, view delivery.NotificationView, subscriptions []storage.PushSubscriptionRecord) error {
	if len(subscriptions) == 0 {
		return nil
	}
	message, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	options := &webpush.Options{
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             s.cfg.TTLSeconds,
		Urgency:         urgencyFor(view.Priority),
	}

	var firstErr error
	for _, record := range subscriptions {
		subscription := &webpush.Subscription{
			Endpoint: record.Endpoint,
			Keys: webpush.Keys{
				P256dh: record.P256dh,
				Auth:   record.Auth,
			},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, message, subscription, options)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("send push to %s: %w", record.Endpoint, err)
			}
			continue
		}
		status := resp.StatusCode
		_ = resp.Body.Close()
		if status == http.StatusNotFound || status == http.StatusGone {
			// The provider no longer knows this subscription.
			if err := s.store.DeletePushSubscription(ctx, userID, record.Endpoint); err != nil {
				log.Printf("notifications: prune stale subscription user=%q endpoint=%q: %v", userID, record.Endpoint, err)
			}
			continue
		}
		if status >= http.StatusBadRequest && firstErr == nil {
			firstErr = fmt.Errorf("send push to %s: status %d", record.Endpoint, status)
		}
	}
	return firstErr
}

func urgencyFor(priority string) webpush.Urgency {
	switch priority {
	case "high", "critical":
		return webpush.UrgencyHigh
	case "low":
		return webpush.UrgencyLow
	default:
		return webpush.UrgencyNormal
	}
}
