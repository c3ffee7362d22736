package delivery

import (
	"context"

	"github.com/coraldesk/coraldesk/internal/services/notifications/registry"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
)

// ConnectionSource exposes live-connection state to the pipeline.
type ConnectionSource interface {
	IsOnline(userID string) bool
	OpenConnections(userID string) []registry.Conn
	PartitionOnline(userIDs []string) (online []string, offline []string)
}

// ChannelGate makes per-user, per-channel delivery decisions.
type ChannelGate interface {
	AllowRealtime(ctx context.Context, userID string, notificationType string) bool
	AllowInterruptive(ctx context.Context, userID string, notificationType string) bool
	AllowEmail(ctx context.Context, userID string, notificationType string) bool
}

// UnreadCounter serves unread counts, single and grouped.
type UnreadCounter interface {
	CountUnreadByRecipient(ctx context.Context, userID string) (int, error)
	CountUnreadByRecipients(ctx context.Context, userIDs []string) (map[string]int, error)
}

// PushSender dispatches Web Push messages to a user's device subscriptions.
type PushSender interface {
	Subscriptions(ctx context.Context, userID string) ([]storage.PushSubscriptionRecord, error)
	// SubscriptionsBatch resolves subscriptions for all userIDs in one
	// grouped lookup.
	SubscriptionsBatch(ctx context.Context, userIDs []string) (map[string][]storage.PushSubscriptionRecord, error)
	SendPush(ctx context.Context, userID string, view NotificationView, subscriptions []storage.PushSubscriptionRecord) error
}

// Mailer sends one notification email to a user.
type Mailer interface {
	SendNotificationEmail(ctx context.Context, userID string, companyID string, view NotificationView) error
}

// RecipientDirectory verifies recipients against the tenant user directory.
type RecipientDirectory interface {
	UserExists(ctx context.Context, companyID string, userID string) (bool, error)
}
