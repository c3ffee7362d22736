// Package storage defines the persistence boundary for notification state:
// durable notification rows, preference rows, and push subscription rows.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// NotificationRecord stores one per-recipient notification row.
type NotificationRecord struct {
	ID           string
	UserID       string
	Type         string
	Title        string
	Message      string
	Priority     string
	TicketID     string
	TicketCode   string
	MetadataJSON string
	ReadAt       *time.Time
	CreatedAt    time.Time
}

// PreferenceRecord stores one user's delivery preference row.
type PreferenceRecord struct {
	UserID          string
	NewTicket       bool
	TicketStatus    bool
	NewReply        bool
	Participants    bool
	QuietHoursSet   bool
	QuietHoursStart int
	QuietHoursEnd   int
	WeekendEnabled  bool
	EmailEnabled    bool
	UpdatedAt       time.Time
}

// PushSubscriptionRecord stores one browser push subscription for a user
// device: the provider endpoint plus the client encryption keys.
type PushSubscriptionRecord struct {
	ID        string
	UserID    string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// NotificationStore persists notification rows and serves unread counters.
type NotificationStore interface {
	// PutNotification inserts one notification row.
	PutNotification(ctx context.Context, record NotificationRecord) error
	// PutNotificationBatch inserts all records in one bulk write.
	// The write is all-or-nothing: on failure no row is persisted.
	PutNotificationBatch(ctx context.Context, records []NotificationRecord) error
	// CountUnreadByRecipient returns the number of rows with a null read
	// timestamp for one user.
	CountUnreadByRecipient(ctx context.Context, userID string) (int, error)
	// CountUnreadByRecipients resolves unread counts for all userIDs with
	// one grouped query. Every requested id is present in the result, zero
	// when the user has no unread rows.
	CountUnreadByRecipients(ctx context.Context, userIDs []string) (map[string]int, error)
	// MarkNotificationRead sets the read timestamp on one unread row.
	MarkNotificationRead(ctx context.Context, userID string, notificationID string, readAt time.Time) error
	// MarkAllNotificationsRead sets the read timestamp on every unread row
	// for one user, returning how many rows transitioned.
	MarkAllNotificationsRead(ctx context.Context, userID string, readAt time.Time) (int, error)
	// ListNotificationsByRecipient lists one user's rows newest first.
	ListNotificationsByRecipient(ctx context.Context, userID string, limit int) ([]NotificationRecord, error)
}

// PreferenceStore reads and writes per-user preference rows. The engine
// only reads; writes serve the external settings surface and tests.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string) (PreferenceRecord, error)
	PutPreference(ctx context.Context, record PreferenceRecord) error
}

// PushSubscriptionStore persists browser push subscriptions.
type PushSubscriptionStore interface {
	PutPushSubscription(ctx context.Context, record PushSubscriptionRecord) error
	DeletePushSubscription(ctx context.Context, userID string, endpoint string) error
	ListPushSubscriptionsByUser(ctx context.Context, userID string) ([]PushSubscriptionRecord, error)
	// ListPushSubscriptionsByUsers resolves subscriptions for all userIDs
	// with one grouped query instead of one lookup per user.
	ListPushSubscriptionsByUsers(ctx context.Context, userIDs []string) (map[string][]PushSubscriptionRecord, error)
}
