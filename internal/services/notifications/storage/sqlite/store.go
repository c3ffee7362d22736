// Package sqlite provides SQLite-backed persistence for notification state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/coraldesk/coraldesk/internal/platform/storage/sqlitemigrate"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for notifications state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a notifications SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func normalizeNotificationRecord(record storage.NotificationRecord) (storage.NotificationRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Type = strings.TrimSpace(record.Type)
	if record.ID == "" {
		return storage.NotificationRecord{}, fmt.Errorf("notification id is required")
	}
	if record.UserID == "" {
		return storage.NotificationRecord{}, fmt.Errorf("recipient user id is required")
	}
	if record.Type == "" {
		return storage.NotificationRecord{}, fmt.Errorf("notification type is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.NotificationRecord{}, fmt.Errorf("created at is required")
	}
	if record.Priority == "" {
		record.Priority = "medium"
	}
	return record, nil
}

// PutNotification inserts one notification row.
func (s *Store) PutNotification(ctx context.Context, record storage.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeNotificationRecord(record)
	if err != nil {
		return err
	}

	var readAt any
	if normalized.ReadAt != nil {
		readAt = toMillis(*normalized.ReadAt)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notifications (id, user_id, type, title, message, priority, ticket_id, ticket_code, metadata_json, read_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, normalized.ID, normalized.UserID, normalized.Type, normalized.Title, normalized.Message,
		normalized.Priority, normalized.TicketID, normalized.TicketCode, normalized.MetadataJSON,
		readAt, toMillis(normalized.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// PutNotificationBatch inserts all records with one multi-row write inside a
// transaction. All-or-nothing: on failure no row survives.
func (s *Store) PutNotificationBatch(ctx context.Context, records []storage.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(records) == 0 {
		return nil
	}

	normalized := make([]storage.NotificationRecord, 0, len(records))
	for _, record := range records {
		n, err := normalizeNotificationRecord(record)
		if err != nil {
			return err
		}
		normalized = append(normalized, n)
	}

	var query strings.Builder
	query.WriteString("INSERT INTO notifications (id, user_id, type, title, message, priority, ticket_id, ticket_code, metadata_json, read_at, created_at) VALUES ")
	args := make([]any, 0, len(normalized)*11)
	for i, record := range normalized {
		if i > 0 {
			query.WriteString(", ")
		}
		query.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		var readAt any
		if record.ReadAt != nil {
			readAt = toMillis(*record.ReadAt)
		}
		args = append(args, record.ID, record.UserID, record.Type, record.Title, record.Message,
			record.Priority, record.TicketID, record.TicketCode, record.MetadataJSON,
			readAt, toMillis(record.CreatedAt))
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification batch write: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query.String(), args...); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("insert notification batch: %w: rollback: %v", err, rollbackErr)
		}
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert notification batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification batch write: %w", err)
	}
	return nil
}

// CountUnreadByRecipient returns the unread row count for one user.
func (s *Store) CountUnreadByRecipient(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("recipient user id is required")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM notifications
WHERE user_id = ? AND read_at IS NULL
`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// CountUnreadByRecipients resolves unread counts for all userIDs with one
// grouped query. Every requested id appears in the result map.
func (s *Store) CountUnreadByRecipients(ctx context.Context, userIDs []string) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	counts := make(map[string]int, len(userIDs))
	cleaned := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, ok := counts[userID]; ok {
			continue
		}
		counts[userID] = 0
		cleaned = append(cleaned, userID)
	}
	if len(cleaned) == 0 {
		return counts, nil
	}

	query := `
SELECT user_id, COUNT(1)
FROM notifications
WHERE read_at IS NULL AND user_id IN (` + placeholders(len(cleaned)) + `)
GROUP BY user_id
`
	args := make([]any, 0, len(cleaned))
	for _, userID := range cleaned {
		args = append(args, userID)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count unread notifications batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, fmt.Errorf("scan unread count row: %w", err)
		}
		counts[userID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread count rows: %w", err)
	}
	return counts, nil
}

// MarkNotificationRead sets the read timestamp on one unread row. Rows
// already read keep their original timestamp.
func (s *Store) MarkNotificationRead(ctx context.Context, userID string, notificationID string, readAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" {
		return fmt.Errorf("recipient user id is required")
	}
	if notificationID == "" {
		return fmt.Errorf("notification id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET read_at = ?
WHERE user_id = ? AND id = ? AND read_at IS NULL
`, toMillis(readAt), userID, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing row from an already-read one.
		var exists int
		err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM notifications WHERE user_id = ? AND id = ?
`, userID, notificationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check notification existence: %w", err)
		}
	}
	return nil
}

// MarkAllNotificationsRead sets the read timestamp on every unread row for
// one user, returning how many rows transitioned.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string, readAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("recipient user id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET read_at = ?
WHERE user_id = ? AND read_at IS NULL
`, toMillis(readAt), userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows affected: %w", err)
	}
	return int(affected), nil
}

// ListNotificationsByRecipient lists one user's rows newest first.
func (s *Store) ListNotificationsByRecipient(ctx context.Context, userID string, limit int) ([]storage.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("recipient user id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, type, title, message, priority, ticket_id, ticket_code, metadata_json, read_at, created_at
FROM notifications
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	results := make([]storage.NotificationRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanNotification(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan notification row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return results, nil
}

// GetPreference loads one user's preference row.
func (s *Store) GetPreference(ctx context.Context, userID string) (storage.PreferenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.PreferenceRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.PreferenceRecord{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.PreferenceRecord{}, fmt.Errorf("user id is required")
	}

	var record storage.PreferenceRecord
	var newTicket, ticketStatus, newReply, participants, quietSet, weekend, email int
	var updatedAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, new_ticket, ticket_status, new_reply, participants, quiet_hours_set, quiet_hours_start, quiet_hours_end, weekend_enabled, email_enabled, updated_at
FROM notification_preferences
WHERE user_id = ?
`, userID).Scan(&record.UserID, &newTicket, &ticketStatus, &newReply, &participants,
		&quietSet, &record.QuietHoursStart, &record.QuietHoursEnd, &weekend, &email, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PreferenceRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PreferenceRecord{}, fmt.Errorf("get preference: %w", err)
	}
	record.NewTicket = newTicket != 0
	record.TicketStatus = ticketStatus != 0
	record.NewReply = newReply != 0
	record.Participants = participants != 0
	record.QuietHoursSet = quietSet != 0
	record.WeekendEnabled = weekend != 0
	record.EmailEnabled = email != 0
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutPreference upserts one user's preference row.
func (s *Store) PutPreference(ctx context.Context, record storage.PreferenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.UserID = strings.TrimSpace(record.UserID)
	if record.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if record.UpdatedAt.IsZero() {
		return fmt.Errorf("updated at is required")
	}
	if record.QuietHoursStart < 0 || record.QuietHoursStart > 23 || record.QuietHoursEnd < 0 || record.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours must be within [0,23]")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notification_preferences (user_id, new_ticket, ticket_status, new_reply, participants, quiet_hours_set, quiet_hours_start, quiet_hours_end, weekend_enabled, email_enabled, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    new_ticket = excluded.new_ticket,
    ticket_status = excluded.ticket_status,
    new_reply = excluded.new_reply,
    participants = excluded.participants,
    quiet_hours_set = excluded.quiet_hours_set,
    quiet_hours_start = excluded.quiet_hours_start,
    quiet_hours_end = excluded.quiet_hours_end,
    weekend_enabled = excluded.weekend_enabled,
    email_enabled = excluded.email_enabled,
    updated_at = excluded.updated_at
`, record.UserID, boolToInt(record.NewTicket), boolToInt(record.TicketStatus), boolToInt(record.NewReply),
		boolToInt(record.Participants), boolToInt(record.QuietHoursSet), record.QuietHoursStart, record.QuietHoursEnd,
		boolToInt(record.WeekendEnabled), boolToInt(record.EmailEnabled), toMillis(record.UpdatedAt)); err != nil {
		return fmt.Errorf("put preference: %w", err)
	}
	return nil
}

// PutPushSubscription upserts one push subscription row keyed by
// (user, endpoint) so re-registering a device is idempotent.
func (s *Store) PutPushSubscription(ctx context.Context, record storage.PushSubscriptionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	record.UserID = strings.TrimSpace(record.UserID)
	record.Endpoint = strings.TrimSpace(record.Endpoint)
	if record.ID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if record.UserID == "" {
		return fmt.Errorf("user id is required")
	}
	if record.Endpoint == "" {
		return fmt.Errorf("subscription endpoint is required")
	}
	if record.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, endpoint) DO UPDATE SET
    p256dh = excluded.p256dh,
    auth = excluded.auth
`, record.ID, record.UserID, record.Endpoint, record.P256dh, record.Auth, toMillis(record.CreatedAt)); err != nil {
		return fmt.Errorf("put push subscription: %w", err)
	}
	return nil
}

// DeletePushSubscription removes one subscription by user and endpoint.
func (s *Store) DeletePushSubscription(ctx context.Context, userID string, endpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	endpoint = strings.TrimSpace(endpoint)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if endpoint == "" {
		return fmt.Errorf("subscription endpoint is required")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?
`, userID, endpoint); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// ListPushSubscriptionsByUser lists one user's push subscriptions.
func (s *Store) ListPushSubscriptionsByUser(ctx context.Context, userID string) ([]storage.PushSubscriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, user_id, endpoint, p256dh, auth, created_at
FROM push_subscriptions
WHERE user_id = ?
ORDER BY created_at ASC, id ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()
	return collectPushSubscriptions(rows)
}

// ListPushSubscriptionsByUsers resolves subscriptions for all userIDs with
// one grouped query. Users without subscriptions are absent from the map.
func (s *Store) ListPushSubscriptionsByUsers(ctx context.Context, userIDs []string) (map[string][]storage.PushSubscriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	cleaned := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		cleaned = append(cleaned, userID)
	}
	result := make(map[string][]storage.PushSubscriptionRecord, len(cleaned))
	if len(cleaned) == 0 {
		return result, nil
	}

	query := `
SELECT id, user_id, endpoint, p256dh, auth, created_at
FROM push_subscriptions
WHERE user_id IN (` + placeholders(len(cleaned)) + `)
ORDER BY user_id ASC, created_at ASC, id ASC
`
	args := make([]any, 0, len(cleaned))
	for _, userID := range cleaned {
		args = append(args, userID)
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions batch: %w", err)
	}
	defer rows.Close()

	records, err := collectPushSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		result[record.UserID] = append(result[record.UserID], record)
	}
	return result, nil
}

func collectPushSubscriptions(rows *sql.Rows) ([]storage.PushSubscriptionRecord, error) {
	var records []storage.PushSubscriptionRecord
	for rows.Next() {
		var record storage.PushSubscriptionRecord
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.UserID, &record.Endpoint, &record.P256dh, &record.Auth, &createdAt); err != nil {
			return nil, fmt.Errorf("scan push subscription row: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate push subscription rows: %w", err)
	}
	return records, nil
}

func scanNotification(scan func(dest ...any) error) (storage.NotificationRecord, error) {
	var record storage.NotificationRecord
	var readAt sql.NullInt64
	var createdAt int64
	if err := scan(&record.ID, &record.UserID, &record.Type, &record.Title, &record.Message,
		&record.Priority, &record.TicketID, &record.TicketCode, &record.MetadataJSON,
		&readAt, &createdAt); err != nil {
		return storage.NotificationRecord{}, err
	}
	if readAt.Valid {
		value := fromMillis(readAt.Int64)
		record.ReadAt = &value
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
