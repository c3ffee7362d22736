package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "notifications.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func testRecord(id string, userID string, createdAt time.Time) storage.NotificationRecord {
	return storage.NotificationRecord{
		ID:         id,
		UserID:     userID,
		Type:       "new_ticket",
		Title:      "New ticket",
		Message:    "Ticket TCK-101 was opened",
		Priority:   "high",
		TicketID:   "tkt-101",
		TicketCode: "TCK-101",
		CreatedAt:  createdAt,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestPutNotificationValidatesRecord(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	record := testRecord("", "user-1", now)
	if err := store.PutNotification(context.Background(), record); err == nil {
		t.Fatal("expected missing id error")
	}
	record = testRecord("notif-1", "", now)
	if err := store.PutNotification(context.Background(), record); err == nil {
		t.Fatal("expected missing user id error")
	}
	record = testRecord("notif-1", "user-1", time.Time{})
	if err := store.PutNotification(context.Background(), record); err == nil {
		t.Fatal("expected missing created at error")
	}
}

func TestPutNotificationDefaultsPriority(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	record := testRecord("notif-1", "user-1", now)
	record.Priority = ""
	if err := store.PutNotification(context.Background(), record); err != nil {
		t.Fatalf("put notification: %v", err)
	}

	listed, err := store.ListNotificationsByRecipient(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 row, got %d", len(listed))
	}
	if listed[0].Priority != "medium" {
		t.Fatalf("expected medium priority default, got %q", listed[0].Priority)
	}
}

func TestPutNotificationRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	record := testRecord("notif-1", "user-1", now)
	if err := store.PutNotification(context.Background(), record); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := store.PutNotification(context.Background(), record); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"notif-1", "notif-2", "notif-3"} {
		record := testRecord(id, "user-1", now.Add(time.Duration(i)*time.Minute))
		if err := store.PutNotification(context.Background(), record); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := store.PutNotification(context.Background(), testRecord("notif-other", "user-2", now)); err != nil {
		t.Fatalf("put other user row: %v", err)
	}

	count, err := store.CountUnreadByRecipient(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 unread, got %d", count)
	}

	readAt := now.Add(time.Hour)
	if err := store.MarkNotificationRead(context.Background(), "user-1", "notif-2", readAt); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	count, err = store.CountUnreadByRecipient(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count unread after mark: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 unread after one read, got %d", count)
	}

	// Marking an already-read row keeps its original timestamp.
	if err := store.MarkNotificationRead(context.Background(), "user-1", "notif-2", readAt.Add(time.Hour)); err != nil {
		t.Fatalf("mark read twice: %v", err)
	}
	listed, err := store.ListNotificationsByRecipient(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, record := range listed {
		if record.ID == "notif-2" {
			if record.ReadAt == nil || !record.ReadAt.Equal(readAt) {
				t.Fatalf("expected original read timestamp, got %v", record.ReadAt)
			}
		}
	}

	if err := store.MarkNotificationRead(context.Background(), "user-1", "missing", readAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing row, got %v", err)
	}
}

func TestMarkAllNotificationsRead(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"notif-1", "notif-2", "notif-3", "notif-4"} {
		if err := store.PutNotification(context.Background(), testRecord(id, "user-1", now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := store.MarkNotificationRead(context.Background(), "user-1", "notif-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("mark one read: %v", err)
	}

	transitioned, err := store.MarkAllNotificationsRead(context.Background(), "user-1", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	if transitioned != 3 {
		t.Fatalf("expected 3 rows to transition, got %d", transitioned)
	}
	count, err := store.CountUnreadByRecipient(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unread, got %d", count)
	}
}

func TestPutNotificationBatchAndGroupedCounts(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	records := []storage.NotificationRecord{
		testRecord("notif-1", "user-1", now),
		testRecord("notif-2", "user-2", now),
		testRecord("notif-3", "user-2", now.Add(time.Minute)),
	}
	if err := store.PutNotificationBatch(context.Background(), records); err != nil {
		t.Fatalf("put batch: %v", err)
	}

	counts, err := store.CountUnreadByRecipients(context.Background(), []string{"user-1", "user-2", "user-3"})
	if err != nil {
		t.Fatalf("count batch: %v", err)
	}
	if counts["user-1"] != 1 || counts["user-2"] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if count, ok := counts["user-3"]; !ok || count != 0 {
		t.Fatalf("expected zero entry for user without rows, got %v (present=%v)", count, ok)
	}
}

func TestPutNotificationBatchIsAllOrNothing(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := store.PutNotification(context.Background(), testRecord("notif-dup", "user-9", now)); err != nil {
		t.Fatalf("seed row: %v", err)
	}

	records := []storage.NotificationRecord{
		testRecord("notif-a", "user-1", now),
		testRecord("notif-dup", "user-9", now),
	}
	if err := store.PutNotificationBatch(context.Background(), records); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	listed, err := store.ListNotificationsByRecipient(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected failed batch to persist nothing, got %d rows", len(listed))
	}
}

func TestPutNotificationBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if err := store.PutNotificationBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestListNotificationsNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"notif-1", "notif-2", "notif-3"} {
		if err := store.PutNotification(context.Background(), testRecord(id, "user-1", now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	listed, err := store.ListNotificationsByRecipient(context.Background(), "user-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected limit applied, got %d rows", len(listed))
	}
	if listed[0].ID != "notif-3" || listed[1].ID != "notif-2" {
		t.Fatalf("expected newest first, got %s then %s", listed[0].ID, listed[1].ID)
	}
}

func TestPreferenceRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.GetPreference(context.Background(), "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("expected ErrNotFound for missing preference row")
	}

	record := storage.PreferenceRecord{
		UserID:          "user-1",
		NewTicket:       true,
		TicketStatus:    false,
		NewReply:        true,
		Participants:    false,
		QuietHoursSet:   true,
		QuietHoursStart: 22,
		QuietHoursEnd:   7,
		WeekendEnabled:  false,
		EmailEnabled:    true,
		UpdatedAt:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := store.PutPreference(context.Background(), record); err != nil {
		t.Fatalf("put preference: %v", err)
	}

	loaded, err := store.GetPreference(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if loaded != record {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, record)
	}

	// Upsert replaces the row.
	record.TicketStatus = true
	record.UpdatedAt = record.UpdatedAt.Add(time.Hour)
	if err := store.PutPreference(context.Background(), record); err != nil {
		t.Fatalf("put preference update: %v", err)
	}
	loaded, err = store.GetPreference(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get updated preference: %v", err)
	}
	if !loaded.TicketStatus {
		t.Fatal("expected updated ticket status toggle")
	}
}

func TestPutPreferenceValidatesQuietHours(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	record := storage.PreferenceRecord{
		UserID:          "user-1",
		QuietHoursStart: 24,
		UpdatedAt:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	if err := store.PutPreference(context.Background(), record); err == nil {
		t.Fatal("expected out-of-range quiet hours error")
	}
}

func TestPushSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	record := storage.PushSubscriptionRecord{
		ID:        "sub-1",
		UserID:    "user-1",
		Endpoint:  "https://push.example.com/send/abc",
		P256dh:    "p256dh-key",
		Auth:      "auth-secret",
		CreatedAt: now,
	}
	if err := store.PutPushSubscription(context.Background(), record); err != nil {
		t.Fatalf("put subscription: %v", err)
	}

	// Re-registering the same device updates keys instead of duplicating.
	record.ID = "sub-1b"
	record.P256dh = "rotated-key"
	if err := store.PutPushSubscription(context.Background(), record); err != nil {
		t.Fatalf("re-put subscription: %v", err)
	}

	subs, err := store.ListPushSubscriptionsByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].P256dh != "rotated-key" {
		t.Fatalf("expected rotated key, got %q", subs[0].P256dh)
	}

	if err := store.DeletePushSubscription(context.Background(), "user-1", record.Endpoint); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	subs, err = store.ListPushSubscriptionsByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after delete, got %d", len(subs))
	}
}

func TestListPushSubscriptionsByUsersGroupsOneQuery(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, userID := range []string{"user-1", "user-1", "user-2"} {
		record := storage.PushSubscriptionRecord{
			ID:        []string{"sub-1", "sub-2", "sub-3"}[i],
			UserID:    userID,
			Endpoint:  "https://push.example.com/send/" + []string{"a", "b", "c"}[i],
			P256dh:    "key",
			Auth:      "secret",
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := store.PutPushSubscription(context.Background(), record); err != nil {
			t.Fatalf("put subscription %d: %v", i, err)
		}
	}

	result, err := store.ListPushSubscriptionsByUsers(context.Background(), []string{"user-1", "user-2", "user-3", "user-1"})
	if err != nil {
		t.Fatalf("batch list: %v", err)
	}
	if len(result["user-1"]) != 2 {
		t.Fatalf("expected 2 subscriptions for user-1, got %d", len(result["user-1"]))
	}
	if len(result["user-2"]) != 1 {
		t.Fatalf("expected 1 subscription for user-2, got %d", len(result["user-2"]))
	}
	if _, ok := result["user-3"]; ok {
		t.Fatal("expected no entry for user without subscriptions")
	}
}
