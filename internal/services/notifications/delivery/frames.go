// Package delivery coordinates the notification fan-out pipeline: persist
// first, then best-effort realtime, push, and email channels, gated by
// per-user preferences. No channel failure propagates to the caller.
package delivery

import (
	"encoding/json"
	"time"

	"github.com/coraldesk/coraldesk/internal/services/notifications/domain"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
)

// NotificationView is the client-facing projection of one notification,
// carried inside realtime frames and push payloads.
type NotificationView struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Priority   string            `json:"priority"`
	TicketID   string            `json:"ticketId,omitempty"`
	TicketCode string            `json:"ticketCode,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReadAt     string            `json:"readAt,omitempty"`
	CreatedAt  string            `json:"createdAt"`
}

// NotificationFrame delivers one notification over a live connection.
type NotificationFrame struct {
	Type         string           `json:"type"`
	Notification NotificationView `json:"notification"`
}

// UnreadCountFrame refreshes a client's unread counter badge.
type UnreadCountFrame struct {
	Type        string `json:"type"`
	UnreadCount int    `json:"unreadCount"`
}

const (
	frameTypeNotification = "notification"
	frameTypeUnreadCount  = "unread_count_update"
)

func newNotificationFrame(view NotificationView) NotificationFrame {
	return NotificationFrame{Type: frameTypeNotification, Notification: view}
}

func newUnreadCountFrame(count int) UnreadCountFrame {
	return UnreadCountFrame{Type: frameTypeUnreadCount, UnreadCount: count}
}

// ViewFromNotification projects a domain notification for transport.
func ViewFromNotification(notification domain.Notification) NotificationView {
	view := NotificationView{
		ID:         notification.ID,
		Type:       notification.Type,
		Title:      notification.Title,
		Message:    notification.Message,
		Priority:   string(notification.Priority),
		TicketID:   notification.TicketID,
		TicketCode: notification.TicketCode,
		Metadata:   notification.Metadata,
		CreatedAt:  notification.CreatedAt.UTC().Format(time.RFC3339),
	}
	if notification.ReadAt != nil {
		view.ReadAt = notification.ReadAt.UTC().Format(time.RFC3339)
	}
	return view
}

// ViewFromRecord projects a stored notification row for transport.
func ViewFromRecord(record storage.NotificationRecord) NotificationView {
	view := NotificationView{
		ID:         record.ID,
		Type:       record.Type,
		Title:      record.Title,
		Message:    record.Message,
		Priority:   record.Priority,
		TicketID:   record.TicketID,
		TicketCode: record.TicketCode,
		CreatedAt:  record.CreatedAt.UTC().Format(time.RFC3339),
	}
	if record.MetadataJSON != "" {
		metadata := map[string]string{}
		if err := json.Unmarshal([]byte(record.MetadataJSON), &metadata); err == nil && len(metadata) > 0 {
			view.Metadata = metadata
		}
	}
	if record.ReadAt != nil {
		view.ReadAt = record.ReadAt.UTC().Format(time.RFC3339)
	}
	return view
}

func recordFromNotification(notification domain.Notification) storage.NotificationRecord {
	record := storage.NotificationRecord{
		ID:         notification.ID,
		UserID:     notification.UserID,
		Type:       notification.Type,
		Title:      notification.Title,
		Message:    notification.Message,
		Priority:   string(notification.Priority),
		TicketID:   notification.TicketID,
		TicketCode: notification.TicketCode,
		ReadAt:     notification.ReadAt,
		CreatedAt:  notification.CreatedAt,
	}
	if len(notification.Metadata) > 0 {
		if encoded, err := json.Marshal(notification.Metadata); err == nil {
			record.MetadataJSON = string(encoded)
		}
	}
	return record
}
