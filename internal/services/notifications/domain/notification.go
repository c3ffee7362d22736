// Package domain defines the notification engine's core types and the
// per-channel preference gating rules.
package domain

import (
	"strings"
	"time"
)

// Priority ranks how urgently a notification should be surfaced.
type Priority string

const (
	// PriorityLow marks informational notifications.
	PriorityLow Priority = "low"
	// PriorityMedium is the default priority.
	PriorityMedium Priority = "medium"
	// PriorityHigh marks notifications needing prompt attention.
	PriorityHigh Priority = "high"
	// PriorityCritical marks notifications about service-degrading events.
	PriorityCritical Priority = "critical"
)

// Notification type tokens produced by helpdesk domain events.
const (
	TypeNewTicket           = "new_ticket"
	TypeTicketStatusChanged = "ticket_status_changed"
	TypeNewReply            = "new_reply"
	TypeTicketAssigned      = "ticket_assigned"
	TypeParticipantAdded    = "participant_added"
	TypeParticipantRemoved  = "participant_removed"
)

// NormalizeType normalizes a producer-provided notification type token.
func NormalizeType(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizePriority maps a raw priority token onto a known Priority.
// Absent or unrecognized values default to medium.
func NormalizePriority(raw string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical:
		return PriorityCritical
	case PriorityMedium:
		return PriorityMedium
	default:
		return PriorityMedium
	}
}

// Payload describes the recipient-independent content of one send. Fan-out
// to M recipients persists M independent rows built from one payload.
type Payload struct {
	Type       string
	Title      string
	Message    string
	Priority   Priority
	CompanyID  string
	TicketID   string
	TicketCode string
	Metadata   map[string]string
}

// Notification is one persisted, per-recipient notification row. Immutable
// except the one-way ReadAt transition (nil to set).
type Notification struct {
	ID         string
	UserID     string
	Type       string
	Title      string
	Message    string
	Priority   Priority
	TicketID   string
	TicketCode string
	Metadata   map[string]string
	ReadAt     *time.Time
	CreatedAt  time.Time
}

// Unread reports whether the notification has not been acknowledged yet.
func (n Notification) Unread() bool {
	return n.ReadAt == nil
}
