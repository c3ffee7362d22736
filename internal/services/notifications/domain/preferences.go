package domain

import (
	"context"
	"time"
)

// Preference captures one user's delivery preferences. Rows are mutated by
// an external settings surface; the engine only reads them.
type Preference struct {
	UserID string

	// Per-type toggles. Types without a dedicated toggle stay allowed.
	NewTicket     bool
	TicketStatus  bool
	NewReply      bool
	Participants  bool
	QuietHoursSet bool
	// QuietHoursStart/End bound the do-not-disturb window in local hours
	// [0,24). The window may wrap past midnight (start 22, end 7).
	QuietHoursStart int
	QuietHoursEnd   int
	WeekendEnabled  bool
	EmailEnabled    bool
}

// DefaultPreference is the fail-open preference applied when a user has no
// stored row: every type and channel allowed, no quiet hours.
func DefaultPreference(userID string) Preference {
	return Preference{
		UserID:         userID,
		NewTicket:      true,
		TicketStatus:   true,
		NewReply:       true,
		Participants:   true,
		WeekendEnabled: true,
		EmailEnabled:   true,
	}
}

// TypeEnabled reports whether the per-type toggle allows notificationType.
// Types without a dedicated toggle are always allowed.
func (p Preference) TypeEnabled(notificationType string) bool {
	switch NormalizeType(notificationType) {
	case TypeNewTicket:
		return p.NewTicket
	case TypeTicketStatusChanged, TypeTicketAssigned:
		return p.TicketStatus
	case TypeNewReply:
		return p.NewReply
	case TypeParticipantAdded, TypeParticipantRemoved:
		return p.Participants
	default:
		return true
	}
}

// inQuietHours reports whether t falls inside the configured quiet window.
// The window is [start, end) and wraps past midnight when start > end.
func (p Preference) inQuietHours(t time.Time) bool {
	if !p.QuietHoursSet || p.QuietHoursStart == p.QuietHoursEnd {
		return false
	}
	hour := t.Hour()
	if p.QuietHoursStart < p.QuietHoursEnd {
		return hour >= p.QuietHoursStart && hour < p.QuietHoursEnd
	}
	return hour >= p.QuietHoursStart || hour < p.QuietHoursEnd
}

func isWeekend(t time.Time) bool {
	day := t.Weekday()
	return day == time.Saturday || day == time.Sunday
}

// PreferenceSource loads one user's stored preference row. Implementations
// signal a missing row with an error matching storage.ErrNotFound semantics;
// the gate fails open either way.
type PreferenceSource interface {
	GetPreference(ctx context.Context, userID string) (Preference, error)
}

// Gate makes per-user, per-channel delivery decisions.
//
// The realtime channel checks only the per-type toggle: a user with an open
// connection is already attending to the application, so realtime delivery
// is non-interruptive. Interruptive channels (push, email) additionally
// honor quiet hours and the weekend opt-out.
type Gate struct {
	prefs PreferenceSource
	clock func() time.Time
}

// NewGate constructs a preference gate. A nil clock defaults to time.Now.
func NewGate(prefs PreferenceSource, clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{prefs: prefs, clock: clock}
}

// preference loads the stored row, failing open to the default on a missing
// row or a lookup failure. A broken preference read must never drop a
// notification.
func (g *Gate) preference(ctx context.Context, userID string) Preference {
	if g == nil || g.prefs == nil {
		return DefaultPreference(userID)
	}
	pref, err := g.prefs.GetPreference(ctx, userID)
	if err != nil {
		return DefaultPreference(userID)
	}
	return pref
}

// AllowRealtime reports whether the live channel may deliver
// notificationType to userID. Quiet hours and weekend flags do not apply.
func (g *Gate) AllowRealtime(ctx context.Context, userID string, notificationType string) bool {
	return g.preference(ctx, userID).TypeEnabled(notificationType)
}

// AllowInterruptive reports whether an interruptive channel (push, email)
// may deliver notificationType to userID right now.
func (g *Gate) AllowInterruptive(ctx context.Context, userID string, notificationType string) bool {
	pref := g.preference(ctx, userID)
	if !pref.TypeEnabled(notificationType) {
		return false
	}
	now := g.clock()
	if pref.inQuietHours(now) {
		return false
	}
	if !pref.WeekendEnabled && isWeekend(now) {
		return false
	}
	return true
}

// AllowEmail reports whether the email channel may deliver notificationType
// to userID: the interruptive rules plus the per-user email toggle.
func (g *Gate) AllowEmail(ctx context.Context, userID string, notificationType string) bool {
	if !g.preference(ctx, userID).EmailEnabled {
		return false
	}
	return g.AllowInterruptive(ctx, userID, notificationType)
}
