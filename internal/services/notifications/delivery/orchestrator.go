package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coraldesk/coraldesk/internal/platform/id"
	"github.com/coraldesk/coraldesk/internal/platform/timeouts"
	"github.com/coraldesk/coraldesk/internal/services/notifications/domain"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("coraldesk/notifications/delivery")

// Deps lists the orchestrator's collaborators. Store, Gate, and Conns are
// required; Directory, Push, and Mailer are optional channels that are
// skipped when absent.
type Deps struct {
	Store     storage.NotificationStore
	Gate      ChannelGate
	Conns     ConnectionSource
	Counters  *CounterSync
	Directory RecipientDirectory
	Push      PushSender
	Mailer    Mailer
	Clock     func() time.Time
	NewID     func() string
}

// Orchestrator runs the delivery pipeline for single- and batch-recipient
// sends. Every channel step is attempt-once-and-continue: a dead
// connection, a failed push, or a persistence error never blocks delivery
// to other recipients or via other channels.
type Orchestrator struct {
	store     storage.NotificationStore
	gate      ChannelGate
	conns     ConnectionSource
	counters  *CounterSync
	directory RecipientDirectory
	push      PushSender
	mailer    Mailer
	clock     func() time.Time
	newID     func() string
}

// NewOrchestrator wires the delivery pipeline. A nil Counters dep is built
// from the store and connection source; nil Clock and NewID default to
// time.Now and platform id generation.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("channel gate is required")
	}
	if deps.Conns == nil {
		return nil, fmt.Errorf("connection source is required")
	}
	if deps.Counters == nil {
		counters, err := NewCounterSync(deps.Store, deps.Conns)
		if err != nil {
			return nil, fmt.Errorf("build counter sync: %w", err)
		}
		deps.Counters = counters
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = id.MustNewID
	}
	return &Orchestrator{
		store:     deps.Store,
		gate:      deps.Gate,
		conns:     deps.Conns,
		counters:  deps.Counters,
		directory: deps.Directory,
		push:      deps.Push,
		mailer:    deps.Mailer,
		clock:     deps.Clock,
		newID:     deps.NewID,
	}, nil
}

func (o *Orchestrator) newNotification(userID string, payload domain.Payload) domain.Notification {
	return domain.Notification{
		ID:         o.newID(),
		UserID:     userID,
		Type:       domain.NormalizeType(payload.Type),
		Title:      strings.TrimSpace(payload.Title),
		Message:    strings.TrimSpace(payload.Message),
		Priority:   domain.NormalizePriority(string(payload.Priority)),
		TicketID:   strings.TrimSpace(payload.TicketID),
		TicketCode: strings.TrimSpace(payload.TicketCode),
		Metadata:   payload.Metadata,
		CreatedAt:  o.clock().UTC(),
	}
}

// validRecipient checks userID against the tenant directory when one is
// wired. Directory lookup failures allow the send so a broken directory
// never drops notifications.
func (o *Orchestrator) validRecipient(ctx context.Context, companyID string, userID string) bool {
	if o.directory == nil {
		return true
	}
	exists, err := o.directory.UserExists(ctx, companyID, userID)
	if err != nil {
		log.Printf("notifications: verify recipient user=%q: %v", userID, err)
		return true
	}
	if !exists {
		log.Printf("notifications: unknown recipient user=%q company=%q", userID, companyID)
	}
	return exists
}

func traceID(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// SendToUser runs the single-recipient pipeline: validate, persist,
// realtime, counter sync, then push and email fallbacks. The call always
// completes; callers must not infer that any specific channel succeeded.
func (o *Orchestrator) SendToUser(ctx context.Context, userID string, payload domain.Payload) {
	if o == nil {
		return
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		log.Printf("notifications: send dropped: recipient id is required")
		return
	}
	ctx, span := tracer.Start(ctx, "delivery.SendToUser",
		trace.WithAttributes(attribute.String("notification.type", domain.NormalizeType(payload.Type))))
	defer span.End()

	if !o.validRecipient(ctx, payload.CompanyID, userID) {
		return
	}

	notification := o.newNotification(userID, payload)
	if err := o.store.PutNotification(ctx, recordFromNotification(notification)); err != nil {
		log.Printf("notifications: CRITICAL persist user=%q trace=%q: %v", userID, traceID(ctx), err)
	}
	view := ViewFromNotification(notification)

	delivered := 0
	online := false
	if o.gate.AllowRealtime(ctx, userID, notification.Type) {
		conns := o.conns.OpenConnections(userID)
		online = len(conns) > 0
		frame := newNotificationFrame(view)
		for _, conn := range conns {
			if err := conn.Send(frame); err != nil {
				log.Printf("notifications: realtime send user=%q: %v", userID, err)
				continue
			}
			delivered++
		}
	} else {
		online = o.conns.IsOnline(userID)
	}
	if delivered > 0 {
		o.counters.Refresh(ctx, userID)
	}

	if !online {
		o.dispatchPush(ctx, userID, view, nil)
	}
	o.dispatchEmail(ctx, userID, payload.CompanyID, view)
}

// SendToUsers runs the batch pipeline: one bulk insert, one registry pass,
// one grouped counter query, and one grouped subscription lookup,
// independent of audience size.
func (o *Orchestrator) SendToUsers(ctx context.Context, userIDs []string, payload domain.Payload) {
	if o == nil {
		return
	}
	recipients := dedupeIDs(userIDs)
	if len(recipients) == 0 {
		return
	}
	ctx, span := tracer.Start(ctx, "delivery.SendToUsers",
		trace.WithAttributes(
			attribute.String("notification.type", domain.NormalizeType(payload.Type)),
			attribute.Int("recipients", len(recipients)),
		))
	defer span.End()

	notifications := make(map[string]domain.Notification, len(recipients))
	records := make([]storage.NotificationRecord, 0, len(recipients))
	for _, userID := range recipients {
		notification := o.newNotification(userID, payload)
		notifications[userID] = notification
		records = append(records, recordFromNotification(notification))
	}
	if err := o.store.PutNotificationBatch(ctx, records); err != nil {
		log.Printf("notifications: CRITICAL persist batch recipients=%d trace=%q: %v", len(records), traceID(ctx), err)
	}

	online, offline := o.conns.PartitionOnline(recipients)
	span.SetAttributes(attribute.Int("online", len(online)))

	var reached []string
	for _, userID := range online {
		notification := notifications[userID]
		if !o.gate.AllowRealtime(ctx, userID, notification.Type) {
			continue
		}
		frame := newNotificationFrame(ViewFromNotification(notification))
		delivered := 0
		for _, conn := range o.conns.OpenConnections(userID) {
			if err := conn.Send(frame); err != nil {
				log.Printf("notifications: realtime send user=%q: %v", userID, err)
				continue
			}
			delivered++
		}
		if delivered > 0 {
			reached = append(reached, userID)
		}
	}
	o.counters.RefreshBatch(ctx, reached)

	o.dispatchPushBatch(ctx, offline, notifications)
}

// dispatchPush sends a push to one offline user. A nil subscriptions slice
// triggers a per-user lookup; batch callers pass the already-fetched list.
func (o *Orchestrator) dispatchPush(ctx context.Context, userID string, view NotificationView, subscriptions []storage.PushSubscriptionRecord) {
	if o.push == nil {
		return
	}
	if !o.gate.AllowInterruptive(ctx, userID, view.Type) {
		return
	}
	if subscriptions == nil {
		var err error
		subscriptions, err = o.push.Subscriptions(ctx, userID)
		if err != nil {
			log.Printf("notifications: list push subscriptions user=%q: %v", userID, err)
			return
		}
	}
	if len(subscriptions) == 0 {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, timeouts.PushDispatch)
	defer cancel()
	if err := o.push.SendPush(pushCtx, userID, view, subscriptions); err != nil {
		log.Printf("notifications: push dispatch user=%q: %v", userID, err)
	}
}

// dispatchPushBatch resolves subscriptions for all offline recipients with
// one grouped lookup, then dispatches per user from the fetched map.
func (o *Orchestrator) dispatchPushBatch(ctx context.Context, offline []string, notifications map[string]domain.Notification) {
	if o.push == nil || len(offline) == 0 {
		return
	}
	subscriptions, err := o.push.SubscriptionsBatch(ctx, offline)
	if err != nil {
		log.Printf("notifications: list push subscriptions batch: %v", err)
		return
	}
	for _, userID := range offline {
		subs := subscriptions[userID]
		if len(subs) == 0 {
			continue
		}
		o.dispatchPush(ctx, userID, ViewFromNotification(notifications[userID]), subs)
	}
}

func (o *Orchestrator) dispatchEmail(ctx context.Context, userID string, companyID string, view NotificationView) {
	if o.mailer == nil {
		return
	}
	if !o.gate.AllowEmail(ctx, userID, view.Type) {
		return
	}
	mailCtx, cancel := context.WithTimeout(ctx, timeouts.EmailDispatch)
	defer cancel()
	if err := o.mailer.SendNotificationEmail(mailCtx, userID, companyID, view); err != nil {
		log.Printf("notifications: email dispatch user=%q: %v", userID, err)
	}
}

// dedupeIDs trims, drops empties, and keeps first-seen order.
func dedupeIDs(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	result := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}
	return result
}
