package delivery

import (
	"context"
	"fmt"
	"log"
)

// CounterSync recomputes unread counters and streams them to online
// clients. Counts are always derived fresh from the store; the pushed
// value is a transient projection, never a cached source of truth.
type CounterSync struct {
	counter UnreadCounter
	conns   ConnectionSource
}

// NewCounterSync wires a CounterSync over the unread counter and the
// connection registry.
func NewCounterSync(counter UnreadCounter, conns ConnectionSource) (*CounterSync, error) {
	if counter == nil {
		return nil, fmt.Errorf("unread counter is required")
	}
	if conns == nil {
		return nil, fmt.Errorf("connection source is required")
	}
	return &CounterSync{counter: counter, conns: conns}, nil
}

// Refresh recomputes userID's unread count and pushes an update frame to
// every open connection. No-op when the user is offline.
func (s *CounterSync) Refresh(ctx context.Context, userID string) {
	if s == nil {
		return
	}
	conns := s.conns.OpenConnections(userID)
	if len(conns) == 0 {
		return
	}
	count, err := s.counter.CountUnreadByRecipient(ctx, userID)
	if err != nil {
		log.Printf("notifications: count unread user=%q: %v", userID, err)
		return
	}
	frame := newUnreadCountFrame(count)
	for _, conn := range conns {
		if err := conn.Send(frame); err != nil {
			log.Printf("notifications: push counter user=%q: %v", userID, err)
		}
	}
}

// RefreshBatch recomputes counts for all userIDs with one grouped query
// and pushes per-user update frames to the online subset.
func (s *CounterSync) RefreshBatch(ctx context.Context, userIDs []string) {
	if s == nil || len(userIDs) == 0 {
		return
	}
	online, _ := s.conns.PartitionOnline(userIDs)
	if len(online) == 0 {
		return
	}
	counts, err := s.counter.CountUnreadByRecipients(ctx, online)
	if err != nil {
		log.Printf("notifications: count unread batch: %v", err)
		return
	}
	for _, userID := range online {
		frame := newUnreadCountFrame(counts[userID])
		for _, conn := range s.conns.OpenConnections(userID) {
			if err := conn.Send(frame); err != nil {
				log.Printf("notifications: push counter user=%q: %v", userID, err)
			}
		}
	}
}
