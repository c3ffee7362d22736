package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/coraldesk/coraldesk/internal/services/notifications/delivery"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
)

type fakeSubscriptionStore struct {
	mu      sync.Mutex
	records map[string][]storage.PushSubscriptionRecord
	deleted []string
}

func (s *fakeSubscriptionStore) PutPushSubscription(_ context.Context, record storage.PushSubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string][]storage.PushSubscriptionRecord{}
	}
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

func (s *fakeSubscriptionStore) DeletePushSubscription(_ context.Context, userID string, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, userID+" "+endpoint)
	return nil
}

func (s *fakeSubscriptionStore) ListPushSubscriptionsByUser(_ context.Context, userID string) ([]storage.PushSubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[userID], nil
}

func (s *fakeSubscriptionStore) ListPushSubscriptionsByUsers(_ context.Context, userIDs []string) (map[string][]storage.PushSubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string][]storage.PushSubscriptionRecord)
	for _, userID := range userIDs {
		if records := s.records[userID]; len(records) > 0 {
			result[userID] = records
		}
	}
	return result, nil
}

func testVAPIDKeys(t *testing.T) (string, string) {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate vapid keys: %v", err)
	}
	return public, private
}

func testClientKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	p256dh := base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	auth := base64.RawURLEncoding.EncodeToString(secret)
	return p256dh, auth
}

func newTestSender(t *testing.T, store storage.PushSubscriptionStore) *Sender {
	t.Helper()
	public, private := testVAPIDKeys(t)
	sender, err := NewSender(store, Config{
		Subscriber:      "mailto:ops@coraldesk.example",
		VAPIDPublicKey:  public,
		VAPIDPrivateKey: private,
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	return sender
}

func testView() delivery.NotificationView {
	return delivery.NotificationView{
		ID:       "notif-1",
		Type:     "new_ticket",
		Title:    "New ticket",
		Message:  "Ticket TCK-101 was opened",
		Priority: "high",
	}
}

func TestNewSenderRequiresKeys(t *testing.T) {
	t.Parallel()

	if _, err := NewSender(nil, Config{}); err == nil {
		t.Fatal("expected missing store error")
	}
	if _, err := NewSender(&fakeSubscriptionStore{}, Config{}); err == nil {
		t.Fatal("expected missing vapid keys error")
	}
}

func TestSendPushSubmitsPerSubscription(t *testing.T) {
	t.Parallel()

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	store := &fakeSubscriptionStore{}
	sender := newTestSender(t, store)
	p256dh, auth := testClientKeys(t)
	subscriptions := []storage.PushSubscriptionRecord{
		{ID: "sub-1", UserID: "user-1", Endpoint: server.URL + "/send/a", P256dh: p256dh, Auth: auth},
		{ID: "sub-2", UserID: "user-1", Endpoint: server.URL + "/send/b", P256dh: p256dh, Auth: auth},
	}

	if err := sender.SendPush(context.Background(), "user-1", testView(), subscriptions); err != nil {
		t.Fatalf("send push: %v", err)
	}
	if requests != 2 {
		t.Fatalf("expected one request per subscription, got %d", requests)
	}
	if len(store.deleted) != 0 {
		t.Fatalf("expected no pruning on success, got %v", store.deleted)
	}
}

func TestSendPushEmptySubscriptionsIsNoop(t *testing.T) {
	t.Parallel()

	sender := newTestSender(t, &fakeSubscriptionStore{})
	if err := sender.SendPush(context.Background(), "user-1", testView(), nil); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestSendPushPrunesGoneSubscriptions(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	store := &fakeSubscriptionStore{}
	sender := newTestSender(t, store)
	p256dh, auth := testClientKeys(t)
	subscriptions := []storage.PushSubscriptionRecord{
		{ID: "sub-1", UserID: "user-1", Endpoint: server.URL + "/send/a", P256dh: p256dh, Auth: auth},
	}

	if err := sender.SendPush(context.Background(), "user-1", testView(), subscriptions); err != nil {
		t.Fatalf("gone subscription is not an error: %v", err)
	}
	if len(store.deleted) != 1 {
		t.Fatalf("expected stale subscription pruned, got %v", store.deleted)
	}
}

func TestSendPushReportsProviderErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := &fakeSubscriptionStore{}
	sender := newTestSender(t, store)
	p256dh, auth := testClientKeys(t)
	subscriptions := []storage.PushSubscriptionRecord{
		{ID: "sub-1", UserID: "user-1", Endpoint: server.URL + "/send/a", P256dh: p256dh, Auth: auth},
	}

	if err := sender.SendPush(context.Background(), "user-1", testView(), subscriptions); err == nil {
		t.Fatal("expected provider error to surface")
	}
}

func TestSubscriptionsDelegateToStore(t *testing.T) {
	t.Parallel()

	store := &fakeSubscriptionStore{}
	if err := store.PutPushSubscription(context.Background(), storage.PushSubscriptionRecord{ID: "sub-1", UserID: "user-1", Endpoint: "https://push.example.com/a"}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	sender := newTestSender(t, store)

	subscriptions, err := sender.Subscriptions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subscriptions) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subscriptions))
	}

	grouped, err := sender.SubscriptionsBatch(context.Background(), []string{"user-1", "user-2"})
	if err != nil {
		t.Fatalf("subscriptions batch: %v", err)
	}
	if len(grouped["user-1"]) != 1 {
		t.Fatalf("expected grouped lookup to include user-1, got %v", grouped)
	}
}
