package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"
	"google.golang.org/grpc/codes"

	apperrors "github.com/coraldesk/coraldesk/internal/platform/errors"
	"github.com/coraldesk/coraldesk/internal/platform/id"
	"github.com/coraldesk/coraldesk/internal/services/notifications/delivery"
	"github.com/coraldesk/coraldesk/internal/services/notifications/domain"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
)

const (
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

// wsConn is the registry-facing handle for one websocket connection.
// Frames are encoded as single JSON values, one per message.
type wsConn struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closed  bool
}

func newWSConn(encoder *json.Encoder) *wsConn {
	return &wsConn{encoder: encoder}
}

func (c *wsConn) Send(frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection is closed")
	}
	return c.encoder.Encode(frame)
}

func (c *wsConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type inboundFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"userId,omitempty"`
	UserRole       string `json:"userRole,omitempty"`
	Token          string `json:"token,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
}

type authOKFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type errorFrame struct {
	Type  string     `json:"type"`
	Error frameError `json:"error"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorFrame(code apperrors.Code, message string) errorFrame {
	return errorFrame{Type: "error", Error: frameError{Code: string(code), Message: message}}
}

// frameFromError projects a domain error onto the wire: the code walks the
// unwrap chain, the message is the outermost client-safe one.
func frameFromError(err error) errorFrame {
	return newErrorFrame(apperrors.CodeOf(err), err.Error())
}

// httpStatusFor maps a domain error code onto an HTTP status through the
// canonical gRPC code, so both transports classify failures identically.
func httpStatusFor(code apperrors.Code) int {
	switch code.GRPCCode() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DataLoss:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

type notifyRequest struct {
	UserID       string              `json:"userId,omitempty"`
	UserIDs      []string            `json:"userIds,omitempty"`
	Audience     *audienceRequest    `json:"audience,omitempty"`
	Notification notificationRequest `json:"notification"`
}

type audienceRequest struct {
	Kind          string `json:"kind"`
	CompanyID     string `json:"companyId"`
	DepartmentID  string `json:"departmentId,omitempty"`
	TicketID      string `json:"ticketId,omitempty"`
	ExcludeUserID string `json:"excludeUserId,omitempty"`
}

type notificationRequest struct {
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Priority   string            `json:"priority,omitempty"`
	CompanyID  string            `json:"companyId,omitempty"`
	TicketID   string            `json:"ticketId,omitempty"`
	TicketCode string            `json:"ticketCode,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type subscriptionRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(s.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	mux.HandleFunc("/internal/notify", s.handleNotify)
	mux.HandleFunc("/api/notifications", s.handleInbox)
	mux.HandleFunc("/api/push-subscriptions", s.handlePushSubscriptions)
	return mux
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSConn(json.NewEncoder(conn))
	defer peer.close()

	ctx := conn.Request().Context()

	var auth inboundFrame
	if err := decoder.Decode(&auth); err != nil {
		_ = peer.Send(newErrorFrame(apperrors.CodeInvalidArgument, "invalid auth frame"))
		return
	}
	if auth.Type != "auth" {
		_ = peer.Send(newErrorFrame(apperrors.CodeUnauthenticated, "first frame must be auth"))
		return
	}
	userID := strings.TrimSpace(auth.UserID)
	if userID == "" {
		_ = peer.Send(newErrorFrame(apperrors.CodeRecipientRequired, "userId is required"))
		return
	}
	if len(s.authSecret) > 0 {
		if err := s.verifyAuthToken(auth.Token, userID); err != nil {
			log.Printf("notifications: websocket unauthorized user=%q remote=%s: %v", userID, conn.Request().RemoteAddr, err)
			_ = peer.Send(frameFromError(err))
			return
		}
	}

	s.registry.Add(peer, userID, auth.UserRole)
	defer s.registry.Remove(peer)

	_ = peer.Send(authOKFrame{Type: "auth_ok", UserID: userID})
	s.counters.Refresh(ctx, userID)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame inboundFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = peer.Send(newErrorFrame(apperrors.CodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = peer.Send(newErrorFrame(apperrors.CodeResourceExhausted, "rate limit exceeded"))
			return
		}

		switch frame.Type {
		case "mark_read":
			s.handleMarkRead(ctx, peer, userID, frame.NotificationID)
		case "mark_all_read":
			if err := s.markAllRead(ctx, userID); err != nil {
				_ = peer.Send(frameFromError(err))
				continue
			}
			s.counters.Refresh(ctx, userID)
		default:
			_ = peer.Send(newErrorFrame(apperrors.CodeInvalidArgument, "unsupported frame type"))
		}
	}
}

func (s *Server) handleMarkRead(ctx context.Context, peer *wsConn, userID string, notificationID string) {
	if err := s.markRead(ctx, userID, notificationID); err != nil {
		_ = peer.Send(frameFromError(err))
		return
	}
	s.counters.Refresh(ctx, userID)
}

func (s *Server) markRead(ctx context.Context, userID string, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "notificationId is required")
	}
	if err := s.store.MarkNotificationRead(ctx, userID, notificationID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "notification not found")
		}
		log.Printf("notifications: mark read user=%q notification=%q: %v", userID, notificationID, err)
		return apperrors.Wrap(apperrors.CodePersistenceFailed, "mark read failed", err)
	}
	return nil
}

func (s *Server) markAllRead(ctx context.Context, userID string) error {
	if _, err := s.store.MarkAllNotificationsRead(ctx, userID, time.Now().UTC()); err != nil {
		log.Printf("notifications: mark all read user=%q: %v", userID, err)
		return apperrors.Wrap(apperrors.CodePersistenceFailed, "mark all read failed", err)
	}
	return nil
}

// verifyAuthToken validates an HS256 token and checks its subject matches
// the presented user id.
func (s *Server) verifyAuthToken(token string, userID string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.New(apperrors.CodeUnauthenticated, "auth token is required")
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return s.authSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid auth token", err)
	}
	if strings.TrimSpace(claims.Subject) != userID {
		return apperrors.New(apperrors.CodeUnauthenticated, "auth token subject mismatch")
	}
	return nil
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var request notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "invalid request body")
		return
	}
	if strings.TrimSpace(request.Notification.Type) == "" {
		writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "notification.type is required")
		return
	}

	payload := domain.Payload{
		Type:       request.Notification.Type,
		Title:      request.Notification.Title,
		Message:    request.Notification.Message,
		Priority:   domain.NormalizePriority(request.Notification.Priority),
		CompanyID:  request.Notification.CompanyID,
		TicketID:   request.Notification.TicketID,
		TicketCode: request.Notification.TicketCode,
		Metadata:   request.Notification.Metadata,
	}

	recipients := request.UserIDs
	if userID := strings.TrimSpace(request.UserID); userID != "" {
		recipients = append(recipients, userID)
	}
	if request.Audience != nil {
		resolved, err := s.resolveAudience(r.Context(), *request.Audience)
		if err != nil {
			log.Printf("notifications: resolve audience kind=%q: %v", request.Audience.Kind, err)
			code := apperrors.CodeOf(err)
			writeJSONError(w, httpStatusFor(code), code, err.Error())
			return
		}
		recipients = append(recipients, resolved...)
	}
	if len(recipients) == 0 {
		writeJSONError(w, http.StatusBadRequest, apperrors.CodeRecipientRequired, "at least one recipient is required")
		return
	}

	if len(recipients) == 1 {
		s.orchestrator.SendToUser(r.Context(), recipients[0], payload)
	} else {
		s.orchestrator.SendToUsers(r.Context(), recipients, payload)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"recipients": len(recipients)})
}

func (s *Server) resolveAudience(ctx context.Context, request audienceRequest) ([]string, error) {
	if s.resolver == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "audience resolver is not configured")
	}
	var ids []string
	var err error
	switch strings.TrimSpace(request.Kind) {
	case "company_admins":
		ids, err = s.resolver.CompanyAdmins(ctx, request.CompanyID)
	case "company_support_staff":
		ids, err = s.resolver.CompanySupportStaff(ctx, request.CompanyID)
	case "department_staff":
		ids, err = s.resolver.DepartmentStaff(ctx, request.CompanyID, request.DepartmentID)
	case "ticket_participants":
		ids, err = s.resolver.TicketParticipants(ctx, request.CompanyID, request.TicketID, request.ExcludeUserID)
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown audience kind %q", request.Kind))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "audience resolution failed", err)
	}
	return ids, nil
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, apperrors.CodeRecipientRequired, "userId is required")
		return
	}
	limit := defaultInboxLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}

	records, err := s.store.ListNotificationsByRecipient(r.Context(), userID, limit)
	if err != nil {
		log.Printf("notifications: list inbox user=%q: %v", userID, err)
		writeJSONError(w, http.StatusInternalServerError, apperrors.CodePersistenceFailed, "inbox lookup failed")
		return
	}
	unread, err := s.store.CountUnreadByRecipient(r.Context(), userID)
	if err != nil {
		log.Printf("notifications: count unread user=%q: %v", userID, err)
		writeJSONError(w, http.StatusInternalServerError, apperrors.CodePersistenceFailed, "unread count failed")
		return
	}

	views := make([]delivery.NotificationView, 0, len(records))
	for _, record := range records {
		views = append(views, delivery.ViewFromRecord(record))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"notifications": views,
		"unreadCount":   unread,
	})
}

func (s *Server) handlePushSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var request subscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "invalid request body")
			return
		}
		if strings.TrimSpace(request.UserID) == "" || strings.TrimSpace(request.Endpoint) == "" {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "userId and endpoint are required")
			return
		}
		record := storage.PushSubscriptionRecord{
			ID:        id.MustNewID(),
			UserID:    request.UserID,
			Endpoint:  request.Endpoint,
			P256dh:    request.Keys.P256dh,
			Auth:      request.Keys.Auth,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.PutPushSubscription(r.Context(), record); err != nil {
			log.Printf("notifications: store subscription user=%q: %v", request.UserID, err)
			writeJSONError(w, http.StatusInternalServerError, apperrors.CodePersistenceFailed, "store subscription failed")
			return
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		var request subscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSONError(w, http.StatusBadRequest, apperrors.CodeInvalidArgument, "invalid request body")
			return
		}
		if err := s.store.DeletePushSubscription(r.Context(), request.UserID, request.Endpoint); err != nil {
			log.Printf("notifications: delete subscription user=%q: %v", request.UserID, err)
			writeJSONError(w, http.StatusInternalServerError, apperrors.CodePersistenceFailed, "delete subscription failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code apperrors.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorFrame{Type: "error", Error: frameError{Code: string(code), Message: message}})
}
