// Package server hosts the notifications HTTP/WebSocket gateway: the
// realtime channel clients bind to, the producer endpoint domain event
// handlers call, and the inbox read surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coraldesk/coraldesk/internal/platform/timeouts"
	"github.com/coraldesk/coraldesk/internal/services/notifications/audience"
	"github.com/coraldesk/coraldesk/internal/services/notifications/delivery"
	"github.com/coraldesk/coraldesk/internal/services/notifications/domain"
	"github.com/coraldesk/coraldesk/internal/services/notifications/email"
	"github.com/coraldesk/coraldesk/internal/services/notifications/push"
	"github.com/coraldesk/coraldesk/internal/services/notifications/registry"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage"
	"github.com/coraldesk/coraldesk/internal/services/notifications/storage/sqlite"
)

// Config defines the inputs for the notifications gateway.
type Config struct {
	HTTPAddr string
	DBPath   string

	// AuthSecret enables HS256 verification of the auth-frame token when
	// set. Without it the gateway trusts the presented user id, matching
	// deployments that terminate auth upstream.
	AuthSecret string

	PushSubscriber  string
	VAPIDPublicKey  string
	VAPIDPrivateKey string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPStartTLS bool

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Collaborators are externally owned read-only services. The gateway
// degrades gracefully when they are absent: no recipient validation, no
// audience broadcasts, no email channel.
type Collaborators struct {
	Directory audience.Directory
	Addresses email.AddressResolver
}

// Server hosts the notifications gateway process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	registry        *registry.Registry
	orchestrator    *delivery.Orchestrator
	counters        *delivery.CounterSync
	resolver        *audience.Resolver
	authSecret      []byte
}

// preferenceSource adapts stored preference rows to the gate's domain view.
type preferenceSource struct {
	store storage.PreferenceStore
}

func (s preferenceSource) GetPreference(ctx context.Context, userID string) (domain.Preference, error) {
	record, err := s.store.GetPreference(ctx, userID)
	if err != nil {
		return domain.Preference{}, err
	}
	return domain.Preference{
		UserID:          record.UserID,
		NewTicket:       record.NewTicket,
		TicketStatus:    record.TicketStatus,
		NewReply:        record.NewReply,
		Participants:    record.Participants,
		QuietHoursSet:   record.QuietHoursSet,
		QuietHoursStart: record.QuietHoursStart,
		QuietHoursEnd:   record.QuietHoursEnd,
		WeekendEnabled:  record.WeekendEnabled,
		EmailEnabled:    record.EmailEnabled,
	}, nil
}

// NewServer builds a configured gateway without external collaborators.
func NewServer(config Config) (*Server, error) {
	return NewServerWithCollaborators(config, Collaborators{})
}

// NewServerWithCollaborators builds a configured gateway and wires the
// optional directory and address collaborators.
func NewServerWithCollaborators(config Config, collaborators Collaborators) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open notification store: %w", err)
	}

	reg := registry.New()
	gate := domain.NewGate(preferenceSource{store: store}, nil)

	counters, err := delivery.NewCounterSync(store, reg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build counter sync: %w", err)
	}

	var pushSender delivery.PushSender
	if strings.TrimSpace(config.VAPIDPublicKey) != "" && strings.TrimSpace(config.VAPIDPrivateKey) != "" {
		sender, err := push.NewSender(store, push.Config{
			Subscriber:      config.PushSubscriber,
			VAPIDPublicKey:  config.VAPIDPublicKey,
			VAPIDPrivateKey: config.VAPIDPrivateKey,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build push sender: %w", err)
		}
		pushSender = sender
	} else {
		log.Printf("notifications: vapid keys missing, push channel disabled")
	}

	var mailer delivery.Mailer
	if strings.TrimSpace(config.SMTPHost) != "" && collaborators.Addresses != nil {
		builtMailer, err := email.NewMailer(collaborators.Addresses, email.Config{
			Host:     config.SMTPHost,
			Port:     config.SMTPPort,
			Username: config.SMTPUsername,
			Password: config.SMTPPassword,
			From:     config.SMTPFrom,
			StartTLS: config.SMTPStartTLS,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build mailer: %w", err)
		}
		mailer = builtMailer
	} else {
		log.Printf("notifications: smtp relay or address resolver missing, email channel disabled")
	}

	var directory delivery.RecipientDirectory
	var resolver *audience.Resolver
	if collaborators.Directory != nil {
		directory = collaborators.Directory
		resolver, err = audience.NewResolver(collaborators.Directory)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("build audience resolver: %w", err)
		}
	} else {
		log.Printf("notifications: directory missing, recipient validation and audience broadcasts disabled")
	}

	orchestrator, err := delivery.NewOrchestrator(delivery.Deps{
		Store:     store,
		Gate:      gate,
		Conns:     reg,
		Counters:  counters,
		Directory: directory,
		Push:      pushSender,
		Mailer:    mailer,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		store:           store,
		registry:        reg,
		orchestrator:    orchestrator,
		counters:        counters,
		resolver:        resolver,
		authSecret:      []byte(strings.TrimSpace(config.AuthSecret)),
	}
	server.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           server.handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

// Run creates and serves a gateway until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init notifications server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve notifications: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("notifications server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("notifications server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close notification store: %v", err)
		}
	}
}
