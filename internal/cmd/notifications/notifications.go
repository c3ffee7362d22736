// Package notifications parses notifications command flags and composes
// the gateway entrypoint.
package notifications

import (
	"context"
	"flag"

	entrypoint "github.com/coraldesk/coraldesk/internal/platform/cmd"
	server "github.com/coraldesk/coraldesk/internal/services/notifications/app"
)

// Config holds notifications command configuration.
type Config struct {
	HTTPAddr   string `env:"CORALDESK_NOTIFICATIONS_HTTP_ADDR" envDefault:":8090"`
	DBPath     string `env:"CORALDESK_NOTIFICATIONS_DB_PATH"   envDefault:"notifications.db"`
	AuthSecret string `env:"CORALDESK_NOTIFICATIONS_AUTH_SECRET"`

	PushSubscriber  string `env:"CORALDESK_PUSH_SUBSCRIBER"`
	VAPIDPublicKey  string `env:"CORALDESK_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"CORALDESK_VAPID_PRIVATE_KEY"`

	SMTPHost     string `env:"CORALDESK_SMTP_HOST"`
	SMTPPort     int    `env:"CORALDESK_SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"CORALDESK_SMTP_USERNAME"`
	SMTPPassword string `env:"CORALDESK_SMTP_PASSWORD"`
	SMTPFrom     string `env:"CORALDESK_SMTP_FROM"`
	SMTPStartTLS bool   `env:"CORALDESK_SMTP_STARTTLS" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "notifications HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "notifications sqlite database path")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "HS256 secret for websocket auth tokens")
	fs.StringVar(&cfg.PushSubscriber, "push-subscriber", cfg.PushSubscriber, "web push subscriber contact (mailto:)")
	fs.StringVar(&cfg.VAPIDPublicKey, "vapid-public-key", cfg.VAPIDPublicKey, "web push VAPID public key")
	fs.StringVar(&cfg.VAPIDPrivateKey, "vapid-private-key", cfg.VAPIDPrivateKey, "web push VAPID private key")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", cfg.SMTPHost, "SMTP relay host")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", cfg.SMTPPort, "SMTP relay port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", cfg.SMTPFrom, "notification email from address")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the notifications gateway and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceNotifications, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			HTTPAddr:        cfg.HTTPAddr,
			DBPath:          cfg.DBPath,
			AuthSecret:      cfg.AuthSecret,
			PushSubscriber:  cfg.PushSubscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			SMTPHost:        cfg.SMTPHost,
			SMTPPort:        cfg.SMTPPort,
			SMTPUsername:    cfg.SMTPUsername,
			SMTPPassword:    cfg.SMTPPassword,
			SMTPFrom:        cfg.SMTPFrom,
			SMTPStartTLS:    cfg.SMTPStartTLS,
		})
	})
}
