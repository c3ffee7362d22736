// Package vapidkey generates the VAPID key pair the push channel signs
// Web Push requests with.
package vapidkey

import (
	"errors"
	"flag"
	"fmt"
	"io"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Config holds configuration for VAPID key generation.
type Config struct {
	// Export prefixes each line with "export" for shell sourcing.
	Export bool
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.BoolVar(&cfg.Export, "export", cfg.Export, "emit shell export statements")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates a key pair and writes it to out as env assignments.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return fmt.Errorf("generate vapid keys: %w", err)
	}
	prefix := ""
	if cfg.Export {
		prefix = "export "
	}
	if _, err := fmt.Fprintf(out, "%sCORALDESK_VAPID_PUBLIC_KEY=%s\n", prefix, publicKey); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%sCORALDESK_VAPID_PRIVATE_KEY=%s\n", prefix, privateKey)
	return err
}
