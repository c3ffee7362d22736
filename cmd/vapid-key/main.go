package main

import (
	"flag"
	"os"

	"github.com/coraldesk/coraldesk/internal/platform/config"
	"github.com/coraldesk/coraldesk/internal/tools/vapidkey"
)

func main() {
	cfg, err := vapidkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := vapidkey.Run(cfg, os.Stdout); err != nil {
		config.Exitf("generate keys: %v", err)
	}
}
