package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/muxsession/internal/config"
	"github.com/danmuck/muxsession/internal/daemon"
	"github.com/danmuck/muxsession/internal/logging"
)

func main() {
	path := flag.String("config", "cmd/muxd/config.toml", "daemon config path")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.LoadDaemonConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "muxd: %v\n", err)
		os.Exit(1)
	}
	daemon.ApplyLogLevel(cfg.LogLevel)

	svc, err := daemon.NewService(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "muxd: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "muxd: %v\n", err)
		os.Exit(1)
	}
}
