// Command limbad is the privileged helper from §15: it owns
// <software_root> and <cache_root> and exposes install/remove/update
// over a Unix socket so cmd/limba can run unprivileged.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/limba-pkg/limba/internal/buildinfo"
	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/config"
	"github.com/limba-pkg/limba/internal/daemon"
	"github.com/limba-pkg/limba/internal/foundations"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/log"
	"github.com/limba-pkg/limba/internal/manager"
)

func main() {
	logger := log.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	log.SetDefault(logger)

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "limbad must run as root")
		os.Exit(1)
	}

	cfg, err := config.DefaultConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sources, err := cache.LoadSources(cfg.SourcesUser, cfg.SourcesAuto)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	found, err := foundations.Load(foundations.DefaultPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	c := cache.New(cfg.CacheRoot, sources)
	mgr := manager.New(cfg.SoftwareRoot)
	kr := keyring.New(cfg.TrustedKeyDir)
	d := daemon.New(cfg.SoftwareRoot, mgr, c, kr, found, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info("limbad listening", "socket", daemon.DefaultSocketPath,
		"version", buildinfo.Version(), "rpc_version", buildinfo.DaemonProtocolVersion)
	if err := d.Serve(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
