// Command limba is the end-user CLI: install, remove, update and list
// packages. Structured exactly like cmd/tsuku/main.go — a cobra rootCmd
// with persistent --quiet/--verbose/--debug flags, PersistentPreRun
// wiring the logger, and one subcommand file per verb.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/limba-pkg/limba/internal/buildinfo"
	"github.com/limba-pkg/limba/internal/cache"
	"github.com/limba-pkg/limba/internal/config"
	"github.com/limba-pkg/limba/internal/foundations"
	"github.com/limba-pkg/limba/internal/installerclient"
	"github.com/limba-pkg/limba/internal/keyring"
	"github.com/limba-pkg/limba/internal/log"
	"github.com/limba-pkg/limba/internal/manager"
	"github.com/limba-pkg/limba/internal/progress"
)

var (
	quietFlag   bool
	verboseFlag bool
	debugFlag   bool
)

var globalCtx context.Context
var globalCancel context.CancelFunc

var cfg *config.Config
var client *installerclient.Client
var mgr *manager.Manager
var pkgCache *cache.Cache
var kr *keyring.Keyring
var installSpinner *progress.InstallSpinner

var rootCmd = &cobra.Command{
	Use:   "limba",
	Short: "Install and manage self-contained application bundles",
	Long: `limba installs, removes and updates application bundles
composed of a runtime overlay and one or more dependency packages,
without touching the host's own package database.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Show errors only")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Show verbose output (INFO level)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Show debug output")

	rootCmd.PersistentPreRun = initState
	rootCmd.Version = buildinfo.Full()

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(listInstalledCmd)
	rootCmd.AddCommand(listAvailableCmd)
}

func main() {
	globalCtx, globalCancel = context.WithCancel(context.Background())
	defer globalCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ncanceling...")
		globalCancel()
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitWithCode(ExitGeneral)
	}
}

func initState(cmd *cobra.Command, args []string) {
	logger := log.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: determineLogLevel()}))
	log.SetDefault(logger)

	var err error
	cfg, err = config.DefaultConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitWithCode(ExitGeneral)
	}

	mgr = manager.New(cfg.SoftwareRoot)

	sources, err := cache.LoadSources(cfg.SourcesUser, cfg.SourcesAuto)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitWithCode(ExitGeneral)
	}
	pkgCache = cache.New(cfg.CacheRoot, sources)
	kr = keyring.New(cfg.TrustedKeyDir)

	found, err := foundations.Load(foundations.DefaultPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		exitWithCode(ExitGeneral)
	}

	installSpinner = progress.NewInstallSpinner(os.Stderr)
	client = installerclient.New(cfg.SoftwareRoot, mgr, pkgCache, kr, found,
		installerclient.WithStageCallback(installSpinner.OnStage),
		installerclient.WithProgressCallback(installSpinner.OnProgress))
}

func determineLogLevel() slog.Level {
	if debugFlag {
		return slog.LevelDebug
	}
	if verboseFlag {
		return slog.LevelInfo
	}
	if quietFlag {
		return slog.LevelError
	}
	return slog.LevelWarn
}
