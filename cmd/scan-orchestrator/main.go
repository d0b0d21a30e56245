// @title scan-orchestrator API
// @version 1.0
// @description Submit license scans and follow their lifecycle.
// @BasePath /
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"scan-orchestrator/internal/app"
	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/log"
)

var (
	cfg      config.Config
	closeLog = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagEnvFile        string // value of --env-file flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file to load")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file to load, ignored when missing")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// errors are logged below
	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initOrchestrator
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error { return closeLog() }

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("scan-orchestrator failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scan-orchestrator",
	Short:        "Runs license scan jobs and reports their lifecycle to a coordinator",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the job API and run workers, relay, stall monitor and retention sweeper",
	RunE:  doServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "delete finished jobs older than the retention window once and exit",
	RunE:  doSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply the database schema of the configured store backend",
	RunE:  doMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version of scan-orchestrator",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scan-orchestrator: version info not available")
			return
		}

		fmt.Printf("scan-orchestrator: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("orchestrator",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.ErrorContext(ctx, "closing backends failed", "error", err)
		}
	}()
	return a.Run(ctx)
}

func doSweep(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("orchestrator", slog.String("cmd", "sweep")))

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	n, err := a.Sweep(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "sweep done", "deleted", n, "retention", cfg.Retention.Retention)
	return nil
}

func doMigrate(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("orchestrator", slog.String("cmd", "migrate")))

	if cfg.Store.Backend == config.BackendMemory {
		slog.InfoContext(ctx, "memory backend has no schema, nothing to migrate")
		return nil
	}
	if err := app.Migrate(ctx, cfg); err != nil {
		return err
	}
	slog.InfoContext(ctx, "schema applied", "backend", cfg.Store.Backend)
	return nil
}

func initOrchestrator(cmd *cobra.Command, _ []string) error {
	if cmd == versionCmd {
		return nil
	}

	var err error
	cfg, err = config.Load(flagEnvFile, flagConfigFilePath)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger, closer, err := log.New(level, cfg.Log.File)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(logger)
	return nil
}
