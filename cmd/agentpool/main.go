package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/saleskingacademy/agentpool/internal/collaborator"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/coordinator"
	"github.com/saleskingacademy/agentpool/internal/credits"
	"github.com/saleskingacademy/agentpool/internal/dispatch"
	"github.com/saleskingacademy/agentpool/internal/ipc"
	"github.com/saleskingacademy/agentpool/internal/maintenance"
	"github.com/saleskingacademy/agentpool/internal/metrics"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/registry"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
	"github.com/saleskingacademy/agentpool/internal/telegram"
	"github.com/saleskingacademy/agentpool/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("agentpool %s\n", version)
	case "serve":
		err = runServe()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: agentpool <command>

Commands:
  serve                       Start the dispatcher service
  backup -f <out.tar.zst>     Write a backup of the pool database
  restore -f <in.tar.zst>     Replace the pool database from a backup
  version                     Print version

Environment:
  AGENTPOOL_CONFIG              Config file (default config/agentpool.yaml)
  AGENTPOOL_BACKUP_PASSPHRASE   Encrypts backups and decrypts them on restore
`)
}

var logLevel = new(slog.LevelVar)

func setupLogging(level string) {
	setLogLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func setLogLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}
	logLevel.Set(lvl)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log.Level)

	slog.Info("starting agentpool", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Agent registry
	reg := registry.New(db, cfg)
	if err := reg.Sync(ctx); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}
	slog.Info("agent registry synced", "agents", len(cfg.Agents), "fallback", reg.Fallback())

	// NATS, embedded unless an external server is configured
	natsURL := cfg.NATS.URL
	if natsURL == "" {
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()
		natsURL = bus.ClientURL()
		slog.Info("nats started", "port", bus.Port())
	}
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	collab, err := collaborator.New(cfg.Collaborator)
	if err != nil {
		return fmt.Errorf("init collaborator: %w", err)
	}

	m := metrics.New()
	feed := credits.New(cfg.Accounting.Origin)

	strategy, err := dispatch.NewStrategy(cfg.Dispatch.Strategy)
	if err != nil {
		return fmt.Errorf("init strategy: %w", err)
	}

	coord := coordinator.New(reg, db, collab, cfg.Dispatch, cfg.Collaborator.Timeout)
	coord.SetEvents(client)
	coord.SetCredits(feed)
	coord.SetMetrics(m)

	disp := dispatch.New(reg, db, strategy, cfg.Dispatch)
	disp.SetEvents(client)
	disp.SetCredits(feed)
	disp.SetMetrics(m)
	disp.SetExecutor(coord)
	defer disp.Wait()

	agg := status.New(db, feed, m)

	// IPC for the pooltask CLI
	ipcSrv := ipc.NewServer(disp, coord, agg, db)
	if err := ipcSrv.Start(ctx, client); err != nil {
		return fmt.Errorf("init ipc: %w", err)
	}
	defer ipcSrv.Stop()

	// Lease expiry and retention
	maint, err := maintenance.New(db, coord, cfg.Maintenance)
	if err != nil {
		return fmt.Errorf("init maintenance: %w", err)
	}
	go maint.Start(ctx)

	// Telegram alerts
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram, agg)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		if err := bot.Watch(ctx, client); err != nil {
			return fmt.Errorf("watch events: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		defer bot.Stop()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, reg, disp, coord, agg, client, m, feed, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal, reloading config on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reloadConfig(cfg, maint, bot)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	return nil
}

// reloadConfig applies the reloadable parts of a fresh config and returns the
// config now in effect.
func reloadConfig(current *config.Config, maint *maintenance.Maintainer, bot *telegram.Bot) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return current
	}

	diff := config.Diff(current, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return current
	}

	applied := *current
	if diff.MaintenanceChanged {
		if err := maint.UpdateConfig(diff.NewMaintenance); err != nil {
			slog.Error("maintenance reload failed", "error", err)
		} else {
			applied.Maintenance = diff.NewMaintenance
		}
	}
	if diff.LogLevelChanged {
		setLogLevel(diff.NewLogLevel)
		applied.Log.Level = diff.NewLogLevel
	}
	if diff.AllowFromChanged && bot != nil {
		bot.SetAllowFrom(diff.NewAllowFrom)
		applied.Telegram.AllowFrom = diff.NewAllowFrom
	}
	slog.Info("config reloaded", "maintenance", diff.MaintenanceChanged, "log_level", diff.LogLevelChanged, "allow_from", diff.AllowFromChanged)
	return &applied
}
