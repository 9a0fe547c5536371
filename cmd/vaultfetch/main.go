package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultfetch/vaultfetch/internal/api"
	"github.com/vaultfetch/vaultfetch/internal/config"
	"github.com/vaultfetch/vaultfetch/internal/database"
	"github.com/vaultfetch/vaultfetch/internal/downloader"
	"github.com/vaultfetch/vaultfetch/internal/events"
	"github.com/vaultfetch/vaultfetch/internal/journal"
	"github.com/vaultfetch/vaultfetch/internal/logger"
	"github.com/vaultfetch/vaultfetch/internal/scheduler"
	"github.com/vaultfetch/vaultfetch/internal/scheduler/tasks"
	"github.com/vaultfetch/vaultfetch/internal/watcher"
	"github.com/vaultfetch/vaultfetch/internal/websocket"
)

const notificationHistory = 100

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	migrateStatus := flag.Bool("migrate-status", false, "Print journal migration status and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(config.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("version", config.Version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting vaultfetch")

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open journal database")
	}
	defer db.Close()

	if *migrateStatus {
		if err := db.MigrationStatus(); err != nil {
			log.Fatal().Err(err).Msg("failed to read migration status")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := journal.NewStore(db.Conn(), log.WithComponent("journal"))
	bus := events.NewBus(notificationHistory, log.Logger)

	svc := downloader.NewService(downloader.Options{
		Storage:   cfg.Storage,
		Downloads: cfg.Downloads,
	}, bus, store, log.Logger)
	svc.Start(ctx)

	restoreUnfinished(ctx, store, svc, log.WithComponent("restore"))

	hub := websocket.NewHub(log.Logger)
	go hub.Run(ctx)
	unrelay := hub.Relay(bus)
	defer unrelay()
	hub.SetCommandHandler(func(ctx context.Context, command, id string) error {
		switch command {
		case websocket.CommandPause:
			return svc.Pause(ctx, id)
		case websocket.CommandResume:
			return svc.Resume(ctx, id)
		default:
			return svc.Cancel(ctx, id)
		}
	})

	broadcaster := downloader.NewStateBroadcaster(svc, hub, log.Logger)
	broadcaster.Start()
	defer broadcaster.Stop()
	untick := bus.Subscribe(func(e events.Event) {
		if e.Type == events.TypeTick || e.Type == events.TypeItemsChanged {
			broadcaster.Trigger()
		}
	})
	defer untick()

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := tasks.RegisterTempSweepTask(sched, svc, &cfg.Scheduler, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("failed to register temp sweep")
	}
	if err := tasks.RegisterJournalCleanupTask(sched, store, &cfg.Scheduler, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("failed to register journal cleanup")
	}
	sched.Start(ctx)

	if cfg.Storage.InboxDir != "" {
		inbox, err := watcher.NewService(cfg.Storage.InboxDir, svc, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("failed to create inbox watcher")
		} else if err := inbox.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to start inbox watcher")
		} else {
			defer inbox.Stop()
		}
	}

	server := api.NewServer(cfg, api.Services{
		Downloads:     svc,
		Notifications: bus,
		Scheduler:     sched,
		Hub:           hub,
	}, log.Logger)

	go func() {
		if err := server.Start(cfg.Server.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}
	svc.Wait()

	log.Info().Msg("vaultfetch stopped")
}

// restoreUnfinished re-issues every download the journal did not see finish.
// Chunk temp files on disk let transfers resume from where they stopped.
func restoreUnfinished(ctx context.Context, store *journal.Store, svc *downloader.Service, log zerolog.Logger) {
	entries, err := store.ListUnfinished(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read download journal")
		return
	}
	for _, e := range entries {
		svc.Restore(e)
	}
	if len(entries) > 0 {
		log.Info().Int("count", len(entries)).Msg("restored unfinished downloads")
	}
}
