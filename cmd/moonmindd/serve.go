package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	cluelog "goa.design/clue/log"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/httpapi"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/maintenance"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/MCP API server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("store", "memory", "Queue/proposal store backend: memory or postgres")
	serveCmd.Flags().String("manifest-store", "memory", "Manifest registry store backend: memory or mongo")
	serveCmd.Flags().Bool("maintenance", false, "Run the maintenance cron schedule against a Temporal server")
	serveCmd.Flags().String("temporal-host", "127.0.0.1:7233", "Temporal frontend address, used when --maintenance is set")
	serveCmd.Flags().String("temporal-task-queue", "moonmind-maintenance", "Temporal task queue for the maintenance worker")
	serveCmd.Flags().String("maintenance-cron", "*/5 * * * *", "Cron expression for the maintenance sweep")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, _ := cmd.Flags().GetString("store")
	manifestStore, _ := cmd.Flags().GetString("manifest-store")
	withMaintenance, _ := cmd.Flags().GetBool("maintenance")
	temporalHost, _ := cmd.Flags().GetString("temporal-host")
	taskQueue, _ := cmd.Flags().GetString("temporal-task-queue")
	cron, _ := cmd.Flags().GetString("maintenance-cron")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	format := cluelog.FormatJSON
	if cluelog.IsTerminal() {
		format = cluelog.FormatTerminal
	}
	ctx = cluelog.Context(ctx, cluelog.WithFormat(format))

	d, err := buildDeps(ctx, cfg, store, manifestStore, log)
	if err != nil {
		return fmt.Errorf("wire dependencies: %w", err)
	}
	defer d.Close()

	registry, err := mcp.NewRegistry()
	if err != nil {
		return fmt.Errorf("build MCP registry: %w", err)
	}

	var subscriber httpapi.LiveSubscriber
	if d.Notifier != nil {
		subscriber = d.Notifier
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Queue:      d.Queue,
		Proposals:  d.Proposals,
		Manifests:  d.Manifests,
		MCP:        registry,
		Subscriber: subscriber,
		Log:        log,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	var scheduler *maintenance.Scheduler
	if withMaintenance {
		temporalClient, err := client.Dial(client.Options{HostPort: temporalHost})
		if err != nil {
			return fmt.Errorf("connect temporal: %w", err)
		}
		defer temporalClient.Close()

		activities := &maintenance.Activities{Queue: d.Queue, Proposals: d.Proposals, Log: log}
		scheduler = maintenance.NewScheduler(temporalClient, taskQueue, cron, activities)
		if err := scheduler.EnsureCronSchedule(ctx); err != nil {
			return fmt.Errorf("start maintenance cron: %w", err)
		}
		go func() {
			if err := scheduler.Start(ctx); err != nil {
				log.Error("maintenance worker stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", cfg.HTTPAddr, "store", store, "manifestStore", manifestStore)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
