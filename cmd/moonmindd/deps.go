package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
	manifestmemory "github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry/store/memory"
	manifestmongo "github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry/store/mongo"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals/store/memory"
	proposalspostgres "github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals/store/postgres"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contractmanifest"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/contracttask"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/storage"
	queuememory "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/memory"
	queuepostgres "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/postgres"
	"github.com/redis/go-redis/v9"
)

// deps bundles the fully wired application services plus whatever
// connections need to be closed when the process shuts down.
type deps struct {
	Queue     *queue.Service
	Proposals *proposals.Service
	Manifests *manifestregistry.Service
	Notifier  *queue.RedisNotifier

	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildDeps wires the queue, proposals, and manifest registry services
// against the backend store selected by store/manifestStore, following
// cfg for every policy knob. store selects the shared backend for the
// queue and task-proposal stores (they always move together since a
// proposal's promotion creates a queue job in the same transpackage
// boundary); manifestStore is independent since the registry has its own
// storage backend.
func buildDeps(ctx context.Context, cfg *config.Config, store, manifestStore string, log *slog.Logger) (*deps, error) {
	d := &deps{}

	var queueRepo queue.Repository
	var proposalsRepo proposals.Repository

	switch store {
	case "memory":
		queueRepo = queuememory.New()
		proposalsRepo = memory.New()
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		queueRepo = queuepostgres.New(pool)
		proposalsRepo = proposalspostgres.New(pool)
	default:
		return nil, fmt.Errorf("unrecognized store %q (want memory or postgres)", store)
	}

	var manifestRepo manifestregistry.Store
	switch manifestStore {
	case "memory":
		manifestRepo = manifestmemory.New()
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		d.closers = append(d.closers, func() { _ = client.Disconnect(ctx) })
		manifestRepo = manifestmongo.New(client.Database(cfg.MongoDB).Collection("manifests"))
	default:
		return nil, fmt.Errorf("unrecognized manifest store %q (want memory or mongo)", manifestStore)
	}

	var notifier *queue.RedisNotifier
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		d.closers = append(d.closers, func() { _ = rc.Close() })
		notifier = queue.NewRedisNotifier(rc, log)
	}
	d.Notifier = notifier

	artifacts := storage.New(cfg.ArtifactRoot)

	queueCfg := queue.ServiceConfig{
		ArtifactMaxBytes:     cfg.ArtifactMaxBytes,
		RetryBackoffBase:     cfg.RetryBackoffBase,
		RetryBackoffMax:      cfg.RetryBackoffMax,
		DefaultTargetRuntime: cfg.DefaultTargetRuntime,
		DefaultPublishMode:   cfg.DefaultPublishMode,
		ManifestConfig: contractmanifest.Config{
			RequiredCapabilities:    cfg.ManifestRequiredCapabilities,
			AllowManifestPathSource: cfg.AllowManifestPathSource,
		},
		LiveSessionTTL:      cfg.LiveSessionTTL,
		LiveSessionRWGrant:  cfg.LiveSessionRWGrant,
		LiveSessionAllowWeb: cfg.LiveSessionAllowWeb,
		LiveSessionProvider: cfg.LiveSessionProvider,
	}
	if notifier != nil {
		d.Queue = queue.NewService(queueRepo, artifacts, notifier, queueCfg, log)
	} else {
		d.Queue = queue.NewService(queueRepo, artifacts, nil, queueCfg, log)
	}

	proposalsCfg := proposals.Config{
		TaskContract: contracttask.Config{
			DefaultTargetRuntime: cfg.DefaultTargetRuntime,
			DefaultPublishMode:   cfg.DefaultPublishMode,
		},
		Notification: proposals.NotificationConfig{
			Enabled:       cfg.NotificationsEnabled,
			WebhookURL:    cfg.NotificationsWebhookURL,
			Authorization: cfg.NotificationsAuthHeader,
			Timeout:       cfg.NotificationsTimeout,
		},
		MoonMindRepository: cfg.MoonmindCIRepository,
	}
	d.Proposals = proposals.NewService(proposalsRepo, d.Queue, proposalsCfg, nil, log)

	d.Manifests = manifestregistry.NewService(manifestRepo, d.Queue, queueCfg.ManifestConfig)

	return d, nil
}

// openPostgres opens a plain database/sql connection against dsn, for the
// migrate subcommand which needs *sql.DB rather than a pgxpool.Pool.
func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}
