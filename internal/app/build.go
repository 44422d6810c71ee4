package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/consultant/internal/config"
	"github.com/ent0n29/consultant/internal/controller"
	"github.com/ent0n29/consultant/internal/feed"
	"github.com/ent0n29/consultant/internal/httpapi"
	"github.com/ent0n29/consultant/internal/notify"
	"github.com/ent0n29/consultant/internal/observability"
	"github.com/ent0n29/consultant/internal/pairing"
	"github.com/ent0n29/consultant/internal/store"
)

type GatewayInfo struct {
	Mode   string
	Detail string
}

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Controllers *controller.Registry
	Broker      *feed.Broker
	Metrics     *observability.Metrics
	Gateway     GatewayInfo

	// Listener relays postgres notifications into Broker. Nil when sessions
	// live in memory and the store publishes directly.
	Listener *feed.PostgresListener

	// Cleanup should be called on shutdown to release external resources (DB, webhook worker, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var pool *pgxpool.Pool
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres pool init failed: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		pool = p
	}
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}

	sessions, err := store.NewStore(ctx, pool)
	if err != nil {
		closePool()
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	pairs, err := pairing.NewDirectory(ctx, pool)
	if err != nil {
		_ = sessions.Close()
		closePool()
		return nil, fmt.Errorf("pair directory init failed: %w", err)
	}

	gw, err := resolveGateway(cfg)
	if err != nil {
		_ = pairs.Close()
		_ = sessions.Close()
		closePool()
		return nil, err
	}

	broker := feed.NewBroker()

	var notifier notify.Notifier = notify.LogNotifier{}
	var webhook *notify.WebhookNotifier
	if url := strings.TrimSpace(cfg.NotifyWebhookURL); url != "" {
		webhook = notify.NewWebhookNotifier(url, cfg.NotifyRatePerSec, metrics)
		notifier = notify.MultiNotifier{notify.LogNotifier{}, webhook}
	}

	controllers := controller.NewRegistry(controller.Deps{
		Store:          sessions,
		Feed:           broker,
		Presence:       broker,
		Pairs:          pairs,
		Gateway:        gw.gateway,
		Notifier:       notifier,
		Metrics:        metrics,
		Retry:          retryPolicy(cfg),
		GatewayTimeout: cfg.GatewayTimeout,
	}, cfg.ControllerIdleTTL)

	var listener *feed.PostgresListener
	if mem, ok := sessions.(*store.MemoryStore); ok {
		mem.SetCommitHook(broker.Publish)
	} else {
		listener = &feed.PostgresListener{
			DatabaseURL: cfg.DatabaseURL,
			Channel:     store.NotifyChannel,
			Loader:      sessions,
			Publisher:   broker,
			BackoffBase: cfg.StoreRetryBase,
			BackoffCap:  cfg.StoreRetryCap,
			OnReconnect: func() {
				log.Printf("feed: listener reconnected, resyncing %d controllers", controllers.Len())
				controllers.Resync(context.Background())
			},
		}
	}

	api := httpapi.New(cfg, pairs, controllers, metrics)

	cleanup := func() error {
		var errs []string
		controllers.Close()
		broker.Close()
		if webhook != nil {
			webhook.Close()
		}
		if err := pairs.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := sessions.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		closePool()
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Controllers: controllers,
		Broker:      broker,
		Metrics:     metrics,
		Gateway:     GatewayInfo{Mode: gw.mode, Detail: gw.detail},
		Listener:    listener,
		Cleanup:     cleanup,
	}, nil
}
