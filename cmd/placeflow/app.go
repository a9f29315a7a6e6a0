package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/builder"
	"github.com/sicko7947/placeflow/builtin"
	"github.com/sicko7947/placeflow/continuation"
	"github.com/sicko7947/placeflow/engine"
	"github.com/sicko7947/placeflow/loader"
	"github.com/sicko7947/placeflow/lock"
	"github.com/sicko7947/placeflow/metrics"
	"github.com/sicko7947/placeflow/queue"
	"github.com/sicko7947/placeflow/registry"
	"github.com/sicko7947/placeflow/schema"
	"github.com/sicko7947/placeflow/server"
	"github.com/sicko7947/placeflow/store"
)

// catalog is what validate needs: schemas, templates and tools checked
// against each other
type catalog struct {
	schemas   *schema.OpenAPIRegistry
	templates placeflow.TemplateMap
	tools     *registry.Registry
}

func loadCatalog(cfg *Config) (*catalog, error) {
	schemas := schema.NewRegistry()
	if cfg.Schemas != "" {
		if err := loader.LoadSchemas(cfg.Schemas, schemas); err != nil {
			return nil, err
		}
	}
	schemas.Freeze()

	templates, err := loader.LoadDir(cfg.Templates)
	if err != nil {
		return nil, err
	}

	tools, err := builtin.Register(registry.NewBuilder(schemas)).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}

	for id, tmpl := range templates {
		if err := builder.ValidateToolReferences(tmpl, tools); err != nil {
			return nil, fmt.Errorf("template %s: %w", id, err)
		}
	}
	return &catalog{schemas: schemas, templates: templates, tools: tools}, nil
}

// application is the fully wired process shared by run and serve
type application struct {
	cfg    *Config
	logger zerolog.Logger

	catalog  *catalog
	store    placeflow.InstanceStore
	queue    queue.Queue
	engine   *engine.Engine
	bridge   *continuation.Bridge
	worker   *continuation.Worker
	registry *prometheus.Registry

	closers []func() error
}

func newApplication(ctx context.Context, cfg *Config, logger zerolog.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	app.catalog = cat

	if err := app.openStore(ctx); err != nil {
		app.Close()
		return nil, err
	}

	locker, err := app.openCoordination(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewObserver(app.registry)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.bridge = continuation.NewBridge(app.store, app.queue, cat.templates, continuation.WithLogger(logger))

	app.engine, err = engine.NewEngine(engine.ApplicationContext{
		Schemas:   cat.schemas,
		Tools:     cat.tools,
		Store:     app.store,
		Scheduler: app.bridge,
		Locker:    locker,
		Observer:  observer,
		Templates: cat.templates,
	}, engine.WithLogger(logger), engine.WithConfig(cfg.EngineConfig()))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.bridge.Attach(app.engine)
	app.worker = continuation.NewWorker(app.bridge, cfg.Workers, logger)

	logger.Info().
		Str("store", cfg.Store.Type).
		Bool("redis", cfg.Redis.Addr != "").
		Int("templates", len(cat.templates)).
		Strs("schemas", cat.schemas.Paths()).
		Msg("Application initialized")
	return app, nil
}

func (a *application) openStore(ctx context.Context) error {
	switch a.cfg.Store.Type {
	case StoreSQLite:
		st, err := store.OpenSQLiteStore(a.cfg.Store.SQLite.Path)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, st.Close)

	case StoreDynamoDB:
		client, err := store.NewDynamoDBClient(ctx, a.cfg.Store.DynamoDB.Region, a.cfg.Store.DynamoDB.Endpoint)
		if err != nil {
			return err
		}
		a.store = store.NewDynamoDBStore(client, a.cfg.Store.DynamoDB.Table)

	default:
		a.store = store.NewMemoryStore()
	}
	return nil
}

// openCoordination picks the locker and task queue. Redis shares both across
// processes; without it they live in memory.
func (a *application) openCoordination(ctx context.Context) (placeflow.InstanceLocker, error) {
	if a.cfg.Redis.Addr == "" {
		a.queue = queue.NewMemoryQueue(0)
		return lock.NewMemoryLocker(), nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{a.cfg.Redis.Addr},
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}

	a.queue = queue.NewRedisQueue(client, a.cfg.Redis.Prefix, a.logger)
	return lock.NewRedisLocker(client, a.cfg.Redis.Prefix), nil
}

// server builds the HTTP layer over the wired application
func (a *application) server() *server.Server {
	return server.New(server.Config{
		Engine:       a.engine,
		Templates:    a.catalog.templates,
		Queue:        a.queue,
		Continuation: a.bridge,
		Gatherer:     a.registry,
		Logger:       a.logger,
	})
}

// Close releases store and redis connections in reverse order
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
