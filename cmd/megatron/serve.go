package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/teampayhq/megatron/internal/action"
	"github.com/teampayhq/megatron/internal/cache"
	"github.com/teampayhq/megatron/internal/channels"
	"github.com/teampayhq/megatron/internal/command"
	"github.com/teampayhq/megatron/internal/config"
	"github.com/teampayhq/megatron/internal/controlplane"
	"github.com/teampayhq/megatron/internal/correlation"
	"github.com/teampayhq/megatron/internal/db"
	"github.com/teampayhq/megatron/internal/directory"
	"github.com/teampayhq/megatron/internal/handlers"
	"github.com/teampayhq/megatron/internal/identity"
	"github.com/teampayhq/megatron/internal/logger"
	"github.com/teampayhq/megatron/internal/relay"
	"github.com/teampayhq/megatron/internal/server"
	"github.com/teampayhq/megatron/internal/slackconn"
	"github.com/teampayhq/megatron/internal/storage"
	"github.com/teampayhq/megatron/internal/tasks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			runApp(configPath(cmd))
			return nil
		},
	}
}

func runApp(cfgPath string) {
	fx.New(
		fx.Provide(
			func() (config.Config, error) {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return config.Config{}, fmt.Errorf("load config: %w", err)
				}
				return cfg, nil
			},
			provideLogger,

			provideDBConn,
			provideStorage,
			provideRegistry,
			provideControlPlane,

			directory.NewStore,
			provideCredentials,
			directory.NewConnector,
			identity.NewStore,
			identity.NewService,
			correlation.NewStore,
			channels.NewStore,

			provideWarnCache,
			provideChannels,
			provideRelay,
			provideRunner,
			provideSweeper,
			provideCommands,

			provideServerHandler(provideAPIHandler),
			provideServerHandler(provideSlackHandler),
			provideServer,
		),
		fx.Invoke(
			startRunner,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideStorage(log *slog.Logger, cfg config.Config) (storage.Provider, error) {
	if cfg.Storage.Bucket == "" {
		log.Warn("no storage bucket configured, re-hosted files are kept in memory")
		return storage.NewMemoryProvider(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return storage.NewS3Provider(ctx, log, cfg.Storage)
}

func provideRegistry(log *slog.Logger, store storage.Provider, cfg config.Config) *action.Registry {
	registry := action.NewRegistry()
	registry.MustRegister(slackconn.NewBuilder(log, store, slackconn.Options{
		APIBaseURL: cfg.Slack.APIBaseURL,
		Timeout:    time.Duration(cfg.Slack.RequestTimeout) * time.Second,
	}))
	return registry
}

func provideControlPlane(log *slog.Logger) *controlplane.Client {
	return controlplane.NewClient(log, nil)
}

func provideCredentials(log *slog.Logger, store *directory.Store, cp *controlplane.Client) *directory.Credentials {
	return directory.NewCredentials(log, store, cp)
}

func provideWarnCache() *cache.TTL {
	return cache.NewTTL()
}

func provideChannels(
	log *slog.Logger,
	store *channels.Store,
	conns *directory.Connector,
	tenants *directory.Store,
	cp *controlplane.Client,
	warnCache *cache.TTL,
	cfg config.Config,
) *channels.Service {
	return channels.NewService(log, store, conns, tenants, cp, warnCache, cfg.Relay)
}

func provideRelay(
	log *slog.Logger,
	chStore *channels.Store,
	corr *correlation.Store,
	ident *identity.Service,
	conns *directory.Connector,
	ch *channels.Service,
	cfg config.Config,
) *relay.Service {
	return relay.NewService(log, chStore, corr, ident, conns, ch, cfg.Relay)
}

func provideRunner(log *slog.Logger) *tasks.Runner {
	return tasks.NewRunner(log, 0, 0)
}

func provideSweeper(
	log *slog.Logger,
	cfg config.Config,
	ch *channels.Service,
	ident *identity.Service,
	tenants *directory.Store,
	conns *directory.Connector,
) *tasks.Sweeper {
	return tasks.NewSweeper(log, cfg.Sweep, ch, ident, tenants, conns)
}

func provideCommands(
	log *slog.Logger,
	cp *controlplane.Client,
	runner *tasks.Runner,
	chStore *channels.Store,
	ch *channels.Service,
	rel *relay.Service,
	ident *identity.Service,
	tenants *directory.Store,
	conns *directory.Connector,
) *command.Service {
	return command.NewService(log, cp, runner, chStore, ch, rel, ident, tenants, conns)
}

func provideAPIHandler(
	log *slog.Logger,
	rel *relay.Service,
	chStore *channels.Store,
	tenants *directory.Store,
	conns *directory.Connector,
) *handlers.APIHandler {
	return handlers.NewAPIHandler(log, rel, chStore, tenants, conns)
}

func provideSlackHandler(
	log *slog.Logger,
	cfg config.Config,
	commands *command.Service,
	tenants *directory.Store,
	chStore *channels.Store,
	rel *relay.Service,
	corr *correlation.Store,
	ch *channels.Service,
	ident *identity.Service,
	conns *directory.Connector,
	runner *tasks.Runner,
) *handlers.SlackHandler {
	return handlers.NewSlackHandler(log, cfg.Slack.VerificationToken,
		commands, tenants, chStore, rel, corr, ch, ident, conns, runner)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	Tenants        *directory.Store
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Tenants, params.ServerHandlers...)
}

func startRunner(lc fx.Lifecycle, runner *tasks.Runner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return runner.Stop(ctx)
		},
	})
}

func startSweeper(lc fx.Lifecycle, sweeper *tasks.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(ctx context.Context) error {
			return sweeper.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
