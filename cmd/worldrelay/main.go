// Package main provides the relay binary that connects one world account to
// a messaging guild.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldrelay/internal/attribution"
	"github.com/cory-johannsen/worldrelay/internal/config"
	"github.com/cory-johannsen/worldrelay/internal/connection"
	"github.com/cory-johannsen/worldrelay/internal/dialog"
	"github.com/cory-johannsen/worldrelay/internal/observability"
	"github.com/cory-johannsen/worldrelay/internal/pending"
	"github.com/cory-johannsen/worldrelay/internal/platform/discord"
	"github.com/cory-johannsen/worldrelay/internal/relay"
	"github.com/cory-johannsen/worldrelay/internal/server"
	"github.com/cory-johannsen/worldrelay/internal/status"
	"github.com/cory-johannsen/worldrelay/internal/storage"
	"github.com/cory-johannsen/worldrelay/internal/storage/postgres"
	"github.com/cory-johannsen/worldrelay/internal/suppress"
	"github.com/cory-johannsen/worldrelay/internal/world"
	"github.com/cory-johannsen/worldrelay/internal/world/gateway"
	"github.com/cory-johannsen/worldrelay/internal/world/telnet"
	"github.com/cory-johannsen/worldrelay/migrations"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	migrate := flag.Bool("migrate", false, "apply database migrations before starting")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces", zap.Error(err))
		}
	}()

	logger.Info("starting relay",
		zap.String("world_transport", cfg.World.Transport),
		zap.String("status_addr", cfg.Status.Addr()),
	)

	backing, closeStore := openStore(ctx, cfg, *migrate, logger)
	defer closeStore()
	store := storage.NewDegrading(backing, storage.Defaults{
		Ignored:  cfg.Relay.DefaultIgnored,
		Keywords: cfg.Relay.DefaultKeywords,
	}, logger)

	dialer, err := newDialer(cfg.World, logger)
	if err != nil {
		logger.Fatal("creating world dialer", zap.Error(err))
	}

	matcher, closeMatcher, err := newMatcher(cfg.Attribution)
	if err != nil {
		logger.Fatal("loading reply matcher", zap.Error(err))
	}
	defer closeMatcher()

	logger.Info("relay initialized", zap.Duration("elapsed", time.Since(start)))

	build := func(ctx context.Context) (*server.Lifecycle, error) {
		return buildServices(ctx, cfg, store, dialer, matcher, logger)
	}
	if err := server.Supervise(ctx, build, cfg.Server.RestartDelay, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

// openStore connects to PostgreSQL, falling back to an in-memory store when
// the database is unreachable.
func openStore(ctx context.Context, cfg config.Config, migrate bool, logger *zap.Logger) (storage.Store, func()) {
	dbStart := time.Now()
	if migrate {
		if err := migrations.Up(cfg.Database.DSN()); err != nil {
			logger.Warn("applying migrations", zap.Error(err))
		}
	}
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Warn("database unavailable; using in-memory storage", zap.Error(err))
		return storage.NewMemory(), func() {}
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	return postgres.NewStore(pool.DB()), pool.Close
}

func newDialer(cfg config.WorldConfig, logger *zap.Logger) (world.Dialer, error) {
	switch cfg.Transport {
	case "gateway":
		return gateway.NewDialer(cfg, logger), nil
	case "telnet":
		return telnet.NewDialer(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown world transport %q", cfg.Transport)
	}
}

// newMatcher combines the pattern set with the optional Lua predicate.
func newMatcher(cfg config.AttributionConfig) (attribution.ReplyMatcher, func(), error) {
	patterns := attribution.DefaultPatternSet()
	if cfg.PatternsFile != "" {
		ps, err := attribution.LoadPatterns(cfg.PatternsFile)
		if err != nil {
			return nil, nil, err
		}
		patterns = ps
	}
	if cfg.Script == "" {
		return patterns, func() {}, nil
	}
	lm, err := attribution.LoadLuaMatcher(cfg.Script, 0)
	if err != nil {
		return nil, nil, err
	}
	return attribution.Any{patterns, lm}, lm.Close, nil
}

// buildServices assembles one run of the relay. Every stateful component is
// created fresh so a restart after a fault starts from a clean slate.
func buildServices(ctx context.Context, cfg config.Config, store storage.Store, dialer world.Dialer,
	matcher attribution.ReplyMatcher, logger *zap.Logger) (*server.Lifecycle, error) {
	clock := clockwork.NewRealClock()
	faults := newFaultSink(logger)

	connOpts, err := connection.OptionsFromConfig(cfg.Reconnect)
	if err != nil {
		return nil, err
	}
	connOpts.Guard = faults.guard
	conn := connection.NewManager(clock, dialer, connOpts, logger.Named("connection"))

	client, err := discord.New(cfg.Platform.Token, cfg.Platform.GuildID, logger.Named("discord"))
	if err != nil {
		return nil, err
	}

	markers := suppress.NewStore(clock, cfg.Relay.WhisperSuppressionTTL, cfg.Relay.OutboundSuppressionTTL)
	dialogOpts := dialog.OptionsFromConfig(cfg)
	dialogOpts.Guard = faults.guard
	dialogs := dialog.NewManager(dialogOpts, client, conn, markers, store, clock, logger.Named("dialog"))
	bridge := relay.New(relay.Options{
		RelayChannelID:  cfg.Platform.RelayChannelID,
		Prefix:          cfg.Relay.Prefix,
		AutomationName:  cfg.Attribution.AutomationName,
		Grace:           cfg.Relay.PublicGrace,
		WhisperTemplate: cfg.World.WhisperCommand,
		Guard:           faults.guard,
	}, relay.Deps{
		Conn:     conn,
		Dialogs:  dialogs,
		Platform: client,
		Store:    store,
		Markers:  markers,
		Pending:  pending.NewScheduler(clock),
		Windows:  attribution.NewTracker(clock, cfg.Attribution.Window, cfg.Attribution.MaxCommandLength),
		Matcher:  matcher,
		Clock:    clock,
	}, logger.Named("relay"))
	conn.SetHandler(faults.guardEvents(bridge.HandleWorldEvent))

	statusSrv := status.NewServer(logger.Named("status"))
	conn.OnStatus(statusSrv.Observe)

	lc := server.NewLifecycle(logger)
	lc.Add("status", &server.FuncService{
		StartFn: func() error { return statusSrv.ListenAndServe(cfg.Status.Addr()) },
		StopFn:  statusSrv.Stop,
	})

	platformDone := make(chan struct{})
	lc.Add("platform", &server.FuncService{
		StartFn: func() error {
			if err := client.Open(faults.guardPlatform(bridge)); err != nil {
				return err
			}
			return faults.wait(platformDone)
		},
		StopFn: func() {
			close(platformDone)
			if err := client.Close(); err != nil {
				logger.Warn("closing platform session", zap.Error(err))
			}
		},
	})

	worldDone := make(chan struct{})
	lc.Add("world", &server.FuncService{
		StartFn: func() error {
			conn.Start(ctx)
			<-worldDone
			return nil
		},
		StopFn: func() {
			close(worldDone)
			conn.Stop()
			bridge.Close()
			dialogs.Close()
		},
	})
	return lc, nil
}
