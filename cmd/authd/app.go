package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auth "github.com/goliatone/go-authcore"
	"github.com/goliatone/go-authcore/audit"
	"github.com/goliatone/go-authcore/middleware/jwtware"
	"github.com/goliatone/go-authcore/repository"
)

// server is the wired service.
type server struct {
	srv       router.Server[*fiber.App]
	app       *fiber.App
	scheduler *auth.Scheduler
	manager   *repository.Manager
	logger    auth.Logger
	closers   []io.Closer
}

func newLogger(level string, w io.Writer) auth.Logger {
	root := glog.NewLogger(
		glog.WithWriter(w),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	)
	return auth.ResolveLogger("authd", root, nil)
}

func newServer(ctx context.Context, cfg auth.Config, logger auth.Logger) (_ *server, err error) {
	s := &server{logger: logger}
	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := auth.NewMetrics(registry)

	db, err := repository.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db)
	if err := repository.CreateSchema(ctx, db); err != nil {
		return nil, err
	}
	s.manager = repository.NewManager(db)
	s.manager.MustValidate()

	roles := auth.DefaultRoleTable()
	if cfg.RolesFile != "" {
		if roles, err = auth.LoadRoleTableFile(cfg.RolesFile); err != nil {
			return nil, err
		}
	}
	if n, err := s.manager.Roles().Sync(ctx, roles); err != nil {
		return nil, fmt.Errorf("sync roles: %w", err)
	} else if n > 0 {
		logger.Info("roles stored", "created", n)
	}

	revocations := s.manager.Revocations()
	if cfg.Redis.URL != "" {
		client, err := repository.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client)
		revocations = repository.NewRedisRevocations(client, nil)
		logger.Info("using redis revocation store")
	}

	var sink auth.ActivitySink = audit.NewLogSink(logger)
	if cfg.Audit.AMQPURL != "" {
		conn, err := audit.Dial(cfg.Audit.AMQPURL, cfg.Audit.Exchange)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, conn)
		sink = auth.MultiActivitySink{sink, audit.NewAMQPSink(conn.Channel(), cfg.Audit.Exchange, cfg.Audit.RoutingKey)}
		logger.Info("publishing audit events", "exchange", cfg.Audit.Exchange)
	}

	accounts := s.manager.Accounts()
	verifier := auth.NewBcryptVerifier(cfg.BcryptCost)
	normalizer := auth.IdentifierNormalizer{DefaultRegion: cfg.Identifier.DefaultRegion}

	machine := auth.NewAccountStateMachine(accounts,
		auth.WithLockoutPolicy(cfg.Lockout.Policy()),
		auth.WithStateMachineActivitySink(sink),
		auth.WithStateMachineLogger(logger),
		auth.WithStateMachineMetrics(metrics),
	)
	authenticator := auth.NewAuthenticator(accounts, machine).
		WithLogger(logger).
		WithActivitySink(sink).
		WithMetrics(metrics).
		WithPasswordVerifier(verifier).
		WithIdentifierNormalizer(normalizer)

	codec, err := auth.NewTokenCodec(auth.CodecConfig{
		ActiveKeyID: cfg.Token.ActiveKeyID,
		Keys:        cfg.Token.SigningKeys(),
		Issuer:      cfg.Token.Issuer,
		Audience:    cfg.Token.Audience,
	})
	if err != nil {
		return nil, err
	}
	tokens := auth.NewTokenService(codec, revocations, s.manager.Sessions(), accounts,
		auth.WithAccessTTL(cfg.Token.AccessTTL),
		auth.WithRefreshTTL(cfg.Token.RefreshTTL),
		auth.WithRefreshRotation(cfg.Token.RotateRefresh),
		auth.WithTokenStateMachine(machine),
		auth.WithTokenLogger(logger),
		auth.WithTokenActivitySink(sink),
		auth.WithTokenMetrics(metrics),
	)

	if cfg.SeedFile != "" {
		seeder := repository.Seeder{
			Accounts:   accounts,
			Verifier:   verifier,
			Roles:      roles,
			Normalizer: normalizer,
			Logger:     logger,
		}
		if _, err := seeder.SeedAccountsFile(ctx, cfg.SeedFile); err != nil {
			return nil, err
		}
	}

	guard := auth.NewGuard(roles,
		auth.WithGuardLogger(logger),
		auth.WithGuardActivitySink(sink),
		auth.WithGuardMetrics(metrics),
	)
	throttle := auth.NewLoginThrottle(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.Burst)

	controller := auth.NewAuthController(authenticator, tokens, accounts, guard,
		auth.WithControllerLogger(logger),
		auth.WithControllerThrottle(throttle),
		auth.WithControllerAuthScheme(cfg.Token.AuthScheme),
	)

	s.srv = router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
		return fiber.New(fiber.Config{
			AppName:               "authd",
			DisableStartupMessage: true,
			ErrorHandler:          auth.FiberErrorHandler(auth.DefaultErrorHandler(logger), logger),
		})
	})

	r := s.srv.Router().WithLogger(logger)
	r.Get("/healthz", s.health).SetName("healthz")

	r.Use(jwtware.New(jwtware.Config{
		Authenticator: auth.NewRequestAuthenticator(tokens, logger),
		PublicPaths:   cfg.Server.PublicPaths,
		TokenLookup:   cfg.Token.TokenLookup,
		AuthScheme:    cfg.Token.AuthScheme,
		Logger:        logger,
	}))
	auth.RegisterAuthRoutes(r, controller)

	s.app = s.srv.WrappedRouter()
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))).Name("metrics")

	s.scheduler, err = auth.NewScheduler(logger,
		auth.NewRevocationPurgeTask(tokens, cfg.Maintenance.PurgeInterval),
		auth.NewSessionPurgeTask(tokens, cfg.Maintenance.PurgeInterval),
		auth.NewLockReleaseTask(machine, cfg.Maintenance.LockReleaseInterval, cfg.Maintenance.BatchSize),
		auth.NewThrottlePruneTask(throttle, cfg.Maintenance.PurgeInterval),
	)
	if err != nil {
		return nil, err
	}
	s.scheduler.WithMetrics(metrics)

	return s, nil
}

func (s *server) health(c router.Context) error {
	if err := s.manager.Ping(c.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		return c.JSON(router.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
	}
	return c.JSON(router.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}
