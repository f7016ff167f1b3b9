package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/pesio-ai/be-approval-engine/internal/cache"
	"github.com/pesio-ai/be-approval-engine/internal/client"
	"github.com/pesio-ai/be-approval-engine/internal/config"
	"github.com/pesio-ai/be-approval-engine/internal/database"
	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/directory"
	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/engine"
	"github.com/pesio-ai/be-approval-engine/internal/handler"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/metrics"
	"github.com/pesio-ai/be-approval-engine/internal/middleware"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
	"github.com/pesio-ai/be-approval-engine/internal/repository/memory"
	"github.com/pesio-ai/be-approval-engine/internal/service"
)

// stores is the persistence backing one engine.
type stores struct {
	org         directory.OrgDirectory
	definitions engine.DefinitionStore
	instances   engine.InstanceStore
	audit       engine.AuditLog
	delegations delegation.Store
	close       func()
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		log.Info().Str("host", cfg.Database.Host).Msg("Database connection established")
		return &stores{
			org:         repository.NewOrgRepository(db),
			definitions: repository.NewDefinitionRepository(db),
			instances:   repository.NewInstanceRepository(db),
			audit:       repository.NewAuditRepository(db),
			delegations: repository.NewDelegationRepository(db),
			close:       db.Close,
		}, nil

	default:
		org := memory.NewOrgDirectory()
		if cfg.Storage.OrgSeedFile != "" {
			n, err := seedOrg(org, cfg.Storage.OrgSeedFile)
			if err != nil {
				return nil, err
			}
			log.Info().Int("assignments", n).Str("file", cfg.Storage.OrgSeedFile).Msg("Organisation directory seeded")
		} else {
			log.Warn().Msg("In-memory organisation directory is empty; no approver will resolve")
		}
		return &stores{
			org:         org,
			definitions: memory.NewDefinitionStore(),
			instances:   memory.NewInstanceStore(),
			audit:       memory.NewAuditLog(),
			delegations: memory.NewDelegationStore(),
			close:       func() {},
		}, nil
	}
}

func seedOrg(org *memory.OrgDirectory, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read org seed file: %w", err)
	}
	var assignments []domain.Assignment
	if err := json.Unmarshal(raw, &assignments); err != nil {
		return 0, fmt.Errorf("decode org seed file: %w", err)
	}
	for _, a := range assignments {
		org.Put(a)
	}
	return len(assignments), nil
}

func openIdempotency(ctx context.Context, cfg *config.Config, log *logger.Logger) (service.IdempotencyStore, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Info().Msg("Redis not configured, idempotency keys are kept in process")
		return cache.NewMemoryIdempotencyStore(cfg.Redis.IdempotencyTTL), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("Redis close failed")
		}
	}
	return cache.NewRedisIdempotencyStore(rdb, cfg.Redis.Namespace, cfg.Redis.IdempotencyTTL), closeFn, nil
}

func catalog(cfg *config.Config) engine.Catalog {
	out := make(engine.Catalog, len(cfg.RequestTypes))
	for name, rt := range cfg.RequestTypes {
		out[name] = engine.RequestType{Label: rt.Label, LinkTemplate: rt.LinkTemplate}
	}
	return out
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	idem, closeIdem, err := openIdempotency(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeIdem()

	var (
		notifier engine.NotificationSink
		callback engine.StatusCallback
	)
	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.NotificationSubject, log)
		callback = client.NewStatusPublisher(nc, cfg.NATS.CallbackSubject, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS not configured, notifications and status callbacks are disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := delegation.NewRegistry(st.delegations, nil, log)
	runner := engine.New(engine.Dependencies{
		Definitions: st.definitions,
		Instances:   st.instances,
		Audit:       st.audit,
		Resolver:    directory.NewResolver(st.org, cfg.Directory.ManagerLevelThreshold, log),
		Delegations: registry,
		Notifier:    notifier,
		Callback:    callback,
		Catalog:     catalog(cfg),
		Graphs:      cache.NewGraphCache(cfg.Cache.DefinitionTTL),
		Metrics:     m,
		Log:         log,
	})
	processor := service.NewDecisionProcessor(runner, registry, idem, m, log)

	httpHandler := handler.NewHTTPHandler(processor, log)
	var h http.Handler = httpHandler.Router(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	h = middleware.RequestID(h)
	h = middleware.Logger(log)(h)
	h = middleware.Recovery(log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcHandler := handler.NewGRPCHandler(processor, log)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(middleware.UnaryServerInterceptor(log)))
	grpcHandler.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create grpc listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		grpcHandler.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		stopGRPC(shutdownCtx, grpcServer)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

// stopGRPC drains in-flight calls until ctx expires, then closes the rest.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}
