package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/controlplane/internal/address"
	"github.com/devghori1264/aerophoenix/controlplane/internal/api"
	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/config"
	"github.com/devghori1264/aerophoenix/controlplane/internal/directory"
	"github.com/devghori1264/aerophoenix/controlplane/internal/images"
	"github.com/devghori1264/aerophoenix/controlplane/internal/metadata"
	natsclient "github.com/devghori1264/aerophoenix/controlplane/internal/nats"
	"github.com/devghori1264/aerophoenix/controlplane/internal/orchestrator"
	"github.com/devghori1264/aerophoenix/controlplane/internal/server"
	"github.com/devghori1264/aerophoenix/controlplane/internal/state"
	"github.com/devghori1264/aerophoenix/controlplane/internal/storage"
	"github.com/devghori1264/aerophoenix/controlplane/internal/telemetry"
	"github.com/devghori1264/aerophoenix/controlplane/internal/volume"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(2)
	}
	logger, err := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("controller exited", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return storage.NewRedisStore(ctx, storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	case config.DriverBadger, "":
		return storage.NewBadgerStore(cfg.Path)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingOptions{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "aerophoenix-controller",
		Version:     version,
		Output:      os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	defer store.Close()

	gw, err := natsclient.Connect(natsclient.Options{
		URL:         cfg.NATS.URL,
		Name:        cfg.NATS.Name,
		CallTimeout: cfg.NATS.CallTimeout,
		Logger:      logger.Named("bus"),
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	dir := directory.New(store, logger.Named("directory"))
	addrs := address.New(store, logger.Named("address"))
	imgs := images.New(store, logger.Named("images"))
	authMgr := auth.NewManager(store, logger.Named("auth"), cfg.Auth.Admins)

	o := orchestrator.New(cfg.Cloud, orchestrator.Deps{
		Directory: dir,
		Volumes:   volume.New(store, logger.Named("volume")),
		Addresses: addrs,
		Images:    imgs,
		Auth:      authMgr,
		Gateway:   gw,
		State:     state.NewAggregator(logger.Named("state"), metrics),
		Metadata:  metadata.NewAssembler(dir, addrs, imgs, cfg.Cloud.AvailabilityZone),
		Logger:    logger.Named("cloud"),
		Metrics:   metrics,
	})

	if admin := cfg.Auth.BootstrapAdmin; admin.ID != "" {
		if err := authMgr.EnsureUser(ctx, admin.ID, admin.ID, admin.Secret, true); err != nil {
			return fmt.Errorf("bootstrapping admin %s: %w", admin.ID, err)
		}
		if cfg.Auth.BootstrapProject != "" {
			if err := authMgr.AddProjectMember(ctx, cfg.Auth.BootstrapProject, admin.ID); err != nil {
				return fmt.Errorf("adding %s to project %s: %w", admin.ID, cfg.Auth.BootstrapProject, err)
			}
		}
	}

	if err := gw.Serve(ctx, cfg.Cloud.ControllerTopic, "controller", o.Router()); err != nil {
		return err
	}
	if err := gw.Flush(); err != nil {
		return fmt.Errorf("flushing bus subscriptions: %w", err)
	}

	srv := server.New(server.NewActions(o), authMgr, logger.Named("server"))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.LoggingInterceptor(logger.Named("grpc"))))
	srv.RegisterGRPC(grpcServer)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.NewHTTPHandler(srv, o, logger.Named("http")),
	}
	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, reg)
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP API listening", zap.String("addr", cfg.Server.HTTPAddr))
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		logger.Info("metrics available", zap.String("addr", cfg.Server.MetricsAddr+"/metrics"))
		return listenAndServe(metricsServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcServer.GracefulStop()
		for _, s := range []*http.Server{httpServer, metricsServer} {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown", zap.String("addr", s.Addr), zap.Error(err))
			}
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func listenAndServe(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", s.Addr, err)
	}
	return nil
}
