package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	pb "github.com/pesio-ai/be-procurement-approvals/internal/approvalsv1"
	"github.com/pesio-ai/be-procurement-approvals/internal/config"
	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/handler"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/metrics"
	"github.com/pesio-ai/be-procurement-approvals/internal/middleware"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("storage", cfg.Storage.Driver).
		Int("http_port", cfg.Server.Port).
		Int("grpc_port", cfg.Server.GRPCPort).
		Msg("Starting Procurement Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store repository.Transactor
	switch cfg.Storage.Driver {
	case "memory":
		store = memory.New()
		log.Warn().Msg("Using in-memory storage; state is lost on restart")
	default:
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
			Isolation:   cfg.Database.Isolation,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := database.EnsureSchema(ctx, db); err != nil {
				log.Fatal().Err(err).Msg("Failed to apply schema")
			}
			log.Info().Msg("Database schema ensured")
		}
		store = repository.NewPostgresStore(db)
	}

	engine := service.NewApprovalEngine(store, log)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.Handle("GET /metrics", metrics.Handler())
	handler.NewHTTPHandler(engine, log).Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(cfg.Server.AllowedOrigins)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Setup gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryServerInterceptors(log.Logger)...))
	pb.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(engine, log.Logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(pb.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}
