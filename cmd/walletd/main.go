// Command walletd runs the nutkeeper wallet daemon and serves it over gRPC.
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
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/nutkeeper/internal/api"
	"github.com/and161185/nutkeeper/internal/config"
	"github.com/and161185/nutkeeper/internal/identity"
	"github.com/and161185/nutkeeper/internal/limiter"
	"github.com/and161185/nutkeeper/internal/metrics"
	"github.com/and161185/nutkeeper/internal/migrate"
	"github.com/and161185/nutkeeper/internal/mint"
	"github.com/and161185/nutkeeper/internal/nutzap"
	"github.com/and161185/nutkeeper/internal/recovery"
	"github.com/and161185/nutkeeper/internal/repository"
	"github.com/and161185/nutkeeper/internal/repository/memory"
	"github.com/and161185/nutkeeper/internal/repository/postgres"
	grpcserver "github.com/and161185/nutkeeper/internal/server/grpc"
	"github.com/and161185/nutkeeper/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, opens the wallet and serves the gRPC API until signalled.
func main() {
	// Flags
	cfgPath := flag.String("config", "", "config file (yaml, toml or json)")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	dev := flag.Bool("dev", false, "development logging and server reflection")
	issue := flag.Bool("issue-token", false, "print an API access token and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dev {
		cfg.Log.Development = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log.Development)
	defer func() { _ = logger.Sync() }()

	kr, err := identity.LoadOrCreate(cfg.Identity.KeyFile, []byte(cfg.Identity.Passphrase))
	if err != nil {
		logger.Fatal("load identity", zap.Error(err))
	}
	if *issue {
		tok, err := grpcserver.IssueToken([]byte(cfg.Server.JWTKey), kr.PublicKey(), cfg.Server.AccessTTL)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
		zap.String("identity", kr.PublicKey()),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("open record store", zap.Error(err))
	}
	defer closeStore()

	queue, err := recovery.Open(cfg.State.Path)
	if err != nil {
		logger.Fatal("open recovery state", zap.Error(err))
	}
	defer func() { _ = queue.Close() }()

	m := metrics.New()
	mintLim := limiter.New(cfg.Mint.RPS, cfg.Mint.Burst)
	httpClient := &http.Client{Timeout: cfg.Mint.Timeout}
	sessions := mint.NewSessions(func(url string) mint.Backend {
		return mint.NewHTTPBackend(url,
			mint.WithHTTPClient(httpClient),
			mint.WithLimiter(mintLim),
			mint.WithLogger(logger.Named("mint")),
		)
	}, mint.WithSessionLogger(logger.Named("mint")))

	wallet := service.NewWalletService(service.Deps{
		Store:        store,
		Signer:       kr,
		Sessions:     sessions,
		Queue:        queue,
		Logger:       logger,
		Metrics:      m,
		DefaultMints: cfg.Mint.Mints,
	})
	if err := wallet.Open(ctx); err != nil {
		logger.Fatal("open wallet", zap.Error(err))
	}
	if rep, err := wallet.Recover(ctx); err != nil {
		logger.Warn("recovery incomplete", zap.Int("tokens", rep.Tokens), zap.Int("transfers", rep.Transfers), zap.Error(err))
	}

	if cfg.Nutzap.Listen {
		l := wallet.ListenForNutzaps(ctx, cfg.Nutzap.PollInterval, func(o nutzap.Outcome) {
			logger.Info("nutzap processed",
				zap.Stringer("transfer", o.Transfer),
				zap.String("state", string(o.State)),
				zap.Uint64("amount", o.Amount),
			)
		})
		defer l.Stop()
	}

	// gRPC server with interceptors
	app := grpcserver.New(wallet, []byte(cfg.Server.JWTKey), kr.PublicKey())
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			app.AuthUnary(),
			grpcserver.RateLimitUnary(limiter.New(cfg.Server.RPS, cfg.Server.Burst)),
		),
	}
	if cfg.Server.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("serving without TLS")
	}
	s := grpc.NewServer(opts...)
	api.RegisterWalletServer(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if *dev {
		reflection.Register(s)
	}

	// Metrics
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- s.Serve(lis)
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}

	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

// openStore returns the configured record store and its closer.
func openStore(ctx context.Context, c config.Store, log *zap.Logger) (repository.RecordStore, func(), error) {
	switch c.Driver {
	case config.DriverPostgres:
		if err := migrate.Up(ctx, c.DSN, log.Named("migrate")); err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, c.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewRecordRepo(db), db.Close, nil
	default:
		log.Warn("using the in-memory record store; records are lost on exit")
		return memory.NewStore(), func() {}, nil
	}
}
