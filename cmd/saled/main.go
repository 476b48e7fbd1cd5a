package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"tokensale/cmd/internal/passphrase"
	"tokensale/config"
	"tokensale/core/events"
	"tokensale/core/genesis"
	"tokensale/core/state"
	"tokensale/crypto"
	"tokensale/gateway/auth"
	"tokensale/gateway/idempotency"
	"tokensale/gateway/middleware"
	"tokensale/gateway/routes"
	"tokensale/native/sale"
	"tokensale/native/token"
	"tokensale/observability"
	"tokensale/observability/logging"
	telemetry "tokensale/observability/otel"
	"tokensale/storage"
	"tokensale/storage/audit"
)

const (
	serviceName          = "saled"
	passphraseEnv        = "SALE_OPERATOR_PASSPHRASE"
	maintenanceInterval  = time.Minute
	readHeaderTimeout    = 5 * time.Second
	defaultIdleTimeout   = 60 * time.Second
	stateDirectoryName   = "state"
	defaultConfigPath    = "./sale.toml"
	telemetryFlushBudget = 5 * time.Second
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", defaultConfigPath, "path to the sale configuration (TOML or YAML)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "saled: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.LoadWithPassphrase(cfgPath, passphrase.NewSource(passphraseEnv).Get)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		MetricInterval: cfg.Telemetry.MetricInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushBudget)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, stateDirectoryName))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	mgr := state.NewManager(db)

	spec, err := cfg.GenesisSpec()
	if err != nil {
		return err
	}
	result, err := genesis.Apply(spec, mgr)
	if err != nil {
		return err
	}
	if result.Fresh {
		logger.Info("genesis applied",
			"token", result.Token.Symbol,
			"owner", crypto.FormatAddress(result.Token.Owner),
			"allocations", len(spec.Allocations))
	}

	auditStore, err := audit.Open(cfg.AuditDatabase, logger)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	defer auditStore.Close()

	params, err := cfg.SaleParams()
	if err != nil {
		return err
	}
	engine, err := sale.NewEngine(params, mgr, token.NewLedger(mgr))
	if err != nil {
		return err
	}
	engine.SetLogger(logger)
	engine.SetEmitter(events.MultiEmitter{auditStore, observability.Sale()})
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start sale: %w", err)
	}
	if snapshot, err := engine.Snapshot(); err == nil {
		observability.Sale().RecordTotals(snapshot.TotalRaised, snapshot.TotalRetrieved)
		logger.Info("sale ready",
			"address", crypto.FormatAddress(snapshot.Address),
			"status", snapshot.Status.String(),
			"end", snapshot.EndTime)
	}

	nonces, err := auth.NewLevelDBNoncePersistence(cfg.Gateway.NonceDatabase)
	if err != nil {
		return fmt.Errorf("open nonce database: %w", err)
	}
	defer nonces.Close()
	verifier := auth.NewAuthenticator(cfg.Gateway.ClockSkew.Duration, cfg.Gateway.NonceTTL.Duration, 0, nil, nonces)
	if err := verifier.HydrateNonces(context.Background(), time.Now().Add(-cfg.Gateway.NonceTTL.Duration)); err != nil {
		return fmt.Errorf("hydrate nonces: %w", err)
	}

	idemStore, err := idempotency.Open(cfg.Gateway.IdempotencyDB, nil)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idemStore.Close()

	readLimit := middleware.RateLimit{
		RatePerSecond: cfg.Gateway.RateLimitPerSecond,
		Burst:         cfg.Gateway.RateLimitBurst,
	}
	writeLimit := readLimit
	writeLimit.DefaultTokens = 1
	writeLimit.Tokens = cfg.Gateway.RouteCosts
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		routes.RateLimitRead:  readLimit,
		routes.RateLimitWrite: writeLimit,
	}, logger)
	if err := limiter.TrustProxies(cfg.Gateway.TrustedProxies); err != nil {
		return err
	}
	router, err := routes.New(routes.Config{
		Engine:        engine,
		Events:        auditStore,
		Authenticator: middleware.NewAuthenticator(verifier, cfg.Gateway.MaxBodyBytes, logger),
		RateLimiter:   limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: true,
			Enabled:     true,
		}, logger),
		Idempotency: idempotency.NewGuard(idemStore, idempotency.DefaultTTL, nil, logger),
		CORS: middleware.CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := router
	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		handler = otelhttp.NewHandler(router, serviceName)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go maintain(ctx, logger, idemStore)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	listener = netutil.LimitListener(listener, cfg.Gateway.MaxConnections)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

// maintain drops expired idempotency records until ctx is cancelled. Nonce
// pruning is driven by the authenticator itself.
func maintain(ctx context.Context, logger *slog.Logger, store *idempotency.Store) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Prune(now)
			if err != nil {
				logger.Warn("prune idempotency records", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("pruned idempotency records", "count", removed)
			}
		}
	}
}
