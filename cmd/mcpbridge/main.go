// Command mcpbridge runs the MCP JSON-RPC-over-HTTP server and its
// embedded OAuth 2.1 resource-server bridge to an upstream identity
// provider.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcpbridge/resource-server/auth"
	"github.com/mcpbridge/resource-server/config"
	"github.com/mcpbridge/resource-server/httpapi"
	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/mcp"
	"github.com/mcpbridge/resource-server/oauthflow"
	"github.com/mcpbridge/resource-server/refresh"
	"github.com/mcpbridge/resource-server/reqctx"
	"github.com/mcpbridge/resource-server/security"
	"github.com/mcpbridge/resource-server/storage"
	"github.com/mcpbridge/resource-server/storage/filestore"
	"github.com/mcpbridge/resource-server/storage/kv"
	"github.com/mcpbridge/resource-server/storage/memory"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := setupLogger(cfg.Server.LogLevel)
	cfg.LogSecurityWarnings(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Instrumentation.ServiceName,
		ServiceVersion: cfg.Instrumentation.ServiceVersion,
		Enabled:        cfg.Instrumentation.Enabled,
		LogClientIPs:   cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		log.Fatalf("instrumentation: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("instrumentation: shutdown error", "error", err)
		}
	}()

	redisClient, err := buildRedisClient(cfg, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	sessions, closeSessions := buildSessionStore(redisClient, logger, inst)
	defer closeSessions()

	tokens, closeTokens, err := buildTokenStore(cfg, redisClient, logger, inst)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeTokens()

	if err := inst.RegisterStorageSizeCallbacks(
		sessionsSizeCallback(sessions),
		tokensSizeCallback(tokens),
		transactionsSizeCallback(tokens),
	); err != nil {
		logger.Warn("instrumentation: could not register storage size callbacks", "error", err)
	}

	auditor := security.NewAuditor(logger, true).WithMetrics(inst.Metrics())

	refresher := refresh.New(tokens, refreshProviderConfig(cfg), refresherOptions(cfg, auditor, logger, inst)...)

	requests := reqctx.NewRegistry(logger)
	defer requests.Stop()

	resolver := auth.New(authResolverConfig(cfg), tokens, refresher)

	engine := oauthflow.New(
		tokens,
		oauthProviderConfig(cfg),
		refresher,
		oauthflow.CIMDConfig{
			Enabled:         cfg.CIMD.Enabled,
			FetchTimeout:    cfg.CIMD.FetchTimeout(),
			MaxResponseSize: cfg.CIMD.MaxResponseBytes,
			AllowedDomains:  cfg.CIMD.AllowedDomains(),
		},
		oauthflow.RedirectPolicy{
			AllowList: cfg.OAuth.RedirectAllowlist(),
			AllowAll:  cfg.OAuth.RedirectAllowAll,
			DevMode:   cfg.Server.DevMode(),
		},
		auditor,
		logger,
	).WithMetrics(inst.Metrics()).WithTracer(inst.Tracer("oauthflow"))

	registry := mcp.NewRegistry()
	if cfg.Server.ManifestPath != "" {
		manifest, err := mcp.LoadManifest(cfg.Server.ManifestPath)
		if err != nil {
			log.Fatalf("tool manifest: %v", err)
		}
		if err := registry.LoadManifestInto(manifest); err != nil {
			log.Fatalf("tool manifest: %v", err)
		}
	}

	dispatcher := mcp.New(registry, sessions, requests, mcp.ServerInfo{
		Name:                    cfg.Server.Title,
		Version:                 cfg.Server.Version,
		Instructions:            cfg.Server.Instructions,
		FallbackProtocolVersion: cfg.Server.ProtocolVersion,
	}, logger).WithMetrics(inst.Metrics()).WithTracer(inst.Tracer("mcp"))

	facade := httpapi.New(
		httpapi.Config{
			PublicOrigin:      publicOrigin(cfg),
			Realm:             "MCP",
			StaticAPIKey:      cfg.Auth.APIKey,
			DevMode:           cfg.Server.DevMode(),
			TrustProxy:        cfg.Server.TrustProxy,
			TrustedProxyCount: cfg.Server.TrustedProxyCount,
		},
		sessions, tokens, dispatcher, resolver, requests, engine, auditor, logger,
	).WithMetrics(inst.Metrics()).
		WithRateLimiter(security.NewRateLimiterWithConfig(int(cfg.Throttle.RPSLimit), burstFor(cfg.Throttle.RPSLimit), 10000, logger))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      facade,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mcpbridge: listening", "addr", server.Addr, "dev_mode", cfg.Server.DevMode())
		errCh <- server.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("mcpbridge: server error: %v", err)
		}
	case <-ctx.Done():
		logger.Info("mcpbridge: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("mcpbridge: graceful shutdown failed", "error", err)
		}
	}
}

func setupLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}

func publicOrigin(cfg *config.Config) string {
	scheme := "http"
	if !cfg.Server.DevMode() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, cfg.Server.Host)
}

// buildRedisClient connects to REDIS_URL when set, taking precedence over
// the file backend as the durable storage choice. Returns a nil client
// (not an error) when REDIS_URL is unset, so callers fall through to the
// in-process or file-backed stores.
func buildRedisClient(cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if !cfg.Storage.UseRedis() {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.Storage.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info("mcpbridge: using Redis-backed session/token storage")
	return client, nil
}

// buildSessionStore picks the Session Store backend: Redis-backed when a
// client was built, in-process memory otherwise.
func buildSessionStore(client *redis.Client, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.SessionStore, func()) {
	if client != nil {
		store := kv.NewSessionStore(client, logger).WithTracer(inst.Tracer("storage.kv"))
		store.SetMetrics(inst.Metrics())
		return store, func() { store.Close(context.Background()) }
	}
	store := memory.NewSessionStore()
	store.SetInstrumentation(inst)
	return store, func() { store.Close(context.Background()) }
}

func buildTokenStore(cfg *config.Config, client *redis.Client, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.TokenStore, func(), error) {
	if client != nil {
		store := kv.NewTokenStore(client, logger).WithTracer(inst.Tracer("storage.kv"))
		store.SetMetrics(inst.Metrics())
		return store, func() { store.Close(context.Background()) }, nil
	}

	if !cfg.Storage.Persistent() {
		store := memory.NewTokenStore()
		store.SetInstrumentation(inst)
		return store, func() { store.Close(context.Background()) }, nil
	}

	key, err := cfg.Storage.EncryptionKey()
	if err != nil {
		return nil, nil, err
	}
	encryptor, err := security.NewEncryptor(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption: %w", err)
	}
	store, err := filestore.New(cfg.Storage.RSTokensFile, encryptor, logger)
	if err != nil {
		return nil, nil, err
	}
	store.SetInstrumentation(inst)
	return store, func() { store.Close(context.Background()) }, nil
}

// rsRecordCounter is satisfied by memory.TokenStore, filestore.Store (which
// embeds it), and kv.TokenStore, exposing the live record counts the
// storage size gauges report.
type rsRecordCounter interface {
	Count() int
	TransactionCount() int
}

// sessionCounter is satisfied by memory.SessionStore and kv.SessionStore.
type sessionCounter interface {
	Count() int
}

func sessionsSizeCallback(sessions storage.SessionStore) instrumentation.StorageSizeCallback {
	counter, ok := sessions.(sessionCounter)
	if !ok {
		return func() int64 { return 0 }
	}
	return func() int64 { return int64(counter.Count()) }
}

func tokensSizeCallback(tokens storage.TokenStore) instrumentation.StorageSizeCallback {
	counter, ok := tokens.(rsRecordCounter)
	if !ok {
		return func() int64 { return 0 }
	}
	return func() int64 { return int64(counter.Count()) }
}

func transactionsSizeCallback(tokens storage.TokenStore) instrumentation.StorageSizeCallback {
	counter, ok := tokens.(rsRecordCounter)
	if !ok {
		return func() int64 { return 0 }
	}
	return func() int64 { return int64(counter.TransactionCount()) }
}

func refresherOptions(cfg *config.Config, auditor *security.Auditor, logger *slog.Logger, inst *instrumentation.Instrumentation) []refresh.Option {
	return []refresh.Option{
		refresh.WithRateLimit(cfg.Throttle.RPSLimit, burstFor(cfg.Throttle.RPSLimit), cfg.Throttle.ConcurrencyLimit),
		refresh.WithAuditor(auditor),
		refresh.WithLogger(logger),
		refresh.WithMetrics(inst.Metrics()),
		refresh.WithTracer(inst.Tracer("refresh")),
	}
}

func refreshProviderConfig(cfg *config.Config) *refresh.ProviderConfig {
	if !cfg.Provider.Configured() {
		return nil
	}
	return &refresh.ProviderConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		AccountsURL:  cfg.Provider.AccountsURL,
	}
}

func oauthProviderConfig(cfg *config.Config) *oauthflow.ProviderConfig {
	if !cfg.OAuth.Configured() {
		return nil
	}
	extra, _ := cfg.OAuth.ExtraAuthParams()
	return &oauthflow.ProviderConfig{
		ClientID:         cfg.OAuth.ClientID,
		ClientSecret:     cfg.OAuth.ClientSecret,
		AuthorizationURL: cfg.OAuth.AuthorizationURL,
		TokenURL:         cfg.OAuth.TokenURL,
		Scopes:           cfg.OAuth.Scopes(),
		CallbackURL:      cfg.OAuth.RedirectURI,
		ExtraAuthParams:  extra,
	}
}

func authResolverConfig(cfg *config.Config) auth.Config {
	custom, _ := cfg.Auth.CustomHeaders()
	return auth.Config{
		Strategy:          auth.Strategy(cfg.Auth.Strategy),
		AcceptHeaders:     cfg.Server.AcceptHeaders(),
		StaticAPIKey:      cfg.Auth.APIKey,
		APIKeyHeader:      cfg.Auth.APIKeyHeader,
		StaticBearerToken: cfg.Auth.BearerToken,
		CustomHeaders:     custom,
		RequireRS:         cfg.Auth.RequireRS,
		AllowDirectBearer: cfg.Auth.AllowDirectBearer,
	}
}

// burstFor derives a token-bucket burst size from a steady rate: double
// the rate, with a floor of 1 so a zero or fractional rate still yields a
// usable limiter.
func burstFor(rps float64) int {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return burst
}
