package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchon-labs/orchon-go/internal/orchestration"
	"github.com/orchon-labs/orchon-go/internal/orchestration/policyspec"
	"github.com/orchon-labs/orchon-go/internal/platform/auditlog"
	"github.com/orchon-labs/orchon-go/internal/platform/auth"
	"github.com/orchon-labs/orchon-go/internal/platform/env"
	"github.com/orchon-labs/orchon-go/internal/platform/httpserver"
	"github.com/orchon-labs/orchon-go/internal/platform/objectstore"
	"github.com/orchon-labs/orchon-go/internal/platform/postgres"
	"github.com/orchon-labs/orchon-go/internal/storage/statedata"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHESTRATOR_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("ORCHESTRATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	internalAuthSecret := env.String("ORCHON_INTERNAL_AUTH_SECRET", "")
	headersAuth, err := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	runTokenTTL, err := env.Duration("ORCHON_RUN_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		logger.Error("invalid run token ttl", "error", err)
		os.Exit(2)
	}

	minioStore, err := statedata.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("state data store init failed", "error", err)
		os.Exit(2)
	}
	archive := statedata.NewArchive(minioStore, storeCfg.BucketStateData)

	rules := orchestration.GlobalPolicy()
	if policyPath := env.String("ORCHON_TRANSITION_POLICY_FILE", ""); policyPath != "" {
		spec, err := policyspec.Load(policyPath)
		if err != nil {
			logger.Error("invalid transition policy", "path", policyPath, "error", err)
			os.Exit(2)
		}
		rules = append([]orchestration.Rule{spec.Compile()}, rules...)
		logger.Info("transition policy loaded", "path", policyPath, "rules", len(spec.Rules))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newOrchestratorAPI(logger, db, archive, rules, internalAuthSecret, runTokenTTL)
	api.register(mux)

	// Run workers authenticate with a minted run token; everything else
	// arrives through the gateway with signed identity headers.
	authenticator := auth.RunTokenAuthenticator{
		Secret: internalAuthSecret,
		Next:   headersAuth,
	}

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "orchestrator", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
