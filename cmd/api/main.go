package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/abduss/timelock/internal/access"
	"github.com/abduss/timelock/internal/blobstore"
	"github.com/abduss/timelock/internal/config"
	"github.com/abduss/timelock/internal/ledger"
	"github.com/abduss/timelock/internal/logger"
	"github.com/abduss/timelock/internal/sealer"
	"github.com/abduss/timelock/internal/server"
	"github.com/abduss/timelock/internal/storage"
	"github.com/abduss/timelock/internal/viewtoken"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	zlog, err := logger.Init()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(zlog); err != nil {
		zlog.Fatal("timelock api stopped", zap.Error(err))
	}
}

func run(zlog *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, closeLedger, err := openLedger(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	defer closeLedger()
	expiries := ledger.NewAdapter(registry, cfg.Ledger, zlog)

	blobs, err := openBlobStore(ctx, cfg, zlog)
	if err != nil {
		return err
	}

	tokens, err := viewtoken.NewIssuer(cfg.ViewToken)
	if err != nil {
		return fmt.Errorf("init view tokens: %w", err)
	}
	if tokens.Ephemeral() {
		zlog.Warn("VIEW_TOKEN_SECRET not set; using a random secret, tokens will not survive restarts")
	}

	seal, generated, err := sealer.NewXChaChaFromHex(cfg.Sealer.MasterKeyHex)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}
	if generated {
		zlog.Warn("SEALER_MASTER_KEY not set; using a random key, stored files will be unreadable after restart")
	}

	accessService := access.NewService(expiries, blobs, tokens, seal, access.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes,
		MaxDuration:    cfg.Upload.MaxDuration,
		StoreTimeout:   cfg.BlobStore.Timeout,
	}, zlog)

	router := server.NewRouter(server.Dependencies{
		Config:        cfg,
		Logger:        zlog,
		Ledger:        expiries,
		BlobStore:     blobs,
		AccessService: accessService,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		zlog.Info("timelock api listening",
			zap.String("addr", cfg.Server.Address()),
			zap.String("ledger", cfg.Ledger.Backend),
			zap.String("blobstore", cfg.BlobStore.Backend),
			zap.Duration("view_token_ttl", cfg.ViewToken.TTL),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	zlog.Info("shutting down gracefully")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openLedger(ctx context.Context, cfg config.Config, zlog *zap.Logger) (ledger.Registry, func(), error) {
	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
		version, err := storage.MigratePostgres(cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate ledger schema: %w", err)
		}
		zlog.Info("ledger schema ready", zap.Uint("version", version))

		pool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return ledger.NewPostgresRegistry(pool), pool.Close, nil

	case config.LedgerSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return ledger.NewSQLiteRegistry(db), func() { _ = db.Close() }, nil

	default:
		zlog.Warn("using in-memory ledger; expiry records are lost on restart")
		return ledger.NewMemoryRegistry(nil), func() {}, nil
	}
}

func openBlobStore(ctx context.Context, cfg config.Config, zlog *zap.Logger) (blobstore.Store, error) {
	switch cfg.BlobStore.Backend {
	case config.BlobStoreMinIO:
		client, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		created, err := storage.EnsureBucket(ctx, client, cfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
		if created {
			zlog.Info("created blob bucket", zap.String("bucket", cfg.MinIO.Bucket))
		}
		return blobstore.NewMinIOStore(client, cfg.MinIO.Bucket, cfg.BlobStore.Timeout), nil

	case config.BlobStoreFS:
		store, err := blobstore.NewFSStore(cfg.BlobStore.FSDir)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		zlog.Warn("using in-memory blob store; file contents are lost on restart")
		return blobstore.NewMemoryStore(), nil
	}
}
