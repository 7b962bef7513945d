// Command stackpilotd runs the cloud-operations trust core: the HTTP
// surface over intent parsing, plan generation, simulation, approval,
// and gated execution, backed by the hash-chained audit log.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/core/pkg/api"
	"github.com/stackpilot/core/pkg/approval"
	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/config"
	"github.com/stackpilot/core/pkg/execution"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/killswitch"
	"github.com/stackpilot/core/pkg/observability"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/registry"
	"github.com/stackpilot/core/pkg/risk"
	"github.com/stackpilot/core/pkg/simulation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("stackpilotd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "stackpilot-core",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment == "development",
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	auditStore := audit.NewSQLStore(db)
	if err := auditStore.Init(ctx); err != nil {
		return err
	}
	keyProvider, err := audit.NewDerivedKeyProvider([]byte(cfg.AnchorSecret))
	if err != nil {
		return err
	}
	auditLog, err := audit.Open(ctx, auditStore,
		audit.WithAnchorInterval(uint64(cfg.AnchorInterval)),
		audit.WithKeyring(audit.NewKeyring(keyProvider)),
		audit.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	regStore, err := registry.NewSQLStore(ctx, db)
	if err != nil {
		return err
	}

	kill := killswitch.New(killStore(cfg, logger), auditLog, logger)

	bnd, err := loadBoundary(cfg)
	if err != nil {
		return err
	}
	logger.Info("permission boundary loaded",
		"catalog_version", bnd.Version(),
		"actions", len(bnd.Actions()),
		"banned", len(bnd.Banned()),
	)

	connections, err := loadConnections(cfg, logger)
	if err != nil {
		return err
	}

	driver, err := buildDriver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	policy := risk.DefaultPolicy()
	approvals := approval.NewService([]byte(cfg.ApprovalSecret), regStore, kill, auditLog)
	server := api.NewServer(api.Config{
		Connections: connections,
		Parser:      intent.NewParser(classifier(cfg, logger), bnd, policy, auditLog, intent.WithParserLogger(logger)),
		Generator:   plan.NewGenerator(bnd, policy, auditLog, plan.WithGeneratorLogger(logger)),
		Simulator: simulation.NewEngine(bnd, policy, auditLog,
			simulation.WithStateObserver(driver),
			simulation.WithEngineLogger(logger)),
		Approvals:  approvals,
		Executor:   execution.NewEngine(driver, approvals, kill, auditLog, execution.WithLogger(logger)),
		KillSwitch: kill,
		AuditLog:   auditLog,
		Boundary:   bnd,
		Store:      regStore,
		AdminToken: cfg.AdminToken,
		RateRPS:    cfg.RateRPS,
		RateBurst:  cfg.RateBurst,
		Logger:     logger,
	})

	go purgeLoop(ctx, regStore, cfg.PurgeInterval, logger)

	if cfg.EvidenceBucket != "" {
		sink, err := evidenceSink(ctx, cfg)
		if err != nil {
			return err
		}
		go exportLoop(ctx, auditLog, sink, logger)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.Info("database connected", "driver", "postgres")
		return db, nil
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	// modernc sqlite is single-writer.
	db.SetMaxOpenConns(1)
	slog.Info("database opened", "driver", "sqlite", "path", cfg.SQLitePath)
	return db, nil
}

func killStore(cfg *config.Config, logger *slog.Logger) killswitch.Store {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, kill switch state is process local")
		return killswitch.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return killswitch.NewRedisStore(client)
}

func loadBoundary(cfg *config.Config) (*boundary.Boundary, error) {
	if cfg.CatalogPath == "" {
		return boundary.Default(), nil
	}
	return boundary.LoadFile(cfg.CatalogPath)
}

func classifier(cfg *config.Config, logger *slog.Logger) intent.Classifier {
	if cfg.ClassifierURL != "" {
		return intent.NewHTTPClassifier(cfg.ClassifierURL)
	}
	logger.Warn("CLASSIFIER_URL not set, intent parsing limited to the built-in phrase matcher")
	return intent.NewStaticClassifier()
}

// loadConnections reads customer connections from CONNECTIONS_PATH.
// Connection provisioning is handled out of band; the daemon only
// consumes the resulting grants.
func loadConnections(cfg *config.Config, logger *slog.Logger) (cloud.ConnectionSource, error) {
	path := os.Getenv("CONNECTIONS_PATH")
	if path == "" {
		logger.Warn("CONNECTIONS_PATH not set, no connections available")
		return cloud.NewMemorySource(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conns []*cloud.Connection
	if err := yaml.Unmarshal(raw, &conns); err != nil {
		return nil, err
	}
	src := cloud.NewMemorySource(conns...)
	logger.Info("connections loaded", "count", len(conns), "path", path)
	return src, nil
}

func buildDriver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cloud.Driver, error) {
	fallback := cloud.NewFakeDriver()
	if !cfg.S3DriverEnabled {
		logger.Warn("no live drivers enabled, all actions run against the in-memory driver")
		return fallback, nil
	}
	s3Driver, err := cloud.NewS3Driver(ctx, cloud.S3DriverConfig{
		Region:   cfg.AWSRegion,
		Endpoint: cfg.AWSEndpoint,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("s3 driver mounted", "region", cfg.AWSRegion)
	return cloud.NewRouterDriver(fallback).Mount("s3", s3Driver), nil
}

func evidenceSink(ctx context.Context, cfg *config.Config) (audit.Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			o.UsePathStyle = true
		}
	})
	return cloud.NewEvidenceSink(client, cfg.EvidenceBucket, cfg.EvidencePrefix), nil
}

// exportLoop ships newly-written chain entries off-box as signed
// bundles. Export failures are retried on the next tick since the
// entries stay in the store.
func exportLoop(ctx context.Context, log *audit.Log, sink audit.Sink, logger *slog.Logger) {
	const interval = time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var exported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head := log.Position()
			if head <= exported {
				continue
			}
			bundle, err := log.Export(ctx, exported+1, head)
			if err != nil {
				logger.Error("audit export failed", "error", err)
				continue
			}
			if err := audit.Upload(ctx, sink, bundle); err != nil {
				logger.Error("audit upload failed", "error", err)
				continue
			}
			exported = head
			logger.Info("audit bundle exported",
				"start", bundle.StartPosition,
				"end", bundle.EndPosition,
				"entries", bundle.EntryCount,
			)
		}
	}
}

func purgeLoop(ctx context.Context, store registry.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("registry purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("registry purged", "expired", n)
			}
		}
	}
}
