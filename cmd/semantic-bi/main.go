package main

import (
	"context"
	stderrors "errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/seanankenbruck/semantic-bi/internal/auth"
	"github.com/seanankenbruck/semantic-bi/internal/config"
	"github.com/seanankenbruck/semantic-bi/internal/database"
	"github.com/seanankenbruck/semantic-bi/internal/diagnostics"
	"github.com/seanankenbruck/semantic-bi/internal/governance"
	"github.com/seanankenbruck/semantic-bi/internal/llm"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/plan"
	"github.com/seanankenbruck/semantic-bi/internal/processor"
	"github.com/seanankenbruck/semantic-bi/internal/retrieval"
	"github.com/seanankenbruck/semantic-bi/internal/semantic"
	"github.com/seanankenbruck/semantic-bi/internal/session"
	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
	"github.com/seanankenbruck/semantic-bi/internal/warehouse"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.NewDefaultLoader().MustLoad(ctx)
	if err := cfg.ValidateWithContext(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger := observability.NewLogger("main").WithLevel(observability.ParseLevel(cfg.Logging.Level))
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(context.Background(), "Semantic BI service stopped", err, nil)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	// Semantic layer
	store, err := semantic.OpenStore(ctx, semantic.NewFileSource(cfg.Semantic.LayerPath))
	if err != nil {
		return err
	}
	logger.Info(ctx, "Semantic layer loaded", map[string]interface{}{
		"path":      cfg.Semantic.LayerPath,
		"version":   store.Current().Version(),
		"documents": store.Current().Len(),
	})

	// Warehouse
	exec, err := warehouse.Open(ctx, warehouse.Config{
		Driver:          cfg.Warehouse.Driver,
		DSN:             cfg.Warehouse.DSN,
		MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
		MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
		ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		Timeout:         cfg.Warehouse.ExecutionTimeout,
		MaxRows:         cfg.Warehouse.MaxRows,
	}, logger.Named("warehouse"))
	if err != nil {
		return err
	}
	defer exec.Close()
	executor := warehouse.NewCircuitBreakerExecutor(exec, "warehouse", warehouse.DefaultCircuitBreakerConfig, logger)

	// Optional Postgres catalog for vector recall and history
	var catalog *semantic.Catalog
	if cfg.Catalog.Enabled() {
		catalog, err = semantic.NewCatalog(ctx, semantic.CatalogConfig{DSN: cfg.Catalog.DSN})
		if err != nil {
			return err
		}
		defer catalog.Close()

		if cfg.Catalog.MigrationsEnabled {
			status, err := database.Migrate(catalog.DB(), 0)
			if err != nil {
				return err
			}
			logger.Info(ctx, "Catalog migrations applied", map[string]interface{}{"version": status.Version})
		}
	}

	// Redis backs the compiled-SQL cache and pending confirmations
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn(ctx, "Redis unavailable, caching and confirmations will fail until it recovers", map[string]interface{}{
			"addr":  cfg.Redis.Addr,
			"error": err.Error(),
		})
	}

	// Retrieval augmentation
	llmConfig := llm.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.Retrieval.EmbeddingModel,
		BaseURL:        cfg.LLM.BaseURL,
		Timeout:        cfg.LLM.Timeout,
	}

	embedder, err := retrieval.NewEmbedder(cfg.Retrieval.EmbeddingBackend, cfg.Catalog.EmbeddingDimensions, llmConfig)
	if err != nil {
		return err
	}

	var recaller retrieval.Recaller = retrieval.NewMemoryRecaller(embedder)
	if cfg.Retrieval.RecallBackend == "pgvector" && catalog != nil {
		recaller = retrieval.NewVectorRecaller(catalog, embedder)
	}
	recallBreaker := retrieval.NewCircuitBreakerRecaller(recaller, "recall", 30*time.Second, logger)

	var reranker retrieval.Reranker
	var llmBreaker *llm.CircuitBreakerClient
	client, err := llm.NewClient(llmConfig)
	if err != nil {
		return err
	}
	if client != nil {
		llmBreaker = llm.NewCircuitBreakerClient(client, "llm", llm.DefaultCircuitBreakerConfig, logger)
		reranker = llm.NewReranker(llmBreaker)
	}

	augmenter := retrieval.NewAugmenter(recallBreaker, reranker, retrieval.Config{
		Enabled:        cfg.Retrieval.Enabled,
		TopK:           cfg.Retrieval.TopK,
		RecallTimeout:  cfg.Retrieval.RecallTimeout,
		RerankTimeout:  cfg.Retrieval.RerankTimeout,
		DegradedFactor: cfg.Retrieval.DegradedFactor,
	}, logger.Named("retrieval"))

	// Deterministic pipeline
	strategy, err := plan.ParseAmbiguityStrategy(cfg.Governance.AmbiguityStrategy)
	if err != nil {
		return err
	}
	validator := governance.NewValidator(cfg.Governance.RequireTimeFilter)
	compiler := sqlgen.NewCompiler(exec.Dialect(), cfg.Governance.MaxRows)

	var diagnoser *diagnostics.Diagnoser
	if cfg.Governance.DiagnosticsEnabled {
		substitution, err := diagnostics.ParseSubstitution(cfg.Governance.DiagnosticsSubstitution)
		if err != nil {
			return err
		}
		diagnoser = diagnostics.NewDiagnoser(executor, validator, compiler, diagnostics.Config{
			Substitution:      substitution,
			DefaultWindowDays: cfg.Governance.DefaultWindowDays,
			BoundsTimeout:     cfg.Warehouse.TimeBoundsTimeout,
		}, logger.Named("diagnostics"))
	}

	var history processor.HistoryStore
	if catalog != nil {
		history = catalog
	}

	proc, err := processor.NewProcessor(processor.Dependencies{
		Store:     store,
		Matcher:   semantic.NewMatcher(),
		Augmenter: augmenter,
		Merger:    plan.NewMerger(strategy, logger.Named("merger")),
		Validator: validator,
		Compiler:  compiler,
		Executor:  executor,
		Diagnoser: diagnoser,
		Cache:     processor.NewQueryCache(rdb, cfg.Redis.CacheTTL),
		Pending:   session.NewManager(rdb, cfg.Redis.ConfirmationTTL),
		History:   history,
		Logger:    logger.Named("processor"),
	}, processor.ProcessorConfig{MaxResponseRows: cfg.Warehouse.ResultPreviewLimit})
	if err != nil {
		return err
	}

	// Authentication
	authManager := auth.NewAuthManager(auth.AuthConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		JWTExpiry:      cfg.Auth.JWTExpiry,
		RateLimit:      cfg.Auth.RateLimit,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		AdminPassword:  cfg.Auth.AdminPassword,
	}, logger.Named("auth"))

	// Health checks
	healthChecker := observability.NewHealthChecker("semantic-bi", version)
	healthChecker.Register("semantic_index", observability.SemanticIndexHealthCheck(proc.DescribeIndex))
	healthChecker.Register("warehouse", observability.WarehouseHealthCheck(exec.Ping))
	healthChecker.Register("warehouse_breaker", observability.BreakerHealthCheck("warehouse_breaker", func() string {
		return executor.State().String()
	}))
	healthChecker.Register("redis", observability.RedisHealthCheck(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))
	healthChecker.Register("recall_breaker", observability.BreakerHealthCheck("recall_breaker", func() string {
		return recallBreaker.State().String()
	}))
	if catalog != nil {
		healthChecker.Register("catalog", observability.CatalogHealthCheck(catalog.Ping))
	}
	if llmBreaker != nil {
		healthChecker.Register("llm_breaker", observability.BreakerHealthCheck("llm_breaker", func() string {
			return llmBreaker.State().String()
		}))
	}

	// Semantic layer hot reload; the catalog follows each new index
	resync := make(chan *semantic.Index, 1)
	observability.GetGlobalMetrics().Set(observability.MetricIndexDocuments, float64(store.Current().Len()), nil)
	store.OnReload = func(old, idx *semantic.Index) {
		observability.RecordIndexReload(idx.Len())
		logger.Info(ctx, "Semantic layer reloaded", map[string]interface{}{
			"from": old.Version(),
			"to":   idx.Version(),
		})
		select {
		case resync <- idx:
		default:
		}
	}

	// HTTP
	gin.SetMode(cfg.Server.GinMode)
	router := proc.SetupRoutes(processor.RouterConfig{
		Logger:        logger.Named("http"),
		Health:        healthChecker,
		Registry:      observability.NewRegistry(observability.GetGlobalMetrics()),
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Auth:          authManager,
		AuthRoutes:    auth.NewAuthHandlers(authManager).SetupRoutes,
	})
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "Semantic BI service starting", map[string]interface{}{
			"port":    cfg.Server.Port,
			"version": version,
		})
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info(shutdownCtx, "Shutting down", nil)
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return store.Watch(gctx, cfg.Semantic.ReloadInterval, func(err error) {
			logger.Error(gctx, "Semantic layer reload failed, keeping current index", err, nil)
		})
	})

	if catalog != nil && cfg.Retrieval.RecallBackend == "pgvector" {
		select {
		case resync <- store.Current():
		default:
		}
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case idx := <-resync:
					n, err := retrieval.SyncDocuments(gctx, catalog, idx, embedder)
					if err != nil {
						logger.Error(gctx, "Catalog sync failed", err, map[string]interface{}{"version": idx.Version()})
						continue
					}
					logger.Info(gctx, "Catalog synced", map[string]interface{}{"version": idx.Version(), "documents": n})
				}
			}
		})
	}

	// Auth housekeeping
	g.Go(func() error {
		return authManager.RateLimiter().Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := authManager.CleanupExpired(); n > 0 {
					logger.Info(gctx, "Expired API keys removed", map[string]interface{}{"count": n})
				}
			}
		}
	})

	return g.Wait()
}
