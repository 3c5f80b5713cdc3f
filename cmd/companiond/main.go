// Command companiond runs the Companion Response Pipeline: ingest (REST +
// websocket), the Budget Governor, Response Cache, Memory Engine, Emotion
// Engine, Dialogue Engine, Dispatcher, and Cost & Metric Sink wired into one
// process (spec section 1).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	redis "github.com/redis/go-redis/v9"

	"companiond/internal/budget"
	"companiond/internal/cache"
	"companiond/internal/config"
	"companiond/internal/dialogue"
	"companiond/internal/dispatcher"
	"companiond/internal/emotion"
	"companiond/internal/httpapi"
	"companiond/internal/llm/anthropic"
	"companiond/internal/llm/openai"
	"companiond/internal/memory"
	"companiond/internal/metrics"
	"companiond/internal/observability"
	"companiond/internal/persistence/databases"
	"companiond/internal/realtime"
	"companiond/internal/tenantstore"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("companiond")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()

	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Obs)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	httpClient := observability.NewHTTPClient(&http.Client{Transport: tr})

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()
	{
		pingCtx, cancel := context.WithTimeout(baseCtx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	governor, err := budget.NewRedisGovernor(cfg.Redis, nil)
	if err != nil {
		return fmt.Errorf("init budget governor: %w", err)
	}
	defer governor.Close()

	respCache := cache.NewTwoTierCache(cfg.Cache, redisClient)

	vectorMgr, err := databases.NewManager(baseCtx, cfg)
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}
	defer vectorMgr.Close()

	memStore, closeMemStore, err := newMemoryStore(baseCtx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}
	defer closeMemStore()

	memEngine := memory.New(memStore, vectorMgr.Vector, cfg.Memory, cfg.Embedding)

	sink := metrics.NewSink()

	classifierClient := openai.New(cfg.Classifier, httpClient)
	emotionEngine := emotion.New(classifierClient, cfg.Classifier.Model, governor, sink)

	templateLib, err := dialogue.DefaultLibrary()
	if err != nil {
		return fmt.Errorf("load default dialogue templates: %w", err)
	}
	generativeClient := anthropic.New(cfg.Anthropic, httpClient)
	dialogueEngine := dialogue.New(templateLib, generativeClient, cfg.Anthropic.Model, governor, sink)

	hub := realtime.NewHub(cfg.Push)
	hubCtx, cancelHub := context.WithCancel(baseCtx)
	defer cancelHub()
	go hub.Run(hubCtx)

	tenants := tenantstore.New()
	tenants.RegisterTenant("demo", getenv("DEMO_API_KEY", "demo-key"), cfg.Budget.DailyUSDDefault)

	disp := dispatcher.New(cfg.Dispatcher, cfg.Cache, respCache, emotionEngine, dialogueEngine, memEngine, sink, hub, tenants)
	defer disp.Close()

	if err := startKafkaIngestion(baseCtx, cfg.Kafka, cfg.Redis.Addr, disp); err != nil {
		return fmt.Errorf("start kafka ingestion: %w", err)
	}

	memCtx, cancelMem := context.WithCancel(baseCtx)
	defer cancelMem()
	go memEngine.RunDecayLoop(memCtx, cfg.Memory.DecayInterval())
	go memEngine.RunCleanupLoop(memCtx, cfg.Memory.CleanupInterval(), cfg.Memory.CleanupMinImportance, 0)
	go memEngine.RunEmbeddingRetryLoop(memCtx, 30*time.Second)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	apiServer := httpapi.NewServer(disp, governor, sink, tenantstore.RESTAuth{Store: tenants}, cfg.RateLimit)
	apiServer.Register(e)

	wsServer := realtime.NewServer(hub, tenantstore.WSAuth{Store: tenants})
	e.GET("/v1/ws", func(c echo.Context) error {
		wsServer.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("companiond listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down companiond")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	return nil
}

// newMemoryStore connects the Postgres-backed memory record store and
// initializes its schema. dsn is required: the Memory Engine has no
// in-process fallback for structured records (unlike the vector backend,
// which falls back to an in-memory store for local development).
func newMemoryStore(ctx context.Context, dsn string) (memory.Store, func(), error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("POSTGRES_DSN is required for the memory store")
	}
	pool, err := databases.NewPgPoolForMemory(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	store := memory.NewPostgresStore(pool)
	if err := store.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("init memory schema: %w", err)
	}
	return store, func() { pool.Close() }, nil
}
