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
	"strings"
	"syscall"
	"time"

	"nexus/pkg/anomaly"
	"nexus/pkg/audit"
	"nexus/pkg/embedding"
	"nexus/pkg/eventbus"
	"nexus/pkg/features"
	"nexus/pkg/gate"
	"nexus/pkg/hardening"
	"nexus/pkg/httpx"
	"nexus/pkg/knowledge"
	"nexus/pkg/logging"
	"nexus/pkg/metrics"
	"nexus/pkg/ratelimit"
	"nexus/pkg/router"
	"nexus/pkg/store"
	"nexus/pkg/stream"
	"nexus/pkg/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type nexusDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (nexusDB, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type openPublisherFunc func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error)
type listenFunc func(ctx context.Context, server *http.Server) error
type startLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	loadDotenv      = func() { _ = godotenv.Load() }
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (nexusDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	openPublisherFn = func(cfg eventbus.KafkaConfig) (eventbus.Publisher, error) { return eventbus.NewKafkaPublisher(cfg) }
	listenFn        = listenAndServe
	startLoopsFn    = func(ctx context.Context, s *Server) {
		go s.sweepLoop(ctx)
		go s.metricsLoop(ctx)
	}
)

func main() {
	loadDotenv()
	logging.Setup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	deps := deps{
		initTelemetry: initTelemetryFn,
		openDB:        openDBFn,
		openRedis:     openRedisFn,
		openPublisher: openPublisherFn,
		listen:        listenFn,
		startLoops:    startLoopsFn,
	}
	if err := runNexus(ctx, deps); err != nil {
		logFatalf("nexus: %v", err)
	}
}

type deps struct {
	initTelemetry initTelemetryFunc
	openDB        openDBFunc
	openRedis     openRedisFunc
	openPublisher openPublisherFunc
	listen        listenFunc
	startLoops    startLoopsFunc
}

func runNexus(ctx context.Context, d deps) error {
	logger := slog.Default()
	shutdown, err := d.initTelemetry(ctx, "nexus")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	gateEnabled := envBool("GATE_ENABLED", true)
	modelPath := env("GATE_MODEL_PATH", "")
	serviceAuthHeader := env("SERVICE_AUTH_HEADER", "X-Service-Token")
	serviceAuthToken := env("SERVICE_AUTH_TOKEN", "")
	redisAddr := env("REDIS_ADDR", env("REDIS_URL", ""))
	posture := hardening.For("nexus", runtimeEnv, env("STRICT_PROD_SECURITY", ""))
	if auditDatabaseURL() != "" {
		posture.RequireTrue("DATABASE_REQUIRE_TLS", env("DATABASE_REQUIRE_TLS", ""))
	}
	if redisAddr != "" {
		posture.RequireTrue("REDIS_REQUIRE_TLS", env("REDIS_REQUIRE_TLS", "")).
			ForbidTrue("REDIS_TLS_INSECURE", env("REDIS_TLS_INSECURE", "")).
			ForbidTrue("REDIS_ALLOW_INSECURE_TLS", env("REDIS_ALLOW_INSECURE_TLS", ""))
	}
	// A gate without a model only ever allows.
	if gateEnabled {
		posture.Require("GATE_MODEL_PATH", modelPath)
	}
	posture.CORSOrigins(env("CORS_ALLOWED_ORIGINS", "")).
		Require("SERVICE_AUTH_HEADER", serviceAuthHeader).
		Require("SERVICE_AUTH_TOKEN", serviceAuthToken)
	if err := posture.Err(); err != nil {
		return err
	}

	var redisClient *redis.Client
	if redisAddr != "" {
		redisClient, err = d.openRedis(ctx)
		if err != nil {
			logger.Warn("redis unavailable, using in-process window and cache", "err", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	reg := metrics.NewRegistry()
	hub := stream.NewHub()

	windowSize := envDurationSec("GATE_WINDOW_SEC", 60)
	maxClients := envInt("GATE_MAX_CLIENTS", features.DefaultMaxClients)
	memWindow := features.NewMemoryWindow(windowSize, maxClients)
	if memWindow.Capacity() != maxClients {
		logger.Debug("gate client cap rounded to the shard count", "requested", maxClients, "capacity", memWindow.Capacity())
	}
	var window features.Window = memWindow
	if strings.EqualFold(env("GATE_WINDOW_BACKEND", "memory"), "redis") {
		if redisClient == nil {
			logger.Warn("GATE_WINDOW_BACKEND=redis without a reachable redis, using in-process window")
		} else {
			rw := features.NewRedisWindow(redisClient, windowSize, memWindow)
			rw.Logger = logger
			window = rw
		}
	}
	agg := features.NewAggregator(window, features.WithPayloadSize(envFloat("GATE_PAYLOAD_SIZE", features.DefaultPayloadSize)))

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	gateOpts := []gate.Option{
		gate.WithLogger(logger),
		gate.WithPolicy(gate.Policy{Threshold: envFloat("GATE_BLOCK_THRESHOLD", gate.DefaultThreshold)}),
		gate.WithSink(gate.SinkFunc(func(_ context.Context, dec gate.Decision) {
			reg.ObserveGate(dec.Source, dec.Verdict.Reason, dec.Enforced)
		})),
		gate.WithSink(gate.Filter(hub, gate.Anomalous)),
	}

	var auditStore auditStats
	if envBool("AUDIT_ENABLED", false) {
		pool, err := d.openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		closers = append(closers, pool.Close)
		auditWriter := &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   envBool("AUDIT_REDACT", true),
		}
		auditStore = auditWriter
		sink := gate.NewAsyncSink(&audit.Sink{Writer: auditWriter, Logger: logger}, envInt("AUDIT_QUEUE_SIZE", 1024), logger)
		closers = append(closers, sink.Close)
		gateOpts = append(gateOpts, gate.WithSink(gate.Filter(sink, gate.Anomalous)))
	}

	if envBool("KAFKA_ENABLED", false) {
		pub, err := d.openPublisher(eventbus.KafkaConfig{
			Brokers: eventbus.ParseBrokers(env("KAFKA_BROKERS", "")),
			Topic:   env("KAFKA_TOPIC", "nexus.gate.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		sink := gate.NewAsyncSink(&eventbus.DecisionSink{Publisher: pub, Logger: logger}, envInt("KAFKA_QUEUE_SIZE", 1024), logger)
		closers = append(closers, sink.Close)
		gateOpts = append(gateOpts, gate.WithSink(gate.Filter(sink, gate.Anomalous)))
	}

	var g *gate.Gate
	if gateEnabled {
		g = gate.New(agg, loadModel(modelPath, logger), gateOpts...)
	}

	rt := buildRouter(ctx, cache, logger)

	// Route queries cost an embedding call each; ROUTE_QUOTA_PER_MIN caps them per client.
	var quota ratelimit.Limiter
	if limit := envInt("ROUTE_QUOTA_PER_MIN", 0); limit > 0 {
		if redisClient != nil {
			rl := ratelimit.NewRedis(redisClient, limit, time.Minute)
			rl.Prefix = "quota:route:"
			rl.Logger = logger
			quota = rl
		} else {
			quota = ratelimit.NewInMemory(limit, time.Minute)
		}
	}

	s := &Server{
		Gate:                g,
		Router:              rt,
		Window:              memWindow,
		Metrics:             reg,
		Events:              hub,
		Audit:               auditStore,
		Quota:               quota,
		Logger:              logger,
		ClientIP:            httpx.ClientIPResolver{TrustedProxies: httpx.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", ""))},
		ServiceAuthHeader:   serviceAuthHeader,
		ServiceAuthToken:    serviceAuthToken,
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSOriginPatterns:    wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		SweepInterval:       envDurationSec("GATE_SWEEP_INTERVAL_SEC", 30),
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if d.startLoops != nil {
		d.startLoops(loopCtx, s)
	}

	addr := env("ADDR", ":8000")
	logger.Info("nexus listening",
		"addr", addr,
		"sentinel", s.sentinelStatus(),
		"router", s.routerStatus(),
	)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if d.listen == nil {
		return errors.New("listen function required")
	}
	return d.listen(ctx, server)
}

// listenAndServe serves until ctx is done, then drains in-flight requests.
func listenAndServe(ctx context.Context, server *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadModel returns nil when the artifact is missing or invalid; the gate then
// runs degraded and allows everything.
func loadModel(path string, logger *slog.Logger) anomaly.Model {
	forest, err := anomaly.Load(path)
	if err != nil {
		logger.Warn("anomaly model not loaded, gate degraded", "path", path, "err", err)
		return nil
	}
	sum := forest.Summary()
	logger.Info("anomaly model loaded", "path", path, "trees", sum.Trees, "max_samples", sum.MaxSamples)
	return forest
}

// buildRouter wires the embedding provider, its cache and the vector index.
// Any failure leaves the router disabled rather than stopping the process.
func buildRouter(ctx context.Context, cache store.Cache, logger *slog.Logger) *router.Router {
	emb, err := embedding.FromConfig(embedding.Config{
		Provider:   env("EMBEDDING_PROVIDER", "hashing"),
		Model:      env("EMBEDDING_MODEL", ""),
		Dimensions: envInt("EMBEDDING_DIMENSIONS", 0),
		VoyageKey:  env("VOYAGEAI_API_KEY", env("VOYAGE_API_KEY", "")),
		OpenAIKey:  env("OPENAI_API_KEY", ""),
		OpenAIURL:  env("OPENAI_BASE_URL", ""),
	})
	if err != nil {
		logger.Warn("embedding provider unavailable, router disabled", "err", err)
		return router.New(nil, nil, router.WithLogger(logger))
	}
	if o, ok := emb.(*embedding.OpenAI); ok {
		o.Client = telemetry.InstrumentClient(o.Client)
	}
	if rps := envFloat("EMBEDDING_RPS", 0); rps > 0 {
		emb = embedding.NewLimited(emb, rps)
	}
	emb = embedding.NewCached(emb, cache, envDurationSec("EMBEDDING_CACHE_TTL_SEC", int(embedding.DefaultCacheTTL/time.Second)))

	buildCtx, cancel := context.WithTimeout(ctx, envDurationSec("ROUTER_BUILD_TIMEOUT_SEC", 60))
	defer cancel()
	services := knowledge.Load(env("ROUTER_CONFIG_PATH", ""), logger)
	base, err := knowledge.Build(buildCtx, emb, services)
	if err != nil {
		logger.Warn("knowledge base embedding failed, router disabled", "err", err)
		return router.New(nil, nil, router.WithLogger(logger))
	}

	opts := []router.Option{
		router.WithLogger(logger),
		router.WithMinScore(envFloat("ROUTER_MIN_SCORE", router.DefaultMinScore)),
	}
	if strings.EqualFold(env("ROUTER_INDEX", "memory"), "pinecone") {
		idx, err := router.NewPineconeIndex(router.PineconeConfig{
			APIKey:    env("PINECONE_API_KEY", ""),
			Host:      env("PINECONE_HOST", ""),
			Namespace: env("PINECONE_NAMESPACE", "nexus"),
		})
		if err == nil {
			err = idx.Sync(buildCtx, base)
		}
		if err != nil {
			logger.Warn("pinecone index unavailable, using in-memory index", "err", err)
		} else {
			opts = append(opts, router.WithIndex(idx))
		}
	}
	logger.Info("router ready", "embedder", base.Embedder(), "services", len(base.Entries()))
	return router.New(emb, base, opts...)
}

func auditDatabaseURL() string {
	if !envBool("AUDIT_ENABLED", false) {
		return ""
	}
	return env("DATABASE_URL", "postgres://")
}
