package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bustracker/pkg/auth"
	"bustracker/pkg/cache"
	"bustracker/pkg/config"
	"bustracker/pkg/eta"
	"bustracker/pkg/feed"
	"bustracker/pkg/fleet"
	"bustracker/pkg/gateway"
	"bustracker/pkg/history"
	"bustracker/pkg/liveness"
	"bustracker/pkg/logging"
	"bustracker/pkg/loki"
	"bustracker/pkg/metrics"
	"bustracker/pkg/pipeline"
	"bustracker/pkg/profiling"
	"bustracker/pkg/realtime"
	"bustracker/pkg/registry"
	"bustracker/pkg/server"
	"bustracker/pkg/tracing"
	"bustracker/pkg/tracking"
)

func main() {
	// Command line flags
	var (
		configPath = flag.String("config", getEnv("BUSTRACKER_CONFIG", ""), "Path to a YAML config file")
		port       = flag.Int("port", 0, "HTTP port (overrides server.port)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Bus Live-Location Tracker\n\n")
		fmt.Fprintf(os.Stderr, "Accepts GPS fixes from devices, drivers, a SIRI-VM feed and Kafka,\n")
		fmt.Fprintf(os.Stderr, "keeps the latest position of every bus, pushes updates to websocket\n")
		fmt.Fprintf(os.Stderr, "viewers and estimates arrival times.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_CONFIG             - YAML config file (default: ./config.yaml if present)\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_SERVER_PORT        - HTTP port (default: 8080)\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_CACHE_BACKEND      - memory or redis (default: memory)\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_CACHE_REDIS_URL    - Redis URL for the location cache\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_HISTORY_BACKEND    - none, postgres or loki (default: none)\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_REGISTRY_DATABASE_URL - Postgres URL for buses, drivers and stops\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_AUTH_JWT_SECRET    - HMAC secret for session tokens\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_KAFKA_BROKERS      - Kafka brokers for the GPS gateway\n")
		fmt.Fprintf(os.Stderr, "  LOG_LEVEL, LOG_FORMAT         - debug|info|warn|error, text|json\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Local development with in-memory cache and registry\n")
		fmt.Fprintf(os.Stderr, "  %s --config=config.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Production with Redis and Postgres\n")
		fmt.Fprintf(os.Stderr, "  BUSTRACKER_CACHE_BACKEND=redis BUSTRACKER_CACHE_REDIS_URL=redis://localhost:6379/0 \\\n")
		fmt.Fprintf(os.Stderr, "    BUSTRACKER_HISTORY_BACKEND=postgres BUSTRACKER_HISTORY_DATABASE_URL=postgres://... %s\n\n", os.Args[0])
	}

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logging.InitLogging()

	// Initialize tracing
	shutdownTracing, err := tracing.InitTracing()
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer shutdownTracing()

	// Initialize metrics
	shutdownMetrics, err := metrics.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer shutdownMetrics()

	// Initialize profiling
	shutdownProfiling, err := profiling.InitProfiling()
	if err != nil {
		log.Fatalf("Failed to initialize profiling: %v", err)
	}
	defer shutdownProfiling()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Location cache
	var (
		baseCache cache.Cache
		health    func(context.Context) error
	)
	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedis(cfg.Cache.RedisURL)
		if err != nil {
			log.Fatalf("Failed to create Redis cache: %v", err)
		}
		defer r.Close()
		if err := r.Ping(ctx); err != nil {
			log.Printf("Redis not reachable at startup: %v", err)
		}
		baseCache = r
		health = r.Ping
	default:
		baseCache = cache.NewMemory()
	}
	locations := cache.NewInstrumented(baseCache, cfg.Cache.Backend, cfg.Cache.Timeout)

	reg, closeRegistry, err := buildRegistry(ctx, cfg.Registry)
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}
	defer closeRegistry()

	store, closeStore, err := buildHistory(ctx, cfg.History)
	if err != nil {
		log.Fatalf("Failed to create history store: %v", err)
	}
	defer closeStore()
	dispatcher := history.NewDispatcher(store, history.DispatcherConfig{
		QueueSize:    cfg.History.QueueSize,
		Workers:      cfg.History.Workers,
		WriteTimeout: cfg.History.Timeout,
	})

	evaluator := liveness.NewEvaluator(cfg.Liveness.Threshold)
	hub := realtime.NewHub(locations, evaluator, realtime.Config{
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		SendBuffer:      cfg.Realtime.SendBuffer,
		WriteTimeout:    cfg.Realtime.WriteTimeout,
		RejoinInterval:  cfg.Realtime.RejoinInterval,
	})

	ingest, err := pipeline.New(pipeline.Config{
		MinInterval: cfg.Ingest.MinInterval,
		RejectStale: cfg.Ingest.RejectStale,
		MaxSpeedKmh: cfg.Ingest.MaxSpeedKmh,
	}, locations, dispatcher, hub, reg)
	if err != nil {
		log.Fatalf("Failed to create ingest pipeline: %v", err)
	}

	etaConfig, err := cfg.ETA.Build()
	if err != nil {
		log.Fatalf("Invalid ETA configuration: %v", err)
	}

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		log.Fatalf("Failed to create token verifier: %v", err)
	}

	monitor, err := fleet.NewMonitor(locations, evaluator, hub, cfg.Realtime.FleetStatusSpec)
	if err != nil {
		log.Fatalf("Failed to create fleet monitor: %v", err)
	}
	monitor.Start()

	srv, err := server.New(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, server.Dependencies{
		Ingester:  ingest,
		Locator:   tracking.NewService(locations, evaluator),
		Predictor: eta.NewPredictor(locations, evaluator, etaConfig),
		History:   store,
		Registry:  reg,
		Verifier:  verifier,
		Socket:    realtime.NewSocketHandler(hub, verifier, cfg.Server.CORSOrigins),
		Health:    health,
	})
	if err != nil {
		log.Fatalf("Failed to create HTTP server: %v", err)
	}

	log.Printf("Starting bus tracker on port %d", cfg.Server.Port)
	log.Printf("Cache backend: %s, history backend: %s", cfg.Cache.Backend, cfg.History.Backend)
	log.Printf("Liveness threshold: %v, ingest interval: %v", cfg.Liveness.Threshold, cfg.Ingest.MinInterval)

	var wg sync.WaitGroup
	errChan := make(chan error, 3)
	runTask := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runTask("http server", srv.Run)

	if cfg.Feed.URL != "" {
		bridge, err := feed.NewBridge(feed.Config{
			URL:            cfg.Feed.URL,
			APIKey:         cfg.Feed.APIKey,
			LineRefs:       cfg.Feed.LineRefs,
			OrganizationID: cfg.Feed.OrganizationID,
			Interval:       cfg.Feed.Interval,
		}, reg, ingest)
		if err != nil {
			log.Fatalf("Failed to create SIRI-VM bridge: %v", err)
		}
		log.Printf("Polling SIRI-VM feed for lines %v every %v", cfg.Feed.LineRefs, cfg.Feed.Interval)
		runTask("siri bridge", bridge.Run)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := gateway.NewConsumer(gateway.Config{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			GroupID:  cfg.Kafka.GroupID,
			MinBytes: cfg.Kafka.MinBytes,
			MaxBytes: cfg.Kafka.MaxBytes,
			MaxWait:  cfg.Kafka.MaxWait,
		}, ingest)
		if err != nil {
			log.Fatalf("Failed to create Kafka gateway: %v", err)
		}
		defer consumer.Close()
		log.Printf("Consuming GPS fixes from topic %s on %v", cfg.Kafka.Topic, cfg.Kafka.Brokers)
		runTask("kafka gateway", consumer.Run)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down gracefully...", sig)
	case err := <-errChan:
		log.Printf("Component failed: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-time.After(10 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	case <-done:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	monitor.Stop(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Printf("History entries dropped on shutdown: %v", err)
	}

	log.Println("Bus tracker shutdown complete")
}

func buildRegistry(ctx context.Context, cfg config.RegistryConfig) (registry.Registry, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := registry.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}

	mem := cfg.Memory()
	log.Printf("Using in-memory registry with %d buses and %d drivers", len(cfg.Buses), len(cfg.Drivers))
	return mem, func() {}, nil
}

func buildHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := history.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "loki":
		return loki.NewClient(cfg.LokiURL, cfg.LokiUser, cfg.LokiPassword), func() {}, nil
	default:
		return history.Discard{}, func() {}, nil
	}
}

func buildVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.JWTSecret != "" {
		return auth.NewJWTVerifier(cfg.JWTSecret)
	}
	log.Printf("No JWT secret configured: driver and admin endpoints will reject every token")
	return auth.StaticVerifier{}, nil
}

// getEnv returns the value of an environment variable or a default value if not set
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
