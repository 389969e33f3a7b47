package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"broker-resilience/config"
	"broker-resilience/internal/alerting"
	"broker-resilience/internal/api"
	"broker-resilience/internal/auth"
	"broker-resilience/internal/broker"
	"broker-resilience/internal/bus"
	"broker-resilience/internal/cache"
	"broker-resilience/internal/circuit"
	"broker-resilience/internal/cluster"
	"broker-resilience/internal/database"
	"broker-resilience/internal/degrade"
	"broker-resilience/internal/events"
	"broker-resilience/internal/logging"
	"broker-resilience/internal/metrics"
	"broker-resilience/internal/resilience"
	"broker-resilience/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Structured logging initialized")

	// Register Prometheus collectors
	if cfg.MetricsConfig.Enabled {
		metrics.Init()
		logger.Info().Str("path", cfg.MetricsConfig.Path).Msg("Metrics enabled")
	}

	// Instance identity
	instanceID := cfg.InstanceConfig.ID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	logger.Info().
		Str("instance_id", instanceID).
		Str("hostname", cfg.InstanceConfig.Hostname).
		Msg("Instance identity resolved")

	// Context cancelling every background loop on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize event bus
	eventBus := events.NewEventBus()

	// Coordination transport: redis spans instances, memory is
	// single-process only.
	var transport bus.Bus
	if cfg.RedisConfig.Enabled {
		redisBus, err := bus.NewRedisBus(cfg.RedisConfig, cfg.CacheConfig.KeyPrefix, logger)
		if err != nil {
			log.Fatalf("Failed to connect redis bus: %v", err)
		}
		transport = redisBus
		logger.Info().Str("addr", cfg.RedisConfig.Address).Msg("Redis coordination bus connected")
	} else {
		transport = bus.NewMemoryBus()
		logger.Warn().Msg("Using in-memory coordination bus; cluster coordination is limited to this process")
	}
	defer transport.Close()

	// Fallback cache
	defaultTTL := time.Duration(cfg.CacheConfig.DefaultTTL) * time.Second
	var store cache.Store
	if cfg.CacheConfig.Backend == "redis" && cfg.RedisConfig.Enabled {
		redisStore, err := cache.NewRedisStore(cfg.RedisConfig, cfg.CacheConfig.KeyPrefix, defaultTTL, logger)
		if err != nil {
			log.Fatalf("Failed to connect redis cache: %v", err)
		}
		store = redisStore
		logger.Info().Msg("Redis fallback cache connected")
	} else {
		store = cache.NewMemoryStore(defaultTTL)
	}
	defer store.Close()

	// Durable decision history (optional)
	var history *database.History
	if cfg.DatabaseConfig.Enabled {
		db, err := database.New(cfg.DatabaseConfig, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		history = database.NewHistory(db, instanceID)
		logger.Info().Msg("Decision history persistence enabled")
	}

	// Broker credentials from Vault when enabled; otherwise they stay
	// as loaded from file/env.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize vault client: %v", err)
	}
	if vaultClient.IsEnabled() {
		creds, err := vaultClient.GetCredentials(ctx)
		if err != nil {
			log.Fatalf("Failed to fetch broker credentials from vault: %v", err)
		}
		cfg.BrokerConfig.APIToken = creds.APIToken
		cfg.BrokerConfig.AccountID = creds.AccountID
		if creds.Environment != "" {
			cfg.BrokerConfig.Environment = creds.Environment
		}
		logger.Info().Msg("Broker credentials loaded from vault")
	}

	// Broker client
	client := broker.NewClient(cfg.BrokerConfig, logger)
	if cfg.BrokerConfig.MockMode {
		logger.Warn().Msg("Broker is in mock mode; no real orders will be placed")
	}

	// Cluster coordinator (optional)
	var coordinator *cluster.Coordinator
	if cfg.CoordinatorConfig.Enabled {
		self := cluster.InstanceInfo{
			InstanceID: instanceID,
			Hostname:   cfg.InstanceConfig.Hostname,
			Region:     cfg.InstanceConfig.Region,
			Version:    cfg.InstanceConfig.Version,
			LoadFactor: cfg.InstanceConfig.LoadFactor,
		}
		coordinator = cluster.NewCoordinator(
			clusterConfig(cfg.CoordinatorConfig),
			self,
			transport,
			cluster.NewStrategy(cfg.CoordinatorConfig.VotingStrategy),
			eventBus,
			logger,
		)
	}

	// Degradation manager
	degradeMgr := degrade.NewManager(cfg.DegradationConfig, store, eventBus, logger)

	// Resilience manager ties breakers, coordinator and degradation together
	breakerCfg := circuit.Config{
		Enabled:          cfg.CircuitBreakerConfig.Enabled,
		FailureThreshold: cfg.CircuitBreakerConfig.FailureThreshold,
		Cooldown:         time.Duration(cfg.CircuitBreakerConfig.CooldownSeconds) * time.Second,
		HalfOpenProbes:   cfg.CircuitBreakerConfig.HalfOpenProbes,
	}
	manager := resilience.NewManager(breakerCfg, coordinator, degradeMgr, store, eventBus, logger)
	guard := resilience.NewGuard(manager, client)

	// Recovery probes, one per guarded service
	degradeMgr.RegisterHealthCheck(resilience.ServiceAPI, client.Ping)
	degradeMgr.RegisterHealthCheck(resilience.ServicePricing, func(ctx context.Context) error {
		_, err := client.GetPricing(ctx, []string{"EUR_USD"})
		return err
	})
	degradeMgr.RegisterHealthCheck(resilience.ServiceOrders, func(ctx context.Context) error {
		_, err := client.GetOrders(ctx)
		return err
	})

	// Persist protocol outcomes; the protocol itself never reads these back
	if history != nil {
		if coordinator != nil {
			coordinator.SetDecisionSink(history.RecordDecision)
		}
		degradeMgr.OnChange(history.RecordDegradation)
	}

	// Alerting
	alertManager := alerting.NewManager(cfg.AlertingConfig, logger)
	alertManager.AddNotifier(alerting.NewLogNotifier(logger))
	if cfg.AlertingConfig.Slack.Enabled {
		alertManager.AddNotifier(alerting.NewSlackNotifier(cfg.AlertingConfig.Slack))
		logger.Info().Msg("Slack alerts enabled")
	}
	if cfg.AlertingConfig.Webhook.Enabled {
		alertManager.AddNotifier(alerting.NewWebhookNotifier(cfg.AlertingConfig.Webhook))
		logger.Info().Msg("Webhook alerts enabled")
	}
	alertManager.SubscribeToEvents(eventBus)

	// Admin API auth
	authManager := auth.NewManager(cfg.AuthConfig)

	// HTTP API server
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(
			cfg.ServerConfig,
			cfg.MetricsConfig,
			manager,
			guard,
			authManager,
			history,
			eventBus,
			logger,
		)

		go server.Hub().Run(ctx)
		go func() {
			if err := server.Start(); err != nil {
				log.Fatalf("Failed to start web server: %v", err)
			}
		}()
		logger.Info().
			Str("host", cfg.ServerConfig.Host).
			Int("port", cfg.ServerConfig.Port).
			Msg("API server started")
	}

	// Start cluster coordination
	if coordinator != nil {
		if err := coordinator.Start(ctx); err != nil {
			log.Fatalf("Failed to start coordinator: %v", err)
		}
	}

	// Periodic cascade sweep. Individual failures escalate on their
	// own; this catches correlated failures across services.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if affected := degradeMgr.HandleCascadingScenario(ctx); len(affected) > 0 {
					logger.Warn().Strs("services", affected).Msg("Cascading failure handled")
				}
			}
		}
	}()

	logger.Info().
		Bool("coordination", coordinator != nil).
		Bool("persistence", history != nil).
		Str("cache_backend", cfg.CacheConfig.Backend).
		Msg("Broker resilience core running")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")

	// Stop background loops first so nothing publishes during teardown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down web server")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

// clusterConfig maps the flat config fields onto coordinator durations,
// falling back to protocol defaults for anything unset.
func clusterConfig(cfg config.CoordinatorConfig) *cluster.Config {
	out := cluster.DefaultConfig()
	if cfg.HeartbeatInterval > 0 {
		out.HeartbeatInterval = time.Duration(cfg.HeartbeatInterval) * time.Second
	}
	if cfg.CleanupInterval > 0 {
		out.CleanupInterval = time.Duration(cfg.CleanupInterval) * time.Second
	}
	if cfg.InstanceTimeout > 0 {
		out.InstanceTimeout = time.Duration(cfg.InstanceTimeout) * time.Second
	}
	if cfg.DecisionRetention > 0 {
		out.DecisionRetention = time.Duration(cfg.DecisionRetention) * time.Second
	}
	if cfg.VoteTimeout > 0 {
		out.VoteTimeout = time.Duration(cfg.VoteTimeout) * time.Second
	}
	if cfg.VotePollMillis > 0 {
		out.VotePollInterval = time.Duration(cfg.VotePollMillis) * time.Millisecond
	}
	if cfg.PeerFailureVoteMin > 0 {
		out.PeerFailureVoteMin = cfg.PeerFailureVoteMin
	}
	return out
}
