package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"orderflow-bot/config"
	"orderflow-bot/internal/confluence"
	"orderflow-bot/internal/database"
	"orderflow-bot/internal/engine"
	"orderflow-bot/internal/events"
	"orderflow-bot/internal/filters"
	"orderflow-bot/internal/lifecycle"
	"orderflow-bot/internal/logging"
	"orderflow-bot/internal/market"
	"orderflow-bot/internal/patterns"
	"orderflow-bot/internal/provider"
	"orderflow-bot/internal/risk"
	"orderflow-bot/internal/safety"
	"orderflow-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	// Durable store: in-memory when running against the mock venue,
	// PostgreSQL otherwise
	var store database.Store
	if cfg.ProviderConfig.MockMode {
		store = database.NewMemoryStore()
		logger.Info().Msg("using in-memory store (mock mode)")
	} else {
		db, err := database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logging.Component(logger, "database"))
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		store = database.NewRepository(db)
	}

	// Venue provider, wrapped with the retry policy
	var venue provider.Provider
	if cfg.ProviderConfig.MockMode {
		venue = provider.NewMockProvider(cfg.EngineConfig.StartingBalance)
		logger.Info().Msg("using mock venue")
	} else {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault client failed")
		}
		if !cfg.VaultConfig.Enabled {
			vaultClient.Seed(cfg.ProviderConfig.APIKey, cfg.ProviderConfig.SecretKey)
		}
		creds, err := vaultClient.GetCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("loading venue credentials failed")
		}
		venue = provider.NewRESTProvider(creds.APIKey, creds.SecretKey, cfg.ProviderConfig.BaseURL)
		if cfg.ProviderConfig.DryRun {
			venue = provider.NewDryRunProvider(venue, logging.Component(logger, "dryrun"))
			logger.Info().Msg("dry run enabled, orders fill locally")
		}
	}
	venue = provider.NewRetryingProvider(venue, provider.RetryConfig{
		MaxRetries: cfg.ProviderConfig.MaxRetries,
		Backoff:    cfg.ProviderConfig.RetryBackoff,
		Timeout:    cfg.ProviderConfig.CallTimeout,
	}, logging.Component(logger, "provider"))

	series := market.NewSeriesStore(cfg.MarketConfig.CandleHistory)
	prices := market.NewPriceCache(time.Duration(cfg.MarketConfig.PriceStaleAge) * time.Second)

	// Optional Redis: price mirror plus the shared emergency stop flag
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, continuing without mirror")
			redisClient = nil
		}
	}

	if !cfg.ProviderConfig.MockMode {
		stream := market.NewPriceStream(cfg.ProviderConfig.StreamURL, cfg.MarketConfig.Instruments, prices, logging.Component(logger, "stream"))
		if redisClient != nil {
			mirror := market.NewRedisMirror(redisClient, logging.Component(logger, "mirror"))
			stream.OnUpdate(mirror.Publish)
		}
		stream.Start()
		defer stream.Stop()
	}

	detector := patterns.NewDetector(
		cfg.PatternConfig.SwingLookback,
		cfg.PatternConfig.MinGapPercent,
		cfg.PatternConfig.LiquidityBandPct,
		cfg.PatternConfig.ImpulseBodyRatio,
	)

	scorer, err := confluence.NewScorer(
		cfg.ConfluenceConfig.AlignmentWeight,
		cfg.ConfluenceConfig.ZoneWeight,
		cfg.ConfluenceConfig.StructureWeight,
		cfg.ConfluenceConfig.MinScore,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid confluence weights")
	}

	riskEngine := risk.NewEngine(cfg.RiskConfig)

	baseTimeframe := cfg.MarketConfig.Timeframes[len(cfg.MarketConfig.Timeframes)-1]
	chain := filters.NewChain(logging.Component(logger, "filters"),
		filters.NewRegimeFilter(cfg.FilterConfig.BlockExtremeRegime),
		// Heat cap is configured as a balance fraction; the filter works in
		// percent-risk units
		filters.NewCorrelationFilter(series, baseTimeframe, cfg.FilterConfig.CorrelationWindow, cfg.FilterConfig.PortfolioHeatCap*100),
		filters.NewFreshnessFilter(cfg.FilterConfig.DecayLambdaPerMin, cfg.FilterConfig.FreshnessLifetime, cfg.FilterConfig.FreshnessSizing),
		filters.NewExpectancyFilter(store, cfg.FilterConfig.MinExpectancy),
		filters.NewReversionFilter(series, baseTimeframe, cfg.FilterConfig.BollingerPeriod, cfg.FilterConfig.BollingerStdDev, cfg.FilterConfig.MeanReversionSizing),
	)

	stopSwitch := safety.NewStopSwitch(cfg.SafetyConfig.EmergencyStopFile, redisClient, logging.Component(logger, "safety"))
	gate := safety.NewGate(
		stopSwitch,
		cfg.SafetyConfig.DailyLossLimit,
		cfg.SafetyConfig.MaxPositionFraction,
		cfg.SafetyConfig.PortfolioRiskCap,
		cfg.SafetyConfig.MinTradeSize,
		cfg.SafetyConfig.ConfirmationMode,
		logging.Component(logger, "safety"),
	)

	manager := lifecycle.NewManager(store, venue, prices, series, bus, lifecycle.Options{
		EntryCooldown:        cfg.LifecycleConfig.EntryCooldown,
		MaxOpenPositions:     cfg.LifecycleConfig.MaxOpenPositions,
		MaxHoldTime:          cfg.LifecycleConfig.MaxHoldTime,
		SessionClose:         cfg.LifecycleConfig.SessionClose,
		SessionCloseLead:     cfg.LifecycleConfig.SessionCloseLead,
		MinEntrySeparation:   cfg.LifecycleConfig.MinEntrySeparation,
		CorrelationThreshold: cfg.LifecycleConfig.CorrelationThreshold,
		CorrTimeframe:        baseTimeframe,
		CorrWindow:           cfg.FilterConfig.CorrelationWindow,
	}, logging.Component(logger, "lifecycle"))

	eng := engine.New(cfg, store, venue, series, prices, detector, scorer, riskEngine, chain, gate, manager, bus, logging.Component(logger, "engine"))

	logger.Info().
		Strs("instruments", cfg.MarketConfig.Instruments).
		Strs("timeframes", cfg.MarketConfig.Timeframes).
		Dur("interval", cfg.EngineConfig.LoopInterval).
		Bool("mock", cfg.ProviderConfig.MockMode).
		Msg("starting engine")

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("engine stopped with error")
	}
	logger.Info().Msg("shutdown complete")
}
