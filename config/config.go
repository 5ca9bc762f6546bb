package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ProviderConfig   ProviderConfig   `json:"provider"`
	MarketConfig     MarketConfig     `json:"market"`
	PatternConfig    PatternConfig    `json:"patterns"`
	ConfluenceConfig ConfluenceConfig `json:"confluence"`
	RiskConfig       RiskConfig       `json:"risk"`
	FilterConfig     FilterConfig     `json:"filters"`
	SafetyConfig     SafetyConfig     `json:"safety"`
	LifecycleConfig  LifecycleConfig  `json:"lifecycle"`
	EngineConfig     EngineConfig     `json:"engine"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	VaultConfig      VaultConfig      `json:"vault"`
	LoggingConfig    LoggingConfig    `json:"logging"`
}

// ProviderConfig holds market-data/order provider configuration
type ProviderConfig struct {
	APIKey       string        `json:"api_key"`
	SecretKey    string        `json:"secret_key"`
	BaseURL      string        `json:"base_url"`
	StreamURL    string        `json:"stream_url"`
	MockMode     bool          `json:"mock_mode"` // Use simulated provider instead of a live venue
	DryRun       bool          `json:"dry_run"`   // Analyze and size but simulate fills locally
	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
	CallTimeout  time.Duration `json:"call_timeout"`
}

// MarketConfig holds instrument universe and price series configuration
type MarketConfig struct {
	Instruments   []string `json:"instruments"`     // e.g. ["BTCUSDT", "ETHUSDT"]
	Timeframes    []string `json:"timeframes"`      // Highest first, e.g. ["4h", "1h", "15m", "5m"]
	CandleHistory int      `json:"candle_history"`  // Candles kept per instrument/timeframe window
	PriceStaleAge int      `json:"price_stale_age"` // Seconds before a cached price is considered stale
}

// PatternConfig holds pattern detector configuration
type PatternConfig struct {
	SwingLookback    int     `json:"swing_lookback"`     // Candles each side of a local extremum
	MinGapPercent    float64 `json:"min_gap_percent"`    // Minimum FVG size as % of price
	LiquidityBandPct float64 `json:"liquidity_band_pct"` // Zone band width beyond a swing as % of price
	ImpulseBodyRatio float64 `json:"impulse_body_ratio"` // Body/range ratio that qualifies an impulse candle
}

// ConfluenceConfig holds multi-timeframe scoring configuration
type ConfluenceConfig struct {
	MinScore        float64 `json:"min_score"`        // Minimum confluence score to emit a signal
	AlignmentWeight float64 `json:"alignment_weight"` // Timeframe alignment share of the score
	ZoneWeight      float64 `json:"zone_weight"`      // Pattern/zone quality share
	StructureWeight float64 `json:"structure_weight"` // Market structure confirmation share
}

// RiskConfig holds stop, target, and sizing configuration
type RiskConfig struct {
	RiskFraction      float64 `json:"risk_fraction"` // Fraction of balance risked per trade
	ATRPeriod         int     `json:"atr_period"`
	RegimeLowMult     float64 `json:"regime_low_mult"` // ATR stop multiplier in a low-vol regime
	RegimeMediumMult  float64 `json:"regime_medium_mult"`
	RegimeHighMult    float64 `json:"regime_high_mult"`
	RegimeExtremeMult float64 `json:"regime_extreme_mult"`
	MinRiskReward     float64 `json:"min_risk_reward"`
	MaxRiskReward     float64 `json:"max_risk_reward"`
	RoundLevelStep    float64 `json:"round_level_step"` // Psychological level granularity; 0 derives it from price magnitude
}

// FilterConfig holds quant filter chain configuration
type FilterConfig struct {
	BlockExtremeRegime  bool          `json:"block_extreme_regime"`
	CorrelationWindow   int           `json:"correlation_window"`
	PortfolioHeatCap    float64       `json:"portfolio_heat_cap"`
	DecayLambdaPerMin   float64       `json:"decay_lambda_per_min"`
	FreshnessLifetime   time.Duration `json:"freshness_lifetime"`
	MinExpectancy       float64       `json:"min_expectancy"` // Minimum EV in R-multiples
	BollingerPeriod     int           `json:"bollinger_period"`
	BollingerStdDev     float64       `json:"bollinger_std_dev"`
	FreshnessSizing     bool          `json:"freshness_sizing"`      // Apply freshness size multipliers (default off)
	MeanReversionSizing bool          `json:"mean_reversion_sizing"` // Apply mean-reversion size multipliers (default off)
}

// SafetyConfig holds pre-execution safety gate configuration
type SafetyConfig struct {
	EmergencyStopFile   string  `json:"emergency_stop_file"`   // Presence of this file halts new entries
	DailyLossLimit      float64 `json:"daily_loss_limit"`      // Fraction of start-of-day balance
	MaxPositionFraction float64 `json:"max_position_fraction"` // Max notional as fraction of balance
	PortfolioRiskCap    float64 `json:"portfolio_risk_cap"`    // Max summed open risk as fraction of balance
	MinTradeSize        float64 `json:"min_trade_size"`        // Venue minimum tradable size
	ConfirmationMode    string  `json:"confirmation_mode"`     // "manual" or "automatic"
}

// LifecycleConfig holds trade lifecycle configuration
type LifecycleConfig struct {
	SignalFreshness      time.Duration `json:"signal_freshness"` // Wall-clock decay window before a signal expires
	SignalHardExpiry     time.Duration `json:"signal_hard_expiry"`
	EntryCooldown        time.Duration `json:"entry_cooldown"` // Per-instrument cooldown between entries
	MaxOpenPositions     int           `json:"max_open_positions"`
	MaxHoldTime          time.Duration `json:"max_hold_time"`
	SessionClose         string        `json:"session_close"` // "HH:MM" UTC; empty disables session close
	SessionCloseLead     time.Duration `json:"session_close_lead"`
	MinEntrySeparation   float64       `json:"min_entry_separation"` // Min price separation (%) from correlated open entries
	CorrelationThreshold float64       `json:"correlation_threshold"`
}

// EngineConfig holds control loop configuration
type EngineConfig struct {
	LoopInterval    time.Duration `json:"loop_interval"`
	StartingBalance float64       `json:"starting_balance"` // Used only when no ledger rows exist at all
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the live price mirror and
// the out-of-band emergency stop flag
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault configuration for provider credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output instead of console
}

func Load() (*Config, error) {
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		// No config file: start from defaults and environment
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills zero-valued fields with documented defaults
func applyDefaults(cfg *Config) {
	if cfg.ProviderConfig.BaseURL == "" {
		cfg.ProviderConfig.BaseURL = "https://api.binance.com"
	}
	if cfg.ProviderConfig.StreamURL == "" {
		cfg.ProviderConfig.StreamURL = "wss://stream.binance.com:9443"
	}
	if cfg.ProviderConfig.MaxRetries == 0 {
		cfg.ProviderConfig.MaxRetries = 3
	}
	if cfg.ProviderConfig.RetryBackoff == 0 {
		cfg.ProviderConfig.RetryBackoff = 2 * time.Second
	}
	if cfg.ProviderConfig.CallTimeout == 0 {
		cfg.ProviderConfig.CallTimeout = 10 * time.Second
	}

	if len(cfg.MarketConfig.Instruments) == 0 {
		cfg.MarketConfig.Instruments = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	if len(cfg.MarketConfig.Timeframes) == 0 {
		cfg.MarketConfig.Timeframes = []string{"4h", "1h", "15m", "5m"}
	}
	if cfg.MarketConfig.CandleHistory == 0 {
		cfg.MarketConfig.CandleHistory = 200
	}
	if cfg.MarketConfig.PriceStaleAge == 0 {
		cfg.MarketConfig.PriceStaleAge = 30
	}

	if cfg.PatternConfig.SwingLookback == 0 {
		cfg.PatternConfig.SwingLookback = 5
	}
	if cfg.PatternConfig.MinGapPercent == 0 {
		cfg.PatternConfig.MinGapPercent = 0.1
	}
	if cfg.PatternConfig.LiquidityBandPct == 0 {
		cfg.PatternConfig.LiquidityBandPct = 0.15
	}
	if cfg.PatternConfig.ImpulseBodyRatio == 0 {
		cfg.PatternConfig.ImpulseBodyRatio = 0.6
	}

	if cfg.ConfluenceConfig.MinScore == 0 {
		cfg.ConfluenceConfig.MinScore = 0.29
	}
	if cfg.ConfluenceConfig.AlignmentWeight == 0 {
		cfg.ConfluenceConfig.AlignmentWeight = 0.40
	}
	if cfg.ConfluenceConfig.ZoneWeight == 0 {
		cfg.ConfluenceConfig.ZoneWeight = 0.35
	}
	if cfg.ConfluenceConfig.StructureWeight == 0 {
		cfg.ConfluenceConfig.StructureWeight = 0.25
	}

	if cfg.RiskConfig.RiskFraction == 0 {
		cfg.RiskConfig.RiskFraction = 0.01
	}
	if cfg.RiskConfig.ATRPeriod == 0 {
		cfg.RiskConfig.ATRPeriod = 14
	}
	if cfg.RiskConfig.RegimeLowMult == 0 {
		cfg.RiskConfig.RegimeLowMult = 0.8
	}
	if cfg.RiskConfig.RegimeMediumMult == 0 {
		cfg.RiskConfig.RegimeMediumMult = 1.0
	}
	if cfg.RiskConfig.RegimeHighMult == 0 {
		cfg.RiskConfig.RegimeHighMult = 1.3
	}
	if cfg.RiskConfig.RegimeExtremeMult == 0 {
		cfg.RiskConfig.RegimeExtremeMult = 1.5
	}
	if cfg.RiskConfig.MinRiskReward == 0 {
		cfg.RiskConfig.MinRiskReward = 2.0
	}
	if cfg.RiskConfig.MaxRiskReward == 0 {
		cfg.RiskConfig.MaxRiskReward = 20.0
	}
	if cfg.FilterConfig.CorrelationWindow == 0 {
		cfg.FilterConfig.CorrelationWindow = 30
	}
	if cfg.FilterConfig.PortfolioHeatCap == 0 {
		cfg.FilterConfig.PortfolioHeatCap = 0.06
	}
	if cfg.FilterConfig.DecayLambdaPerMin == 0 {
		cfg.FilterConfig.DecayLambdaPerMin = 0.3
	}
	if cfg.FilterConfig.FreshnessLifetime == 0 {
		cfg.FilterConfig.FreshnessLifetime = 5 * time.Minute
	}
	if cfg.FilterConfig.MinExpectancy == 0 {
		cfg.FilterConfig.MinExpectancy = 0.2
	}
	if cfg.FilterConfig.BollingerPeriod == 0 {
		cfg.FilterConfig.BollingerPeriod = 20
	}
	if cfg.FilterConfig.BollingerStdDev == 0 {
		cfg.FilterConfig.BollingerStdDev = 2.0
	}

	if cfg.SafetyConfig.EmergencyStopFile == "" {
		cfg.SafetyConfig.EmergencyStopFile = "EMERGENCY_STOP"
	}
	if cfg.SafetyConfig.DailyLossLimit == 0 {
		cfg.SafetyConfig.DailyLossLimit = 0.05
	}
	if cfg.SafetyConfig.MaxPositionFraction == 0 {
		cfg.SafetyConfig.MaxPositionFraction = 0.20
	}
	if cfg.SafetyConfig.PortfolioRiskCap == 0 {
		cfg.SafetyConfig.PortfolioRiskCap = 0.02
	}
	if cfg.SafetyConfig.ConfirmationMode == "" {
		cfg.SafetyConfig.ConfirmationMode = "manual"
	}

	if cfg.LifecycleConfig.SignalFreshness == 0 {
		cfg.LifecycleConfig.SignalFreshness = 5 * time.Minute
	}
	if cfg.LifecycleConfig.SignalHardExpiry == 0 {
		cfg.LifecycleConfig.SignalHardExpiry = 2 * time.Hour
	}
	if cfg.LifecycleConfig.EntryCooldown == 0 {
		cfg.LifecycleConfig.EntryCooldown = 5 * time.Minute
	}
	if cfg.LifecycleConfig.MaxOpenPositions == 0 {
		cfg.LifecycleConfig.MaxOpenPositions = 3
	}
	if cfg.LifecycleConfig.MaxHoldTime == 0 {
		cfg.LifecycleConfig.MaxHoldTime = 4 * time.Hour
	}
	if cfg.LifecycleConfig.SessionCloseLead == 0 {
		cfg.LifecycleConfig.SessionCloseLead = 15 * time.Minute
	}
	if cfg.LifecycleConfig.MinEntrySeparation == 0 {
		cfg.LifecycleConfig.MinEntrySeparation = 0.5
	}
	if cfg.LifecycleConfig.CorrelationThreshold == 0 {
		cfg.LifecycleConfig.CorrelationThreshold = 0.7
	}

	if cfg.EngineConfig.LoopInterval == 0 {
		cfg.EngineConfig.LoopInterval = time.Minute
	}
	if cfg.EngineConfig.StartingBalance == 0 {
		cfg.EngineConfig.StartingBalance = 10000
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}

	if cfg.VaultConfig.Address == "" {
		cfg.VaultConfig.Address = "http://localhost:8200"
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "orderflow-bot/api-keys"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment takes precedence over the config file.
func applyEnvOverrides(cfg *Config) {
	cfg.ProviderConfig.APIKey = getEnvOrDefault("PROVIDER_API_KEY", cfg.ProviderConfig.APIKey)
	cfg.ProviderConfig.SecretKey = getEnvOrDefault("PROVIDER_SECRET_KEY", cfg.ProviderConfig.SecretKey)
	cfg.ProviderConfig.BaseURL = getEnvOrDefault("PROVIDER_BASE_URL", cfg.ProviderConfig.BaseURL)
	cfg.ProviderConfig.StreamURL = getEnvOrDefault("PROVIDER_STREAM_URL", cfg.ProviderConfig.StreamURL)
	if v, ok := os.LookupEnv("PROVIDER_MOCK_MODE"); ok {
		cfg.ProviderConfig.MockMode = v == "true"
	}
	if v, ok := os.LookupEnv("TRADING_DRY_RUN"); ok {
		cfg.ProviderConfig.DryRun = v == "true"
	}

	cfg.ConfluenceConfig.MinScore = getEnvFloatOrDefault("CONFLUENCE_MIN_SCORE", cfg.ConfluenceConfig.MinScore)
	cfg.RiskConfig.RiskFraction = getEnvFloatOrDefault("RISK_FRACTION", cfg.RiskConfig.RiskFraction)
	cfg.SafetyConfig.DailyLossLimit = getEnvFloatOrDefault("DAILY_LOSS_LIMIT", cfg.SafetyConfig.DailyLossLimit)
	cfg.SafetyConfig.ConfirmationMode = getEnvOrDefault("CONFIRMATION_MODE", cfg.SafetyConfig.ConfirmationMode)
	cfg.SafetyConfig.EmergencyStopFile = getEnvOrDefault("EMERGENCY_STOP_FILE", cfg.SafetyConfig.EmergencyStopFile)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", cfg.DatabaseConfig.SSLMode)

	if v, ok := os.LookupEnv("REDIS_ENABLED"); ok {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	if v, ok := os.LookupEnv("VAULT_ENABLED"); ok {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v, ok := os.LookupEnv("LOG_JSON"); ok {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.ConfluenceConfig.MinScore < 0 || c.ConfluenceConfig.MinScore > 1 {
		return fmt.Errorf("confluence min_score must be in [0,1], got %.2f", c.ConfluenceConfig.MinScore)
	}
	weightSum := c.ConfluenceConfig.AlignmentWeight + c.ConfluenceConfig.ZoneWeight + c.ConfluenceConfig.StructureWeight
	if weightSum < 0.99 || weightSum > 1.01 {
		return fmt.Errorf("confluence weights must sum to 1.0, got %.2f", weightSum)
	}
	if c.RiskConfig.RiskFraction <= 0 || c.RiskConfig.RiskFraction > 0.1 {
		return fmt.Errorf("risk_fraction must be in (0, 0.1], got %.4f", c.RiskConfig.RiskFraction)
	}
	if c.RiskConfig.MinRiskReward <= 0 || c.RiskConfig.MaxRiskReward < c.RiskConfig.MinRiskReward {
		return fmt.Errorf("invalid risk:reward bounds %.1f..%.1f", c.RiskConfig.MinRiskReward, c.RiskConfig.MaxRiskReward)
	}
	if c.SafetyConfig.ConfirmationMode != "manual" && c.SafetyConfig.ConfirmationMode != "automatic" {
		return fmt.Errorf("confirmation_mode must be \"manual\" or \"automatic\", got %q", c.SafetyConfig.ConfirmationMode)
	}
	if c.SafetyConfig.DailyLossLimit <= 0 || c.SafetyConfig.DailyLossLimit >= 1 {
		return fmt.Errorf("daily_loss_limit must be in (0,1), got %.2f", c.SafetyConfig.DailyLossLimit)
	}
	if c.LifecycleConfig.SignalHardExpiry < c.LifecycleConfig.SignalFreshness {
		return fmt.Errorf("signal_hard_expiry %v must not be below signal_freshness %v",
			c.LifecycleConfig.SignalHardExpiry, c.LifecycleConfig.SignalFreshness)
	}
	if c.LifecycleConfig.SessionClose != "" {
		if _, err := time.Parse("15:04", c.LifecycleConfig.SessionClose); err != nil {
			return fmt.Errorf("session_close must be HH:MM, got %q", c.LifecycleConfig.SessionClose)
		}
	}
	if len(c.MarketConfig.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
