// Package config loads process-wide settings from the environment,
// following the teacher's getEnv/getEnvFloat/getEnvInt helper pattern
// and godotenv bootstrap (pkg/config/config.go).
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// FeeTable mirrors matching.FeeTable at the config layer so the cost
// model can be assembled from plain environment variables without
// internal/matching depending on pkg/config.
type FeeTable struct {
	PerShareCommission  decimal.Decimal
	PerOrderCommission  decimal.Decimal
	SECFeePerMillion    decimal.Decimal
	TAFFeePerShare      decimal.Decimal
	FINRATAFCap         decimal.Decimal
	MakerRebatePerShare decimal.Decimal
	TakerFeePerShare    decimal.Decimal
}

// Config holds every process-wide and per-session-default setting
// enumerated in spec.md §6.
type Config struct {
	Port string

	DBPath       string
	WALDirectory string

	SessionTemplatesPath string

	JWTSecret      string
	RequireAuth    bool
	MaxSessions    int
	InitialCapital decimal.Decimal
	SpeedFactor    float64

	CheckpointIntervalEvents uint64
	EnableWAL                bool

	EnableLatency      bool
	FixedLatencyUs     int64
	RandomLatencyMaxUs int64

	EnableSlippage       bool
	FixedSlippageBps     decimal.Decimal
	RandomSlippageMaxBps decimal.Decimal

	EnableMarketImpact      bool
	MarketImpactBps         decimal.Decimal
	MarketImpactPerShareBps decimal.Decimal
	MarketImpactSqrtCoef    decimal.Decimal

	EnablePartialFills     bool
	PartialFillProbability float64
	RejectionProbability   float64

	AllowShorting       bool
	MaxPositionValue    decimal.Decimal
	MaxSingleOrderValue decimal.Decimal

	EnableMarginCallChecks  bool
	EnableForcedLiquidation bool
	MaintenanceMarginPct    decimal.Decimal

	Fees FeeTable

	WSQueueSize       int
	WSOverflowPolicy  string
	WSBatchSize       int
	WSFlushIntervalMs int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/broker-sim.db")
	}

	return &Config{
		Port: getEnv("PORT", "8080"),

		DBPath:       dbPath,
		WALDirectory: getEnv("WAL_DIRECTORY", "./data/wal"),

		SessionTemplatesPath: getEnv("SESSION_TEMPLATES_PATH", ""),

		JWTSecret:      getEnv("JWT_SECRET", "dev-secret"),
		RequireAuth:    getEnv("REQUIRE_AUTH", "false") == "true",
		MaxSessions:    getEnvInt("MAX_SESSIONS", 100),
		InitialCapital: getEnvDecimal("INITIAL_CAPITAL", "100000"),
		SpeedFactor:    getEnvFloat("SPEED_FACTOR", 1.0),

		CheckpointIntervalEvents: uint64(getEnvInt("CHECKPOINT_INTERVAL_EVENTS", 1000)),
		EnableWAL:                getEnv("ENABLE_WAL", "true") == "true",

		EnableLatency:      getEnv("ENABLE_LATENCY", "false") == "true",
		FixedLatencyUs:     int64(getEnvInt("FIXED_LATENCY_US", 0)),
		RandomLatencyMaxUs: int64(getEnvInt("RANDOM_LATENCY_MAX_US", 0)),

		EnableSlippage:       getEnv("ENABLE_SLIPPAGE", "false") == "true",
		FixedSlippageBps:     getEnvDecimal("FIXED_SLIPPAGE_BPS", "0"),
		RandomSlippageMaxBps: getEnvDecimal("RANDOM_SLIPPAGE_MAX_BPS", "0"),

		EnableMarketImpact:      getEnv("ENABLE_MARKET_IMPACT", "false") == "true",
		MarketImpactBps:         getEnvDecimal("MARKET_IMPACT_BPS", "0"),
		MarketImpactPerShareBps: getEnvDecimal("MARKET_IMPACT_PER_SHARE_BPS", "0"),
		MarketImpactSqrtCoef:    getEnvDecimal("MARKET_IMPACT_SQRT_COEF", "0"),

		EnablePartialFills:     getEnv("ENABLE_PARTIAL_FILLS", "true") == "true",
		PartialFillProbability: getEnvFloat("PARTIAL_FILL_PROBABILITY", 0),
		RejectionProbability:   getEnvFloat("REJECTION_PROBABILITY", 0),

		AllowShorting:       getEnv("ALLOW_SHORTING", "true") == "true",
		MaxPositionValue:    getEnvDecimal("MAX_POSITION_VALUE", "100000000"),
		MaxSingleOrderValue: getEnvDecimal("MAX_SINGLE_ORDER_VALUE", "10000000"),

		EnableMarginCallChecks:  getEnv("ENABLE_MARGIN_CALL_CHECKS", "true") == "true",
		EnableForcedLiquidation: getEnv("ENABLE_FORCED_LIQUIDATION", "false") == "true",
		MaintenanceMarginPct:    getEnvDecimal("MAINTENANCE_MARGIN_PCT", "0.25"),

		Fees: FeeTable{
			PerShareCommission:  getEnvDecimal("PER_SHARE_COMMISSION", "0"),
			PerOrderCommission:  getEnvDecimal("PER_ORDER_COMMISSION", "0"),
			SECFeePerMillion:    getEnvDecimal("SEC_FEE_PER_MILLION", "8.00"),
			TAFFeePerShare:      getEnvDecimal("TAF_FEE_PER_SHARE", "0.000119"),
			FINRATAFCap:         getEnvDecimal("FINRA_TAF_CAP", "5.95"),
			MakerRebatePerShare: getEnvDecimal("MAKER_REBATE_PER_SHARE", "0"),
			TakerFeePerShare:    getEnvDecimal("TAKER_FEE_PER_SHARE", "0"),
		},

		WSQueueSize:       getEnvInt("WS_QUEUE_SIZE", 1000),
		WSOverflowPolicy:  getEnv("WS_OVERFLOW_POLICY", "drop_oldest"),
		WSBatchSize:       getEnvInt("WS_BATCH_SIZE", 50),
		WSFlushIntervalMs: getEnvInt("WS_FLUSH_INTERVAL_MS", 50),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDecimal(key, def string) decimal.Decimal {
	v := getEnv(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(def)
	}
	return d
}
