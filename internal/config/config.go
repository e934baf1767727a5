package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Policy holds every numeric knob the engine consumes. Nothing in the core
// hardcodes these values; they arrive validated from the environment.
type Policy struct {
	// Underwriting.
	BaseCapUnits       int64
	MinFeeBps          int32
	MaxFeeBps          int32
	NewAgentTrust      float64
	UnderwritingWindow time.Duration
	UnderwritingLimit  int

	// Lifecycle TTLs.
	OfferTTL    time.Duration
	EnvelopeTTL time.Duration
	QuoteTTL    time.Duration

	// Ledger.
	WithdrawalDelay time.Duration
	PayoutFeeBps    int32

	// Circuit breaker.
	SettlementSampleFloor int
	RailSampleFloor       int
	MaxLossRate           float64
	MaxRailFailureRate    float64
	LargeSettlementCap    int64
	SampleLimit           int
	SampleWindow          time.Duration
}

// Config holds all runtime configuration derived from environment variables.
type Config struct {
	HTTPPort           string
	DatabaseURL        string
	RedisURL           string
	ClickHouseURL      string
	TelemetryWSURL     string
	SignerSeed         string
	RailTimeout        time.Duration
	PaymentStaleAfter  time.Duration
	SnapshotInterval   time.Duration
	PayoutPollInterval time.Duration
	PayoutBatchSize    int
	PublicRateLimitRPS int
	LogLevel           string
	IdempotencyTTL     time.Duration
	Policy             Policy
}

// Load reads environment variables using viper and returns a typed config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	bindEnv(v, "port", "PORT", "SETTLE_PORT")
	bindEnv(v, "database_url", "DATABASE_URL", "SETTLE_DATABASE_URL")
	bindEnv(v, "redis_url", "REDIS_URL", "SETTLE_REDIS_URL")
	bindEnv(v, "clickhouse_url", "CLICKHOUSE_URL", "SETTLE_CLICKHOUSE_URL")
	bindEnv(v, "telemetry_ws_url", "TELEMETRY_WS_URL", "SETTLE_TELEMETRY_WS_URL")
	bindEnv(v, "signer_seed", "RECEIPT_SIGNER_SEED", "SETTLE_RECEIPT_SIGNER_SEED")
	bindEnv(v, "rail_timeout", "RAIL_TIMEOUT")
	bindEnv(v, "payment_stale_after", "PAYMENT_STALE_AFTER")
	bindEnv(v, "snapshot_interval", "SNAPSHOT_INTERVAL")
	bindEnv(v, "payout_poll_interval", "PAYOUT_POLL_INTERVAL")
	bindEnv(v, "payout_batch_size", "PAYOUT_BATCH_SIZE")
	bindEnv(v, "public_rate_limit_rps", "PUBLIC_RATE_LIMIT_RPS")
	bindEnv(v, "log_level", "LOG_LEVEL")
	bindEnv(v, "idempotency_ttl", "IDEMPOTENCY_TTL")

	bindEnv(v, "base_cap_units", "POLICY_BASE_CAP_UNITS")
	bindEnv(v, "min_fee_bps", "POLICY_MIN_FEE_BPS")
	bindEnv(v, "max_fee_bps", "POLICY_MAX_FEE_BPS")
	bindEnv(v, "new_agent_trust", "POLICY_NEW_AGENT_TRUST")
	bindEnv(v, "underwriting_window", "POLICY_UNDERWRITING_WINDOW")
	bindEnv(v, "underwriting_limit", "POLICY_UNDERWRITING_LIMIT")
	bindEnv(v, "offer_ttl", "POLICY_OFFER_TTL")
	bindEnv(v, "envelope_ttl", "POLICY_ENVELOPE_TTL")
	bindEnv(v, "quote_ttl", "POLICY_QUOTE_TTL")
	bindEnv(v, "withdrawal_delay", "POLICY_WITHDRAWAL_DELAY")
	bindEnv(v, "payout_fee_bps", "POLICY_PAYOUT_FEE_BPS")
	bindEnv(v, "settlement_sample_floor", "POLICY_SETTLEMENT_SAMPLE_FLOOR")
	bindEnv(v, "rail_sample_floor", "POLICY_RAIL_SAMPLE_FLOOR")
	bindEnv(v, "max_loss_rate", "POLICY_MAX_LOSS_RATE")
	bindEnv(v, "max_rail_failure_rate", "POLICY_MAX_RAIL_FAILURE_RATE")
	bindEnv(v, "large_settlement_cap", "POLICY_LARGE_SETTLEMENT_CAP")
	bindEnv(v, "sample_limit", "POLICY_SAMPLE_LIMIT")
	bindEnv(v, "sample_window", "POLICY_SAMPLE_WINDOW")

	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("clickhouse_url", "")
	v.SetDefault("telemetry_ws_url", "")
	v.SetDefault("signer_seed", "")
	v.SetDefault("rail_timeout", "30s")
	v.SetDefault("payment_stale_after", "10m")
	v.SetDefault("snapshot_interval", "1h")
	v.SetDefault("payout_poll_interval", "10s")
	v.SetDefault("payout_batch_size", 10)
	v.SetDefault("public_rate_limit_rps", 25)
	v.SetDefault("log_level", "info")
	v.SetDefault("idempotency_ttl", "24h")

	v.SetDefault("base_cap_units", 10_000)
	v.SetDefault("min_fee_bps", 30)
	v.SetDefault("max_fee_bps", 500)
	v.SetDefault("new_agent_trust", 0.25)
	v.SetDefault("underwriting_window", "720h")
	v.SetDefault("underwriting_limit", 200)
	v.SetDefault("offer_ttl", "15m")
	v.SetDefault("envelope_ttl", "1h")
	v.SetDefault("quote_ttl", "5m")
	v.SetDefault("withdrawal_delay", "24h")
	v.SetDefault("payout_fee_bps", 100)
	v.SetDefault("settlement_sample_floor", 20)
	v.SetDefault("rail_sample_floor", 10)
	v.SetDefault("max_loss_rate", 0.05)
	v.SetDefault("max_rail_failure_rate", 0.25)
	v.SetDefault("large_settlement_cap", 50_000)
	v.SetDefault("sample_limit", 500)
	v.SetDefault("sample_window", "24h")

	cfg := &Config{
		HTTPPort:           v.GetString("port"),
		DatabaseURL:        v.GetString("database_url"),
		RedisURL:           v.GetString("redis_url"),
		ClickHouseURL:      v.GetString("clickhouse_url"),
		TelemetryWSURL:     v.GetString("telemetry_ws_url"),
		SignerSeed:         v.GetString("signer_seed"),
		PayoutBatchSize:    maxInt(v.GetInt("payout_batch_size"), 1),
		PublicRateLimitRPS: maxInt(v.GetInt("public_rate_limit_rps"), 1),
		LogLevel:           v.GetString("log_level"),
		Policy: Policy{
			BaseCapUnits:          v.GetInt64("base_cap_units"),
			MinFeeBps:             int32(v.GetInt("min_fee_bps")),
			MaxFeeBps:             int32(v.GetInt("max_fee_bps")),
			NewAgentTrust:         v.GetFloat64("new_agent_trust"),
			PayoutFeeBps:          int32(v.GetInt("payout_fee_bps")),
			UnderwritingLimit:     v.GetInt("underwriting_limit"),
			SettlementSampleFloor: v.GetInt("settlement_sample_floor"),
			RailSampleFloor:       v.GetInt("rail_sample_floor"),
			MaxLossRate:           v.GetFloat64("max_loss_rate"),
			MaxRailFailureRate:    v.GetFloat64("max_rail_failure_rate"),
			LargeSettlementCap:    v.GetInt64("large_settlement_cap"),
			SampleLimit:           v.GetInt("sample_limit"),
		},
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"rail_timeout", &cfg.RailTimeout},
		{"payment_stale_after", &cfg.PaymentStaleAfter},
		{"snapshot_interval", &cfg.SnapshotInterval},
		{"payout_poll_interval", &cfg.PayoutPollInterval},
		{"idempotency_ttl", &cfg.IdempotencyTTL},
		{"underwriting_window", &cfg.Policy.UnderwritingWindow},
		{"offer_ttl", &cfg.Policy.OfferTTL},
		{"envelope_ttl", &cfg.Policy.EnvelopeTTL},
		{"quote_ttl", &cfg.Policy.QuoteTTL},
		{"withdrawal_delay", &cfg.Policy.WithdrawalDelay},
		{"sample_window", &cfg.Policy.SampleWindow},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.name))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ToUpper(d.name), err)
		}
		*d.dst = parsed
	}

	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects policy combinations the engine cannot operate under.
func (p Policy) Validate() error {
	if p.BaseCapUnits <= 0 {
		return fmt.Errorf("POLICY_BASE_CAP_UNITS must be positive")
	}
	if p.MinFeeBps < 0 || p.MaxFeeBps < p.MinFeeBps {
		return fmt.Errorf("fee bps range invalid: min=%d max=%d", p.MinFeeBps, p.MaxFeeBps)
	}
	if p.NewAgentTrust < 0 || p.NewAgentTrust > 1 {
		return fmt.Errorf("POLICY_NEW_AGENT_TRUST must be in [0,1]")
	}
	if p.MaxLossRate <= 0 || p.MaxLossRate >= 1 {
		return fmt.Errorf("POLICY_MAX_LOSS_RATE must be in (0,1)")
	}
	if p.MaxRailFailureRate <= 0 || p.MaxRailFailureRate >= 1 {
		return fmt.Errorf("POLICY_MAX_RAIL_FAILURE_RATE must be in (0,1)")
	}
	if p.SettlementSampleFloor <= 0 || p.RailSampleFloor <= 0 {
		return fmt.Errorf("sample floors must be positive")
	}
	if p.SampleLimit < p.SettlementSampleFloor {
		return fmt.Errorf("POLICY_SAMPLE_LIMIT must be at least the settlement sample floor")
	}
	if p.LargeSettlementCap <= 0 {
		return fmt.Errorf("POLICY_LARGE_SETTLEMENT_CAP must be positive")
	}
	if p.WithdrawalDelay < 0 {
		return fmt.Errorf("POLICY_WITHDRAWAL_DELAY must not be negative")
	}
	if p.PayoutFeeBps < 0 || p.PayoutFeeBps > 10_000 {
		return fmt.Errorf("POLICY_PAYOUT_FEE_BPS must be in [0,10000]")
	}
	return nil
}

func bindEnv(v *viper.Viper, key string, names ...string) {
	args := append([]string{key}, names...)
	_ = v.BindEnv(args...)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
