// Package config loads ledgerd configuration. Values are layered: built-in
// defaults, then an optional YAML file, then LEDGER_* environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/custody_ledger/internal/chain"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

// Config is the full process configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Logging    logger.LoggingConfig `yaml:"logging"`
	Chain      ChainConfig          `yaml:"chain"`
	Signer     SignerConfig         `yaml:"signer"`
	Indexer    IndexerConfig        `yaml:"indexer"`
	Withdrawal WithdrawalConfig     `yaml:"withdrawal"`
	Sponsor    SponsorConfig        `yaml:"sponsor"`
	Transfers  TransfersConfig      `yaml:"transfers"`
	Auth       AuthConfig           `yaml:"auth"`
	RateLimit  RateLimitConfig      `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"LEDGER_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"LEDGER_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"LEDGER_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LEDGER_SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects Postgres when DSN is set. Without a DSN, state is
// kept in process memory and lost on exit, which is only accepted when
// AllowMemory is set for local development.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" env:"LEDGER_DATABASE_DSN"`
	AllowMemory     bool          `yaml:"allow_memory" env:"LEDGER_DATABASE_ALLOW_MEMORY"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"LEDGER_DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"LEDGER_DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"LEDGER_DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate" env:"LEDGER_DATABASE_MIGRATE"`
}

type ChainConfig struct {
	RPCURL    string              `yaml:"rpc_url" env:"LEDGER_NEO_RPC_URL"`
	NetworkID uint32              `yaml:"network_id" env:"LEDGER_NEO_NETWORK_MAGIC"`
	Timeout   time.Duration       `yaml:"timeout" env:"LEDGER_NEO_RPC_TIMEOUT"`
	BatchSize uint64              `yaml:"batch_size" env:"LEDGER_NEO_BATCH_SIZE"`
	Assets    []chain.AssetConfig `yaml:"assets"`
}

// SignerConfig carries key material. MasterSeed is hex encoded.
type SignerConfig struct {
	MasterSeed  string `yaml:"master_seed" env:"LEDGER_SIGNER_MASTER_SEED"`
	SponsorWIF  string `yaml:"sponsor_wif" env:"LEDGER_SIGNER_SPONSOR_WIF"`
	ValidBlocks uint32 `yaml:"valid_blocks" env:"LEDGER_SIGNER_VALID_BLOCKS"`
}

// Seed decodes the master seed.
func (s SignerConfig) Seed() ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s.MasterSeed), "0x"))
	if err != nil {
		return nil, fmt.Errorf("signer.master_seed: %w", err)
	}
	return seed, nil
}

type IndexerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"LEDGER_INDEXER_ENABLED"`
	Name         string        `yaml:"name" env:"LEDGER_INDEXER_NAME"`
	Interval     time.Duration `yaml:"interval" env:"LEDGER_INDEXER_INTERVAL"`
	CycleTimeout time.Duration `yaml:"cycle_timeout" env:"LEDGER_INDEXER_CYCLE_TIMEOUT"`
	StartHeight  uint64        `yaml:"start_height" env:"LEDGER_INDEXER_START_HEIGHT"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env:"LEDGER_INDEXER_MAX_BACKOFF"`
	Addresses    []string      `yaml:"addresses"`
}

type WithdrawalConfig struct {
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" env:"LEDGER_WITHDRAWAL_CONFIRMATION_TIMEOUT"`
	BuildingTimeout     time.Duration `yaml:"building_timeout" env:"LEDGER_WITHDRAWAL_BUILDING_TIMEOUT"`
	RecheckDelay        time.Duration `yaml:"recheck_delay" env:"LEDGER_WITHDRAWAL_RECHECK_DELAY"`
	SubmitAttempts      int           `yaml:"submit_attempts" env:"LEDGER_WITHDRAWAL_SUBMIT_ATTEMPTS"`
	ExpiryInterval      time.Duration `yaml:"expiry_interval" env:"LEDGER_WITHDRAWAL_EXPIRY_INTERVAL"`
	FeeAsset            string        `yaml:"fee_asset" env:"LEDGER_WITHDRAWAL_FEE_ASSET"`
}

// SponsorConfig sets the fee sponsorship budget. A zero limit is unset.
type SponsorConfig struct {
	DailyBudget       uint64            `yaml:"daily_budget" env:"LEDGER_SPONSOR_DAILY_BUDGET"`
	TotalBudget       uint64            `yaml:"total_budget" env:"LEDGER_SPONSOR_TOTAL_BUDGET"`
	PerUserDailyLimit uint64            `yaml:"per_user_daily_limit" env:"LEDGER_SPONSOR_PER_USER_DAILY_LIMIT"`
	DefaultFee        uint64            `yaml:"default_fee" env:"LEDGER_SPONSOR_DEFAULT_FEE"`
	FeeEstimates      map[string]uint64 `yaml:"fee_estimates"`
	RedisAddr         string            `yaml:"redis_addr" env:"LEDGER_SPONSOR_REDIS_ADDR"`
	RedisPassword     string            `yaml:"redis_password" env:"LEDGER_SPONSOR_REDIS_PASSWORD"`
	RedisDB           int               `yaml:"redis_db" env:"LEDGER_SPONSOR_REDIS_DB"`
	RedisPrefix       string            `yaml:"redis_prefix" env:"LEDGER_SPONSOR_REDIS_PREFIX"`
}

type TransfersConfig struct {
	Expiry        time.Duration `yaml:"expiry" env:"LEDGER_TRANSFERS_EXPIRY"`
	SweepSchedule string        `yaml:"sweep_schedule" env:"LEDGER_TRANSFERS_SWEEP_SCHEDULE"`
	SweepLimit    int           `yaml:"sweep_limit" env:"LEDGER_TRANSFERS_SWEEP_LIMIT"`
}

// AuthConfig enables RS256 bearer token checks. An empty PublicKey disables
// authentication.
type AuthConfig struct {
	PublicKey     string `yaml:"public_key" env:"LEDGER_AUTH_PUBLIC_KEY"`
	PublicKeyFile string `yaml:"public_key_file" env:"LEDGER_AUTH_PUBLIC_KEY_FILE"`
	Issuer        string `yaml:"issuer" env:"LEDGER_AUTH_ISSUER"`
	Audience      string `yaml:"audience" env:"LEDGER_AUTH_AUDIENCE"`
	OperatorRole  string `yaml:"operator_role" env:"LEDGER_AUTH_OPERATOR_ROLE"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"LEDGER_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"LEDGER_RATE_LIMIT_BURST"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Chain: ChainConfig{
			NetworkID: 894710606,
			Timeout:   15 * time.Second,
			BatchSize: 50,
		},
		Signer: SignerConfig{ValidBlocks: 100},
		Indexer: IndexerConfig{
			Enabled:      true,
			Name:         "neo",
			Interval:     5 * time.Second,
			CycleTimeout: 30 * time.Second,
			MaxBackoff:   time.Minute,
		},
		Withdrawal: WithdrawalConfig{
			ConfirmationTimeout: 2 * time.Minute,
			BuildingTimeout:     5 * time.Minute,
			RecheckDelay:        2 * time.Second,
			SubmitAttempts:      3,
			ExpiryInterval:      15 * time.Second,
			FeeAsset:            chain.FeeAsset,
		},
		Sponsor: SponsorConfig{
			DefaultFee:  10000000,
			RedisPrefix: "ledger:sponsor",
		},
		Transfers: TransfersConfig{
			Expiry:        30 * 24 * time.Hour,
			SweepSchedule: "@every 1m",
			SweepLimit:    100,
		},
		Auth:      AuthConfig{OperatorRole: "operator"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" && !c.Database.AllowMemory {
		problems = append(problems, "database.dsn is required unless database.allow_memory is set for development")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		problems = append(problems, "chain.rpc_url is required")
	}
	if strings.TrimSpace(c.Signer.MasterSeed) == "" {
		problems = append(problems, "signer.master_seed is required")
	} else if seed, err := c.Signer.Seed(); err != nil {
		problems = append(problems, err.Error())
	} else if len(seed) < 32 {
		problems = append(problems, "signer.master_seed must be at least 32 bytes")
	}
	if c.Indexer.Interval <= 0 {
		problems = append(problems, "indexer.interval must be positive")
	}
	if c.Withdrawal.ConfirmationTimeout <= 0 {
		problems = append(problems, "withdrawal.confirmation_timeout must be positive")
	}
	if c.Withdrawal.SubmitAttempts <= 0 {
		problems = append(problems, "withdrawal.submit_attempts must be positive")
	}
	if c.Transfers.Expiry <= 0 {
		problems = append(problems, "transfers.expiry must be positive")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		problems = append(problems, "rate_limit values must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
