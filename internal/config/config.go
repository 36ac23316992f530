// Package config defines the top-level configuration for the match sync
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MATCHSYNC_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Sync     SyncConfig     `toml:"sync"`
	Audit    AuditConfig    `toml:"audit"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Replay   ReplayConfig   `toml:"replay"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds the ledger endpoint and contract.
type ChainConfig struct {
	RPCURL          string `toml:"rpc_url"`
	ChainID         int64  `toml:"chain_id"`
	ContractAddress string `toml:"contract_address"`
	// RPCRateLimit is the sustained request rate in requests per second.
	RPCRateLimit float64  `toml:"rpc_rate_limit"`
	RPCBurst     int      `toml:"rpc_burst"`
	CallTimeout  duration `toml:"call_timeout"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters. Driver
// "memory" keeps the mirror in process for local runs.
type SupabaseConfig struct {
	Driver           string   `toml:"driver"`
	DSN              string   `toml:"dsn"`
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Database         string   `toml:"database"`
	User             string   `toml:"user"`
	Password         string   `toml:"password"`
	SSLMode          string   `toml:"ssl_mode"`
	PoolMaxConns     int      `toml:"pool_max_conns"`
	PoolMinConns     int      `toml:"pool_min_conns"`
	StatementTimeout duration `toml:"statement_timeout"`
	RunMigrations    bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it change notifications, the leader lock and API rate limiting are off.
type RedisConfig struct {
	Enabled         bool     `toml:"enabled"`
	URL             string   `toml:"url"`
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	DB              int      `toml:"db"`
	PoolSize        int      `toml:"pool_size"`
	MaxRetries      int      `toml:"max_retries"`
	TLSEnabled      bool     `toml:"tls_enabled"`
	ProfileCacheTTL duration `toml:"profile_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the event
// journal.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SyncConfig controls the poller.
type SyncConfig struct {
	Interval          duration `toml:"interval"`
	Confirmations     uint64   `toml:"confirmations"`
	MaxBlocksPerCycle uint64   `toml:"max_blocks_per_cycle"`
	StartBlock        uint64   `toml:"start_block"`
	LeaderLock        bool     `toml:"leader_lock"`
	LockTTL           duration `toml:"lock_ttl"`
	AlertAfter        int      `toml:"alert_after_failures"`
}

// AuditConfig controls the drift auditor. An Interval of 0 disables it.
type AuditConfig struct {
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	Repair    bool     `toml:"repair"`
}

// ReplayConfig selects the block range for replay mode.
type ReplayConfig struct {
	FromBlock uint64 `toml:"from_block"`
	ToBlock   uint64 `toml:"to_block"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the API when set; /api/health and /metrics stay open.
	APIKey string `toml:"api_key"`
	// ChainReadLimit caps direct ledger reads per client IP per window.
	ChainReadLimit  int      `toml:"chain_read_limit"`
	ChainReadWindow duration `toml:"chain_read_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:          "https://sepolia.base.org",
			ChainID:         84532,
			ContractAddress: "0x20E7979abDdE55F098a4Ec77edF2079685278F27",
			RPCRateLimit:    5,
			RPCBurst:        5,
			CallTimeout:     duration{15 * time.Second},
		},
		Supabase: SupabaseConfig{
			Driver:           "postgres",
			Host:             "localhost",
			Port:             5432,
			Database:         "postgres",
			User:             "postgres",
			SSLMode:          "disable",
			PoolMaxConns:     10,
			PoolMinConns:     2,
			StatementTimeout: duration{30 * time.Second},
			RunMigrations:    true,
		},
		Redis: RedisConfig{
			Enabled:         true,
			Addr:            "localhost:6379",
			PoolSize:        20,
			MaxRetries:      3,
			ProfileCacheTTL: duration{5 * time.Minute},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "matchsync-journal",
			ForcePathStyle: true,
		},
		Sync: SyncConfig{
			Interval:   duration{12 * time.Second},
			LockTTL:    duration{2 * time.Minute},
			AlertAfter: 5,
		},
		Audit: AuditConfig{
			Interval:  duration{10 * time.Minute},
			BatchSize: 100,
			Repair:    false,
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ChainReadLimit:  30,
			ChainReadWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"inconsistency", "cycle_failure", "drift"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// Operating modes.
const (
	ModeSync   = "sync"   // poll the ledger and maintain the mirror
	ModeServer = "server" // serve the read API over a mirror another process syncs
	ModeFull   = "full"   // sync and serve in one process
	ModeReplay = "replay" // re-apply journaled events for a block range, then exit
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeSync:   true,
	ModeServer: true,
	ModeFull:   true,
	ModeReplay: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsPoller reports whether the configured mode syncs from the ledger.
func (c *Config) RunsPoller() bool {
	m := strings.ToLower(c.Mode)
	return m == ModeSync || m == ModeFull
}

// RunsServer reports whether the configured mode serves the API.
func (c *Config) RunsServer() bool {
	m := strings.ToLower(c.Mode)
	return m == ModeServer || m == ModeFull
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, server, full, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" && mode != ModeReplay {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		errs = append(errs, fmt.Sprintf("chain: contract_address %q is not a hex address", c.Chain.ContractAddress))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.RPCRateLimit < 0 {
		errs = append(errs, "chain: rpc_rate_limit must be >= 0")
	}

	// Supabase
	switch strings.ToLower(c.Supabase.Driver) {
	case "memory":
		if mode == ModeServer {
			errs = append(errs, "supabase: driver memory cannot serve a mirror another process syncs")
		}
	case "postgres":
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 {
			errs = append(errs, "supabase: pool_min_conns must be >= 0")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("supabase: unknown driver %q (valid: postgres, memory)", c.Supabase.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: addr or url must be set when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	// Sync
	if c.RunsPoller() && c.Sync.Interval.Duration <= 0 {
		errs = append(errs, "sync: interval must be > 0")
	}
	if c.Sync.LeaderLock {
		if !c.Redis.Enabled {
			errs = append(errs, "sync: leader_lock requires redis.enabled")
		}
		if c.Sync.LockTTL.Duration <= c.Sync.Interval.Duration {
			errs = append(errs, "sync: lock_ttl must exceed interval")
		}
	}

	// Audit
	if c.Audit.Interval.Duration < 0 {
		errs = append(errs, "audit: interval must be >= 0")
	}
	if c.Audit.Interval.Duration > 0 && c.Audit.BatchSize < 1 {
		errs = append(errs, "audit: batch_size must be >= 1")
	}

	// Replay
	if mode == ModeReplay {
		if !c.S3.Enabled {
			errs = append(errs, "replay: requires s3.enabled for the event journal")
		}
		if c.Replay.ToBlock < c.Replay.FromBlock {
			errs = append(errs, fmt.Sprintf("replay: to_block %d is before from_block %d", c.Replay.ToBlock, c.Replay.FromBlock))
		}
	}

	// Server
	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.ChainReadLimit < 0 {
			errs = append(errs, "server: chain_read_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CursorKey identifies the poll cursor for this chain and contract.
func (c *Config) CursorKey() string {
	return fmt.Sprintf("%d:%s", c.Chain.ChainID, strings.ToLower(c.Chain.ContractAddress))
}
